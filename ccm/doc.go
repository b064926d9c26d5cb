// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ccm implements a cached connection manager: it tracks the
// connections obtained during each unit of work and makes sure none of
// them outlives it.
//
// A unit of work is started with [Manager.PushContext], which returns the
// context.Context to use until the matching [Manager.PopContext]. Units
// of work nest, and each goroutine only sees the units of work of the
// contexts it was given, so no locking is needed between tasks.
//
//	ctx = mgr.PushContext(ctx, "request-42")
//	defer func() {
//		if err := mgr.PopContext(ctx); err != nil {
//			logger.Warn("connection leak", zap.Error(err))
//		}
//	}()
//
// Connections still registered when a unit of work ends are leaks. If a
// transaction is active, they are closed when it completes; otherwise they
// are closed immediately. In debug mode the allocation stack of every
// connection is recorded, so that leaks can be reported with it.
package ccm
