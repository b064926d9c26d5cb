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

// Package connmgr brokers pooled physical connections to concurrent
// callers and enlists them in transactions.
//
// A [ConnectionManager] sits between application code and a [pool.Pool].
// It is tagged with the transaction protocol it speaks, a [tx.Support]
// value given to [New]:
//
//   - [tx.SupportNone] hands out connections and never enlists them.
//   - [tx.SupportLocal] enlists each connection's local transaction in the
//     caller's transaction.
//   - [tx.SupportXA] enlists each connection's XA resource.
//
// A connection is enlisted when it is obtained, if the caller is inside a
// transaction that has not started to complete yet. With lazy enlistment
// configured, connections that support it are instead enlisted by the
// pool when they are first used (see [ConnectionManager.LazyEnlist]).
//
// # Leak Tracking
//
// When a [ccm.Manager] is attached with [WithCachedConnectionManager],
// every handle returned by [ConnectionManager.AllocateConnection] is
// registered with the unit of work of the caller's context, and
// [ConnectionManager.ConnectionClosed] unregisters it again. Whatever is
// still registered when the unit of work ends is closed by the cached
// connection manager:
//
//	mgr := ccm.New(ccm.WithDebug(true), ccm.WithLogger(logger))
//	cm, err := connmgr.New(tx.SupportXA, pool,
//	    connmgr.WithTransactionIntegration(integration),
//	    connmgr.WithCachedConnectionManager(mgr),
//	)
//	...
//	ctx = mgr.PushContext(ctx, "request")
//	defer mgr.PopContext(ctx)
//	handle, err := cm.AllocateConnection(ctx, nil, nil)
//
// # Errors
//
// Errors are described in package [connerr]. Failures of the pool and of
// the transaction manager are wrapped in a [*connerr.ResourceError] and
// never retried here. The cause stays reachable with errors.Is, so a
// context deadline given to AllocateConnection can be detected.
package connmgr
