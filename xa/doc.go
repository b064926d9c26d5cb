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

// Package xa provides failover across redundant XA data sources.
//
// A [Selector] walks an ordered ring of [Endpoint] values. It keeps
// handing out the same endpoint until that endpoint is reported as
// failed, then moves on to the next one in ring order.
//
// A [ManagedConnectionFactory] uses a Selector to create physical
// connections: each call makes at most one pass over the ring, and
// reports a [connerr.ResourceError] naming every endpoint when all of
// them failed.
package xa

