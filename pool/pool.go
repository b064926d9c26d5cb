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

// Package pool defines the contracts between the connection managers and
// the connection pool that owns physical connections.
//
// The pool is the only component that creates and destroys physical
// connections ([ManagedConnection]). For every physical connection it
// keeps a [ConnectionListener], which tracks whether the connection is
// enlisted in a transaction and which application handles currently
// reference it. Connection managers and the cached connection manager
// only borrow listeners and hand them back.
package pool

import (
	"context"

	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/tx"
)

// Handle is an application-facing connection object. Handles are used as
// map keys, so their dynamic type must be comparable (usually a pointer).
// A handle that implements io.Closer, or has a Close method without
// results, can be closed on the application's behalf.
type Handle any

// Pool supplies and reclaims connection listeners.
type Pool interface {
	// ConnectionListener returns a listener whose physical connection
	// matches cred. It may block while the pool is at capacity; it must
	// honor cancellation of ctx.
	ConnectionListener(ctx context.Context, cred *credential.Credential) (ConnectionListener, error)
	// ReturnConnectionListener gives a listener back to the pool. If kill
	// is true, the physical connection is destroyed.
	ReturnConnectionListener(listener ConnectionListener, kill bool) error
	// Enlist enlists the given physical connection in the transaction
	// associated with ctx. It is used for lazy enlistment.
	Enlist(ctx context.Context, mc ManagedConnection) error
	// ManagedConnectionFactory returns the factory used to create the
	// pool's physical connections.
	ManagedConnectionFactory() ManagedConnectionFactory
	// Shutdown stops the pool.
	Shutdown() error
}

// ConnectionListener wraps one physical connection on behalf of the pool.
type ConnectionListener interface {
	// Credential returns the credential the physical connection was
	// matched with.
	Credential() *credential.Credential
	// ManagedConnection returns the physical connection.
	ManagedConnection() ManagedConnection
	// Connection creates a new handle on the physical connection and adds
	// it to the listener's handles.
	Connection(ctx context.Context) (Handle, error)
	// Connections returns a snapshot of the handles referencing the
	// physical connection.
	Connections() []Handle
	// AddConnection adds a handle to the listener.
	AddConnection(handle Handle)
	// RemoveConnection removes a handle, reporting whether it was present.
	RemoveConnection(handle Handle) bool
	// ClearConnections removes all handles.
	ClearConnections()
	// Enlisted reports whether the physical connection is enlisted in a
	// transaction.
	Enlisted() bool
	// SetEnlisted records the enlistment state.
	SetEnlisted(enlisted bool)
}

// ManagedConnection is a physical connection.
type ManagedConnection interface {
	// Connection creates a new application handle for the given
	// credential.
	Connection(ctx context.Context, cred *credential.Credential) (Handle, error)
	// AssociateConnection re-points an existing handle at this physical
	// connection.
	AssociateConnection(handle Handle) error
}

// ManagedConnectionFactory creates physical connections.
type ManagedConnectionFactory interface {
	CreateManagedConnection(ctx context.Context, cred *credential.Credential) (ManagedConnection, error)
}

// LazyEnlistable is implemented by physical connections that can defer
// enlistment until their first real operation.
type LazyEnlistable interface {
	LazyEnlistable() bool
}

// LocalTransactional is implemented by physical connections that support
// the local transaction protocol.
type LocalTransactional interface {
	LocalTransaction() (tx.LocalTransaction, error)
}

// XACapable is implemented by physical connections that support the XA
// protocol.
type XACapable interface {
	XAResource() (tx.XAResource, error)
}

// IsLazyEnlistable reports whether mc advertises lazy enlistment support.
func IsLazyEnlistable(mc ManagedConnection) bool {
	lazy, ok := mc.(LazyEnlistable)
	return ok && lazy.LazyEnlistable()
}
