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

package connmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/connmgr/ccm"
	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
)

// errWrongFactory is reported when a connection is requested for a
// managed connection factory other than the pool's.
var errWrongFactory = errors.New("wrong managed connection factory")

// ConnectionManager hands out connections from a pool and enlists them in
// the caller's transaction. It is safe for concurrent use.
type ConnectionManager struct {
	name           string
	support        tx.Support
	pool           pool.Pool
	logger         *zap.Logger
	integration    tx.Integration
	ccm            *ccm.Manager
	lazy           bool
	subjectFactory SubjectFactory
	enlister       enlister

	shutdown atomic.Bool

	// Serializes removing a handle from a listener with the check that
	// decides whether the listener goes back to the pool.
	listenerMu sync.Mutex
}

var _ ccm.ConnectionManager = (*ConnectionManager)(nil)

// New returns a connection manager with the given transaction support on
// top of p. Local and XA support require WithTransactionIntegration.
func New(support tx.Support, p pool.Pool, options ...Option) (*ConnectionManager, error) {
	if p == nil {
		return nil, connerr.Configurationf("no pool configured")
	}
	enlister, err := newEnlister(support)
	if err != nil {
		return nil, err
	}
	var opts managerOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults(support)
	if support != tx.SupportNone && opts.integration == nil {
		return nil, connerr.Configurationf("%s: %v transaction support requires a transaction integration", opts.name, support)
	}
	return &ConnectionManager{
		name:           opts.name,
		support:        support,
		pool:           p,
		logger:         opts.logger.With(zap.String("manager", opts.name)),
		integration:    opts.integration,
		ccm:            opts.ccm,
		lazy:           opts.lazy,
		subjectFactory: opts.subjectFactory,
		enlister:       enlister,
	}, nil
}

// Name returns the name used in log messages.
func (m *ConnectionManager) Name() string {
	return m.name
}

// TransactionSupport returns the transaction protocol of the manager.
func (m *ConnectionManager) TransactionSupport() tx.Support {
	return m.support
}

// Pool returns the pool connections are obtained from.
func (m *ConnectionManager) Pool() pool.Pool {
	return m.pool
}

// AllocateConnection returns a new application handle for the caller of
// ctx. The handle is pooled under the credential made of the caller's
// subject and requestInfo. If factory is non-nil it must be the pool's
// managed connection factory.
func (m *ConnectionManager) AllocateConnection(ctx context.Context, factory pool.ManagedConnectionFactory, requestInfo any) (pool.Handle, error) {
	if m.IsShutdown() {
		return nil, connerr.ErrShutdown
	}
	if factory != nil && factory != m.pool.ManagedConnectionFactory() {
		return nil, connerr.NewResourceError("allocate connection", errWrongFactory)
	}
	subject, err := m.subjectFactory(ctx)
	if err != nil {
		return nil, connerr.NewResourceError("allocate connection: subject", err)
	}
	cl, err := m.ConnectionListener(ctx, credential.New(subject, requestInfo))
	if err != nil {
		return nil, err
	}
	handle, err := cl.Connection(ctx)
	if err != nil {
		m.ReturnConnectionListener(cl, true)
		return nil, connerr.NewResourceError("allocate connection: handle", err)
	}
	if m.ccm != nil {
		m.ccm.RegisterConnection(ctx, m, cl, handle)
	}
	return handle, nil
}

// ConnectionListener obtains a listener for cred from the pool and, when
// the caller is inside a transaction, enlists it. A listener that could
// not be enlisted is given back to the pool.
func (m *ConnectionManager) ConnectionListener(ctx context.Context, cred *credential.Credential) (pool.ConnectionListener, error) {
	if m.IsShutdown() {
		return nil, connerr.ErrShutdown
	}
	cl, err := m.pool.ConnectionListener(ctx, cred)
	if err != nil {
		return nil, connerr.NewResourceError("get connection listener", err)
	}
	if err := m.enlistIfNeeded(ctx, cl); err != nil {
		m.ReturnConnectionListener(cl, false)
		return nil, err
	}
	return cl, nil
}

// TransactionStarted enlists cl in the transaction that just started, if
// it needs to be.
func (m *ConnectionManager) TransactionStarted(ctx context.Context, cl pool.ConnectionListener) error {
	return m.enlistIfNeeded(ctx, cl)
}

// ReturnConnectionListener gives cl back to the pool. When kill is true,
// the physical connection is destroyed.
func (m *ConnectionManager) ReturnConnectionListener(cl pool.ConnectionListener, kill bool) {
	if err := m.pool.ReturnConnectionListener(cl, kill); err != nil {
		level := zap.WarnLevel
		if kill {
			level = zap.DebugLevel
		}
		m.logger.Log(level, "failed to return connection listener", zap.Bool("kill", kill), zap.Error(err))
	}
}

// ConnectionClosed is called when the application closed handle, which
// was obtained from cl. The listener is given back to the pool once it has
// no handles left and is not enlisted in a transaction.
func (m *ConnectionManager) ConnectionClosed(ctx context.Context, cl pool.ConnectionListener, handle pool.Handle) error {
	var err error
	if m.ccm != nil {
		err = m.ccm.UnregisterConnection(ctx, m, cl, handle)
	}
	if m.releaseHandle(cl, handle) {
		m.ReturnConnectionListener(cl, false)
	}
	return err
}

// releaseHandle removes handle from cl and reports whether it was the
// last handle of a listener that is not enlisted. Only the caller that
// gets true may return the listener.
func (m *ConnectionManager) releaseHandle(cl pool.ConnectionListener, handle pool.Handle) bool {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if !cl.RemoveConnection(handle) {
		return false
	}
	return len(cl.Connections()) == 0 && !cl.Enlisted()
}

// ConnectionErrorOccurred is called when the physical connection of cl
// failed. Its handles are unregistered and dropped, and the listener is
// destroyed.
func (m *ConnectionManager) ConnectionErrorOccurred(ctx context.Context, cl pool.ConnectionListener, handle pool.Handle) error {
	m.logger.Debug("connection error occurred", zap.Any("handle", handle))
	var errs []error
	if m.ccm != nil {
		for _, h := range cl.Connections() {
			if err := m.ccm.UnregisterConnection(ctx, m, cl, h); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.listenerMu.Lock()
	cl.ClearConnections()
	m.listenerMu.Unlock()
	m.ReturnConnectionListener(cl, true)
	return errors.Join(errs...)
}

// LazyEnlist enlists mc in the caller's transaction now. It requires lazy
// enlistment to be configured and mc to support it.
func (m *ConnectionManager) LazyEnlist(ctx context.Context, mc pool.ManagedConnection) error {
	if m.IsShutdown() {
		return connerr.ErrShutdown
	}
	if !m.lazy {
		return connerr.Configurationf("%s: lazy enlistment not enabled", m.name)
	}
	if !pool.IsLazyEnlistable(mc) {
		return connerr.Configurationf("%s: %T does not support lazy enlistment", m.name, mc)
	}
	return connerr.NewResourceError("lazy enlist", m.pool.Enlist(ctx, mc))
}

// Shutdown shuts the manager and its pool down. Calling it again does
// nothing.
func (m *ConnectionManager) Shutdown() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	m.logger.Debug("shutting down")
	return connerr.NewResourceError("shutdown pool", m.pool.Shutdown())
}

// IsShutdown reports whether Shutdown was called.
func (m *ConnectionManager) IsShutdown() bool {
	return m.shutdown.Load()
}

// shouldEnlist is false when enlistment of mc is left to the pool.
func (m *ConnectionManager) shouldEnlist(mc pool.ManagedConnection) bool {
	return !(m.lazy && pool.IsLazyEnlistable(mc))
}

func (m *ConnectionManager) enlistIfNeeded(ctx context.Context, cl pool.ConnectionListener) error {
	if m.support == tx.SupportNone || cl.Enlisted() {
		return nil
	}
	mc := cl.ManagedConnection()
	if !m.shouldEnlist(mc) {
		return nil
	}
	txn, err := m.integration.TransactionManager().Transaction(ctx)
	if err != nil {
		return connerr.NewResourceError("get transaction", err)
	}
	if txn == nil {
		return nil
	}
	status, err := txn.Status()
	if err != nil {
		return connerr.NewResourceError("get transaction status", err)
	}
	if !status.IsUncommitted() {
		return nil
	}
	if err := m.enlister.enlist(ctx, txn, mc); err != nil {
		return connerr.NewResourceError("enlist", err)
	}
	cl.SetEnlisted(true)
	m.logger.Debug("enlisted connection", zap.Stringer("credential", cl.Credential()), zap.Stringer("status", status))
	return nil
}
