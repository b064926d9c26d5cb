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

package ccm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/internal"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
)

// ConnectionManager is what the cached connection manager needs from a
// connection manager. Implementations must be comparable.
type ConnectionManager interface {
	// TransactionSupport reports the transaction protocol of the manager.
	// Managers without transaction support are never merged.
	TransactionSupport() tx.Support
	// TransactionStarted enlists the listener in the transaction of ctx,
	// if it needs to be.
	TransactionStarted(ctx context.Context, cl pool.ConnectionListener) error
	// ReturnConnectionListener gives the listener back to its pool.
	ReturnConnectionListener(cl pool.ConnectionListener, kill bool)
}

// Manager is a cached connection manager. It tracks the connections each
// unit of work obtains, merges them when a transaction starts, and closes
// the ones that are left open when the unit of work ends.
//
// Units of work are carried by context.Context values: PushContext returns
// the context to use for the unit of work, and every other method looks
// up the innermost unit of work of the context it is given.
type Manager struct {
	logger           *zap.Logger
	integration      tx.Integration
	clock            internal.Clock
	closeConcurrency int

	debug                    atomic.Bool
	err                      atomic.Bool
	ignoreUnknownConnections atomic.Bool

	// Guards creation of per-transaction close synchronizations.
	syncMu sync.Mutex

	registryMu sync.Mutex
	// +checklocks:registryMu
	registry map[pool.Handle]allocation
}

// New returns a new cached connection manager.
func New(options ...Option) *Manager {
	var opts managerOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	mgr := &Manager{
		logger:           opts.logger,
		integration:      opts.integration,
		clock:            opts.clock,
		closeConcurrency: opts.closeConcurrency,
		registry:         map[pool.Handle]allocation{},
	}
	mgr.debug.Store(opts.debug)
	mgr.err.Store(opts.err)
	mgr.ignoreUnknownConnections.Store(opts.ignoreUnknownConnections)
	return mgr
}

// Start logs the configuration of the manager.
func (m *Manager) Start() {
	m.logger.Debug("starting cached connection manager",
		zap.Bool("debug", m.Debug()),
		zap.Bool("error", m.Error()),
		zap.Bool("ignoreUnknownConnections", m.IgnoreUnknownConnections()),
	)
}

// Stop forgets every recorded allocation.
func (m *Manager) Stop() {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	clear(m.registry)
	m.logger.Debug("stopped cached connection manager")
}

// PushContext starts a nested unit of work identified by key and returns
// the context to use for it. Pushes nest: every push should be matched by
// a PopContext with the returned context.
func (m *Manager) PushContext(ctx context.Context, key any) context.Context {
	parent := stackFromContext(ctx)
	frame := &stack{context: newContext(key), parent: parent}
	m.logger.Debug("push context", zap.Any("key", key), zap.Int("depth", frame.depth()))
	return context.WithValue(ctx, stackKey{}, frame)
}

// PopContext ends the unit of work started by the PushContext call that
// returned ctx. Popping it again does nothing. Every connection
// still registered with it is either handed to the active transaction, to
// be closed when the transaction completes, or closed right away.
//
// If connections had to be closed and both debug and error mode are on,
// a *connerr.LeakDetectedError is returned. The connections are closed
// regardless.
func (m *Manager) PopContext(ctx context.Context) error {
	frame := stackFromContext(ctx)
	if frame == nil {
		m.logger.Debug("pop context without unit of work")
		return nil
	}
	current := frame.context
	if current.Popped() {
		m.logger.Debug("unit of work already popped", zap.Any("key", current.key))
		return nil
	}
	registrations := current.pop()
	m.logger.Debug("pop context", zap.Any("key", current.key), zap.Int("connections", len(registrations)))
	if len(registrations) == 0 {
		return nil
	}

	deferred := m.closeSynchronization(ctx, true)
	var closed int
	for _, reg := range registrations {
		if deferred != nil && deferred.add(reg) {
			continue
		}
		m.closeConnection(reg.handle)
		closed++
	}
	if closed > 0 && m.Debug() && m.Error() {
		return &connerr.LeakDetectedError{Context: current.key, Count: closed}
	}
	return nil
}

// RegisterConnection records that handle was obtained from listener cl of
// cm within the innermost unit of work of ctx. Outside of any unit of work
// the handle is not tracked.
func (m *Manager) RegisterConnection(ctx context.Context, cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) {
	if m.Debug() {
		m.record(handle)
	}
	current := CurrentContext(ctx)
	if current == nil {
		m.logger.Debug("connection registered outside of a unit of work", zap.String("handle", handleID(handle)))
		return
	}
	current.register(cm, cl, handle)
}

// UnregisterConnection records that the application closed handle. It
// fails with a *connerr.UnknownConnectionError if the innermost unit of
// work of ctx does not track the handle, unless unknown connections are
// ignored. Outside of any unit of work it does nothing.
func (m *Manager) UnregisterConnection(ctx context.Context, cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) error {
	if deferred := m.closeSynchronization(ctx, false); deferred != nil {
		deferred.remove(handle)
	}
	m.forget(handle)

	current := CurrentContext(ctx)
	if current == nil {
		return nil
	}
	if current.unregister(cm, cl, handle) {
		return nil
	}
	if m.IgnoreUnknownConnections() {
		m.logger.Debug("ignoring unknown connection", zap.String("handle", handleID(handle)))
		return nil
	}
	return &connerr.UnknownConnectionError{Handle: handle}
}

// Debug reports whether allocations are recorded.
func (m *Manager) Debug() bool {
	return m.debug.Load()
}

// SetDebug turns recording of allocations on or off. Turning it off
// forgets every recorded allocation.
func (m *Manager) SetDebug(debug bool) {
	m.debug.Store(debug)
	if !debug {
		m.registryMu.Lock()
		defer m.registryMu.Unlock()
		clear(m.registry)
	}
}

// Error reports whether leaks make PopContext fail.
func (m *Manager) Error() bool {
	return m.err.Load()
}

// SetError sets whether leaks make PopContext fail.
func (m *Manager) SetError(err bool) {
	m.err.Store(err)
}

// IgnoreUnknownConnections reports whether unregistering an untracked
// handle is accepted.
func (m *Manager) IgnoreUnknownConnections() bool {
	return m.ignoreUnknownConnections.Load()
}

// SetIgnoreUnknownConnections sets whether unregistering an untracked
// handle is accepted.
func (m *Manager) SetIgnoreUnknownConnections(ignore bool) {
	m.ignoreUnknownConnections.Store(ignore)
}
