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

// Package pooltesting provides fakes of the pool contracts that can be
// used to test connection managers without a real pool or real physical
// connections.
package pooltesting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/internal/conns"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
)

// FakeHandle is an application handle that records how often it was
// closed.
type FakeHandle struct {
	ID int

	closed atomic.Int32
	mc     atomic.Pointer[FakeManagedConnection]
	// OnClose, if set, is invoked by Close. It should be set before the
	// handle is shared with other goroutines.
	OnClose func(*FakeHandle)
}

// Close implements io.Closer.
func (h *FakeHandle) Close() error {
	h.closed.Add(1)
	if h.OnClose != nil {
		h.OnClose(h)
	}
	return nil
}

// CloseCount returns the number of times Close was called.
func (h *FakeHandle) CloseCount() int {
	return int(h.closed.Load())
}

// ManagedConnection returns the physical connection the handle currently
// points at.
func (h *FakeHandle) ManagedConnection() *FakeManagedConnection {
	return h.mc.Load()
}

func (h *FakeHandle) String() string {
	return fmt.Sprintf("FakeHandle[%d]", h.ID)
}

// FakeLocalTransaction is a tx.LocalTransaction that does nothing.
type FakeLocalTransaction struct {
	MC *FakeManagedConnection
}

func (l *FakeLocalTransaction) Begin(context.Context) error    { return nil }
func (l *FakeLocalTransaction) Commit(context.Context) error   { return nil }
func (l *FakeLocalTransaction) Rollback(context.Context) error { return nil }

// FakeXAResource is the tx.XAResource of a FakeManagedConnection.
type FakeXAResource struct {
	MC *FakeManagedConnection
}

// FakeManagedConnection is a physical connection that hands out
// *FakeHandle values. It supports both transaction protocols.
type FakeManagedConnection struct {
	Index int
	// Lazy is returned by LazyEnlistable.
	Lazy bool

	pool *FakePool
}

var (
	_ pool.ManagedConnection  = (*FakeManagedConnection)(nil)
	_ pool.LazyEnlistable     = (*FakeManagedConnection)(nil)
	_ pool.LocalTransactional = (*FakeManagedConnection)(nil)
	_ pool.XACapable          = (*FakeManagedConnection)(nil)
)

// Connection implements pool.ManagedConnection.
func (m *FakeManagedConnection) Connection(ctx context.Context, _ *credential.Credential) (pool.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handle := &FakeHandle{ID: m.pool.nextHandleID()}
	handle.mc.Store(m)
	return handle, nil
}

// AssociateConnection implements pool.ManagedConnection.
func (m *FakeManagedConnection) AssociateConnection(handle pool.Handle) error {
	fake, ok := handle.(*FakeHandle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	fake.mc.Store(m)
	return nil
}

// LazyEnlistable implements pool.LazyEnlistable.
func (m *FakeManagedConnection) LazyEnlistable() bool {
	return m.Lazy
}

// LocalTransaction implements pool.LocalTransactional.
func (m *FakeManagedConnection) LocalTransaction() (tx.LocalTransaction, error) {
	return &FakeLocalTransaction{MC: m}, nil
}

// XAResource implements pool.XACapable.
func (m *FakeManagedConnection) XAResource() (tx.XAResource, error) {
	return &FakeXAResource{MC: m}, nil
}

// FakeListener is a pool.ConnectionListener created by a FakePool.
type FakeListener struct {
	Index int

	cred *credential.Credential
	mc   *FakeManagedConnection

	mu sync.Mutex
	// +checklocks:mu
	handles conns.List[pool.Handle]
	// +checklocks:mu
	enlisted bool
}

var _ pool.ConnectionListener = (*FakeListener)(nil)

// Credential implements pool.ConnectionListener.
func (l *FakeListener) Credential() *credential.Credential {
	return l.cred
}

// ManagedConnection implements pool.ConnectionListener.
func (l *FakeListener) ManagedConnection() pool.ManagedConnection {
	return l.mc
}

// FakeManagedConnection returns the listener's physical connection.
func (l *FakeListener) FakeManagedConnection() *FakeManagedConnection {
	return l.mc
}

// Connection implements pool.ConnectionListener.
func (l *FakeListener) Connection(ctx context.Context) (pool.Handle, error) {
	handle, err := l.mc.Connection(ctx, l.cred)
	if err != nil {
		return nil, err
	}
	l.AddConnection(handle)
	return handle, nil
}

// Connections implements pool.ConnectionListener.
func (l *FakeListener) Connections() []pool.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles.Clone()
}

// AddConnection implements pool.ConnectionListener.
func (l *FakeListener) AddConnection(handle pool.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles.Add(handle)
}

// RemoveConnection implements pool.ConnectionListener.
func (l *FakeListener) RemoveConnection(handle pool.Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles.Remove(handle)
}

// ClearConnections implements pool.ConnectionListener.
func (l *FakeListener) ClearConnections() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles = nil
}

// Enlisted implements pool.ConnectionListener.
func (l *FakeListener) Enlisted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enlisted
}

// SetEnlisted implements pool.ConnectionListener.
func (l *FakeListener) SetEnlisted(enlisted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enlisted = enlisted
}

func (l *FakeListener) String() string {
	return fmt.Sprintf("FakeListener[%d]", l.Index)
}

// Returned records a call to FakePool.ReturnConnectionListener.
type Returned struct {
	Listener *FakeListener
	Kill     bool
}

// FakePool is a pool.Pool that creates a new listener for every request
// unless an idle listener with an equal credential was returned before.
// Listeners and handles are numbered sequentially, starting at 1.
type FakePool struct {
	// Lazy is copied to every physical connection the pool creates. It
	// should be set right after the pool is created.
	Lazy bool

	factory pool.ManagedConnectionFactory

	handleIndex atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	nextErr error
	// +checklocks:mu
	idle []*FakeListener
	// +checklocks:mu
	returned []Returned
	// +checklocks:mu
	enlisted []pool.ManagedConnection
	// +checklocks:mu
	shutdowns int
	// +checklocks:mu
	blocked chan struct{}
}

var _ pool.Pool = (*FakePool)(nil)

// NewFakePool constructs a new FakePool. The factory is only reported by
// ManagedConnectionFactory; it may be nil.
func NewFakePool(factory pool.ManagedConnectionFactory) *FakePool {
	return &FakePool{factory: factory}
}

// FailNext makes the next ConnectionListener call fail with err.
func (p *FakePool) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextErr = err
}

// Block makes ConnectionListener block until its context is done, as a
// pool at capacity would.
func (p *FakePool) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = make(chan struct{})
}

// ConnectionListener implements pool.Pool.
func (p *FakePool) ConnectionListener(ctx context.Context, cred *credential.Credential) (pool.ConnectionListener, error) {
	p.mu.Lock()
	blocked := p.blocked
	if err := p.nextErr; err != nil {
		p.nextErr = nil
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	if blocked != nil {
		select {
		case <-blocked:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, idle := range p.idle {
		if idle.cred.Equal(cred) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return idle, nil
		}
	}
	p.index++
	return &FakeListener{
		Index: p.index,
		cred:  cred,
		mc:    &FakeManagedConnection{Index: p.index, Lazy: p.Lazy, pool: p},
	}, nil
}

// ReturnConnectionListener implements pool.Pool.
func (p *FakePool) ReturnConnectionListener(listener pool.ConnectionListener, kill bool) error {
	fake, ok := listener.(*FakeListener)
	if !ok {
		return errors.New("listener not created by this pool")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returned = append(p.returned, Returned{Listener: fake, Kill: kill})
	if !kill {
		fake.SetEnlisted(false)
		p.idle = append(p.idle, fake)
	}
	return nil
}

// Enlist implements pool.Pool. It records the connection.
func (p *FakePool) Enlist(_ context.Context, mc pool.ManagedConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enlisted = append(p.enlisted, mc)
	return nil
}

// ManagedConnectionFactory implements pool.Pool.
func (p *FakePool) ManagedConnectionFactory() pool.ManagedConnectionFactory {
	return p.factory
}

// Shutdown implements pool.Pool. It counts the calls.
func (p *FakePool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdowns++
	return nil
}

// Returned returns a snapshot of the listeners given back to the pool.
func (p *FakePool) Returned() []Returned {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Returned(nil), p.returned...)
}

// Enlisted returns a snapshot of the connections passed to Enlist.
func (p *FakePool) Enlisted() []pool.ManagedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pool.ManagedConnection(nil), p.enlisted...)
}

// Shutdowns returns the number of Shutdown calls.
func (p *FakePool) Shutdowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdowns
}

func (p *FakePool) nextHandleID() int {
	return int(p.handleIndex.Add(1))
}
