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
	"fmt"
	"sync"

	"github.com/bufbuild/connmgr/internal/conns"
	"github.com/bufbuild/connmgr/pool"
)

// Context is the bookkeeping of one unit of work: which handles were
// obtained from which listener of which connection manager. A handle
// belongs to exactly one (manager, listener) pair. Handles must be
// comparable.
//
// A Context starts empty, is populated by registrations and ends when it
// is popped. It is never reused after that.
type Context struct {
	key any

	mu sync.Mutex
	// +checklocks:mu
	managers []ConnectionManager
	// +checklocks:mu
	listeners map[ConnectionManager]conns.List[pool.ConnectionListener]
	// +checklocks:mu
	handles map[pool.ConnectionListener]conns.List[pool.Handle]
	// +checklocks:mu
	popped bool
}

func newContext(key any) *Context {
	return &Context{
		key:       key,
		listeners: map[ConnectionManager]conns.List[pool.ConnectionListener]{},
		handles:   map[pool.ConnectionListener]conns.List[pool.Handle]{},
	}
}

// Key returns the key the unit of work was pushed with.
func (c *Context) Key() any {
	return c.key
}

// Popped reports whether the unit of work has ended.
func (c *Context) Popped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popped
}

// Handles returns the handles registered for the given manager and
// listener.
func (c *Context) Handles(cm ConnectionManager, cl pool.ConnectionListener) []pool.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listeners[cm].Contains(cl) {
		return nil
	}
	return c.handles[cl].Clone()
}

// Listeners returns the listeners of the given manager that have handles
// registered in this unit of work.
func (c *Context) Listeners(cm ConnectionManager) []pool.ConnectionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[cm].Clone()
}

func (c *Context) String() string {
	return fmt.Sprintf("ccm.Context[%v]", c.key)
}

// registration is a (manager, listener, handle) triple.
type registration struct {
	cm     ConnectionManager
	cl     pool.ConnectionListener
	handle pool.Handle
}

func (c *Context) register(cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(cm, cl, handle)
}

// +checklocks:c.mu
func (c *Context) registerLocked(cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) {
	listeners, ok := c.listeners[cm]
	if !ok {
		c.managers = append(c.managers, cm)
	}
	listeners.Add(cl)
	c.listeners[cm] = listeners
	handles := c.handles[cl]
	handles.Add(handle)
	c.handles[cl] = handles
}

func (c *Context) unregister(cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unregisterLocked(cm, cl, handle)
}

// +checklocks:c.mu
func (c *Context) unregisterLocked(cm ConnectionManager, cl pool.ConnectionListener, handle pool.Handle) bool {
	listeners := c.listeners[cm]
	if !listeners.Contains(cl) {
		return false
	}
	handles := c.handles[cl]
	if !handles.Remove(handle) {
		return false
	}
	if len(handles) > 0 {
		c.handles[cl] = handles
		return true
	}
	delete(c.handles, cl)
	listeners.Remove(cl)
	c.listeners[cm] = listeners
	return true
}

// move transfers handle from one listener of cm to another.
func (c *Context) move(cm ConnectionManager, from, to pool.ConnectionListener, handle pool.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unregisterLocked(cm, from, handle) {
		return false
	}
	c.registerLocked(cm, to, handle)
	return true
}

func (c *Context) managersSnapshot() []ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConnectionManager(nil), c.managers...)
}

// pop marks the context as ended and hands back everything that was still
// registered, in registration order.
func (c *Context) pop() []registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.popped {
		return nil
	}
	c.popped = true
	var registrations []registration
	for _, cm := range c.managers {
		for _, cl := range c.listeners[cm] {
			for _, handle := range c.handles[cl] {
				registrations = append(registrations, registration{cm: cm, cl: cl, handle: handle})
			}
		}
	}
	c.managers = nil
	clear(c.listeners)
	clear(c.handles)
	return registrations
}

type stackKey struct{}

// stack is an immutable frame of the per-task stack of units of work. A
// task pushes by deriving a new context.Context, so goroutines that do
// not share a context never observe each other's frames.
type stack struct {
	context *Context
	parent  *stack
}

func stackFromContext(ctx context.Context) *stack {
	s, _ := ctx.Value(stackKey{}).(*stack)
	return s
}

// top returns the innermost unit of work that has not been popped yet.
func (s *stack) top() *Context {
	for ; s != nil; s = s.parent {
		if !s.context.Popped() {
			return s.context
		}
	}
	return nil
}

func (s *stack) depth() int {
	var depth int
	for ; s != nil; s = s.parent {
		depth++
	}
	return depth
}

// CurrentContext returns the innermost unit of work of ctx that has not
// ended, or nil if there is none.
func CurrentContext(ctx context.Context) *Context {
	return stackFromContext(ctx).top()
}

// Keys returns the keys of the units of work of ctx that have not ended,
// innermost first.
func Keys(ctx context.Context) []any {
	var keys []any
	for s := stackFromContext(ctx); s != nil; s = s.parent {
		if !s.context.Popped() {
			keys = append(keys, s.context.key)
		}
	}
	return keys
}
