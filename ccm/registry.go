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
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/bufbuild/connmgr/pool"
	"go.uber.org/zap"
)

// allocation records where and when a handle was obtained.
type allocation struct {
	stack string
	at    time.Time
}

func (m *Manager) record(handle pool.Handle) {
	alloc := allocation{
		// Skip record and RegisterConnection.
		stack: zap.StackSkip("", 2).String,
		at:    m.clock.Now(),
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	m.registry[handle] = alloc
}

func (m *Manager) forget(handle pool.Handle) (allocation, bool) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	alloc, ok := m.registry[handle]
	delete(m.registry, handle)
	return alloc, ok
}

// NumberOfConnections returns the number of recorded allocations. It is
// zero unless debug mode is on.
func (m *Manager) NumberOfConnections() int {
	if !m.Debug() {
		return 0
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	return len(m.registry)
}

// ListConnections maps an identifier of every tracked handle to the stack
// that allocated it. It is empty unless debug mode is on.
func (m *Manager) ListConnections() map[string]string {
	result := map[string]string{}
	if !m.Debug() {
		return result
	}
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	for handle, alloc := range m.registry {
		result[handleID(handle)] = alloc.stack
	}
	return result
}

// closeConnection closes a handle on behalf of the application. It is
// safe to call from any goroutine, including transaction completion
// callbacks.
func (m *Manager) closeConnection(handle pool.Handle) {
	id := handleID(handle)
	if alloc, ok := m.forget(handle); ok {
		m.logger.Warn("closing a connection for you, please close them yourself",
			zap.String("handle", id),
			zap.Duration("age", m.clock.Since(alloc.at)),
			zap.String("allocation", alloc.stack),
		)
	} else {
		m.logger.Debug("closing a connection for you", zap.String("handle", id))
	}

	var err error
	switch closer := handle.(type) {
	case io.Closer:
		err = closer.Close()
	case interface{ Close() }:
		closer.Close()
	default:
		m.logger.Warn("connection has no close method", zap.String("handle", id))
		return
	}
	if err != nil {
		m.logger.Warn("failed to close connection", zap.String("handle", id), zap.Error(err))
	}
}

func handleID(handle pool.Handle) string {
	if stringer, ok := handle.(fmt.Stringer); ok {
		return stringer.String()
	}
	switch reflect.ValueOf(handle).Kind() { //nolint:exhaustive
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Slice, reflect.UnsafePointer:
		return fmt.Sprintf("%T@%p", handle, handle)
	default:
		return fmt.Sprintf("%T(%v)", handle, handle)
	}
}
