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
	"slices"
	"sync"

	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// closeSyncKey identifies the close synchronization of a manager in the
// transaction's resource map.
type closeSyncKey struct {
	mgr *Manager
}

// closeSync closes the connections left open by units of work of a
// transaction when that transaction completes.
type closeSync struct {
	mgr *Manager

	mu sync.Mutex
	// +checklocks:mu
	pending []registration
	// +checklocks:mu
	closing bool
}

var _ tx.Synchronization = (*closeSync)(nil)

// add reports whether the handle was accepted. Once closing has started
// it is not, and the caller closes the handle itself.
func (s *closeSync) add(reg registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	for _, existing := range s.pending {
		if existing.handle == reg.handle {
			return true
		}
	}
	s.pending = append(s.pending, reg)
	return true
}

func (s *closeSync) remove(handle pool.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.pending = slices.DeleteFunc(s.pending, func(reg registration) bool {
		return reg.handle == handle
	})
}

// BeforeCompletion implements tx.Synchronization. Some drivers need their
// connections closed before the transaction resource is finalized.
func (s *closeSync) BeforeCompletion() {
	s.closeAll()
}

// AfterCompletion implements tx.Synchronization. Rollbacks reach it
// without a prior BeforeCompletion.
func (s *closeSync) AfterCompletion(status tx.Status) {
	if !status.IsCompleted() {
		s.mgr.logger.Warn("transaction completion reported unfinished status", zap.Stringer("status", status))
	}
	s.closeAll()
}

func (s *closeSync) closeAll() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	// Handles of one listener share a physical connection. They are
	// closed one after the other so the listener sees its last handle go
	// exactly once.
	byListener := map[pool.ConnectionListener][]pool.Handle{}
	var listeners []pool.ConnectionListener
	for _, reg := range pending {
		if _, ok := byListener[reg.cl]; !ok {
			listeners = append(listeners, reg.cl)
		}
		byListener[reg.cl] = append(byListener[reg.cl], reg.handle)
	}
	var grp errgroup.Group
	grp.SetLimit(s.mgr.closeConcurrency)
	for _, cl := range listeners {
		handles := byListener[cl]
		grp.Go(func() error {
			for _, handle := range handles {
				s.mgr.closeConnection(handle)
			}
			return nil
		})
	}
	_ = grp.Wait()
}

// closeSynchronization returns the close synchronization of the active
// transaction of ctx, creating and registering it if create is true. It
// returns nil when there is no active transaction.
func (m *Manager) closeSynchronization(ctx context.Context, create bool) *closeSync {
	if m.integration == nil {
		return nil
	}
	txn, err := m.integration.TransactionManager().Transaction(ctx)
	if err != nil {
		m.logger.Warn("failed to look up transaction", zap.Error(err))
		return nil
	}
	if txn == nil {
		return nil
	}
	status, err := txn.Status()
	if err != nil {
		m.logger.Warn("failed to get transaction status", zap.Error(err))
		return nil
	}
	if !status.IsActive() {
		return nil
	}

	registry := m.integration.SynchronizationRegistry()
	key := closeSyncKey{mgr: m}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if existing, ok := registry.Resource(ctx, key).(*closeSync); ok {
		return existing
	}
	if !create {
		return nil
	}
	created := &closeSync{mgr: m}
	if err := registry.RegisterInterposedSynchronization(ctx, created); err != nil {
		m.logger.Warn("failed to register close synchronization", zap.Error(err))
		return nil
	}
	if err := registry.PutResource(ctx, key, created); err != nil {
		m.logger.Warn("failed to store close synchronization", zap.Error(err))
		return nil
	}
	return created
}
