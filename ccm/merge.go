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
	"errors"
	"fmt"

	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
)

// UserTransactionStarted is called when a transaction begins within the
// innermost unit of work of ctx. Listeners of the same transactional
// connection manager that share a credential are merged into one, so the
// transaction sees a single physical connection per credential. The
// remaining listeners are then offered to their manager for enlistment.
//
// Failures do not stop the merge. They are joined into a
// *connerr.ResourceError once every listener has been handled.
func (m *Manager) UserTransactionStarted(ctx context.Context) error {
	current := CurrentContext(ctx)
	if current == nil {
		m.logger.Debug("transaction started outside of a unit of work")
		return nil
	}
	var errs []error
	for _, cm := range current.managersSnapshot() {
		if cm.TransactionSupport() == tx.SupportNone {
			continue
		}
		listeners := current.Listeners(cm)
		if len(listeners) == 0 {
			continue
		}
		survivors, err := m.merge(ctx, current, cm, listeners)
		if err != nil {
			errs = append(errs, err)
		}
		for _, cl := range survivors {
			if err := cm.TransactionStarted(ctx, cl); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return connerr.NewResourceError("ccm: transaction started", errors.Join(errs...))
}

// listenerGroup is a set of listeners with equal credentials. The first
// listener survives the merge.
type listenerGroup struct {
	cred      *credential.Credential
	listeners []pool.ConnectionListener
}

// merge moves the handles of every listener that shares a credential with
// an earlier listener onto that earlier listener, and returns the
// listeners that are left.
func (m *Manager) merge(ctx context.Context, current *Context, cm ConnectionManager, listeners []pool.ConnectionListener) ([]pool.ConnectionListener, error) {
	buckets := map[uint64][]*listenerGroup{}
	var groups []*listenerGroup
	for _, cl := range listeners {
		cred := cl.Credential()
		hash := cred.Hash()
		var group *listenerGroup
		for _, candidate := range buckets[hash] {
			if candidate.cred.Equal(cred) {
				group = candidate
				break
			}
		}
		if group == nil {
			group = &listenerGroup{cred: cred}
			buckets[hash] = append(buckets[hash], group)
			groups = append(groups, group)
		}
		group.listeners = append(group.listeners, cl)
	}

	var errs []error
	survivors := make([]pool.ConnectionListener, 0, len(groups))
	for _, group := range groups {
		survivor := group.listeners[0]
		survivors = append(survivors, survivor)
		for _, donor := range group.listeners[1:] {
			if err := m.mergeInto(ctx, current, cm, survivor, donor); err != nil {
				errs = append(errs, err)
				// The donor keeps whatever it could not hand over and is
				// enlisted on its own.
				survivors = append(survivors, donor)
			}
		}
	}
	return survivors, errors.Join(errs...)
}

// mergeInto moves every handle of donor to survivor, including handles
// registered by enclosing units of work or obtained outside of any, and
// gives donor back to the pool.
func (m *Manager) mergeInto(ctx context.Context, current *Context, cm ConnectionManager, survivor, donor pool.ConnectionListener) error {
	mc := survivor.ManagedConnection()
	for _, handle := range donor.Connections() {
		if err := mc.AssociateConnection(handle); err != nil {
			return fmt.Errorf("associate %s: %w", handleID(handle), err)
		}
		donor.RemoveConnection(handle)
		survivor.AddConnection(handle)
		for frame := stackFromContext(ctx); frame != nil; frame = frame.parent {
			if !frame.context.Popped() {
				frame.context.move(cm, donor, survivor, handle)
			}
		}
	}
	m.logger.Debug("merged connection listener",
		zap.Any("context", current.key),
		zap.Stringer("credential", survivor.Credential()),
	)
	donor.ClearConnections()
	cm.ReturnConnectionListener(donor, false)
	return nil
}
