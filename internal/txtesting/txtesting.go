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

// Package txtesting provides an in-memory transaction manager and
// synchronization registry for tests.
package txtesting

import (
	"context"
	"errors"
	"sync"

	"github.com/bufbuild/connmgr/tx"
)

// ErrNoTransaction is returned by registry operations when no transaction
// is active.
var ErrNoTransaction = errors.New("no transaction")

// FakeIntegration is a tx.Integration whose manager and registry share a
// single current transaction. Tests control it with Begin, Commit and
// Rollback.
type FakeIntegration struct {
	mu sync.Mutex
	// +checklocks:mu
	current *FakeTransaction
	// +checklocks:mu
	transactionErr error
}

var (
	_ tx.Integration             = (*FakeIntegration)(nil)
	_ tx.TransactionManager      = (*FakeIntegration)(nil)
	_ tx.SynchronizationRegistry = (*FakeIntegration)(nil)
)

// NewFakeIntegration returns an integration with no current transaction.
func NewFakeIntegration() *FakeIntegration {
	return &FakeIntegration{}
}

// TransactionManager implements tx.Integration.
func (i *FakeIntegration) TransactionManager() tx.TransactionManager {
	return i
}

// SynchronizationRegistry implements tx.Integration.
func (i *FakeIntegration) SynchronizationRegistry() tx.SynchronizationRegistry {
	return i
}

// Begin starts a new active transaction and makes it current.
func (i *FakeIntegration) Begin() *FakeTransaction {
	txn := &FakeTransaction{status: tx.StatusActive, resources: map[any]any{}}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = txn
	return txn
}

// Current returns the current transaction, or nil.
func (i *FakeIntegration) Current() *FakeTransaction {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

// FailTransaction makes Transaction return err until it is called again
// with nil.
func (i *FakeIntegration) FailTransaction(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transactionErr = err
}

// Commit completes the current transaction successfully: every
// synchronization gets BeforeCompletion, then AfterCompletion.
func (i *FakeIntegration) Commit() {
	txn := i.detach()
	if txn == nil {
		return
	}
	syncs := txn.synchronizations()
	for _, synchronization := range syncs {
		synchronization.BeforeCompletion()
	}
	txn.SetStatus(tx.StatusCommitted)
	for _, synchronization := range syncs {
		synchronization.AfterCompletion(tx.StatusCommitted)
	}
}

// Rollback completes the current transaction by rolling back. Only
// AfterCompletion is delivered.
func (i *FakeIntegration) Rollback() {
	txn := i.detach()
	if txn == nil {
		return
	}
	txn.SetStatus(tx.StatusRolledBack)
	for _, synchronization := range txn.synchronizations() {
		synchronization.AfterCompletion(tx.StatusRolledBack)
	}
}

func (i *FakeIntegration) detach() *FakeTransaction {
	i.mu.Lock()
	defer i.mu.Unlock()
	txn := i.current
	i.current = nil
	return txn
}

// Transaction implements tx.TransactionManager.
func (i *FakeIntegration) Transaction(context.Context) (tx.Transaction, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.transactionErr != nil {
		return nil, i.transactionErr
	}
	if i.current == nil {
		return nil, nil //nolint:nilnil // no transaction is not an error
	}
	return i.current, nil
}

// PutResource implements tx.SynchronizationRegistry.
func (i *FakeIntegration) PutResource(_ context.Context, key, value any) error {
	txn := i.Current()
	if txn == nil {
		return ErrNoTransaction
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.resources[key] = value
	return nil
}

// Resource implements tx.SynchronizationRegistry.
func (i *FakeIntegration) Resource(_ context.Context, key any) any {
	txn := i.Current()
	if txn == nil {
		return nil
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.resources[key]
}

// RegisterInterposedSynchronization implements tx.SynchronizationRegistry.
func (i *FakeIntegration) RegisterInterposedSynchronization(_ context.Context, synchronization tx.Synchronization) error {
	txn := i.Current()
	if txn == nil {
		return ErrNoTransaction
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.syncs = append(txn.syncs, synchronization)
	return nil
}

// FakeTransaction is a tx.Transaction that records enlisted resources.
type FakeTransaction struct {
	mu sync.Mutex
	// +checklocks:mu
	status tx.Status
	// +checklocks:mu
	enlistErr error
	// +checklocks:mu
	locals []tx.LocalTransaction
	// +checklocks:mu
	xaResources []tx.XAResource
	// +checklocks:mu
	syncs []tx.Synchronization
	// +checklocks:mu
	resources map[any]any
}

var _ tx.Transaction = (*FakeTransaction)(nil)

// Status implements tx.Transaction.
func (t *FakeTransaction) Status() (tx.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

// SetStatus changes the status reported by the transaction.
func (t *FakeTransaction) SetStatus(status tx.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

// FailEnlist makes subsequent enlistments fail with err.
func (t *FakeTransaction) FailEnlist(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enlistErr = err
}

// EnlistLocalTransaction implements tx.Transaction.
func (t *FakeTransaction) EnlistLocalTransaction(_ context.Context, local tx.LocalTransaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enlistErr != nil {
		return t.enlistErr
	}
	t.locals = append(t.locals, local)
	return nil
}

// EnlistXAResource implements tx.Transaction.
func (t *FakeTransaction) EnlistXAResource(_ context.Context, resource tx.XAResource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enlistErr != nil {
		return t.enlistErr
	}
	t.xaResources = append(t.xaResources, resource)
	return nil
}

// LocalTransactions returns the enlisted local transactions.
func (t *FakeTransaction) LocalTransactions() []tx.LocalTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tx.LocalTransaction(nil), t.locals...)
}

// XAResources returns the enlisted XA resources.
func (t *FakeTransaction) XAResources() []tx.XAResource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tx.XAResource(nil), t.xaResources...)
}

// Synchronizations returns the registered synchronizations.
func (t *FakeTransaction) Synchronizations() []tx.Synchronization {
	return t.synchronizations()
}

func (t *FakeTransaction) synchronizations() []tx.Synchronization {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tx.Synchronization(nil), t.syncs...)
}
