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

// Package tx describes the transaction-manager integration that the
// connection managers depend on. The transaction manager itself is not
// part of this module: applications adapt their own implementation to the
// interfaces defined here.
//
// A transaction is associated with a unit of work through the
// [context.Context] passed to [TransactionManager.Transaction]; the
// synchronization registry is scoped to the transaction found the same
// way.
package tx

import (
	"context"
	"fmt"
	"strings"
)

// Support is the level of transaction support of a connection manager.
type Support int

const (
	// SupportNone never enlists connections.
	SupportNone = Support(iota)
	// SupportLocal enlists connections with the one-phase local protocol.
	SupportLocal
	// SupportXA enlists connections with the two-phase XA protocol.
	SupportXA
)

// ParseSupport parses the names produced by [Support.String]. The match
// is case-insensitive and also accepts the descriptor spellings
// "NoTransaction", "LocalTransaction" and "XATransaction".
func ParseSupport(s string) (Support, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "notransaction", "":
		return SupportNone, nil
	case "local", "localtransaction":
		return SupportLocal, nil
	case "xa", "xatransaction":
		return SupportXA, nil
	default:
		return SupportNone, fmt.Errorf("unknown transaction support %q", s)
	}
}

func (s Support) String() string {
	switch s {
	case SupportNone:
		return "none"
	case SupportLocal:
		return "local"
	case SupportXA:
		return "xa"
	default:
		return fmt.Sprintf("Support(%d)", s)
	}
}

// Status is the status of a transaction.
type Status int

const (
	// StatusActive means work may still be done in the transaction.
	StatusActive = Status(iota)
	// StatusMarkedRollback means the transaction can only roll back.
	StatusMarkedRollback
	// StatusPrepared means every participant voted to commit.
	StatusPrepared
	// StatusCommitted means the transaction committed.
	StatusCommitted
	// StatusRolledBack means the transaction rolled back.
	StatusRolledBack
	// StatusUnknown means the status cannot be determined.
	StatusUnknown
	// StatusNoTransaction means there is no transaction.
	StatusNoTransaction
	// StatusPreparing means participants are being asked to prepare.
	StatusPreparing
	// StatusCommitting means the transaction is committing.
	StatusCommitting
	// StatusRollingBack means the transaction is rolling back.
	StatusRollingBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked-rollback"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	case StatusUnknown:
		return "unknown"
	case StatusNoTransaction:
		return "no-transaction"
	case StatusPreparing:
		return "preparing"
	case StatusCommitting:
		return "committing"
	case StatusRollingBack:
		return "rolling-back"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// IsActive reports whether work may still be done in a transaction with
// this status.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// IsUncommitted reports whether the transaction has not started to
// complete: it is active or only marked for rollback.
func (s Status) IsUncommitted() bool {
	return s == StatusActive || s == StatusMarkedRollback
}

// IsCompleted reports whether the transaction finished.
func (s Status) IsCompleted() bool {
	switch s { //nolint:exhaustive
	case StatusCommitted, StatusRolledBack, StatusNoTransaction:
		return true
	default:
		return false
	}
}

// Transaction is an ambient transaction.
type Transaction interface {
	// Status returns the current status of the transaction.
	Status() (Status, error)
	// EnlistLocalTransaction makes the given local transaction participate
	// in this transaction.
	EnlistLocalTransaction(ctx context.Context, local LocalTransaction) error
	// EnlistXAResource makes the given XA resource participate in this
	// transaction.
	EnlistXAResource(ctx context.Context, resource XAResource) error
}

// LocalTransaction is the one-phase transaction protocol of a physical
// connection.
type LocalTransaction interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// XAResource is the two-phase transaction protocol of a physical
// connection. Its methods are only invoked by the transaction manager, so
// it is opaque here.
type XAResource interface{}

// TransactionManager locates the transaction associated with a context.
type TransactionManager interface {
	// Transaction returns the transaction associated with ctx, or nil if
	// there is none.
	Transaction(ctx context.Context) (Transaction, error)
}

// SynchronizationRegistry stores per-transaction resources and
// synchronization callbacks for the transaction associated with a
// context.
type SynchronizationRegistry interface {
	// PutResource stores value under key for the current transaction.
	PutResource(ctx context.Context, key, value any) error
	// Resource returns the value stored under key for the current
	// transaction, or nil.
	Resource(ctx context.Context, key any) any
	// RegisterInterposedSynchronization adds a callback that is invoked
	// around the completion of the current transaction.
	RegisterInterposedSynchronization(ctx context.Context, sync Synchronization) error
}

// Synchronization is notified around the completion of a transaction.
// Both methods may be called from a goroutine other than the one that
// registered the synchronization, for example when a transaction timeout
// triggers an asynchronous rollback. BeforeCompletion is not called on
// every rollback path.
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// Integration bundles the transaction manager and its synchronization
// registry.
type Integration interface {
	TransactionManager() TransactionManager
	SynchronizationRegistry() SynchronizationRegistry
}
