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

	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
)

// enlister enlists a physical connection in a transaction using one
// transaction protocol.
type enlister interface {
	enlist(ctx context.Context, txn tx.Transaction, mc pool.ManagedConnection) error
}

func newEnlister(support tx.Support) (enlister, error) {
	switch support {
	case tx.SupportNone:
		return noEnlister{}, nil
	case tx.SupportLocal:
		return localEnlister{}, nil
	case tx.SupportXA:
		return xaEnlister{}, nil
	default:
		return nil, connerr.Configurationf("unknown transaction support %v", support)
	}
}

type noEnlister struct{}

func (noEnlister) enlist(context.Context, tx.Transaction, pool.ManagedConnection) error {
	return nil
}

type localEnlister struct{}

func (localEnlister) enlist(ctx context.Context, txn tx.Transaction, mc pool.ManagedConnection) error {
	transactional, ok := mc.(pool.LocalTransactional)
	if !ok {
		return connerr.Configurationf("%T does not support local transactions", mc)
	}
	local, err := transactional.LocalTransaction()
	if err != nil {
		return err
	}
	return txn.EnlistLocalTransaction(ctx, local)
}

type xaEnlister struct{}

func (xaEnlister) enlist(ctx context.Context, txn tx.Transaction, mc pool.ManagedConnection) error {
	capable, ok := mc.(pool.XACapable)
	if !ok {
		return connerr.Configurationf("%T does not support XA transactions", mc)
	}
	resource, err := capable.XAResource()
	if err != nil {
		return err
	}
	return txn.EnlistXAResource(ctx, resource)
}
