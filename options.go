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

	"github.com/bufbuild/connmgr/ccm"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
)

// SubjectFactory returns the security subject of the caller of ctx. The
// subject and the request info passed to AllocateConnection together
// form the credential a connection is pooled under.
type SubjectFactory func(ctx context.Context) (any, error)

// Option is an option used to customize a ConnectionManager.
type Option interface {
	apply(*managerOptions)
}

// WithName names the connection manager in log messages.
func WithName(name string) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.name = name
	})
}

// WithLogger configures the logger of the connection manager. By default
// nothing is logged.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithTransactionIntegration gives the connection manager access to the
// transaction manager. It is required for local and XA transaction
// support.
func WithTransactionIntegration(integration tx.Integration) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.integration = integration
	})
}

// WithCachedConnectionManager makes the connection manager register every
// handle it hands out with mgr.
func WithCachedConnectionManager(mgr *ccm.Manager) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.ccm = mgr
	})
}

// WithLazyEnlistment defers the enlistment of connections that support it
// until they are used.
func WithLazyEnlistment(lazy bool) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.lazy = lazy
	})
}

// WithSubjectFactory configures how the subject of a credential is
// obtained. Without it, credentials have no subject.
func WithSubjectFactory(factory SubjectFactory) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.subjectFactory = factory
	})
}

type optionFunc func(*managerOptions)

func (f optionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	name           string
	logger         *zap.Logger
	integration    tx.Integration
	ccm            *ccm.Manager
	lazy           bool
	subjectFactory SubjectFactory
}

func (opts *managerOptions) applyDefaults(support tx.Support) {
	if opts.name == "" {
		opts.name = support.String()
	}
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.subjectFactory == nil {
		opts.subjectFactory = func(context.Context) (any, error) {
			return nil, nil //nolint:nilnil // no subject
		}
	}
}
