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
	"github.com/bufbuild/connmgr/internal"
	"github.com/bufbuild/connmgr/tx"
	"go.uber.org/zap"
)

// Option customizes a Manager.
type Option interface {
	apply(*managerOptions)
}

// WithLogger configures the logger of the manager. Leaked connections
// are reported at warn level, bookkeeping at debug level.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.logger = logger
	})
}

// WithTransactionIntegration lets the manager defer closing leaked
// connections to the end of the active transaction. Without it, leaked
// connections are always closed when their unit of work ends.
func WithTransactionIntegration(integration tx.Integration) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.integration = integration
	})
}

// WithDebug enables recording where each connection was allocated, so
// leaks can be reported with the allocation stack.
func WithDebug(debug bool) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.debug = debug
	})
}

// WithError makes PopContext return a *connerr.LeakDetectedError after
// closing leaked connections. It only has an effect in debug mode.
func WithError(err bool) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.err = err
	})
}

// WithIgnoreUnknownConnections makes UnregisterConnection silently accept
// handles it is not tracking.
func WithIgnoreUnknownConnections(ignore bool) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.ignoreUnknownConnections = ignore
	})
}

// WithCloseConcurrency bounds how many physical connections have their
// handles closed in parallel when a transaction completes. Handles of one
// physical connection are always closed in turn. The default is 8.
func WithCloseConcurrency(limit int) Option {
	return optionFunc(func(opts *managerOptions) {
		opts.closeConcurrency = limit
	})
}

type optionFunc func(*managerOptions)

func (f optionFunc) apply(opts *managerOptions) {
	f(opts)
}

type managerOptions struct {
	logger                   *zap.Logger
	integration              tx.Integration
	debug                    bool
	err                      bool
	ignoreUnknownConnections bool
	closeConcurrency         int
	clock                    internal.Clock
}

func (opts *managerOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.closeConcurrency <= 0 {
		opts.closeConcurrency = 8
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}
