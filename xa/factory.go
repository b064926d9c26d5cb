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

package xa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/credential"
	"github.com/bufbuild/connmgr/pool"
	"go.uber.org/zap"
)

// Dialer creates a physical connection against a single endpoint.
type Dialer func(ctx context.Context, endpoint Endpoint, cred *credential.Credential) (pool.ManagedConnection, error)

// FactoryOption customizes a ManagedConnectionFactory.
type FactoryOption interface {
	apply(*ManagedConnectionFactory)
}

// WithLogger configures the logger used to report endpoint failures.
func WithLogger(logger *zap.Logger) FactoryOption {
	return factoryOptionFunc(func(f *ManagedConnectionFactory) {
		f.logger = logger
	})
}

type factoryOptionFunc func(*ManagedConnectionFactory)

func (f factoryOptionFunc) apply(factory *ManagedConnectionFactory) {
	f(factory)
}

// ManagedConnectionFactory creates physical connections against a ring of
// redundant endpoints, failing over to the next endpoint when one fails.
type ManagedConnectionFactory struct {
	selector *Selector
	dial     Dialer
	logger   *zap.Logger

	// Serializes failover passes so that concurrent callers do not
	// advance the shared selector from under each other.
	mu sync.Mutex
}

var _ pool.ManagedConnectionFactory = (*ManagedConnectionFactory)(nil)

// NewManagedConnectionFactory returns a factory over endpoints that uses
// dial to create connections.
func NewManagedConnectionFactory(endpoints []Endpoint, dial Dialer, options ...FactoryOption) (*ManagedConnectionFactory, error) {
	if dial == nil {
		return nil, connerr.Configurationf("xa: no dialer configured")
	}
	selector, err := NewSelector(endpoints)
	if err != nil {
		return nil, err
	}
	factory := &ManagedConnectionFactory{selector: selector, dial: dial}
	for _, opt := range options {
		opt.apply(factory)
	}
	if factory.logger == nil {
		factory.logger = zap.NewNop()
	}
	return factory, nil
}

// Selector returns the selector tracking the active endpoint.
func (f *ManagedConnectionFactory) Selector() *Selector {
	return f.selector
}

// CreateManagedConnection implements pool.ManagedConnectionFactory. It
// tries each endpoint at most once, starting at the active one. When all
// of them fail, the selector is reset and a *connerr.ResourceError that
// lists every endpoint and joins every failure is returned.
func (f *ManagedConnectionFactory) CreateManagedConnection(ctx context.Context, cred *credential.Credential) (pool.ManagedConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for attempt := 0; attempt < f.selector.Len(); attempt++ {
		if err := ctx.Err(); err != nil {
			// The pass is abandoned; the sticky endpoint is left alone
			// since it did not fail.
			return nil, connerr.NewResourceError("xa: create connection", err)
		}
		endpoint := f.selector.Active()
		mc, err := f.dial(ctx, endpoint, cred)
		if err == nil {
			return mc, nil
		}
		f.logger.Debug("xa endpoint failed", zap.String("url", endpoint.URL), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", endpoint.URL, err))
		f.selector.Fail(endpoint)
	}
	f.selector.Reset()
	urls := make([]string, 0, f.selector.Len())
	for _, endpoint := range f.selector.Endpoints() {
		urls = append(urls, endpoint.URL)
	}
	f.logger.Warn("all xa endpoints failed", zap.Strings("urls", urls))
	return nil, connerr.NewResourceError(
		"xa: could not create connection from any of "+strings.Join(urls, ", "),
		errors.Join(errs...),
	)
}
