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

// Package config loads connection manager configuration from YAML.
//
//	managers:
//	  - name: orders
//	    transaction_support: xa
//	    lazy_enlistment: true
//	    xa_datasource: orders-db
//	cached_connection_manager:
//	  debug: true
//	  error: false
//	xa_datasources:
//	  - name: orders-db
//	    urls: "db1:5432|db2:5432"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bufbuild/connmgr"
	"github.com/bufbuild/connmgr/ccm"
	"github.com/bufbuild/connmgr/connerr"
	"github.com/bufbuild/connmgr/pool"
	"github.com/bufbuild/connmgr/tx"
	"github.com/bufbuild/connmgr/xa"
	"gopkg.in/yaml.v3"
)

// Config is the root of a configuration file.
type Config struct {
	Managers                []ManagerConfig      `yaml:"managers"`
	CachedConnectionManager CCMConfig            `yaml:"cached_connection_manager"`
	XADataSources           []XADataSourceConfig `yaml:"xa_datasources"`
}

// ManagerConfig describes one transactional connection manager.
// TransactionSupport accepts the names understood by tx.ParseSupport; it
// defaults to no transaction support.
type ManagerConfig struct {
	Name               string `yaml:"name"`
	TransactionSupport string `yaml:"transaction_support"`
	LazyEnlistment     bool   `yaml:"lazy_enlistment"`
	// XADataSource names the entry of xa_datasources the manager's
	// connections are created from.
	XADataSource string `yaml:"xa_datasource"`
}

// CCMConfig holds the settings of the cached connection manager. A zero
// CloseConcurrency keeps the default.
type CCMConfig struct {
	Debug                    bool `yaml:"debug"`
	Error                    bool `yaml:"error"`
	IgnoreUnknownConnections bool `yaml:"ignore_unknown_connections"`
	CloseConcurrency         int  `yaml:"close_concurrency"`
}

// XADataSourceConfig describes an XA data source with failover. URLs is
// split on URLDelimiter, which defaults to "|".
type XADataSourceConfig struct {
	Name         string `yaml:"name"`
	URLs         string `yaml:"urls"`
	URLDelimiter string `yaml:"url_delimiter"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, connerr.Configurationf("decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that manager and data source names are unique, that
// transaction support values are known, and that every referenced XA
// data source exists and has at least one URL.
func (c *Config) Validate() error {
	dataSources := map[string]XADataSourceConfig{}
	for _, ds := range c.XADataSources {
		if ds.Name == "" {
			return connerr.Configurationf("xa data source without a name")
		}
		if _, ok := dataSources[ds.Name]; ok {
			return connerr.Configurationf("duplicate xa data source %q", ds.Name)
		}
		if _, err := ds.Endpoints(nil); err != nil {
			return err
		}
		dataSources[ds.Name] = ds
	}
	managers := map[string]struct{}{}
	for _, mgr := range c.Managers {
		if mgr.Name == "" {
			return connerr.Configurationf("connection manager without a name")
		}
		if _, ok := managers[mgr.Name]; ok {
			return connerr.Configurationf("duplicate connection manager %q", mgr.Name)
		}
		managers[mgr.Name] = struct{}{}
		support, err := mgr.Support()
		if err != nil {
			return err
		}
		if mgr.XADataSource == "" {
			continue
		}
		if support != tx.SupportXA {
			return connerr.Configurationf("connection manager %q: xa_datasource requires xa transaction support", mgr.Name)
		}
		if _, ok := dataSources[mgr.XADataSource]; !ok {
			return connerr.Configurationf("connection manager %q: unknown xa data source %q", mgr.Name, mgr.XADataSource)
		}
	}
	if c.CachedConnectionManager.CloseConcurrency < 0 {
		return connerr.Configurationf("close_concurrency must not be negative")
	}
	return nil
}

// XADataSource returns the data source with the given name.
func (c *Config) XADataSource(name string) (XADataSourceConfig, bool) {
	for _, ds := range c.XADataSources {
		if ds.Name == name {
			return ds, true
		}
	}
	return XADataSourceConfig{}, false
}

// Support parses the transaction support of the manager.
func (m ManagerConfig) Support() (tx.Support, error) {
	support, err := tx.ParseSupport(m.TransactionSupport)
	if err != nil {
		return 0, connerr.Configurationf("connection manager %q: %v", m.Name, err)
	}
	return support, nil
}

// Options returns the connection manager options described by m.
func (m ManagerConfig) Options() []connmgr.Option {
	return []connmgr.Option{
		connmgr.WithName(m.Name),
		connmgr.WithLazyEnlistment(m.LazyEnlistment),
	}
}

// Options returns the cached connection manager options described by c.
func (c CCMConfig) Options() []ccm.Option {
	opts := []ccm.Option{
		ccm.WithDebug(c.Debug),
		ccm.WithError(c.Error),
		ccm.WithIgnoreUnknownConnections(c.IgnoreUnknownConnections),
	}
	if c.CloseConcurrency > 0 {
		opts = append(opts, ccm.WithCloseConcurrency(c.CloseConcurrency))
	}
	return opts
}

// PoolFactory creates the pool of a configured connection manager. ds is
// the XA data source the manager references, or nil if it has none.
type PoolFactory func(mgr ManagerConfig, ds *XADataSourceConfig) (pool.Pool, error)

// NewConnectionManagers builds the configured connection managers, in
// order, on top of the pools made by newPool. Managers are attached to
// cached when it is non-nil, and use integration when it is non-nil. The
// options are applied before the ones derived from the configuration.
// If any manager cannot be built, the ones built so far are shut down.
func (c *Config) NewConnectionManagers(
	newPool PoolFactory,
	integration tx.Integration,
	cached *ccm.Manager,
	options ...connmgr.Option,
) ([]*connmgr.ConnectionManager, error) {
	managers := make([]*connmgr.ConnectionManager, 0, len(c.Managers))
	for _, mc := range c.Managers {
		cm, err := c.newConnectionManager(mc, newPool, integration, cached, options)
		if err != nil {
			for _, built := range managers {
				_ = built.Shutdown()
			}
			return nil, err
		}
		managers = append(managers, cm)
	}
	return managers, nil
}

func (c *Config) newConnectionManager(
	mc ManagerConfig,
	newPool PoolFactory,
	integration tx.Integration,
	cached *ccm.Manager,
	options []connmgr.Option,
) (*connmgr.ConnectionManager, error) {
	support, err := mc.Support()
	if err != nil {
		return nil, err
	}
	var ds *XADataSourceConfig
	if mc.XADataSource != "" {
		found, ok := c.XADataSource(mc.XADataSource)
		if !ok {
			return nil, connerr.Configurationf("connection manager %q: unknown xa data source %q", mc.Name, mc.XADataSource)
		}
		ds = &found
	}
	p, err := newPool(mc, ds)
	if err != nil {
		return nil, fmt.Errorf("connection manager %q: create pool: %w", mc.Name, err)
	}
	opts := append(append([]connmgr.Option(nil), options...), mc.Options()...)
	if integration != nil {
		opts = append(opts, connmgr.WithTransactionIntegration(integration))
	}
	if cached != nil {
		opts = append(opts, connmgr.WithCachedConnectionManager(cached))
	}
	cm, err := connmgr.New(support, p, opts...)
	if err != nil {
		_ = p.Shutdown()
		return nil, err
	}
	return cm, nil
}

// Endpoints splits the URL list of the data source into endpoints.
func (d XADataSourceConfig) Endpoints(newDataSource func(url string) (any, error)) ([]xa.Endpoint, error) {
	endpoints, err := xa.ParseEndpoints(d.URLs, d.URLDelimiter, newDataSource)
	if err != nil {
		return nil, fmt.Errorf("xa data source %q: %w", d.Name, err)
	}
	return endpoints, nil
}
