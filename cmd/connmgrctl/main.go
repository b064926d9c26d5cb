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

// Command connmgrctl inspects connection manager configuration files and
// serves the cached connection manager debug endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bufbuild/connmgr/ccm"
	"github.com/bufbuild/connmgr/ccmdebug"
	"github.com/bufbuild/connmgr/config"
	"github.com/bufbuild/connmgr/xa"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "connmgrctl",
		Short:        "Inspect connection manager configuration",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newValidateCmd(),
		newEndpointsCmd(),
		newDebugServerCmd(),
	)
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d connection managers, %d xa data sources\n",
				len(cfg.Managers), len(cfg.XADataSources))
			return err
		},
	}
}

func newEndpointsCmd() *cobra.Command {
	var dataSource string
	cmd := &cobra.Command{
		Use:   "endpoints <file>",
		Short: "Print the failover order of each XA data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			dataSources := cfg.XADataSources
			if dataSource != "" {
				ds, ok := cfg.XADataSource(dataSource)
				if !ok {
					return fmt.Errorf("unknown xa data source %q", dataSource)
				}
				dataSources = []config.XADataSourceConfig{ds}
			}
			for _, ds := range dataSources {
				order, err := failoverOrder(ds)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ds.Name, strings.Join(order, " -> ")); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataSource, "datasource", "", "only print this data source")
	return cmd
}

// failoverOrder walks one failover pass over the data source's ring.
func failoverOrder(ds config.XADataSourceConfig) ([]string, error) {
	endpoints, err := ds.Endpoints(nil)
	if err != nil {
		return nil, err
	}
	selector, err := xa.NewSelector(endpoints)
	if err != nil {
		return nil, err
	}
	var order []string
	for selector.HasMore() {
		endpoint := selector.Active()
		order = append(order, endpoint.URL)
		selector.Fail(endpoint)
	}
	return order, nil
}

func newDebugServerCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "debug-server <file>",
		Short: "Serve the cached connection manager debug endpoint over h2c",
		Long: `Serve the debug endpoint of a cached connection manager configured from
the file. No connection manager is attached, so the report only lists
connections once an application embeds ccmdebug.NewHandler with its own
manager (see config.Config.NewConnectionManagers). The command is useful
to check the endpoint and the configured modes.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			mgr := ccm.New(append(cfg.CachedConnectionManager.Options(), ccm.WithLogger(logger))...)
			mgr.Start()
			defer mgr.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ccmdebug.NewServer(addr, ccmdebug.NewHandler(mgr, logger)), logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "address to listen on")
	return cmd
}

func serve(ctx context.Context, svr *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving debug endpoint", zap.String("addr", svr.Addr))
		errCh <- svr.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
