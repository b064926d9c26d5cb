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

// Package ccmdebug exposes the debug registry of a cached connection
// manager over HTTP. The server speaks HTTP/1.1 and HTTP/2 over plaintext
// (h2c), so it can be scraped by the same tooling that talks to h2c
// services.
//
// GET / returns a JSON report of the tracked connections. POST /debug
// with a form value enabled=true or enabled=false switches debug mode.
package ccmdebug

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bufbuild/connmgr/ccm"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Report is the JSON document served by the handler.
type Report struct {
	Debug                    bool         `json:"debug"`
	Error                    bool         `json:"error"`
	IgnoreUnknownConnections bool         `json:"ignoreUnknownConnections"`
	Count                    int          `json:"count"`
	Connections              []Connection `json:"connections"`
}

// Connection is a tracked handle and the stack that allocated it.
type Connection struct {
	ID         string `json:"id"`
	Allocation string `json:"allocation"`
}

// NewHandler returns a handler reporting on mgr.
func NewHandler(mgr *ccm.Manager, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{mgr: mgr, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.report)
	mux.HandleFunc("POST /debug", h.setDebug)
	return mux
}

// NewServer returns a server for handler that accepts h2c connections.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type handler struct {
	mgr    *ccm.Manager
	logger *zap.Logger
}

func (h *handler) report(w http.ResponseWriter, _ *http.Request) {
	connections := h.mgr.ListConnections()
	report := Report{
		Debug:                    h.mgr.Debug(),
		Error:                    h.mgr.Error(),
		IgnoreUnknownConnections: h.mgr.IgnoreUnknownConnections(),
		Count:                    h.mgr.NumberOfConnections(),
		Connections:              make([]Connection, 0, len(connections)),
	}
	for id, allocation := range connections {
		report.Connections = append(report.Connections, Connection{ID: id, Allocation: allocation})
	}
	sort.Slice(report.Connections, func(i, j int) bool {
		return report.Connections[i].ID < report.Connections[j].ID
	})
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Debug("failed to write report", zap.Error(err))
	}
}

func (h *handler) setDebug(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.FormValue("enabled"))
	if err != nil {
		http.Error(w, "enabled must be true or false", http.StatusBadRequest)
		return
	}
	h.mgr.SetDebug(enabled)
	h.logger.Info("cached connection manager debug mode changed", zap.Bool("debug", enabled))
	w.WriteHeader(http.StatusNoContent)
}
