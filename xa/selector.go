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
	"sync"

	"github.com/bufbuild/connmgr/connerr"
)

// Endpoint is one redundant XA data source.
type Endpoint struct {
	// DataSource is the opaque data source object handed to the dialer.
	DataSource any
	// URL identifies the data source in logs and errors.
	URL string

	// pos is the 1-based position in the selector that produced this
	// value, and zero for endpoints not obtained from a Selector.
	pos int
}

func (e Endpoint) String() string {
	return e.URL
}

// Selector picks the active endpoint of an immutable endpoint ring. It is
// safe for concurrent use.
type Selector struct {
	endpoints []Endpoint

	mu sync.Mutex
	// +checklocks:mu
	index int
	// +checklocks:mu
	current *Endpoint
}

// NewSelector returns a selector over the given endpoints, in order. The
// list must not be empty.
func NewSelector(endpoints []Endpoint) (*Selector, error) {
	if len(endpoints) == 0 {
		return nil, connerr.Configurationf("xa: no endpoints configured")
	}
	ring := make([]Endpoint, len(endpoints))
	for i, endpoint := range endpoints {
		endpoint.pos = i + 1
		ring[i] = endpoint
	}
	return &Selector{endpoints: ring, index: -1}, nil
}

// Active returns the current endpoint. The choice is sticky: once an
// endpoint is returned, it keeps being returned until Fail is called with
// it. Otherwise the selector advances to the next endpoint, wrapping
// around at the end of the ring.
func (s *Selector) Active() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.index++
		if s.index >= len(s.endpoints) {
			s.index = 0
		}
		s.current = &s.endpoints[s.index]
	}
	return *s.current
}

// Fail reports that endpoint failed. It only has an effect when endpoint
// is the current one, so a stale report cannot skip a healthy endpoint.
func (s *Selector) Fail(endpoint Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.pos == endpoint.pos && s.current.URL == endpoint.URL {
		s.current = nil
	}
}

// HasMore reports whether the ring has endpoints left before it wraps.
func (s *Selector) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index < len(s.endpoints)-1
}

// Reset forgets the current endpoint and restarts the ring from the first
// endpoint.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.index = -1
}

// Endpoints returns a copy of the ring.
func (s *Selector) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

// Len returns the number of endpoints in the ring.
func (s *Selector) Len() int {
	return len(s.endpoints)
}
