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
	"strings"

	"github.com/bufbuild/connmgr/connerr"
)

// DefaultURLDelimiter separates URLs in a data source URL list when no
// delimiter is configured.
const DefaultURLDelimiter = "|"

// ParseEndpoints splits a delimited list of URLs into endpoints. Empty
// entries are skipped. newDataSource, if non-nil, builds the data source
// of each endpoint from its URL; otherwise DataSource is left nil.
func ParseEndpoints(urls, delimiter string, newDataSource func(url string) (any, error)) ([]Endpoint, error) {
	if delimiter == "" {
		delimiter = DefaultURLDelimiter
	}
	var endpoints []Endpoint
	for _, url := range strings.Split(urls, delimiter) {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		endpoint := Endpoint{URL: url}
		if newDataSource != nil {
			dataSource, err := newDataSource(url)
			if err != nil {
				return nil, connerr.Configurationf("xa: data source for %s: %v", url, err)
			}
			endpoint.DataSource = dataSource
		}
		endpoints = append(endpoints, endpoint)
	}
	if len(endpoints) == 0 {
		return nil, connerr.Configurationf("xa: no urls in %q", urls)
	}
	return endpoints, nil
}
