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

package tx_test

import (
	"testing"

	"github.com/bufbuild/connmgr/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSupport(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]tx.Support{
		"":                 tx.SupportNone,
		"NoTransaction":    tx.SupportNone,
		"local":            tx.SupportLocal,
		"LocalTransaction": tx.SupportLocal,
		" XA ":             tx.SupportXA,
		"XATransaction":    tx.SupportXA,
	} {
		got, err := tx.ParseSupport(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := tx.ParseSupport("two-phase")
	require.Error(t, err)

	for _, support := range []tx.Support{tx.SupportNone, tx.SupportLocal, tx.SupportXA} {
		parsed, err := tx.ParseSupport(support.String())
		require.NoError(t, err)
		assert.Equal(t, support, parsed)
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	assert.True(t, tx.StatusActive.IsActive())
	assert.True(t, tx.StatusActive.IsUncommitted())
	assert.False(t, tx.StatusMarkedRollback.IsActive())
	assert.True(t, tx.StatusMarkedRollback.IsUncommitted())
	assert.False(t, tx.StatusCommitting.IsUncommitted())
	assert.True(t, tx.StatusRolledBack.IsCompleted())
	assert.False(t, tx.StatusPreparing.IsCompleted())
	assert.Equal(t, "Status(42)", tx.Status(42).String())
}
