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

// Package clocktest provides a manually advanced clock for tests of code
// that accepts an internal.Clock.
package clocktest

import (
	"time"

	"github.com/bufbuild/connmgr/internal"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock which can be manually advanced through time.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
}

// NewFakeClock creates a new FakeClock using Clockwork. It starts at a
// fixed, arbitrary instant.
func NewFakeClock() FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2023, time.June, 1, 12, 0, 0, 0, time.UTC))
}

var _ FakeClock = clockwork.NewFakeClock()
