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

// Package connerr defines the errors reported by the connection managers,
// the cached connection manager and the XA failover machinery.
//
// Callers distinguish failures with [errors.Is] and [errors.As]:
//
//   - [ErrShutdown] is returned when a connection is requested from a
//     connection manager that has been shut down.
//   - [*ConfigurationError] reports a misconfiguration detected at
//     construction or first use.
//   - [*ResourceError] wraps pool, enlistment and endpoint failures. The
//     cause stays reachable, so a context deadline surfaces through
//     errors.Is(err, context.DeadlineExceeded).
//   - [*LeakDetectedError] is returned after a unit of work ended with
//     connections that the application never closed.
//   - [*UnknownConnectionError] reports an attempt to unregister a handle
//     that the cached connection manager is not tracking.
package connerr

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by operations attempted after a connection
// manager was shut down.
var ErrShutdown = errors.New("connection manager is shut down")

// ConfigurationError reports a misconfiguration, such as an empty XA
// endpoint list or a lazy enlistment request on a connection that does
// not support it.
type ConfigurationError struct {
	Reason string
}

// Configurationf returns a *ConfigurationError with a formatted reason.
func Configurationf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ResourceError reports a failure of an external resource: the pool, the
// transaction manager or a physical endpoint. Op names the operation that
// failed.
type ResourceError struct {
	Op  string
	Err error
}

// NewResourceError wraps err as a *ResourceError for the given operation.
// It returns nil if err is nil.
func NewResourceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, Err: err}
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// LeakDetectedError is returned when a unit of work ended while some of
// its connections were still open. By the time it is returned, all of
// those connections have been closed.
type LeakDetectedError struct {
	// Context is the key of the unit of work that leaked.
	Context any
	// Count is the number of handles that had to be closed.
	Count int
}

func (e *LeakDetectedError) Error() string {
	return fmt.Sprintf("some connections were not closed, see the log for the allocation stacktraces (context %v, %d connections)", e.Context, e.Count)
}

// UnknownConnectionError is returned when the application returns a
// handle that is not registered with the current unit of work.
type UnknownConnectionError struct {
	Handle any
}

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("trying to return an unknown connection: %v", e.Handle)
}
