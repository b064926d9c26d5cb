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

// Package credential provides the identity key that decides whether two
// connection requests may share a physical connection.
//
// A [Credential] combines a security subject and the connection request
// information supplied by the application. Both components are opaque and
// may be nil. Two credentials are equal when both components are equal:
//
//   - values implementing [Equaler] are compared with their Equal method,
//   - comparable values are compared with ==,
//   - other values (slices, maps) are compared with [reflect.DeepEqual].
//
// Values that implement Equaler should also implement [Hasher] so that
// equal credentials hash identically.
package credential

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"math"
	"reflect"
	"sync/atomic"
)

//nolint:gochecknoglobals
var seed = maphash.MakeSeed()

// Equaler is implemented by subjects and request infos that define their
// own notion of equality.
type Equaler interface {
	Equal(other any) bool
}

// Hasher is implemented by subjects and request infos that provide a hash
// consistent with their Equal method.
type Hasher interface {
	Hash() uint64
}

// Credential is an immutable (subject, request info) pair. The zero value
// is a credential with neither component set.
type Credential struct {
	subject     any
	requestInfo any

	// 0 means "not computed yet"
	hash atomic.Uint64
}

// New returns a credential for the given subject and request info.
// Either may be nil.
func New(subject, requestInfo any) *Credential {
	return &Credential{subject: subject, requestInfo: requestInfo}
}

// Subject returns the security subject, possibly nil.
func (c *Credential) Subject() any {
	if c == nil {
		return nil
	}
	return c.subject
}

// RequestInfo returns the connection request info, possibly nil.
func (c *Credential) RequestInfo() any {
	if c == nil {
		return nil
	}
	return c.requestInfo
}

// Hash returns the hash of the credential. It is computed on first use
// and cached. Concurrent first calls may each compute it; they all arrive
// at the same value.
func (c *Credential) Hash() uint64 {
	if c == nil {
		return hashOf(nil, nil)
	}
	if h := c.hash.Load(); h != 0 {
		return h
	}
	h := hashOf(c.subject, c.requestInfo)
	c.hash.Store(h)
	return h
}

func hashOf(subject, requestInfo any) uint64 {
	var mh maphash.Hash
	mh.SetSeed(seed)
	writeValue(&mh, subject)
	writeValue(&mh, requestInfo)
	if h := mh.Sum64(); h != 0 {
		return h
	}
	return 1
}

// Equal reports whether c and other have equal subjects and request
// infos. A nil *Credential equals the zero credential.
func (c *Credential) Equal(other *Credential) bool {
	if c == other {
		return true
	}
	if c.Hash() != other.Hash() {
		return false
	}
	return valuesEqual(c.Subject(), other.Subject()) &&
		valuesEqual(c.RequestInfo(), other.RequestInfo())
}

func (c *Credential) String() string {
	return fmt.Sprintf("Credential[subject=%v requestInfo=%v]", c.Subject(), c.RequestInfo())
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	typeA, typeB := reflect.TypeOf(a), reflect.TypeOf(b)
	if typeA != typeB {
		return false
	}
	if typeA.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// writeValue feeds v into h. Only information that == (or DeepEqual)
// also looks at is hashed: equal values must produce equal hashes.
func writeValue(h *maphash.Hash, v any) {
	var buf [8]byte
	if v == nil {
		_ = h.WriteByte(0)
		return
	}
	if hasher, ok := v.(Hasher); ok {
		_ = h.WriteByte(1)
		binary.LittleEndian.PutUint64(buf[:], hasher.Hash())
		_, _ = h.Write(buf[:])
		return
	}
	if _, ok := v.(Equaler); ok {
		// custom equality without a custom hash: everything lands in
		// one bucket and Equal decides
		_ = h.WriteByte(2)
		return
	}
	_ = h.WriteByte(3)
	val := reflect.ValueOf(v)
	_, _ = h.WriteString(val.Type().String())
	var bits uint64
	switch val.Kind() { //nolint:exhaustive
	case reflect.String:
		_, _ = h.WriteString(val.String())
		return
	case reflect.Bool:
		if val.Bool() {
			bits = 1
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		bits = uint64(val.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		bits = val.Uint()
	case reflect.Float32, reflect.Float64:
		f := val.Float()
		if f == 0 {
			// +0 == -0
			f = 0
		}
		bits = math.Float64bits(f)
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		bits = uint64(val.Pointer())
	default:
		// structs, arrays, slices, maps: the type name is enough to keep
		// equal values together
		return
	}
	binary.LittleEndian.PutUint64(buf[:], bits)
	_, _ = h.Write(buf[:])
}
