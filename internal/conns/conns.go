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

// Package conns contains internal helpers for the small ordered
// collections of listeners and handles kept by the connection managers.
package conns

// List is an insertion-ordered collection without duplicates. Elements
// are compared with ==, so their dynamic types must be comparable. The
// collections involved are tiny (a handful of handles per listener), so a
// slice beats a map here.
type List[T comparable] []T

// Contains returns true if the list contains v.
func (l List[T]) Contains(v T) bool {
	return l.index(v) >= 0
}

// Add appends v if it is not present yet and reports whether it was
// added.
func (l *List[T]) Add(v T) bool {
	if l.Contains(v) {
		return false
	}
	*l = append(*l, v)
	return true
}

// Remove removes v, keeping the order of the remaining elements, and
// reports whether it was present.
func (l *List[T]) Remove(v T) bool {
	i := l.index(v)
	if i < 0 {
		return false
	}
	*l = append((*l)[:i], (*l)[i+1:]...)
	return true
}

// Clone returns a copy that does not share storage with l.
func (l List[T]) Clone() List[T] {
	if l == nil {
		return nil
	}
	clone := make(List[T], len(l))
	copy(clone, l)
	return clone
}

func (l List[T]) index(v T) int {
	for i, e := range l {
		if e == v {
			return i
		}
	}
	return -1
}
