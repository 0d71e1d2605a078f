// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session holds the monitor-side Session and AttributeMap
// described in spec.md §3: per-session key-value state mutated by
// KV_SET/KV_DELETE and snapshotted by the tracer invoker at dispatch
// time.
package session

// AttributeMap is an ordered string->string map: insertion order is
// preserved across updates so that %k's rendering is stable for a
// human reading captured output, even though spec.md does not require
// any particular order. Keys are unique, matching spec.md §3.
type AttributeMap struct {
	order []string
	value map[string]string
}

// NewAttributeMap returns an empty map.
func NewAttributeMap() *AttributeMap {
	return &AttributeMap{value: make(map[string]string)}
}

// Set installs or overwrites key's value. kv(k,v1); kv(k,v2) is
// observationally equivalent to kv(k,v2) per spec.md §8.
func (m *AttributeMap) Set(key, value string) {
	if _, ok := m.value[key]; !ok {
		m.order = append(m.order, key)
	}
	m.value[key] = value
}

// Delete removes key if present. Deleting an absent key is a no-op,
// matching spec.md §8's documented OK-on-absent-key behavior.
func (m *AttributeMap) Delete(key string) {
	if _, ok := m.value[key]; !ok {
		return
	}
	delete(m.value, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns an independent copy of the map's current key/value
// pairs in insertion order, for the tracer invoker to bind to a
// TraceRequest at dispatch time (spec.md §3 invariant).
func (m *AttributeMap) Snapshot() []KV {
	out := make([]KV, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, KV{Key: k, Value: m.value[k]})
	}
	return out
}

// KV is one key/value pair as returned by Snapshot.
type KV struct {
	Key   string
	Value string
}
