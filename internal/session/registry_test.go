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

package session

import (
	"net"
	"testing"

	"gotest.tools/v3/assert"
)

func TestRegistryAddRemoveByConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	r := NewRegistry()
	s := New(c1)
	r.Add(s)

	assert.Equal(t, r.Len(), 1)
	got, ok := r.ByConn(c1)
	assert.Assert(t, ok)
	assert.Equal(t, got.ID, s.ID)

	r.Remove(s)
	assert.Equal(t, r.Len(), 0)
	_, ok = r.ByConn(c1)
	assert.Assert(t, !ok)
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()

	r := NewRegistry()
	r.Add(New(c1))
	r.Add(New(c3))

	all := r.All()
	assert.Equal(t, len(all), 2)
}
