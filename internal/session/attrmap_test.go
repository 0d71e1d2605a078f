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
	"testing"

	"gotest.tools/v3/assert"
)

func TestAttributeMapSetOverwritePreservesOrder(t *testing.T) {
	m := NewAttributeMap()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Set("a", "3")

	assert.DeepEqual(t, m.Snapshot(), []KV{{Key: "a", Value: "3"}, {Key: "b", Value: "2"}})
}

func TestAttributeMapDeleteRemovesKeyAndOrder(t *testing.T) {
	m := NewAttributeMap()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Delete("a")

	assert.DeepEqual(t, m.Snapshot(), []KV{{Key: "b", Value: "2"}})
}

func TestAttributeMapDeleteAbsentKeyIsNoOp(t *testing.T) {
	m := NewAttributeMap()
	m.Set("a", "1")
	m.Delete("missing")

	assert.DeepEqual(t, m.Snapshot(), []KV{{Key: "a", Value: "1"}})
}

func TestAttributeMapSnapshotIsIndependentCopy(t *testing.T) {
	m := NewAttributeMap()
	m.Set("a", "1")

	snap := m.Snapshot()
	m.Set("a", "2")

	assert.Equal(t, snap[0].Value, "1")
	assert.Equal(t, m.Snapshot()[0].Value, "2")
}
