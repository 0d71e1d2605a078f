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

	"github.com/fcelda/bcd/internal/wire"
)

// fakeMonitor reads exactly one frame off conn and writes back reply,
// standing in for the monitor's dispatch loop in internal/monitor.
func fakeMonitor(t *testing.T, conn net.Conn, reply wire.Reply, readPayload func(op wire.Op) error) {
	t.Helper()
	header, err := wire.ReadHeader(conn)
	assert.NilError(t, err)
	if readPayload != nil {
		assert.NilError(t, readPayload(header.Op))
	}
	assert.NilError(t, wire.WriteReply(conn, reply))
}

func TestHandleKVSetRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	h := NewHandle(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeMonitor(t, server, wire.Reply{Status: 0}, func(op wire.Op) error {
			assert.Equal(t, op, wire.OpKVSet)
			key, err := wire.ReadString(server)
			assert.NilError(t, err)
			value, err := wire.ReadString(server)
			assert.NilError(t, err)
			assert.Equal(t, key, "region")
			assert.Equal(t, value, "us-east-1")
			return nil
		})
	}()

	reply, err := h.KVSet("region", "us-east-1")
	assert.NilError(t, err)
	assert.Equal(t, reply.Status, byte(0))
	<-done
}

func TestHandleDetachMarksClosed(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	h := NewHandle(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeMonitor(t, server, wire.Reply{Status: 0}, func(op wire.Op) error {
			assert.Equal(t, op, wire.OpDetach)
			return nil
		})
	}()

	_, err := h.Detach()
	assert.NilError(t, err)
	<-done
	assert.Assert(t, h.Closed())

	_, err = h.Detach()
	assert.ErrorContains(t, err, "handle closed")
}

func TestHandleRequestFailsAfterConnClosed(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	h := NewHandle(client)

	_, err := h.KVSet("a", "b")
	assert.Assert(t, err != nil)
	assert.Assert(t, h.Closed())
}
