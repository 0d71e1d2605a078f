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

package monitor

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/callback"
	"github.com/fcelda/bcd/internal/errkind"
	"github.com/fcelda/bcd/internal/session"
	"github.com/fcelda/bcd/internal/tracer"
	"github.com/fcelda/bcd/internal/wire"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func testMonitor(t *testing.T) *Monitor {
	t.Helper()
	cfg := &config.Config{
		TracerPath:        "/bin/true",
		OutputFilePattern: t.TempDir() + "/%p-%n.out",
		Separators:        config.DefaultSeparators(),
	}
	return &Monitor{
		cfg:            cfg,
		log:            discardLogger(),
		registry:       session.NewRegistry(),
		invoker:        tracer.New(cfg, discardLogger(), 1234),
		dispatcher:     callback.New(nil, discardLogger()),
		sessionAdvance: make(map[*session.Session]chan struct{}),
		events:         make(chan event),
		done:           make(chan struct{}),
	}
}

func TestDispatchFrameKVSetThenDelete(t *testing.T) {
	m := testMonitor(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	sess := session.New(server)

	go func() {
		wire.WriteString(client, "region")
		wire.WriteString(client, "us-east-1")
	}()
	reply := m.dispatchFrame(context.Background(), sess, wire.ChannelHeader{Op: wire.OpKVSet})
	assert.Equal(t, reply.Status, byte(0))
	assert.DeepEqual(t, sess.Attributes.Snapshot(), []session.KV{{Key: "region", Value: "us-east-1"}})

	go func() { wire.WriteString(client, "region") }()
	reply = m.dispatchFrame(context.Background(), sess, wire.ChannelHeader{Op: wire.OpKVDelete})
	assert.Equal(t, reply.Status, byte(0))
	assert.Equal(t, len(sess.Attributes.Snapshot()), 0)
}

func TestDispatchFrameUnrecognizedOp(t *testing.T) {
	m := testMonitor(t)
	_, server := net.Pipe()
	defer server.Close()
	sess := session.New(server)

	reply := m.dispatchFrame(context.Background(), sess, wire.ChannelHeader{Op: wire.Op(200)})
	assert.Equal(t, reply.Status, byte(errkind.ProtocolViolation))
}

func TestStatusReplyReportsSessionCount(t *testing.T) {
	m := testMonitor(t)
	_, s1 := net.Pipe()
	_, s2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()
	m.registry.Add(session.New(s1))
	m.registry.Add(session.New(s2))

	reply := m.statusReply()
	assert.Equal(t, reply.Status, byte(0))
	assert.Equal(t, reply.Message, "sessions=2 inflight=0")
}

func TestListAttrsReplyListsEverySession(t *testing.T) {
	m := testMonitor(t)
	_, conn := net.Pipe()
	defer conn.Close()
	sess := session.New(conn)
	sess.Attributes.Set("k", "v")
	m.registry.Add(sess)

	reply := m.listAttrsReply()
	assert.Equal(t, reply.Status, byte(0))
	assert.Assert(t, len(reply.Message) > 0)
}

func TestAdmitEmitRejectsWhenQueueFull(t *testing.T) {
	m := testMonitor(t)
	m.cfg.QueueBound = 1
	m.inFlight.Store(1)
	_, conn := net.Pipe()
	defer conn.Close()
	sess := session.New(conn)

	reply := m.admitEmit(context.Background(), sess, "group")
	assert.Equal(t, reply.Status, byte(errkind.QueueFull))
}
