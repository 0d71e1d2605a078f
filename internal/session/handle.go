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
	"fmt"
	"net"
	"sync"

	"github.com/fcelda/bcd/internal/gate"
	"github.com/fcelda/bcd/internal/wire"
)

// Handle is the host-side object a single thread owns (spec.md §3): its
// private channel endpoint to the monitor, its own ordering-gate Token
// (exposed by Token; Fatal itself uses gate.GoroutineToken instead),
// and a small
// local record of the keys it has set. Nothing reads that record; the
// source of truth is the monitor's AttributeMap.
//
// A Handle must not be shared across goroutines/threads; spec.md §5
// calls sharing one handle across threads undefined behavior.
type Handle struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
	token  gate.Token
	keys   map[string]struct{}
}

// NewHandle wraps a freshly-dialed channel connection.
func NewHandle(conn net.Conn) *Handle {
	return &Handle{conn: conn, keys: make(map[string]struct{})}
}

// Token returns the Handle's ordering-gate re-entry flag.
func (h *Handle) Token() *gate.Token { return &h.token }

// Closed reports whether Detach (or a previously observed channel
// error) has already torn this handle down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// MarkClosed records that the channel is no longer usable, so that
// subsequent operations fail fast with CHANNEL_CLOSED instead of
// attempting I/O on a dead connection (spec.md §4.3, §8).
func (h *Handle) MarkClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.conn.Close()
}

// request performs one send-then-receive round trip: write a header,
// an op-specific payload, then block for the Reply (spec.md §4.3:
// "Channel I/O is synchronous from the host side").
func (h *Handle) request(op wire.Op, writePayload func() error) (wire.Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return wire.Reply{}, fmt.Errorf("handle closed")
	}

	id := wire.NewID()
	if err := wire.WriteHeader(h.conn, wire.ChannelHeader{Op: op, ID: id}); err != nil {
		h.closed = true
		return wire.Reply{}, err
	}
	if writePayload != nil {
		if err := writePayload(); err != nil {
			h.closed = true
			return wire.Reply{}, err
		}
	}
	reply, err := wire.ReadReply(h.conn)
	if err != nil {
		h.closed = true
		return wire.Reply{}, err
	}
	return reply, nil
}

// KVSet sends a KV_SET request and returns the monitor's reply.
func (h *Handle) KVSet(key, value string) (wire.Reply, error) {
	reply, err := h.request(wire.OpKVSet, func() error {
		if err := wire.WriteString(h.conn, key); err != nil {
			return err
		}
		return wire.WriteString(h.conn, value)
	})
	if err == nil && reply.Status == 0 {
		h.keys[key] = struct{}{}
	}
	return reply, err
}

// KVDelete sends a KV_DELETE request and returns the monitor's reply.
func (h *Handle) KVDelete(key string) (wire.Reply, error) {
	reply, err := h.request(wire.OpKVDelete, func() error {
		return wire.WriteString(h.conn, key)
	})
	if err == nil && reply.Status == 0 {
		delete(h.keys, key)
	}
	return reply, err
}

// Emit sends an EMIT request and returns the monitor's admission
// reply. A reply of status 0 means the request was admitted to the
// invoker's queue, not that the tracer has finished (spec.md §4.5).
func (h *Handle) Emit(groupMessage string) (wire.Reply, error) {
	return h.request(wire.OpEmit, func() error {
		return wire.WriteString(h.conn, groupMessage)
	})
}

// Detach sends a DETACH request, then closes the channel regardless of
// the monitor's reply: spec.md §8 requires Detach to be idempotent and
// for every later operation on the handle to observe CHANNEL_CLOSED.
func (h *Handle) Detach() (wire.Reply, error) {
	reply, err := h.request(wire.OpDetach, nil)
	h.MarkClosed()
	return reply, err
}
