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

package bcd

import (
	"net"

	"github.com/fcelda/bcd/internal/session"
	"github.com/fcelda/bcd/internal/wire"
)

// Handle is the public ThreadHandle of spec.md §3: the object each
// host thread owns across Attach/KV/Emit/Detach. A Handle must not be
// shared across goroutines representing different logical threads;
// spec.md §5 calls that undefined behavior.
type Handle struct {
	inner *session.Handle
}

func newHandle(conn net.Conn) *Handle {
	return &Handle{inner: session.NewHandle(conn)}
}

func (h *Handle) kvSet(key, value string) ErrorValue {
	if h.inner.Closed() {
		return newError(ChannelClosed, "bcd: handle closed")
	}
	reply, err := h.inner.KVSet(key, value)
	return h.toErrorValue(reply, err)
}

func (h *Handle) kvDelete(key string) ErrorValue {
	if h.inner.Closed() {
		return newError(ChannelClosed, "bcd: handle closed")
	}
	reply, err := h.inner.KVDelete(key)
	return h.toErrorValue(reply, err)
}

func (h *Handle) emit(groupMessage string) {
	if h.inner.Closed() {
		h.dispatchRequestError(newError(ChannelClosed, "bcd: handle closed"))
		return
	}
	reply, err := h.inner.Emit(groupMessage)
	if ev := h.toErrorValue(reply, err); !ev.Ok() {
		h.dispatchRequestError(ev)
	}
}

func (h *Handle) detach() ErrorValue {
	if h.inner.Closed() {
		return newError(ChannelClosed, "bcd: handle closed")
	}
	reply, err := h.inner.Detach()
	return h.toErrorValue(reply, err)
}

func (h *Handle) toErrorValue(reply wire.Reply, err error) ErrorValue {
	if err != nil {
		ev := newError(ChannelClosed, "%v", err)
		h.dispatchRequestError(ev)
		return ev
	}
	if reply.Status != 0 {
		return errorFromCode(int(reply.Status), reply.Message)
	}
	return ErrorValue{}
}

func (h *Handle) dispatchRequestError(ev ErrorValue) {
	global.mu.Lock()
	cb := global.cfg.Callbacks.RequestError
	global.mu.Unlock()
	if cb != nil {
		cb(int(ev.Kind()), ev.Message())
	}
}
