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

// Package adminclient is the thin dialer cmd/bcdctl uses to talk the
// same framed protocol internal/session.Handle uses, but for the
// admin-only operations (OpStatus, OpListAttrs) a regular ThreadHandle
// never sends.
package adminclient

import (
	"net"
	"time"

	"github.com/fcelda/bcd/internal/wire"
)

// Client is a short-lived connection to a monitor's listen socket,
// used for exactly one admin request.
type Client struct {
	conn net.Conn
}

// Dial connects to the monitor's listen socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Status sends OpStatus and returns the monitor's summary line.
func (c *Client) Status() (string, error) {
	return c.request(wire.OpStatus)
}

// ListAttrs sends OpListAttrs and returns the monitor's per-session
// attribute dump, one session per line.
func (c *Client) ListAttrs() (string, error) {
	return c.request(wire.OpListAttrs)
}

func (c *Client) request(op wire.Op) (string, error) {
	if err := wire.WriteHeader(c.conn, wire.ChannelHeader{Op: op, ID: wire.NewID()}); err != nil {
		return "", err
	}
	reply, err := wire.ReadReply(c.conn)
	if err != nil {
		return "", err
	}
	return reply.Message, nil
}
