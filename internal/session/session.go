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

	"github.com/google/uuid"
)

// Session is the monitor-side record created when the listen socket
// accepts a new per-thread channel connection (spec.md §3). It lives
// exactly as long as the channel: detach or EOF destroys it.
type Session struct {
	ID         uuid.UUID
	Conn       net.Conn
	Attributes *AttributeMap
}

// New creates a Session bound to a freshly-accepted channel connection.
func New(conn net.Conn) *Session {
	return &Session{
		ID:         uuid.New(),
		Conn:       conn,
		Attributes: NewAttributeMap(),
	}
}

// Close closes the underlying channel connection. Safe to call more
// than once.
func (s *Session) Close() error {
	return s.Conn.Close()
}

// Registry is the monitor's map from session id to Session, plus a
// reverse index from the raw net.Conn to its owning Session.
//
// Registry is not safe for concurrent use; the monitor loop that owns
// it is single-threaded cooperative, matching spec.md §5.
type Registry struct {
	byID   map[uuid.UUID]*Session
	byConn map[net.Conn]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Session),
		byConn: make(map[net.Conn]*Session),
	}
}

// Add registers a new Session.
func (r *Registry) Add(s *Session) {
	r.byID[s.ID] = s
	r.byConn[s.Conn] = s
}

// Remove unregisters a Session, e.g. on detach or channel EOF. It does
// not close the connection; callers close before or after removing as
// appropriate to their error path.
func (r *Registry) Remove(s *Session) {
	delete(r.byID, s.ID)
	delete(r.byConn, s.Conn)
}

// ByConn looks up the Session owning a connection.
func (r *Registry) ByConn(conn net.Conn) (*Session, bool) {
	s, ok := r.byConn[conn]
	return s, ok
}

// Len reports the number of live sessions, used by bcdctl's status
// subcommand (SPEC_FULL.md §C).
func (r *Registry) Len() int { return len(r.byID) }

// Conns returns a snapshot slice of all live connections.
func (r *Registry) Conns() []net.Conn {
	out := make([]net.Conn, 0, len(r.byConn))
	for c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot slice of all live Sessions, used by bcdctl's
// attrs subcommand to list each session's attribute set.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
