package wire

import "github.com/google/uuid"

// NewID mints a new session or request identifier. Sessions (monitor
// side) and the requests dispatched against them are identified with
// random UUIDs rather than small sequential counters so that a stale
// reply from a detached-and-recreated session can never be confused
// with a live one — the same reasoning the rest of the pack uses uuid
// for request/span correlation.
func NewID() uuid.UUID {
	return uuid.New()
}
