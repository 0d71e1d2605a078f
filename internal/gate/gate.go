// Package gate implements the process-wide ordering gate described in
// spec.md §4.8: a mutual-exclusion primitive that serializes init,
// attach, detach, teardown, and fatal, while letting non-fatal emits
// proceed without taking it (they rely on their own per-thread channel
// for ordering instead).
//
// Go has no portable notion of "the calling OS thread" to detect
// re-entrancy against, so re-entrancy is tracked via a caller-owned
// flag (Token) that is set once the gate is acquired. The fatal path,
// which has no handle, uses the per-goroutine Token returned by
// GoroutineToken; fatal path re-entry (the same goroutine calling fatal
// twice, e.g. because a re-raised signal ran the handler again) observes
// its own flag already set and proceeds without blocking on itself.
package gate

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is the process-wide mutex from spec.md §4.8.
type Gate struct {
	sem *semaphore.Weighted
}

// New returns an unheld Gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Token is the per-caller re-entry flag described above. Zero value is
// "not held by this caller". A Token must not be shared between
// concurrently-operating callers; a ThreadHandle owns exactly one.
type Token struct {
	held atomic.Bool
}

// Acquire blocks until the gate is held by tok, or returns immediately
// if tok already holds it (re-entrant fast path, spec.md §4.4).
func (g *Gate) Acquire(tok *Token) {
	if tok.held.Load() {
		// Already held by this caller: proceed without blocking on
		// ourselves, the documented re-entrancy behavior for a second
		// fatal on the same thread.
		return
	}
	// context.Background is used because this gate never times out:
	// spec.md draws no timeout boundary around lifecycle operations,
	// only around the tracer invocation itself (§5).
	_ = g.sem.Acquire(context.Background(), 1)
	tok.held.Store(true)
}

// TryAcquire attempts the fast, non-blocking path used from a signal
// handler re-entry check: it returns true if tok already holds the
// gate or if the gate was free and is now held by tok. It returns
// false only when another caller currently holds the gate, in which
// case the caller must fall back to Acquire.
func (g *Gate) TryAcquire(tok *Token) bool {
	if tok.held.Load() {
		return true
	}
	if g.sem.TryAcquire(1) {
		tok.held.Store(true)
		return true
	}
	return false
}

// Release gives up the gate if tok holds it. Releasing a Token that
// does not hold the gate is a no-op.
func (g *Gate) Release(tok *Token) {
	if tok.held.CompareAndSwap(true, false) {
		g.sem.Release(1)
	}
}

// goroutineTokens backs GoroutineToken below: Go has no portable
// "current OS thread" identity (spec.md §9 flags this directly), so
// the fatal path - the only caller with no natural per-caller object
// to hang a Token off, since spec.md's fatal(message) takes no handle -
// approximates "thread-local" with "current goroutine", keyed by the
// goroutine id parsed out of a runtime.Stack dump. This is exact for
// the realistic re-entrant case the spec describes (a signal-consuming
// goroutine calling Fatal again before its first call returns); it is
// not a claim that goroutines map 1:1 to OS threads in general.
var goroutineTokens sync.Map // goroutine id (uint64) -> *Token

// GoroutineToken returns the Token associated with the calling
// goroutine, creating one on first use. Every call to Fatal from a
// given goroutine observes the same Token, giving it the re-entrant
// fast path spec.md §4.4 requires, while two different goroutines
// calling Fatal concurrently still contend on separate Tokens and
// correctly block on the gate's single semaphore slot instead of
// racing each other's fatal-path buffers.
func GoroutineToken() *Token {
	id := currentGoroutineID()
	if v, ok := goroutineTokens.Load(id); ok {
		return v.(*Token)
	}
	tok, _ := goroutineTokens.LoadOrStore(id, &Token{})
	return tok.(*Token)
}

// currentGoroutineID parses the numeric id out of the calling
// goroutine's own stack trace header ("goroutine 123 [running]:"). It
// is a best-effort identity, not a public Go API guarantee, used only
// to scope Fatal's re-entrancy flag.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
