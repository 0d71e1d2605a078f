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

package gate

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestAcquireReleaseReentrant(t *testing.T) {
	g := New()
	var tok Token

	g.Acquire(&tok)
	// Re-entrant acquire by the same token must not deadlock.
	g.Acquire(&tok)
	g.Release(&tok)
	g.Release(&tok)

	// A fresh token should now be able to acquire without blocking.
	acquired := make(chan struct{})
	go func() {
		var other Token
		g.Acquire(&other)
		close(acquired)
		g.Release(&other)
	}()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("gate remained held after matching Release calls")
	}
}

func TestAcquireBlocksDistinctTokens(t *testing.T) {
	g := New()
	var first Token
	g.Acquire(&first)

	acquired := make(chan struct{})
	go func() {
		var second Token
		g.Acquire(&second)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second token acquired the gate while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release(&first)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second token never acquired the gate after release")
	}
}

func TestTryAcquire(t *testing.T) {
	g := New()
	var first, second Token

	assert.Assert(t, g.TryAcquire(&first))
	assert.Assert(t, !g.TryAcquire(&second))
	// Re-entrant fast path for the same token that already holds it.
	assert.Assert(t, g.TryAcquire(&first))

	g.Release(&first)
	assert.Assert(t, g.TryAcquire(&second))
}

func TestReleaseWithoutAcquireIsNoOp(t *testing.T) {
	g := New()
	var tok Token
	g.Release(&tok) // must not panic or underflow the semaphore

	assert.Assert(t, g.TryAcquire(&tok))
}

func TestGoroutineTokenStableWithinGoroutine(t *testing.T) {
	done := make(chan [2]*Token, 1)
	go func() {
		a := GoroutineToken()
		b := GoroutineToken()
		done <- [2]*Token{a, b}
	}()
	pair := <-done
	assert.Assert(t, pair[0] == pair[1])
}

func TestGoroutineTokenDiffersAcrossGoroutines(t *testing.T) {
	tokens := make(chan *Token, 2)
	for i := 0; i < 2; i++ {
		go func() { tokens <- GoroutineToken() }()
	}
	a := <-tokens
	b := <-tokens
	assert.Assert(t, a != b)
}
