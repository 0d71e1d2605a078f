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

// Package bcd is a crash-and-error reporting supervisor. It spawns a
// monitor process that drives an external tracer against the host's own
// process image on request, so that a fatal or non-fatal error never has
// to be inspected from the address space that hit it.
package bcd

import (
	"fmt"

	"github.com/fcelda/bcd/internal/errkind"
)

// Kind classifies an ErrorValue. Kind is not exhaustive of specific
// wording; callers should switch on it, not on ErrorValue.Message().
type Kind int

// Kind's ordinals are pinned to internal/errkind's codes: those codes
// are what actually crosses the wire status byte and the callback
// capability record (internal code can't import this package), so Kind
// is defined in terms of them rather than the other way around.
const (
	// OK indicates success. The zero Kind is always success so that a
	// zero-valued ErrorValue is non-erroneous.
	OK                  = Kind(errkind.OK)
	NotInitialized      = Kind(errkind.NotInitialized)
	AlreadyInitialized  = Kind(errkind.AlreadyInitialized)
	InvalidConfig       = Kind(errkind.InvalidConfig)
	ForkFailed          = Kind(errkind.ForkFailed)
	SocketFailed        = Kind(errkind.SocketFailed)
	HandshakeFailed     = Kind(errkind.HandshakeFailed)
	ChannelClosed       = Kind(errkind.ChannelClosed)
	ProtocolViolation   = Kind(errkind.ProtocolViolation)
	QueueFull           = Kind(errkind.QueueFull)
	TimedOut            = Kind(errkind.TimedOut)
	SpawnFailed         = Kind(errkind.SpawnFailed)
	TracerNonzeroExit   = Kind(errkind.TracerNonzeroExit)
	PermissionDenied    = Kind(errkind.PermissionDenied)
	ResourceLimit       = Kind(errkind.ResourceLimit)
)

var kindNames = [...]string{
	OK:                 "OK",
	NotInitialized:     "NOT_INITIALIZED",
	AlreadyInitialized: "ALREADY_INITIALIZED",
	InvalidConfig:      "INVALID_CONFIG",
	ForkFailed:         "FORK_FAILED",
	SocketFailed:       "SOCKET_FAILED",
	HandshakeFailed:    "HANDSHAKE_FAILED",
	ChannelClosed:      "CHANNEL_CLOSED",
	ProtocolViolation:  "PROTOCOL_VIOLATION",
	QueueFull:          "QUEUE_FULL",
	TimedOut:           "TIMED_OUT",
	SpawnFailed:        "SPAWN_FAILED",
	TracerNonzeroExit:  "TRACER_NONZERO_EXIT",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceLimit:      "RESOURCE_LIMIT",
}

// String returns the enumerated name, e.g. "CHANNEL_CLOSED".
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) || kindNames[k] == "" {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// messageMax bounds the diagnostic message carried by an ErrorValue
// built by newError. It is smaller than the wire protocol's own string
// bound (wire.StringMax), so such a message always fits in one
// length-prefixed field on the channel.
const messageMax = 256

// ErrorValue is the core's opaque diagnostic carrier. It is returned (by
// value, never as a pointer) from every fallible operation that isn't
// itself required to be signal-safe; emit and fatal never return one
// directly. Emit hands its error to the request-error callback (§4.9);
// Fatal only logs a failure to write its marker or read its ack and
// invokes no callback.
type ErrorValue struct {
	kind Kind
	msg  string
}

// Ok reports whether the value represents success.
func (e ErrorValue) Ok() bool { return e.kind == OK }

// Kind returns the enumerated classification.
func (e ErrorValue) Kind() Kind { return e.kind }

// Message returns a bounded, human-readable message. For OK it is empty.
func (e ErrorValue) Message() string { return e.msg }

// Error implements the error interface so ErrorValue composes with
// ordinary Go error handling at package boundaries that prefer it.
func (e ErrorValue) Error() string {
	if e.Ok() {
		return "OK"
	}
	if e.msg == "" {
		return e.kind.String()
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// newError constructs a non-OK ErrorValue, truncating msg to messageMax.
func newError(kind Kind, format string, args ...any) ErrorValue {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if len(msg) > messageMax {
		msg = msg[:messageMax]
	}
	return ErrorValue{kind: kind, msg: msg}
}

// errorMessage is the library operation from spec.md §6: it yields a
// bounded message for an ErrorValue. Exposed as a method above for
// idiomatic Go; errorMessage is kept for parity with the conceptual
// operation table and backs the exported ErrorMessage in bcd.go.
func errorMessage(e ErrorValue) string { return e.Message() }

// errorFromCode reconstructs an ErrorValue from the raw errkind code
// and message that crossed a wire status byte or a callback
// invocation from internal code.
func errorFromCode(code int, message string) ErrorValue {
	return ErrorValue{kind: Kind(code), msg: message}
}
