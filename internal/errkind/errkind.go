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

// Package errkind holds the numeric error-kind codes shared across the
// package boundary between the root bcd package and its internal
// subpackages (wire, session, tracer, monitor). The root package can't
// be imported from internal code without an import cycle, so these
// codes - not bcd.Kind itself - are what crosses the wire status byte,
// the callback capability record, and the monitor's internal plumbing.
// bcd.go casts between Kind and these codes; the ordinals below must
// stay in lockstep with the Kind enum in errvalue.go.
package errkind

const (
	OK = iota
	NotInitialized
	AlreadyInitialized
	InvalidConfig
	ForkFailed
	SocketFailed
	HandshakeFailed
	ChannelClosed
	ProtocolViolation
	QueueFull
	TimedOut
	SpawnFailed
	TracerNonzeroExit
	PermissionDenied
	ResourceLimit
)
