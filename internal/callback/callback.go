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

// Package callback dispatches the monitor-error callback slot of
// spec.md §4.9 as a small capability record, per spec.md §9's
// "callbacks as interface objects" design note, rather than as a bare
// function pointer passed around directly. The request-error slot is
// not part of this type: it fires synchronously in the host process
// when a channel operation fails on the transport or an EMIT reply
// comes back non-OK (handle.go), never inside the monitor process this
// Dispatcher lives in.
package callback

import "github.com/sirupsen/logrus"

// Dispatcher wraps the monitor-error callback (passed in as a plain
// func(int, string) value to avoid an import cycle with the root
// package) plus a logger used when the slot is nil, so a configured-away
// callback still leaves a trace instead of silently dropping a
// diagnosable failure.
type Dispatcher struct {
	monitorError func(kind int, message string)
	log          *logrus.Entry
}

// New builds a Dispatcher. monitorError may be nil.
func New(monitorError func(kind int, message string), log *logrus.Entry) *Dispatcher {
	return &Dispatcher{monitorError: monitorError, log: log}
}

// MonitorError invokes the monitor-error callback, called inside the
// monitor process when a request cannot be serviced or a tracer
// invocation fails (spec.md §4.9). It never re-enters the library.
func (d *Dispatcher) MonitorError(kind int, message string) {
	if d.monitorError == nil {
		d.log.WithField("kind", kind).Debug("monitor error dropped: no callback configured")
		return
	}
	d.monitorError(kind, message)
}
