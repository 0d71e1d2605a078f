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

package wire

import (
	"bytes"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFatalRecordRoundTrip(t *testing.T) {
	var buf [FatalRecordSize]byte
	rec := EncodeFatalRecord(buf[:], "segfault in worker thread")
	assert.Equal(t, len(rec), FatalRecordSize)

	msg, err := DecodeFatalRecord(rec)
	assert.NilError(t, err)
	assert.Equal(t, msg, "segfault in worker thread")
}

func TestFatalRecordTruncatesOversizeMessage(t *testing.T) {
	var buf [FatalRecordSize]byte
	long := strings.Repeat("a", FatalMessageMax+50)
	rec := EncodeFatalRecord(buf[:], long)

	msg, err := DecodeFatalRecord(rec)
	assert.NilError(t, err)
	assert.Equal(t, len(msg), FatalMessageMax)
}

func TestFatalRecordReusedBufferClearsTail(t *testing.T) {
	var buf [FatalRecordSize]byte
	EncodeFatalRecord(buf[:], strings.Repeat("x", 100))
	rec := EncodeFatalRecord(buf[:], "short")

	msg, err := DecodeFatalRecord(rec)
	assert.NilError(t, err)
	assert.Equal(t, msg, "short")
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Handshake{Status: 1, Message: "tracer path does not resolve"}
	assert.NilError(t, WriteHandshake(&buf, h))

	got, err := ReadHandshake(&buf)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, h)
}

func TestHandshakeZeroMessage(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteHandshake(&buf, Handshake{Status: 0}))

	got, err := ReadHandshake(&buf)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, byte(0))
	assert.Equal(t, got.Message, "")
}

func TestFatalAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteFatalAck(&buf, FatalAck{Status: 3}))

	got, err := ReadFatalAck(&buf)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, byte(3))
}
