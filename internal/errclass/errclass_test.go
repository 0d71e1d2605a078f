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

package errclass

import (
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestClassifyEOF(t *testing.T) {
	assert.Equal(t, Classify(io.EOF), EOF)
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	assert.Equal(t, Classify(os.ErrDeadlineExceeded), TimedOut)
}

func TestClassifyUnwrapsNetOpError(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: unix.ECONNREFUSED}
	assert.Equal(t, Classify(err), Refused)
}

func TestClassifyUnwrapsPathError(t *testing.T) {
	err := &os.PathError{Op: "open", Path: "/tmp/bcd.1", Err: unix.ENOENT}
	assert.Equal(t, Classify(err), NotExist)
}

func TestClassifyErrno(t *testing.T) {
	cases := []struct {
		errno unix.Errno
		want  Class
	}{
		{unix.ECONNRESET, Reset},
		{unix.EPIPE, Reset},
		{unix.EACCES, Permission},
		{unix.EPERM, Permission},
		{unix.EADDRINUSE, AddrInUse},
		{unix.ETIMEDOUT, TimedOut},
		{unix.EINVAL, Other},
	}
	for _, c := range cases {
		assert.Equal(t, Classify(c.errno), c.want)
	}
}

func TestClassifyUnrecognizedIsOther(t *testing.T) {
	assert.Equal(t, Classify(fmt.Errorf("some unrelated error")), Other)
}

func TestClassStringNames(t *testing.T) {
	assert.Equal(t, EOF.String(), "eof")
	assert.Equal(t, Class(99).String(), "other")
}
