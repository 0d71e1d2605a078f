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

package tracer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/errkind"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func invokerConfig(t *testing.T, tracerPath string) *config.Config {
	t.Helper()
	return &config.Config{
		TracerPath:        tracerPath,
		ArgumentTemplate:  []string{"%p"},
		OutputFilePattern: filepath.Join(t.TempDir(), "out-%p-%n.log"),
		Separators:        config.DefaultSeparators(),
	}
}

func TestRunCompletesCleanlyOnZeroExit(t *testing.T) {
	inv := New(invokerConfig(t, "/bin/true"), discardLogger(), 42)
	outcome := inv.Run(context.Background(), &Request{GroupMessage: "hi"})
	assert.Equal(t, outcome.State, Completed)
	assert.Equal(t, outcome.Kind, errkind.OK)
	assert.Equal(t, outcome.ExitCode, 0)
	_, err := os.Stat(outcome.OutputPath)
	assert.NilError(t, err)
}

func TestRunReportsNonzeroExit(t *testing.T) {
	inv := New(invokerConfig(t, "/bin/false"), discardLogger(), 42)
	outcome := inv.Run(context.Background(), &Request{})
	assert.Equal(t, outcome.State, Completed)
	assert.Equal(t, outcome.Kind, errkind.TracerNonzeroExit)
	assert.Assert(t, outcome.ExitCode != 0)
}

func TestRunReportsSpawnFailureForMissingTracer(t *testing.T) {
	cfg := invokerConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))
	inv := New(cfg, discardLogger(), 42)
	outcome := inv.Run(context.Background(), &Request{})
	assert.Equal(t, outcome.State, SpawnFailed)
	assert.Equal(t, outcome.Kind, errkind.SpawnFailed)
}

func TestRunEscalatesOnTimeout(t *testing.T) {
	cfg := invokerConfig(t, "/bin/sleep")
	cfg.ArgumentTemplate = []string{"30"}
	cfg.RequestTimeout = 50 * time.Millisecond
	inv := New(cfg, discardLogger(), 42)

	start := time.Now()
	outcome := inv.Run(context.Background(), &Request{})
	elapsed := time.Since(start)

	assert.Equal(t, outcome.State, TimedOut)
	assert.Equal(t, outcome.Kind, errkind.TimedOut)
	// escalate waits at most the 2s grace period after SIGTERM before
	// SIGKILL; sleep 30 must not survive that, so this returns well
	// under 2s plus the request timeout.
	assert.Assert(t, elapsed < 3*time.Second)
}

func TestRunEscalatesOnContextCancellation(t *testing.T) {
	cfg := invokerConfig(t, "/bin/sleep")
	cfg.ArgumentTemplate = []string{"30"}
	inv := New(cfg, discardLogger(), 42)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	outcome := inv.Run(ctx, &Request{})
	assert.Equal(t, outcome.State, TimedOut)
	assert.Equal(t, outcome.Kind, errkind.TimedOut)
}

func TestStateStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, Completed.String(), "COMPLETED")
	assert.Equal(t, State(999).String(), "State(999)")
}

func TestNextSeqIsMonotonicAndUniquePerRequest(t *testing.T) {
	inv := New(invokerConfig(t, "/bin/true"), discardLogger(), 1)
	a := inv.nextSeq()
	b := inv.nextSeq()
	assert.Assert(t, b > a)
}
