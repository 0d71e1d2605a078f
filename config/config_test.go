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

package config

import (
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestConfigInitAppliesDefaults(t *testing.T) {
	var cfg Config
	ConfigInit(&cfg)
	assert.DeepEqual(t, cfg.Separators, DefaultSeparators())
	assert.Assert(t, !cfg.Frozen())
}

func TestValidateRejectsEmptyTracerPath(t *testing.T) {
	cfg := Config{OutputFilePattern: "/tmp/%p.out", Separators: DefaultSeparators()}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "tracer path is unset")
}

func TestValidateRejectsUnresolvedTracerPath(t *testing.T) {
	cfg := Config{
		TracerPath:        "/nonexistent/path/to/tracer-binary",
		OutputFilePattern: "/tmp/%p.out",
		Separators:        DefaultSeparators(),
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "does not resolve to an executable")
}

func TestValidateRejectsEmptySeparator(t *testing.T) {
	cfg := Config{TracerPath: "/bin/true", OutputFilePattern: "/tmp/%p.out"}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "separators must be non-empty")
}

func TestFreezeMarksConfigFrozen(t *testing.T) {
	var cfg Config
	ConfigInit(&cfg)
	assert.Assert(t, !cfg.Frozen())
	cfg.Freeze()
	assert.Assert(t, cfg.Frozen())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Config{
		TracerPath:          "/bin/true",
		ArgumentTemplate:    []string{"--pid", "%p"},
		OutputFilePattern:   "/tmp/bcd-%p-%n.out",
		HandshakeTimeout:    5 * time.Second,
		RequestTimeout:      2 * time.Second,
		Separators:          DefaultSeparators(),
		QueueBound:          16,
		SuspendOtherThreads: true,
		ChdirDirectory:      "/var/run/bcd",
	}
	cfg.Credentials.HasUID = true
	cfg.Credentials.UID = 1000
	cfg.Credentials.HasGID = true
	cfg.Credentials.GID = 1000
	cfg.Credentials.Groups = []int{27, 100}
	cfg.HasUmask = true
	cfg.Umask = 0o022
	cfg.HasOOMScoreAdjust = true
	cfg.OOMScoreAdjust = 300

	path := filepath.Join(t.TempDir(), "bcd.toml")
	assert.NilError(t, Save(path, &cfg))

	got, err := Load(path)
	assert.NilError(t, err)

	assert.Equal(t, got.TracerPath, cfg.TracerPath)
	assert.DeepEqual(t, got.ArgumentTemplate, cfg.ArgumentTemplate)
	assert.Equal(t, got.OutputFilePattern, cfg.OutputFilePattern)
	assert.Equal(t, got.HandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, got.RequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, got.QueueBound, cfg.QueueBound)
	assert.Equal(t, got.SuspendOtherThreads, cfg.SuspendOtherThreads)
	assert.Equal(t, got.ChdirDirectory, cfg.ChdirDirectory)
	assert.Equal(t, got.Credentials.UID, cfg.Credentials.UID)
	assert.Equal(t, got.Credentials.GID, cfg.Credentials.GID)
	assert.DeepEqual(t, got.Credentials.Groups, cfg.Credentials.Groups)
	assert.Equal(t, got.Umask, cfg.Umask)
	assert.Equal(t, got.OOMScoreAdjust, cfg.OOMScoreAdjust)

	// Callbacks never cross the file boundary: loading back must not
	// panic or synthesize a value, it simply stays nil.
	assert.Assert(t, got.Callbacks.MonitorError == nil)
}
