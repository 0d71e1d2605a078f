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
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/fcelda/bcd/config"
)

func TestApplyCredsSetsSetpgidAndPdeathsig(t *testing.T) {
	cmd := exec.Command("/bin/true")
	applyCreds(cmd, &config.Config{})

	attr, ok := cmd.SysProcAttr.(*syscall.SysProcAttr)
	assert.Assert(t, ok)
	assert.Assert(t, attr.Setpgid)
	assert.Equal(t, attr.Pdeathsig, syscall.SIGKILL)
	assert.Assert(t, attr.Credential == nil)
}

func TestApplyCredsBuildsCredentialWhenUIDOrGIDSet(t *testing.T) {
	cmd := exec.Command("/bin/true")
	cfg := &config.Config{}
	cfg.Credentials.HasUID = true
	cfg.Credentials.UID = 1000
	cfg.Credentials.HasGID = true
	cfg.Credentials.GID = 2000
	cfg.Credentials.Groups = []int{27, 100}

	applyCreds(cmd, cfg)

	attr := cmd.SysProcAttr.(*syscall.SysProcAttr)
	assert.Assert(t, attr.Credential != nil)
	assert.Equal(t, attr.Credential.Uid, uint32(1000))
	assert.Equal(t, attr.Credential.Gid, uint32(2000))
	assert.DeepEqual(t, attr.Credential.Groups, []uint32{27, 100})
}

func TestApplyCredsSetsChdirDirectory(t *testing.T) {
	cmd := exec.Command("/bin/true")
	applyCreds(cmd, &config.Config{ChdirDirectory: "/var/run/bcd"})
	assert.Equal(t, cmd.Dir, "/var/run/bcd")
}

func TestApplyOOMScoreAdjustSkippedWhenUnset(t *testing.T) {
	called := false
	old := oomScoreAdjPath
	oomScoreAdjPath = func(pid int) string { called = true; return old(pid) }
	defer func() { oomScoreAdjPath = old }()

	err := ApplyOOMScoreAdjust(1, &config.Config{})
	assert.NilError(t, err)
	assert.Assert(t, !called)
}

func TestApplyOOMScoreAdjustWritesConfiguredValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oom_score_adj")
	old := oomScoreAdjPath
	oomScoreAdjPath = func(pid int) string { return path }
	defer func() { oomScoreAdjPath = old }()

	cfg := &config.Config{HasOOMScoreAdjust: true, OOMScoreAdjust: 500}
	assert.NilError(t, ApplyOOMScoreAdjust(99, cfg))

	got, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(got), strconv.Itoa(500))
}

func TestPlaceCgroupNoOpWithoutOOMPolicy(t *testing.T) {
	assert.NilError(t, placeCgroup(1, &config.Config{}))
}
