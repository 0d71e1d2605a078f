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
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/syndtr/gocapability/capability"

	"github.com/fcelda/bcd/config"
)

// applyCreds sets the SysProcAttr fields that must be in place before
// Start, the way runsc's sandbox.go configures Credential and
// Setpgid/Pdeathsig on its own child. Capability dropping happens
// separately in dropCapabilities, which must run against the already-
// running child's pid because gocapability operates on a pid, not a
// not-yet-started exec.Cmd.
func applyCreds(cmd *exec.Cmd, cfg *config.Config) {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if cfg.Credentials.HasUID || cfg.Credentials.HasGID {
		cred := &syscall.Credential{}
		if cfg.Credentials.HasUID {
			cred.Uid = uint32(cfg.Credentials.UID)
		}
		if cfg.Credentials.HasGID {
			cred.Gid = uint32(cfg.Credentials.GID)
		}
		if len(cfg.Credentials.Groups) > 0 {
			cred.Groups = make([]uint32, len(cfg.Credentials.Groups))
			for i, g := range cfg.Credentials.Groups {
				cred.Groups[i] = uint32(g)
			}
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if cfg.ChdirDirectory != "" {
		cmd.Dir = cfg.ChdirDirectory
	}
}

// dropCapabilities clears every capability set on the now-running
// tracer child, leaving it with exactly the permissions its uid/gid
// grant — the same pattern runsc's sandbox.go uses via
// github.com/syndtr/gocapability/capability before exec, adapted here
// to run just after Start since os/exec has no pre-exec hook.
func dropCapabilities(pid int) error {
	caps, err := capability.NewPid2(pid)
	if err != nil {
		return fmt.Errorf("tracer: opening capability set for pid %d: %w", pid, err)
	}
	if err := caps.Load(); err != nil {
		return fmt.Errorf("tracer: loading capability set for pid %d: %w", pid, err)
	}
	caps.Clear(capability.CAPS | capability.BOUNDING | capability.AMBIENT)
	if err := caps.Apply(capability.CAPS | capability.BOUNDING | capability.AMBIENT); err != nil {
		return fmt.Errorf("tracer: applying dropped capability set for pid %d: %w", pid, err)
	}
	return nil
}

// oomScoreAdjPath is a var so tests can redirect it at a tmp file.
var oomScoreAdjPath = func(pid int) string {
	return fmt.Sprintf("/proc/%d/oom_score_adj", pid)
}

// ApplyOOMScoreAdjust writes cfg's configured adjustment directly to
// procfs. This is the simple, always-available mechanism; placeCgroup
// below additionally moves the tracer child into a dedicated cgroup
// when the monitor has privilege to create one. That cgroup is created
// with an empty resource set, so it sets no memory or other limits on
// the child. Exported
// so cmd/bcdmonitor can apply the same policy to the monitor's own
// pid, not only to the tracer children this package spawns.
func ApplyOOMScoreAdjust(pid int, cfg *config.Config) error {
	if !cfg.HasOOMScoreAdjust {
		return nil
	}
	return os.WriteFile(oomScoreAdjPath(pid), []byte(strconv.Itoa(cfg.OOMScoreAdjust)), 0644)
}

// placeCgroup creates (or reuses) a dedicated cgroup for tracer
// children and moves pid into it, using containerd/cgroups the way
// runsc/cgroup wraps cgroup creation for sandbox processes. Absence of
// cgroup v1 support (e.g. running under a cgroup v2-only host, or
// without CAP_SYS_ADMIN) is not fatal: the tracer still runs, just
// without the extra containment.
func placeCgroup(pid int, cfg *config.Config) error {
	if !cfg.HasOOMScoreAdjust {
		// No OOM policy configured: nothing to bound. Cgroup placement
		// is an enforcement mechanism for that policy, not a feature of
		// its own.
		return nil
	}
	control, err := cgroups.New(cgroups.V1, cgroups.StaticPath("/bcd/tracer"), &specs.LinuxResources{})
	if err != nil {
		return fmt.Errorf("tracer: creating cgroup: %w", err)
	}
	return control.Add(cgroups.Process{Pid: pid})
}
