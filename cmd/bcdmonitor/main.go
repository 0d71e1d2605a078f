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

// Binary bcdmonitor is the out-of-process supervisor bcd.Init spawns.
// It is never invoked directly by a user; the host library re-execs
// this binary (the way runsc re-execs itself with its "boot"
// subcommand) with its configuration serialized to a TOML file and its
// control-pipe fds donated at fixed offsets, exactly as
// internal/pipe.DonateChildEnds lays them out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/monitor"
	"github.com/fcelda/bcd/internal/pipe"
	"github.com/fcelda/bcd/internal/tracer"
	"github.com/fcelda/bcd/internal/wire"
)

var (
	configPath = flag.String("config", "", "path to the serialized monitor configuration")
	targetPID  = flag.Int("target-pid", 0, "host process id substituted for %p")
	socketPath = flag.String("socket", "", "listen socket path; defaults to ${TMPDIR}/bcd.<target-pid>")
)

func main() {
	flag.Parse()
	log := logrus.WithField("component", "bcd.monitor")

	mon := pipe.NewMonitorSideFromFD(3)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(mon, log, fmt.Sprintf("loading config: %v", err))
	}

	// spec.md §4.2: the forked child "installs requested credentials
	// and resource limits" before it ever opens the listen socket. This
	// is the monitor process itself, distinct from internal/tracer's
	// per-invocation credential drop on the tracer child it later spawns.
	if err := applySelfCredentials(&cfg); err != nil {
		fail(mon, log, fmt.Sprintf("applying credentials: %v", err))
	}
	if err := tracer.ApplyOOMScoreAdjust(os.Getpid(), &cfg); err != nil {
		log.WithError(err).Warn("oom_score_adj not applied to monitor process")
	}

	path := *socketPath
	if path == "" {
		path = monitor.ListenPath(os.TempDir(), *targetPID)
	}

	// Listen runs before AcquireOwnership: its stale-path probe tries
	// the same sibling lock, which would always look held if this
	// process had already taken it.
	ln, err := monitor.Listen(path)
	if err != nil {
		fail(mon, log, fmt.Sprintf("opening listen socket: %v", err))
	}
	defer ln.Close()

	lock, err := monitor.AcquireOwnership(path)
	if err != nil {
		fail(mon, log, fmt.Sprintf("acquiring socket ownership: %v", err))
	}
	defer lock.Unlock()

	log.WithField("socket", path).Info("monitor started")

	if err := mon.WriteHandshake(wire.Handshake{Status: 0}); err != nil {
		log.WithError(err).Error("writing handshake failed")
		os.Exit(1)
	}

	notify := func(kind int, message string) {
		if err := mon.WriteNotify(kind, message); err != nil {
			log.WithError(err).Warn("relaying monitor-error notification failed")
		}
	}

	m := monitor.New(&cfg, log, mon, ln, *targetPID, notify)
	m.Run(context.Background())

	log.Info("monitor exiting")
}

// applySelfCredentials installs cfg.Credentials on the calling process,
// the monitor itself, via the raw syscall.Set{groups,gid,uid} trio
// rather than exec.Cmd's SysProcAttr.Credential (which only configures
// a not-yet-started child, not the process calling it). No wrapper in
// the pack covers dropping a live process's own privileges, so this
// stays on the standard library; order matters - groups and gid must
// be set while still privileged enough to do so, before uid is
// dropped last.
func applySelfCredentials(cfg *config.Config) error {
	if len(cfg.Credentials.Groups) > 0 {
		groups := make([]int, len(cfg.Credentials.Groups))
		copy(groups, cfg.Credentials.Groups)
		if err := syscall.Setgroups(groups); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	}
	if cfg.Credentials.HasGID {
		if err := syscall.Setgid(cfg.Credentials.GID); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if cfg.Credentials.HasUID {
		if err := syscall.Setuid(cfg.Credentials.UID); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

// fail writes a failure handshake (rather than a bare process exit) so
// the host's Init reports SOCKET_FAILED carrying this message instead
// of the HANDSHAKE_FAILED it reports for an opaque EOF on the handshake
// pipe.
func fail(mon *pipe.MonitorSide, log *logrus.Entry, message string) {
	log.Error(message)
	if err := mon.WriteHandshake(wire.Handshake{Status: 1, Message: message}); err != nil {
		log.WithError(err).Error("writing failure handshake failed")
	}
	os.Exit(1)
}
