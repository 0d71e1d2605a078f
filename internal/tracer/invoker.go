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
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/errkind"
	"github.com/fcelda/bcd/internal/session"
)

// State is one point in the TraceRequest state machine of spec.md
// §4.7. Transitions are linear; there are no retries.
type State int

const (
	Admitted State = iota
	BuildingArgs
	Spawned
	Waiting
	Completed
	TimedOut
	SpawnFailed
)

func (s State) String() string {
	switch s {
	case Admitted:
		return "ADMITTED"
	case BuildingArgs:
		return "BUILDING_ARGS"
	case Spawned:
		return "SPAWNED"
	case Waiting:
		return "WAITING"
	case Completed:
		return "COMPLETED"
	case TimedOut:
		return "TIMED_OUT"
	case SpawnFailed:
		return "SPAWN_FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Fatal marks whether a Request came from the fatal path (spec.md
// §4.6 dispatches these synchronously) or a non-fatal emit (dispatched
// asynchronously relative to the channel reply).
type Fatal bool

// Request is one TraceRequest: an admitted ask to invoke the tracer,
// carrying the attribute snapshot captured at admission time (spec.md
// §3's invariant that the invoker binds to the snapshot visible when it
// begins building arguments).
type Request struct {
	Fatal        Fatal
	GroupMessage string
	ThreadIDs    []int
	Attributes   []session.KV

	state State
	seq   int
}

// Outcome is reported to the monitor-error callback once a Request
// leaves the WAITING state (spec.md §4.7).
type Outcome struct {
	State      State
	Kind       int // an errkind code, OK for a clean zero-status exit
	Message    string
	ExitCode   int
	OutputPath string
}

// Invoker runs the fork/exec subsystem for one monitored target
// process: it enforces spec.md §4.6's "at most one tracer child at a
// time per monitored process-id" policy by serializing Run calls on
// slotMu (the admission bound is the monitor's QueueBound check, not
// part of the Invoker), and drives each Request through BuildArgv, credential
// application, spawn, and wait-with-timeout.
type Invoker struct {
	cfg    *config.Config
	log    *logrus.Entry
	pid    int // target process id substituted for %p
	seqMu  sync.Mutex
	seq    int
	slotMu sync.Mutex // held for the duration of exactly one tracer child
}

// New returns an Invoker bound to cfg and the target's pid.
func New(cfg *config.Config, log *logrus.Entry, pid int) *Invoker {
	return &Invoker{cfg: cfg, log: log, pid: pid}
}

// Run drives req through the state machine to a terminal state and
// returns the Outcome the monitor-error callback should see (for
// COMPLETED with status zero, Kind is errkind.OK and the caller need
// not invoke any callback). Run blocks until the tracer exits, is
// killed after a timeout, or fails to spawn; the monitor calls this
// synchronously for fatal requests and from a worker goroutine for
// non-fatal ones (spec.md §4.6).
func (inv *Invoker) Run(ctx context.Context, req *Request) Outcome {
	// Serializes concurrent Runs for this target, modeling spec.md
	// §4.6's "at most one tracer child at a time per monitored
	// process-id" as a critical section rather than an external queue,
	// since callers already queue admission before reaching Run.
	inv.slotMu.Lock()
	defer inv.slotMu.Unlock()

	req.state = Admitted
	req.seq = inv.nextSeq()

	req.state = BuildingArgs
	outputPath := ResolveOutputPath(inv.cfg.OutputFilePattern, inv.pid, req.seq, time.Now())
	argv := BuildArgv(inv.cfg, ArgvInputs{
		PID:          inv.pid,
		ThreadIDs:    req.ThreadIDs,
		Attributes:   req.Attributes,
		OutputPath:   outputPath,
		GroupMessage: req.GroupMessage,
	})

	cmd, outFile, err := inv.buildCmd(argv, outputPath)
	if err != nil {
		req.state = SpawnFailed
		return Outcome{State: SpawnFailed, Kind: errkind.SpawnFailed, Message: err.Error(), OutputPath: outputPath}
	}
	defer func() {
		if outFile != nil {
			outFile.Close()
		}
	}()

	if inv.cfg.HasUmask {
		old := syscall.Umask(inv.cfg.Umask)
		err = cmd.Start()
		syscall.Umask(old)
	} else {
		err = cmd.Start()
	}
	if err != nil {
		req.state = SpawnFailed
		inv.log.WithError(err).Warn("tracer spawn failed")
		return Outcome{State: SpawnFailed, Kind: errkind.SpawnFailed, Message: err.Error(), OutputPath: outputPath}
	}
	req.state = Spawned
	pid := cmd.Process.Pid

	if err := ApplyOOMScoreAdjust(pid, inv.cfg); err != nil {
		inv.log.WithError(err).Debug("oom_score_adj not applied")
	}
	if err := placeCgroup(pid, inv.cfg); err != nil {
		inv.log.WithError(err).Debug("cgroup placement not applied")
	}
	if inv.cfg.Credentials.HasUID || inv.cfg.Credentials.HasGID {
		if err := dropCapabilities(pid); err != nil {
			inv.log.WithError(err).Debug("capability drop not applied")
		}
	}

	req.state = Waiting
	return inv.wait(ctx, cmd, req, outputPath)
}

func (inv *Invoker) wait(ctx context.Context, cmd *exec.Cmd, req *Request, outputPath string) Outcome {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if inv.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(inv.cfg.RequestTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-done:
		req.state = Completed
		return inv.classifyExit(err, outputPath)

	case <-timeoutC:
		inv.log.Warn("tracer invocation timed out, escalating SIGTERM then SIGKILL")
		inv.escalate(cmd, done)
		req.state = TimedOut
		return Outcome{State: TimedOut, Kind: errkind.TimedOut, Message: "tracer invocation timed out", OutputPath: outputPath}

	case <-ctx.Done():
		inv.escalate(cmd, done)
		req.state = TimedOut
		return Outcome{State: TimedOut, Kind: errkind.TimedOut, Message: ctx.Err().Error(), OutputPath: outputPath}
	}
}

// escalate implements spec.md §4.7's SIGTERM-then-grace-then-SIGKILL
// teardown, grounded on the zmux processmgr.process deterministic
// teardown pattern, then reaps the child so it never remains a zombie
// past this call.
func (inv *Invoker) escalate(cmd *exec.Cmd, done <-chan error) {
	const grace = 2 * time.Second

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
	}
	_ = cmd.Process.Kill()
	<-done
}

func (inv *Invoker) classifyExit(waitErr error, outputPath string) Outcome {
	if waitErr == nil {
		return Outcome{State: Completed, Kind: errkind.OK, ExitCode: 0, OutputPath: outputPath}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(waitErr, &exitErr); ok {
		code := exitErr.ExitCode()
		return Outcome{
			State:      Completed,
			Kind:       errkind.TracerNonzeroExit,
			Message:    fmt.Sprintf("tracer exited with status %d", code),
			ExitCode:   code,
			OutputPath: outputPath,
		}
	}
	return Outcome{State: Completed, Kind: errkind.TracerNonzeroExit, Message: waitErr.Error(), OutputPath: outputPath}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (inv *Invoker) buildCmd(argv []string, outputPath string) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = inv.cfg.ChdirDirectory
	applyCreds(cmd, inv.cfg)
	if inv.cfg.HasUmask {
		// In effect while the output file is created below; Run sets it
		// again in this process around Start rather than inside the
		// child: os/exec has no pre-exec hook, and umask is a
		// process-wide setting that the forked child inherits at the
		// instant of the underlying clone/fork syscall regardless of
		// which goroutine issued it.
		old := syscall.Umask(inv.cfg.Umask)
		defer syscall.Umask(old)
	}

	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("tracer: opening output file %q: %w", outputPath, err)
	}
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	cmd.Stdin = nil // inherits /dev/null semantics via os/exec's default when unset and no controlling tty is attached

	return cmd, outFile, nil
}

func (inv *Invoker) nextSeq() int {
	inv.seqMu.Lock()
	defer inv.seqMu.Unlock()
	inv.seq++
	return inv.seq
}
