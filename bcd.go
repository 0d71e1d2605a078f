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

package bcd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/donation"
	"github.com/fcelda/bcd/internal/gate"
	"github.com/fcelda/bcd/internal/monitor"
	"github.com/fcelda/bcd/internal/pipe"
)

// monitorBinary is the bcdmonitor executable Init re-execs, the same
// way runsc re-execs itself for its boot phase rather than attempting
// a raw fork: Go's runtime cannot safely fork without an immediate
// exec. Looked up via PATH by default; BCD_MONITOR_PATH overrides it,
// matching the style of the other environment variables spec.md §6
// documents for the preload collaborator.
var monitorBinary = "bcdmonitor"

func init() {
	if p := os.Getenv("BCD_MONITOR_PATH"); p != "" {
		monitorBinary = p
	}
}

// core is the single process-wide, init-guarded record spec.md §9
// calls for: "the single monitor pid and ordering gate are the only
// truly process-wide data; encapsulate them in one init-guarded record
// whose lifecycle is init->teardown."
type core struct {
	mu          sync.Mutex
	initialized bool

	cfg      config.Config
	gate     *gate.Gate
	initTok  gate.Token
	host     *pipe.HostSide
	cmd      *exec.Cmd
	socket   string
	log      *logrus.Entry
	tearDown chan struct{}
}

var global core

// Init is the init operation of spec.md §6: it validates and freezes
// cfg, spawns the monitor, and blocks for its handshake. Defaults are
// not filled here; callers run config.ConfigInit first.
func Init(cfg *config.Config) ErrorValue {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.initialized {
		return newError(AlreadyInitialized, "bcd: already initialized")
	}

	if err := cfg.Validate(); err != nil {
		return newError(InvalidConfig, "%v", err)
	}
	cfg.Freeze()

	g := gate.New()
	g.Acquire(&global.initTok)
	defer g.Release(&global.initTok)

	cp, err := pipe.New()
	if err != nil {
		return newError(ForkFailed, "opening control pipe: %v", err)
	}

	configPath, err := writeMonitorConfig(cfg)
	if err != nil {
		cp.CloseChildEnds()
		cp.CloseHostEnds()
		return newError(InvalidConfig, "serializing config for monitor: %v", err)
	}

	path, err := exec.LookPath(monitorBinary)
	if err != nil {
		cp.CloseChildEnds()
		cp.CloseHostEnds()
		return newError(ForkFailed, "locating monitor binary %q: %v", monitorBinary, err)
	}

	targetPID := os.Getpid()
	if cfg.TargetPID != 0 {
		targetPID = cfg.TargetPID
	}
	socket := monitor.ListenPath(os.TempDir(), os.Getpid())
	cmd := exec.Command(path,
		"-config", configPath,
		"-target-pid", fmt.Sprintf("%d", targetPID),
		"-socket", socket,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	var agency donation.Agency
	cp.DonateChildEnds(&agency)
	agency.Transfer(cmd, 3)

	if err := cmd.Start(); err != nil {
		agency.Close()
		cp.CloseHostEnds()
		return newError(ForkFailed, "starting monitor: %v", err)
	}
	agency.Close()
	cp.CloseChildEnds()

	host := pipe.NewHostSide(cp)

	hs, err := readHandshakeWithTimeout(host, cfg.HandshakeTimeout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		host.Close()
		return newError(HandshakeFailed, "reading monitor handshake: %v", err)
	}
	if hs.Status != 0 {
		cmd.Wait()
		host.Close()
		return newError(SocketFailed, "monitor failed to start: %s", hs.Message)
	}

	log := logrus.WithField("component", "bcd.host")
	log.WithField("monitor_pid", cmd.Process.Pid).Info("monitor started")

	global.cfg = *cfg
	global.gate = g
	global.host = host
	global.cmd = cmd
	global.socket = socket
	global.log = log
	global.tearDown = make(chan struct{})
	global.initialized = true

	go notifyLoop(host, cfg.Callbacks.MonitorError, log)
	go reapMonitor(cmd, log)

	return ErrorValue{}
}

func readHandshakeWithTimeout(host *pipe.HostSide, timeout time.Duration) (handshakeResult, error) {
	type result struct {
		hs  handshakeResult
		err error
	}
	ch := make(chan result, 1)
	go func() {
		hs, err := host.ReadHandshake()
		ch <- result{handshakeResult{Status: hs.Status, Message: hs.Message}, err}
	}()

	if timeout <= 0 {
		r := <-ch
		return r.hs, r.err
	}
	select {
	case r := <-ch:
		return r.hs, r.err
	case <-time.After(timeout):
		return handshakeResult{}, fmt.Errorf("timed out waiting for handshake")
	}
}

// handshakeResult mirrors wire.Handshake without importing the wire
// package into this file's public surface.
type handshakeResult struct {
	Status  byte
	Message string
}

func notifyLoop(host *pipe.HostSide, monitorError func(kind int, message string), log *logrus.Entry) {
	for {
		reply, err := host.ReadNotify()
		if err != nil {
			return
		}
		if monitorError != nil {
			monitorError(int(reply.Status), reply.Message)
		} else {
			log.WithField("kind", reply.Status).WithField("message", reply.Message).Debug("monitor error dropped: no callback configured")
		}
	}
}

func reapMonitor(cmd *exec.Cmd, log *logrus.Entry) {
	if err := cmd.Wait(); err != nil {
		log.WithError(err).Warn("monitor process exited")
	} else {
		log.Info("monitor process exited cleanly")
	}
}

func writeMonitorConfig(cfg *config.Config) (string, error) {
	f, err := os.CreateTemp("", "bcd-config-*.toml")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	if err := config.Save(path, cfg); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Attach implements spec.md §6's attach: it dials the monitor's listen
// socket and returns a ThreadHandle embedded in the public Handle type.
func Attach() (*Handle, ErrorValue) {
	global.mu.Lock()
	initialized := global.initialized
	g := global.gate
	socket := global.socket
	global.mu.Unlock()

	if !initialized {
		return nil, newError(NotInitialized, "bcd: not initialized")
	}

	var tok gate.Token
	g.Acquire(&tok)
	defer g.Release(&tok)

	var conn net.Conn
	op := func() error {
		c, err := net.Dial("unix", socket)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	// The monitor's listener is opened before it writes its handshake,
	// so this normally succeeds first try; a short constant backoff
	// only covers the sliver of time between the monitor process being
	// reaped-and-restarted by an external supervisor and its socket
	// reappearing, the same retry shape sandbox.go uses for
	// waitForStopped.
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 10)
	if err := backoff.Retry(op, b); err != nil {
		return nil, newError(SocketFailed, "connecting to monitor: %v", err)
	}

	return newHandle(conn), ErrorValue{}
}

// Detach implements spec.md §6's detach.
func Detach(h *Handle) ErrorValue {
	global.mu.Lock()
	g := global.gate
	global.mu.Unlock()

	var tok gate.Token
	g.Acquire(&tok)
	defer g.Release(&tok)

	return h.detach()
}

// KV implements spec.md §6's kv(handle, key, value): a KV_SET.
func KV(h *Handle, key, value string) ErrorValue {
	return h.kvSet(key, value)
}

// KVDelete implements the KV_DELETE half of spec.md §4.3, exposed
// separately from KV since the conceptual operation table only lists
// "kv" for set but §4.3 requires both ops on the channel.
func KVDelete(h *Handle, key string) ErrorValue {
	return h.kvDelete(key)
}

// Emit implements spec.md §6's emit(handle, group_message).
func Emit(h *Handle, groupMessage string) {
	h.emit(groupMessage)
}

// Fatal implements spec.md §4.4/§6's fatal(message): signal-safe,
// callable from asynchronous signal context, returns no value.
func Fatal(message string) {
	global.mu.Lock()
	initialized := global.initialized
	g := global.gate
	host := global.host
	log := global.log
	global.mu.Unlock()

	if !initialized {
		return
	}

	tok := gate.GoroutineToken()
	g.Acquire(tok)
	defer g.Release(tok)

	if err := host.WriteFatal(message); err != nil {
		if log != nil {
			log.WithError(err).Error("writing fatal marker failed")
		}
		return
	}
	if _, err := host.ReadFatalAck(); err != nil {
		if log != nil {
			log.WithError(err).Error("reading fatal ack failed")
		}
	}
}

// ErrorMessage is the error_message(err) library operation of spec.md
// §6.
func ErrorMessage(e ErrorValue) string { return errorMessage(e) }
