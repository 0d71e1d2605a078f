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

// Package config holds the immutable-after-init Config record described
// in spec.md §3/§4.1: the tracer path, argument template, credentials,
// separators, timeouts, and callback hooks that govern a bcd monitor.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/BurntSushi/toml"
)

// Callbacks is the capability record for the two error-callback slots
// (spec.md §4.9). A nil field means "no callback configured"; the
// event is then dropped after a Debug-level log line.
type Callbacks struct {
	// MonitorError is invoked inside the monitor process when a request
	// cannot be serviced or a tracer invocation fails.
	MonitorError func(kind int, message string)

	// RequestError is invoked inside the host process when a channel
	// operation fails.
	RequestError func(kind int, message string)
}

// Credentials are applied by the monitor after fork, never by the host.
type Credentials struct {
	UID          int
	GID          int
	Groups       []int
	HasUID       bool
	HasGID       bool
}

// Separators are the single-character delimiters used when the tracer
// invoker formats the %t and %k argument-template substitutions
// (spec.md §4.7).
type Separators struct {
	Pair   byte // joins key=value pairs in %k
	KV     byte // joins a key to its value within one pair
	Thread byte // joins thread ids in %t
}

// DefaultSeparators matches spec.md §4.1's defaults: (" ", ":", ",").
func DefaultSeparators() Separators {
	return Separators{Pair: ' ', KV: ':', Thread: ','}
}

// Config is the frozen configuration record a host passes to Init. Once
// Init returns success the monitor owns a copy across the fork boundary
// and the host's copy must not be mutated (spec.md §3 Ownership).
type Config struct {
	// TracerPath is the external tracer program. Required; Init fails
	// with InvalidConfig if it is empty or not executable.
	TracerPath string

	// ArgumentTemplate is the token sequence passed to the tracer; see
	// the substitution table in spec.md §4.7.
	ArgumentTemplate []string

	// TargetPID overrides the process id substituted for %p. Zero means
	// "the host's own pid", resolved at fork time.
	TargetPID int

	Credentials Credentials

	// OOMScoreAdjust, if HasOOMScoreAdjust is true, is applied to the
	// monitor and tracer processes via /proc/<pid>/oom_score_adj.
	OOMScoreAdjust    int
	HasOOMScoreAdjust bool

	Separators Separators

	// OutputFilePattern resolves the %o token; it may itself contain
	// %p, %u (unix timestamp), and %n (sequence number).
	OutputFilePattern string

	// HandshakeTimeout bounds the host's wait for the init handshake
	// byte. Zero means unbounded, matching spec.md's default.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds only the tracer invocation (spec.md §5);
	// channel I/O itself never times out.
	RequestTimeout time.Duration

	// SuspendOtherThreads records whether the tracer should suspend all
	// host threads except the reporting one before collecting a
	// snapshot. The core does not implement suspension itself. The flag
	// is saved to and loaded from the monitor's config file, but no
	// argument-template token or other tracer input carries it.
	SuspendOtherThreads bool

	// ChdirDirectory, if non-empty, is the tracer child's working
	// directory.
	ChdirDirectory string

	// Umask, if HasUmask is true, is applied in the tracer child before
	// exec.
	Umask    int
	HasUmask bool

	// QueueBound caps the number of admitted-but-not-yet-completed
	// non-fatal TraceRequests (spec.md §4.6); 0 means unbounded.
	QueueBound int

	Callbacks Callbacks

	frozen bool
}

// ConfigInit populates cfg with the documented defaults (spec.md §4.1).
// It is the conceptual config_init operation.
func ConfigInit(cfg *Config) {
	*cfg = Config{
		Separators: DefaultSeparators(),
	}
}

// Validate checks the fields Init needs frozen (spec.md §4.1's
// validation list) and returns a descriptive error if any is wrong. It
// does not apply credentials; those are the monitor child's job after
// fork.
func (c *Config) Validate() error {
	if c.TracerPath == "" {
		return fmt.Errorf("tracer path is unset")
	}
	if _, err := exec.LookPath(c.TracerPath); err != nil {
		return fmt.Errorf("tracer path %q does not resolve to an executable: %w", c.TracerPath, err)
	}
	if c.Separators.Pair == 0 || c.Separators.KV == 0 || c.Separators.Thread == 0 {
		return fmt.Errorf("separators must be non-empty single characters")
	}
	if c.OutputFilePattern == "" {
		return fmt.Errorf("output file pattern is unset")
	}
	return nil
}

// Freeze marks the config immutable. Init calls this only after
// Validate succeeds; subsequent mutation is a caller bug, not a runtime
// error the core can prevent, matching spec.md's "immutable after init"
// invariant.
func (c *Config) Freeze() { c.frozen = true }

// Frozen reports whether Freeze has been called.
func (c *Config) Frozen() bool { return c.frozen }

// fileConfig is the on-disk shape accepted by Load, covering the subset
// of Config fields that make sense outside of a live host process (the
// re-exec'd cmd/bcdmonitor binary, which Init hands a file written by
// Save).
type fileConfig struct {
	TracerPath          string   `toml:"tracer_path"`
	ArgumentTemplate    []string `toml:"argument_template"`
	OOMScoreAdjust      *int     `toml:"oom_score_adjust"`
	OutputFilePattern   string   `toml:"output_file_pattern"`
	HandshakeTimeoutMS  int      `toml:"handshake_timeout_ms"`
	RequestTimeoutMS    int      `toml:"request_timeout_ms"`
	QueueBound          int      `toml:"queue_bound"`
	PairSeparator       string   `toml:"pair_separator"`
	KVSeparator         string   `toml:"kv_separator"`
	ThreadSeparator     string   `toml:"thread_separator"`
	UID                 *int     `toml:"uid"`
	GID                 *int     `toml:"gid"`
	Groups              []int    `toml:"groups"`
	ChdirDirectory      string   `toml:"chdir_directory"`
	Umask               *int     `toml:"umask"`
	SuspendOtherThreads bool     `toml:"suspend_other_threads"`
}

// Load reads a TOML configuration file, the way runsc's own flags layer
// accepts on-disk defaults, and fills in a Config. Fields absent from
// the file keep ConfigInit's defaults.
func Load(path string) (Config, error) {
	var fc fileConfig
	var cfg Config
	ConfigInit(&cfg)

	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return cfg, fmt.Errorf("loading config %q: %w", path, err)
	}

	cfg.TracerPath = fc.TracerPath
	cfg.ArgumentTemplate = fc.ArgumentTemplate
	cfg.OutputFilePattern = fc.OutputFilePattern
	cfg.QueueBound = fc.QueueBound
	if fc.OOMScoreAdjust != nil {
		cfg.OOMScoreAdjust = *fc.OOMScoreAdjust
		cfg.HasOOMScoreAdjust = true
	}
	if fc.HandshakeTimeoutMS > 0 {
		cfg.HandshakeTimeout = time.Duration(fc.HandshakeTimeoutMS) * time.Millisecond
	}
	if fc.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMS) * time.Millisecond
	}
	if fc.PairSeparator != "" {
		cfg.Separators.Pair = fc.PairSeparator[0]
	}
	if fc.KVSeparator != "" {
		cfg.Separators.KV = fc.KVSeparator[0]
	}
	if fc.ThreadSeparator != "" {
		cfg.Separators.Thread = fc.ThreadSeparator[0]
	}
	if fc.UID != nil {
		cfg.Credentials.UID = *fc.UID
		cfg.Credentials.HasUID = true
	}
	if fc.GID != nil {
		cfg.Credentials.GID = *fc.GID
		cfg.Credentials.HasGID = true
	}
	cfg.Credentials.Groups = fc.Groups
	cfg.ChdirDirectory = fc.ChdirDirectory
	if fc.Umask != nil {
		cfg.Umask = *fc.Umask
		cfg.HasUmask = true
	}
	cfg.SuspendOtherThreads = fc.SuspendOtherThreads
	return cfg, nil
}

// Save writes the subset of cfg that makes sense to hand to a
// re-exec'd monitor process to path as TOML (the inverse of Load).
// Credentials are included, since the monitor applies them to itself
// and its tracer children after fork (spec.md §4.1). Fields with no
// cross-process meaning - Callbacks, TargetPID (passed on the monitor's
// command line instead), and any Go-only value - are left out;
// callbacks are relayed back over the notify pipe rather than
// serialized.
func Save(path string, cfg *Config) error {
	fc := fileConfig{
		TracerPath:          cfg.TracerPath,
		ArgumentTemplate:    cfg.ArgumentTemplate,
		OutputFilePattern:   cfg.OutputFilePattern,
		QueueBound:          cfg.QueueBound,
		PairSeparator:       string(cfg.Separators.Pair),
		KVSeparator:         string(cfg.Separators.KV),
		ThreadSeparator:     string(cfg.Separators.Thread),
		Groups:              cfg.Credentials.Groups,
		ChdirDirectory:      cfg.ChdirDirectory,
		SuspendOtherThreads: cfg.SuspendOtherThreads,
	}
	if cfg.HasOOMScoreAdjust {
		v := cfg.OOMScoreAdjust
		fc.OOMScoreAdjust = &v
	}
	if cfg.HandshakeTimeout > 0 {
		fc.HandshakeTimeoutMS = int(cfg.HandshakeTimeout / time.Millisecond)
	}
	if cfg.RequestTimeout > 0 {
		fc.RequestTimeoutMS = int(cfg.RequestTimeout / time.Millisecond)
	}
	if cfg.Credentials.HasUID {
		v := cfg.Credentials.UID
		fc.UID = &v
	}
	if cfg.Credentials.HasGID {
		v := cfg.Credentials.GID
		fc.GID = &v
	}
	if cfg.HasUmask {
		v := cfg.Umask
		fc.Umask = &v
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("saving config %q: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(fc)
}
