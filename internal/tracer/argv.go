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

// Package tracer implements the fork/exec subsystem the monitor uses to
// invoke the external tracer program (spec.md §4.7): argument-template
// substitution, credential/OOM-score application, and the
// ADMITTED->BUILDING_ARGS->SPAWNED->WAITING->{COMPLETED,TIMED_OUT,
// SPAWN_FAILED} state machine.
package tracer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fcelda/bcd/config"
	"github.com/fcelda/bcd/internal/session"
)

// ArgvInputs bundles the per-request values the %p/%t/%k/%o/%m
// substitutions draw from (spec.md §4.7's table).
type ArgvInputs struct {
	PID          int
	ThreadIDs    []int
	Attributes   []session.KV
	OutputPath   string
	GroupMessage string
}

// BuildArgv resolves cfg.ArgumentTemplate against in, returning the
// tracer's full argv (cfg.TracerPath followed by the resolved tokens).
// Tokens that are not one of the five recognized substitutions pass
// through unchanged, the way a template engine treats literal text.
func BuildArgv(cfg *config.Config, in ArgvInputs) []string {
	argv := make([]string, 0, len(cfg.ArgumentTemplate)+1)
	argv = append(argv, cfg.TracerPath)
	for _, tok := range cfg.ArgumentTemplate {
		argv = append(argv, substitute(tok, cfg.Separators, in))
	}
	return argv
}

func substitute(tok string, sep config.Separators, in ArgvInputs) string {
	switch tok {
	case "%p":
		return strconv.Itoa(in.PID)
	case "%t":
		return joinThreadIDs(in.ThreadIDs, sep.Thread)
	case "%k":
		return joinAttributes(in.Attributes, sep.Pair, sep.KV)
	case "%o":
		return in.OutputPath
	case "%m":
		return shellQuote(in.GroupMessage)
	default:
		return tok
	}
}

func joinThreadIDs(ids []int, sep byte) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, string(sep))
}

func joinAttributes(attrs []session.KV, pairSep, kvSep byte) string {
	parts := make([]string, len(attrs))
	for i, kv := range attrs {
		parts[i] = kv.Key + string(kvSep) + kv.Value
	}
	return strings.Join(parts, string(pairSep))
}

// shellQuote single-quotes s for safe passage as one shell word,
// escaping embedded single quotes the POSIX way: close the quote,
// emit an escaped quote, reopen.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ResolveOutputPath expands cfg.OutputFilePattern's %p/%u/%n tokens
// (spec.md §4.7).
func ResolveOutputPath(pattern string, pid int, seq int, now time.Time) string {
	r := strings.NewReplacer(
		"%p", strconv.Itoa(pid),
		"%u", strconv.FormatInt(now.Unix(), 10),
		"%n", strconv.Itoa(seq),
	)
	return r.Replace(pattern)
}

// Validate checks that a template references only recognized tokens
// and literal text, returning an error naming the first unrecognized
// token group if any %-escape isn't one of the five defined ones.
func Validate(template []string) error {
	for _, tok := range template {
		if strings.HasPrefix(tok, "%") && len(tok) == 2 {
			switch tok {
			case "%p", "%t", "%k", "%o", "%m":
				continue
			default:
				return fmt.Errorf("tracer: unrecognized template token %q", tok)
			}
		}
	}
	return nil
}
