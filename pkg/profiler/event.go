// Copyright 2024-2026 The Adaptyst Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package profiler

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// EventKind distinguishes the three sampling channel variants.
type EventKind int

const (
	// EventLineage traces the scheduler and exec syscalls the thread
	// tree is reconstructed from.
	EventLineage EventKind = iota
	// EventMain is combined on-CPU/off-CPU wall-time sampling.
	EventMain
	// EventCustom samples an arbitrary perf event by period.
	EventCustom
)

// PerfEvent describes one sampling channel of a perf instance.
type PerfEvent struct {
	Kind EventKind

	// Main profiling.
	Freq               int
	OffCPUFreq         int
	BufferEvents       int
	BufferOffCPUEvents int

	// Custom events.
	Name       string
	Period     int
	HumanTitle string
	Unit       string
}

// NewLineageEvent returns the thread-tree sampling channel.
func NewLineageEvent() PerfEvent {
	return PerfEvent{Kind: EventLineage}
}

// NewMainEvent returns the on-CPU/off-CPU wall-time channel.
// offCPUFreq 0 disables off-CPU capture, -1 captures all off-CPU
// events.
func NewMainEvent(freq, offCPUFreq, bufferEvents, bufferOffCPUEvents int) PerfEvent {
	return PerfEvent{
		Kind:               EventMain,
		Freq:               freq,
		OffCPUFreq:         offCPUFreq,
		BufferEvents:       bufferEvents,
		BufferOffCPUEvents: bufferOffCPUEvents,
	}
}

// NewCustomEvent returns a channel sampling the named perf event (as
// shown by "perf list") every period occurrences.
func NewCustomEvent(name string, period, bufferEvents int, humanTitle, unit string) PerfEvent {
	return PerfEvent{
		Kind:         EventCustom,
		Name:         name,
		Period:       period,
		BufferEvents: bufferEvents,
		HumanTitle:   humanTitle,
		Unit:         unit,
	}
}

// CaptureMode selects which stack trace types perf records.
type CaptureMode int

const (
	CaptureKernel CaptureMode = iota
	CaptureUser
	CaptureBoth
)

// ParseCaptureMode maps the option string onto a CaptureMode.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch s {
	case "kernel":
		return CaptureKernel, nil
	case "user":
		return CaptureUser, nil
	case "both":
		return CaptureBoth, nil
	default:
		return CaptureUser, fmt.Errorf(`"capture_mode" can be either "kernel", "user", or "both"`)
	}
}

// FilterMode selects how stack trace elements are filtered before
// aggregation.
type FilterMode int

const (
	FilterNone FilterMode = iota
	FilterAllow
	FilterDeny
	FilterPython
)

func (m FilterMode) String() string {
	switch m {
	case FilterAllow:
		return "allow"
	case FilterDeny:
		return "deny"
	case FilterPython:
		return "python"
	default:
		return "none"
	}
}

// Filter carries the stack trace filtering settings sent to the
// profiler during the handshake. Conditions holds conjunction groups
// of rules for allow/deny; Script the user filter script for python.
type Filter struct {
	Mode       FilterMode
	Mark       bool
	Conditions [][]string
	Script     string
}

var ruleRegexp = regexp.MustCompile(`^(SYM|EXEC|ANY) .+$`)

// ParseRuleFile reads an allowlist/denylist file: one rule per line,
// groups separated by a literal OR line, '#' lines ignored.
func ParseRuleFile(r io.Reader) ([][]string, error) {
	var (
		groups   [][]string
		elements []string
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case line == "OR":
			groups = append(groups, elements)
			elements = nil
		case ruleRegexp.MatchString(line):
			elements = append(elements, line)
		default:
			return nil, fmt.Errorf("line %d is non-empty and invalid", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	if len(elements) > 0 {
		groups = append(groups, elements)
	}

	return groups, nil
}
