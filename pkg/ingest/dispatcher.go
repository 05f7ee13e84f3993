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

package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/ipc"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/storage"
)

type threadKey struct {
	pid string
	tid string
}

// Result is what one dispatcher accumulated locally and hands back to
// the controller when its connection drains.
type Result struct {
	// DSOOffsets is the union of "sources" payloads: DSO path to the
	// set of offsets awaiting source resolution.
	DSOOffsets map[string]map[string]struct{}
	// PerfMapsExpected is set when the profiler reported symbol maps
	// it could not find.
	PerfMapsExpected bool
}

// Dispatcher consumes one connection's message stream. It owns the
// per-thread dataset-id counters for the samples it routes; a given
// (pid, tid) is only ever fed by a single connection.
type Dispatcher struct {
	logger       log.Logger
	profilerName string
	dir          *storage.Group
	clock        *Clock
	lineage      *Lineage
	metrics      *Metrics

	sources       map[string]map[string]struct{}
	nextDatasetID map[threadKey]uint64

	firstEventSeen   bool
	extraEventName   string
	perfMapsExpected bool

	// fileExists is os.Stat-based unless overridden in tests.
	fileExists func(path string) bool
}

func NewDispatcher(logger log.Logger, profilerName string, dir *storage.Group, clock *Clock, lineage *Lineage, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		logger:        log.With(logger, "profiler", profilerName),
		profilerName:  profilerName,
		dir:           dir,
		clock:         clock,
		lineage:       lineage,
		metrics:       metrics,
		sources:       map[string]map[string]struct{}{},
		nextDatasetID: map[threadKey]uint64{},
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Run reads messages until the Stop sentinel or the peer closes the
// connection. Malformed messages are logged and skipped, never fatal.
func (d *Dispatcher) Run(conn *ipc.Connection) (Result, error) {
	for {
		line, err := conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return d.result(), nil
			}
			return d.result(), err
		}
		if line == ipc.Stop {
			return d.result(), nil
		}
		if line == "" {
			continue
		}

		d.handleLine(line)
	}
}

func (d *Dispatcher) result() Result {
	return Result{
		DSOOffsets:       d.sources,
		PerfMapsExpected: d.perfMapsExpected,
	}
}

func (d *Dispatcher) handleLine(line string) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		level.Warn(d.logger).Log("msg", "message received from profiler is not valid JSON, ignoring", "err", err)
		d.metrics.decodeFailures.Inc()
		return
	}

	typeRaw, hasType := envelope["type"]
	data, hasData := envelope["data"]
	if len(envelope) != 2 || !hasType || !hasData {
		level.Warn(d.logger).Log("msg", `message received from profiler is not a JSON object with exactly 2 elements ("type" and "data"), ignoring`)
		d.metrics.decodeFailures.Inc()
		return
	}

	var msgType string
	if err := json.Unmarshal(typeRaw, &msgType); err != nil {
		level.Warn(d.logger).Log("msg", "message type is not a string, ignoring", "err", err)
		d.metrics.decodeFailures.Inc()
		return
	}

	d.metrics.messagesTotal.WithLabelValues(msgType).Inc()

	switch msgType {
	case "missing_symbol_maps":
		d.handleMissingSymbolMaps(data)
	case "callchains":
		d.handleCallchains(data)
	case "sources":
		d.handleSources(data)
	case "sample":
		d.handleSample(data)
	case "syscall":
		d.handleSyscall(data)
	case "syscall_meta":
		d.handleSyscallMeta(data)
	default:
		level.Debug(d.logger).Log("msg", "message of unrecognized type received from profiler, ignoring", "type", msgType)
	}
}

func (d *Dispatcher) handleMissingSymbolMaps(data json.RawMessage) {
	var paths []json.RawMessage
	if err := json.Unmarshal(data, &paths); err != nil {
		level.Warn(d.logger).Log("msg", `"missing_symbol_maps" data element is not a JSON array, ignoring`, "err", err)
		return
	}

	for i, raw := range paths {
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			level.Warn(d.logger).Log("msg", `element in "missing_symbol_maps" array is not a string, ignoring this element`, "index", i)
			continue
		}
		level.Warn(d.logger).Log("msg", "a symbol map is expected but has not been found", "path", path)
		d.perfMapsExpected = true
	}
}

func (d *Dispatcher) handleCallchains(data json.RawMessage) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		level.Warn(d.logger).Log("msg", `"callchains" data element is not a JSON object, ignoring`, "err", err)
		return
	}

	d.dir.File("callchains").WriteString(string(data) + "\n")
}

func (d *Dispatcher) handleSources(data json.RawMessage) {
	var sources map[string][]json.RawMessage
	if err := json.Unmarshal(data, &sources); err != nil {
		level.Warn(d.logger).Log("msg", `"sources" data element is not a JSON object, ignoring`, "err", err)
		return
	}

	for dso, offsets := range sources {
		if !d.fileExists(dso) {
			continue
		}

		set, ok := d.sources[dso]
		if !ok {
			set = map[string]struct{}{}
			d.sources[dso] = set
		}
		for i, raw := range offsets {
			var offset string
			if err := json.Unmarshal(raw, &offset); err != nil {
				level.Warn(d.logger).Log("msg", `offset in "sources" element is not a string, ignoring this offset`, "dso", dso, "index", i)
				continue
			}
			set[offset] = struct{}{}
		}
	}
}

func (d *Dispatcher) handleSample(data json.RawMessage) {
	profileStart, armed := d.clock.Get()
	if !armed {
		// Samples from before the profile start carry no usable
		// attribution.
		return
	}

	var s sampleData
	if err := json.Unmarshal(data, &s); err != nil {
		level.Warn(d.logger).Log("msg", "the recently received sample JSON is invalid, ignoring", "err", err)
		d.metrics.decodeFailures.Inc()
		return
	}

	if !d.firstEventSeen {
		d.firstEventSeen = true

		if s.EventType == "offcpu-time" || s.EventType == "task-clock" {
			d.extraEventName = ""
		} else {
			d.extraEventName = s.EventType
		}

		// The very first sample may reach back past the profile
		// start; truncate it so no time before the start is
		// attributed.
		if s.Time < profileStart+s.Period {
			if s.Time >= profileStart {
				s.Period = s.Time - profileStart
			} else {
				s.Period = 0
			}
		}
	} else if (d.extraEventName != "" && s.EventType != d.extraEventName) ||
		(d.extraEventName == "" && s.EventType != "offcpu-time" && s.EventType != "task-clock") {
		expected := d.extraEventName
		if expected == "" {
			expected = "task-clock or offcpu-time"
		}
		level.Warn(d.logger).Log(
			"msg", "the recently received sample JSON is of different event type than expected, ignoring",
			"received", s.EventType, "expected", expected)
		d.metrics.discardedSamples.Inc()
		return
	}

	threadDir := d.dir.Group(s.PID).Group(s.TID)

	callchain := s.Callchain
	if len(callchain) == 0 {
		callchain = []Frame{syntheticFrame}
	}

	offcpu := s.EventType == "offcpu-time"
	if offcpu {
		saveOffCPU(threadDir, s.Time, profileStart, s.Period)
	}

	key := threadKey{pid: s.PID, tid: s.TID}
	nextID := func() uint64 {
		id := d.nextDatasetID[key]
		d.nextDatasetID[key] = id + 1
		return id
	}

	saveSampleUntimed(threadDir, callchain, s.Period, offcpu)
	saveSampleTimed(threadDir, callchain, s.Period, offcpu, nextID)

	threadDir.SetUint64("sampled_period", threadDir.GetUint64("sampled_period", 0)+s.Period)
	d.metrics.samplesIngested.WithLabelValues(s.EventType).Inc()
}

func (d *Dispatcher) handleSyscall(data json.RawMessage) {
	if d.lineage == nil {
		return
	}

	var s syscallData
	if err := json.Unmarshal(data, &s); err != nil {
		level.Warn(d.logger).Log("msg", "the recently-received syscall JSON is invalid, ignoring", "err", err)
		d.metrics.decodeFailures.Inc()
		return
	}

	d.lineage.RecordSpawningCallchain(s.RetValue, s.Callchain)
}

func (d *Dispatcher) handleSyscallMeta(data json.RawMessage) {
	if d.lineage == nil {
		return
	}

	var m SyscallMeta
	if err := json.Unmarshal(data, &m); err != nil {
		level.Warn(d.logger).Log("msg", "the recently-received syscall tree JSON is invalid, ignoring", "err", err)
		d.metrics.decodeFailures.Inc()
		return
	}

	d.lineage.RecordMeta(m)
}
