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
	"fmt"
	"net"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/ipc"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/storage"
)

const profileStart = uint64(1_000_000)

func newTestDispatcher(t *testing.T, lineage *Lineage) (*Dispatcher, *storage.Group) {
	t.Helper()

	store := storage.NewStore(t.TempDir())
	dir := store.Root().Group("walltime")

	clock := NewClock()
	clock.Arm(profileStart)

	d := NewDispatcher(log.NewNopLogger(), "test", dir, clock, lineage, NewMetrics(prometheus.NewRegistry()))
	d.fileExists = func(string) bool { return true }
	return d, dir
}

func sampleLine(eventType string, time, period uint64, callchain string) string {
	return fmt.Sprintf(
		`{"type":"sample","data":{"event_type":%q,"pid":"100","tid":"100","time":%d,"period":%d,"callchain":%s}}`,
		eventType, time, period, callchain)
}

func threadDir(dir *storage.Group) *storage.Group {
	return dir.Group("100").Group("100")
}

func TestTipReuse(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	line := sampleLine("task-clock", profileStart+1000, 10, `[["A","0x1"],["B","0x2"]]`)
	d.handleLine(line)
	d.handleLine(line)

	timed := threadDir(dir).Group("timed")
	all := timed.Uint64Array("all")
	require.Equal(t, 1, all.Len())
	require.Equal(t, uint64(0), all.At(0))
	require.Equal(t, uint64(20), all.GetUint64("hot_value", 0))

	node0 := timed.Uint64Array("0")
	require.Equal(t, "A", node0.GetString("name", ""))
	require.Equal(t, 1, node0.Len())
	require.Equal(t, uint64(1), node0.At(0))
	require.Equal(t, uint64(20), node0.GetUint64("hot_value", 0))
	require.Equal(t, uint64(20), node0.GetUint64("hot_0x1", 0))

	node1 := timed.Uint64Array("1")
	require.Equal(t, "B", node1.GetString("name", ""))
	require.Equal(t, 0, node1.Len())
	require.Equal(t, uint64(20), node1.GetUint64("hot_value", 0))
	require.Equal(t, uint64(20), node1.GetUint64("hot_0x2", 0))
}

func TestBranching(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	line := sampleLine("task-clock", profileStart+1000, 10, `[["A","0x1"],["B","0x2"]]`)
	d.handleLine(line)
	d.handleLine(line)
	d.handleLine(sampleLine("task-clock", profileStart+1100, 5, `[["A","0x1"],["C","0x3"]]`))

	timed := threadDir(dir).Group("timed")
	all := timed.Uint64Array("all")
	require.Equal(t, uint64(25), all.GetUint64("hot_value", 0))

	node0 := timed.Uint64Array("0")
	require.Equal(t, 2, node0.Len())
	require.Equal(t, uint64(1), node0.At(0))
	require.Equal(t, uint64(2), node0.At(1))
	require.Equal(t, uint64(25), node0.GetUint64("hot_value", 0))
	require.Equal(t, uint64(25), node0.GetUint64("hot_0x1", 0))

	node2 := timed.Uint64Array("2")
	require.Equal(t, "C", node2.GetString("name", ""))
	require.Equal(t, uint64(5), node2.GetUint64("hot_value", 0))
	require.Equal(t, uint64(5), node2.GetUint64("hot_0x3", 0))
}

func TestOffCPUAttribution(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	d.handleLine(sampleLine("offcpu-time", profileStart+100, 40, `[]`))

	thread := threadDir(dir)
	untimedAll := thread.Group("untimed").Group("all")
	require.Equal(t, uint64(40), untimedAll.GetUint64("cold_value", 0))

	synthetic := untimedAll.Group("(just thread/process)")
	require.Equal(t, uint64(40), synthetic.GetUint64("cold_value", 0))
	require.Equal(t, uint64(40), synthetic.GetUint64("cold_", 0))

	offcpu := thread.PairArray("offcpu")
	require.Equal(t, 1, offcpu.Len())
	start, duration := offcpu.At(0)
	require.Equal(t, uint64(60), start)
	require.Equal(t, uint64(40), duration)
}

func TestOffCPUUnderflowClamp(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	// The sleep reaches back past the profile start: only the part
	// after the start is attributed. This is also the first sample,
	// so the boundary clamp truncates the period itself.
	d.handleLine(sampleLine("offcpu-time", profileStart+30, 50, `[]`))

	offcpu := threadDir(dir).PairArray("offcpu")
	require.Equal(t, 1, offcpu.Len())
	start, duration := offcpu.At(0)
	require.Equal(t, uint64(0), start)
	require.Equal(t, uint64(30), duration)
}

func TestFirstSampleClamp(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	d.handleLine(sampleLine("task-clock", profileStart+5, 20, `[["A","0x1"]]`))

	thread := threadDir(dir)
	untimedAll := thread.Group("untimed").Group("all")
	require.Equal(t, uint64(5), untimedAll.GetUint64("hot_value", 0))
	require.Equal(t, uint64(5), thread.GetUint64("sampled_period", 0))

	// Subsequent samples are not clamped.
	d.handleLine(sampleLine("task-clock", profileStart+10, 20, `[["A","0x1"]]`))
	require.Equal(t, uint64(25), untimedAll.GetUint64("hot_value", 0))
}

func TestRootAccountingInvariant(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	d.handleLine(sampleLine("task-clock", profileStart+1000, 10, `[["A","0x1"],["B","0x2"]]`))
	d.handleLine(sampleLine("offcpu-time", profileStart+2000, 30, `[["A","0x1"]]`))
	d.handleLine(sampleLine("task-clock", profileStart+3000, 5, `[["C","0x4"]]`))

	thread := threadDir(dir)
	untimedAll := thread.Group("untimed").Group("all")
	timedAll := thread.Group("timed").Uint64Array("all")

	total := thread.GetUint64("sampled_period", 0)
	require.Equal(t, uint64(45), total)
	require.Equal(t, total, untimedAll.GetUint64("hot_value", 0)+untimedAll.GetUint64("cold_value", 0))
	require.Equal(t, total, timedAll.GetUint64("hot_value", 0)+timedAll.GetUint64("cold_value", 0))
}

func TestFirstEventDiscipline(t *testing.T) {
	t.Parallel()

	t.Run("walltime accepts both clock events", func(t *testing.T) {
		t.Parallel()
		d, dir := newTestDispatcher(t, nil)

		d.handleLine(sampleLine("task-clock", profileStart+1000, 10, `[["A","0x1"]]`))
		d.handleLine(sampleLine("offcpu-time", profileStart+2000, 30, `[["A","0x1"]]`))
		d.handleLine(sampleLine("cache-misses", profileStart+3000, 5, `[["A","0x1"]]`))

		require.Equal(t, uint64(40), threadDir(dir).GetUint64("sampled_period", 0))
	})

	t.Run("custom event accepts only itself", func(t *testing.T) {
		t.Parallel()
		d, dir := newTestDispatcher(t, nil)

		d.handleLine(sampleLine("cache-misses", profileStart+1000, 100, `[["A","0x1"]]`))
		d.handleLine(sampleLine("task-clock", profileStart+2000, 10, `[["A","0x1"]]`))
		d.handleLine(sampleLine("cache-misses", profileStart+3000, 100, `[["A","0x1"]]`))

		require.Equal(t, uint64(200), threadDir(dir).GetUint64("sampled_period", 0))
	})
}

func TestSamplesDroppedBeforeProfileStart(t *testing.T) {
	t.Parallel()

	store := storage.NewStore(t.TempDir())
	dir := store.Root().Group("walltime")

	d := NewDispatcher(log.NewNopLogger(), "test", dir, NewClock(), nil, NewMetrics(prometheus.NewRegistry()))
	d.handleLine(sampleLine("task-clock", 500, 10, `[["A","0x1"]]`))

	require.Equal(t, uint64(0), threadDir(dir).GetUint64("sampled_period", 0))
}

func TestMalformedMessagesSkipped(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	d.handleLine(`not json at all`)
	d.handleLine(`["an","array"]`)
	d.handleLine(`{"type":"sample"}`)
	d.handleLine(`{"type":"sample","data":{},"extra":1}`)
	d.handleLine(`{"type":"sample","data":{"event_type":"task-clock","pid":"100","tid":"100","time":"bogus"}}`)

	require.Equal(t, uint64(0), threadDir(dir).GetUint64("sampled_period", 0))
}

func TestSourcesAccumulation(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, nil)
	d.fileExists = func(path string) bool { return path != "/gone/lib.so" }

	d.handleLine(`{"type":"sources","data":{"/usr/bin/app":["0x10","0x20"],"/gone/lib.so":["0x30"]}}`)
	d.handleLine(`{"type":"sources","data":{"/usr/bin/app":["0x20","0x40"]}}`)

	result := d.result()
	require.Equal(t, map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}, "0x20": {}, "0x40": {}},
	}, result.DSOOffsets)
}

func TestMissingSymbolMaps(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, nil)

	d.handleLine(`{"type":"missing_symbol_maps","data":["/tmp/perf-1.map",42]}`)

	require.True(t, d.result().PerfMapsExpected)
}

func TestCallchainsAppended(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	d.handleLine(`{"type":"callchains","data":{"abc":["main"]}}`)

	require.Contains(t, dir.File("callchains").String(), `{"abc":["main"]}`)
}

func TestLineageRouting(t *testing.T) {
	t.Parallel()

	lineage := NewLineage(log.NewNopLogger())
	d, _ := newTestDispatcher(t, lineage)

	d.handleLine(`{"type":"syscall","data":{"ret_value":"2","callchain":[["fork","0x1"]]}}`)
	d.handleLine(`{"type":"syscall_meta","data":{"subtype":"new_proc","comm":"sh","pid":"1","tid":"1","time":100,"ret_value":"2"}}`)

	require.True(t, lineage.Active())
}

func TestRunUntilStop(t *testing.T) {
	t.Parallel()

	d, dir := newTestDispatcher(t, nil)

	client, server := net.Pipe()
	go func() {
		conn := ipc.NewConnection(client, 1024)
		_ = conn.Write(sampleLine("task-clock", profileStart+1000, 10, `[["A","0x1"]]`), false)
		_ = conn.Write("", false)
		_ = conn.Write(ipc.Stop, true)
	}()

	result, err := d.Run(ipc.NewConnection(server, 1024))
	require.NoError(t, err)
	require.False(t, result.PerfMapsExpected)
	require.Equal(t, uint64(10), threadDir(dir).GetUint64("sampled_period", 0))
}
