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

package module

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/cpuinfo"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/host"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/profiler"
)

// fakeHost satisfies host.Host with temp directories and canned
// option values.
type fakeHost struct {
	options  host.OptionValues
	tmp      string
	node     string
	local    string
	logDir   string
	cpuMask  string
	lastErr  string
	srcPaths []string
}

func newFakeHost(t *testing.T, overrides host.OptionValues) *fakeHost {
	t.Helper()

	options := host.OptionValues{}
	for _, spec := range OptionsTable {
		options[spec.Name] = spec.Default
	}
	for name, value := range overrides {
		options[name] = value
	}

	return &fakeHost{
		options: options,
		tmp:     t.TempDir(),
		node:    t.TempDir(),
		local:   t.TempDir(),
		logDir:  t.TempDir(),
		cpuMask: "bb",
	}
}

func (h *fakeHost) Options() host.Options          { return h.options }
func (h *fakeHost) TmpDir() string                 { return h.tmp }
func (h *fakeHost) NodeDir() string                { return h.node }
func (h *fakeHost) LocalConfigDir() string         { return h.local }
func (h *fakeHost) LogDir() string                 { return h.logDir }
func (h *fakeHost) NodeID() string                 { return "node0" }
func (h *fakeHost) TargetPID() int                 { return 4242 }
func (h *fakeHost) CPUMask() string                { return h.cpuMask }
func (h *fakeHost) NotifyProfilingReady()          {}
func (h *fakeHost) WaitProfilingDone()             {}
func (h *fakeHost) SetError(msg string)            { h.lastErr = msg }
func (h *fakeHost) ProcessSourcePaths(paths []string) {
	h.srcPaths = paths
}

// fakePerfTree creates the directory layout the perf_path validation
// expects and returns its root.
func fakePerfTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "perf"), []byte("#!/bin/true\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root,
		"libexec", "perf-core", "scripts", "python", "Perf-Trace-Util", "lib", "Perf", "Trace"), 0o755))
	return root
}

func newTestModule() *Module {
	m := New(log.NewNopLogger(), prometheus.NewRegistry())
	m.vendor = func() (cpuinfo.Vendor, error) { return cpuinfo.VendorIntel, nil }
	m.onlineCPUs = func() (cpuinfo.CPUSet, error) {
		return cpuinfo.CPUSet{{First: 0, Last: 63}}, nil
	}
	return m
}

func validOverrides(t *testing.T) host.OptionValues {
	t.Helper()
	return host.OptionValues{
		"perf_path":        fakePerfTree(t),
		"perf_script_path": t.TempDir(),
	}
}

func TestInitValid(t *testing.T) {
	t.Parallel()

	m := newTestModule()
	h := newFakeHost(t, validOverrides(t))

	require.True(t, m.Init(h))
	require.Empty(t, h.lastErr)
	require.Equal(t, profiler.CaptureUser, m.captureMode)
	require.Empty(t, m.events)
}

func TestInitValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		overrides host.OptionValues
		wantErr   string
	}{
		{
			name:      "buffer_size zero",
			overrides: host.OptionValues{"buffer_size": uint(0)},
			wantErr:   `"buffer_size" must be greater than or equal to 1.`,
		},
		{
			name:      "warmup zero",
			overrides: host.OptionValues{"warmup": uint(0)},
			wantErr:   `"warmup" must be greater than or equal to 1.`,
		},
		{
			name:      "freq zero",
			overrides: host.OptionValues{"freq": uint(0)},
			wantErr:   `"freq" must be greater than or equal to 1.`,
		},
		{
			name:      "buffer zero",
			overrides: host.OptionValues{"buffer": uint(0)},
			wantErr:   `"buffer" must be greater than or equal to 1.`,
		},
		{
			name:      "off_cpu_freq below -1",
			overrides: host.OptionValues{"off_cpu_freq": -2},
			wantErr:   `"off_cpu_freq" must be greater than or equal to -1.`,
		},
		{
			name:      "bad capture mode",
			overrides: host.OptionValues{"capture_mode": "everything"},
			wantErr:   `"capture_mode" can be either "kernel", "user", or "both"`,
		},
		{
			name:      "bad filter",
			overrides: host.OptionValues{"filter": "blocklist:/tmp/list"},
			wantErr:   `The value of "filter" is incorrect.`,
		},
		{
			name:      "bad event string",
			overrides: host.OptionValues{"events": []string{"cache-misses,100,Cache misses"}},
			wantErr:   "must be in form of EVENT,PERIOD,TITLE,UNIT",
		},
		{
			name:      "reserved CARM title",
			overrides: host.OptionValues{"events": []string{"cache-misses,100,CARM_FOO,ops"}},
			wantErr:   "reserved keyword CARM_",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			overrides := validOverrides(t)
			for name, value := range tt.overrides {
				overrides[name] = value
			}

			m := newTestModule()
			h := newFakeHost(t, overrides)

			require.False(t, m.Init(h))
			require.Contains(t, h.lastErr, tt.wantErr)
		})
	}
}

func TestInitMissingPerfTree(t *testing.T) {
	t.Parallel()

	m := newTestModule()
	h := newFakeHost(t, host.OptionValues{
		"perf_path":        t.TempDir(),
		"perf_script_path": t.TempDir(),
	})

	require.False(t, m.Init(h))
	require.Contains(t, h.lastErr, "does not point to a regular file!")
}

func TestInitParsesEvents(t *testing.T) {
	t.Parallel()

	overrides := validOverrides(t)
	overrides["events"] = []string{"cache-misses,100,Cache misses,misses"}
	overrides["buffer"] = uint(2)

	m := newTestModule()
	require.True(t, m.Init(newFakeHost(t, overrides)))

	require.Len(t, m.events, 1)
	event := m.events[0]
	require.Equal(t, profiler.EventCustom, event.Kind)
	require.Equal(t, "cache-misses", event.Name)
	require.Equal(t, 100, event.Period)
	require.Equal(t, 2, event.BufferEvents)
	require.Equal(t, "Cache misses", event.HumanTitle)
	require.Equal(t, "misses", event.Unit)
}

func TestInitParsesFilter(t *testing.T) {
	t.Parallel()

	rules := filepath.Join(t.TempDir(), "denylist")
	require.NoError(t, os.WriteFile(rules, []byte("SYM ^std::.*$\nOR\nANY .*\n"), 0o644))

	overrides := validOverrides(t)
	overrides["filter"] = "deny:" + rules
	overrides["filter_mark"] = true

	m := newTestModule()
	require.True(t, m.Init(newFakeHost(t, overrides)))

	require.Equal(t, profiler.FilterDeny, m.filter.Mode)
	require.True(t, m.filter.Mark)
	require.Equal(t, [][]string{{"SYM ^std::.*$"}, {"ANY .*"}}, m.filter.Conditions)
}

func TestRooflineInjection(t *testing.T) {
	t.Parallel()

	t.Run("intel", func(t *testing.T) {
		t.Parallel()

		benchmark := filepath.Join(t.TempDir(), "roofline.csv")
		require.NoError(t, os.WriteFile(benchmark, []byte("l1,l2\n"), 0o644))

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)
		overrides["roofline_benchmark_path"] = benchmark

		m := newTestModule()
		require.True(t, m.Init(newFakeHost(t, overrides)))

		require.Len(t, m.events, 9)
		require.Equal(t, "CARM_INTEL_SSP", m.events[0].HumanTitle)
		require.Equal(t, 50, m.events[0].Period)
		require.Equal(t, benchmark, m.rooflineBenchmarkPath)
	})

	t.Run("amd", func(t *testing.T) {
		t.Parallel()

		benchmark := filepath.Join(t.TempDir(), "roofline.csv")
		require.NoError(t, os.WriteFile(benchmark, []byte("l1,l2\n"), 0o644))

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)
		overrides["roofline_benchmark_path"] = benchmark

		m := newTestModule()
		m.vendor = func() (cpuinfo.Vendor, error) { return cpuinfo.VendorAMD, nil }
		require.True(t, m.Init(newFakeHost(t, overrides)))

		require.Len(t, m.events, 10)
		require.Equal(t, "CARM_AMD_SPFMA", m.events[0].HumanTitle)
	})

	t.Run("unsupported vendor", func(t *testing.T) {
		t.Parallel()

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)

		m := newTestModule()
		m.vendor = func() (cpuinfo.Vendor, error) { return cpuinfo.VendorUnknown, nil }

		h := newFakeHost(t, overrides)
		require.False(t, m.Init(h))
		require.Contains(t, h.lastErr, "neither an Intel nor an AMD CPU")
	})

	t.Run("missing benchmark", func(t *testing.T) {
		t.Parallel()

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)

		m := newTestModule()
		h := newFakeHost(t, overrides)
		require.False(t, m.Init(h))
		require.Contains(t, h.lastErr, `"roofline_benchmark_path" or "carm_tool_path" must be provided`)
	})

	t.Run("benchmark from local config", func(t *testing.T) {
		t.Parallel()

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)

		m := newTestModule()
		h := newFakeHost(t, overrides)
		cached := filepath.Join(h.local, "roofline.csv")
		require.NoError(t, os.WriteFile(cached, []byte("l1,l2\n"), 0o644))

		require.True(t, m.Init(h))
		require.Equal(t, cached, m.rooflineBenchmarkPath)
	})

	t.Run("benchmark from CARM tool", func(t *testing.T) {
		t.Parallel()

		overrides := validOverrides(t)
		overrides["roofline"] = uint(50)
		overrides["carm_tool_path"] = "/opt/carm"

		m := newTestModule()
		h := newFakeHost(t, overrides)
		m.runCARMTool = func(toolPath, outDir string) error {
			require.Equal(t, "/opt/carm", toolPath)
			require.NoError(t, os.MkdirAll(filepath.Join(outDir, "roofline"), 0o755))
			return os.WriteFile(filepath.Join(outDir, "roofline", "unnamed_roofline.csv"), []byte("l1\n"), 0o644)
		}

		require.True(t, m.Init(h))
		require.Equal(t, filepath.Join(h.local, "roofline.csv"), m.rooflineBenchmarkPath)
	})
}

func TestProcessRejectsOfflineCores(t *testing.T) {
	t.Parallel()

	m := newTestModule()
	m.onlineCPUs = func() (cpuinfo.CPUSet, error) {
		return cpuinfo.CPUSet{{First: 0, Last: 1}}, nil
	}

	h := newFakeHost(t, validOverrides(t))
	h.cpuMask = "bbbb"
	require.True(t, m.Init(h))

	require.False(t, m.Process(h))
	require.Contains(t, h.lastErr, "not online")
}

func TestRooflineEventStringsRejectUnknownVendor(t *testing.T) {
	t.Parallel()

	_, err := rooflineEventStrings(cpuinfo.VendorUnknown, 10)
	require.Error(t, err)
}
