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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/host"
)

// localHost adapts the CLI flags to the host contract the module is
// written against. The profile completes when the target process
// exits.
type localHost struct {
	logger  log.Logger
	pfs     procfs.FS
	flags   flags
	options host.OptionValues

	tmpDir      string
	localConfig string
	logDir      string

	lastErr string
}

func newLocalHost(logger log.Logger, pfs procfs.FS, flags flags) (*localHost, error) {
	tmpDir, err := os.MkdirTemp("", "adaptyst-linuxperf-")
	if err != nil {
		return nil, err
	}

	localConfig := filepath.Join(flags.NodeDir, ".config")
	logDir := filepath.Join(flags.NodeDir, "log")
	for _, dir := range []string{localConfig, logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &localHost{
		logger: logger,
		pfs:    pfs,
		flags:  flags,
		options: host.OptionValues{
			"buffer_size":             flags.BufferSize,
			"warmup":                  flags.Warmup,
			"freq":                    flags.Freq,
			"buffer":                  flags.Buffer,
			"off_cpu_freq":            flags.OffCPUFreq,
			"off_cpu_buffer":          flags.OffCPUBuffer,
			"events":                  flags.Events,
			"filter":                  flags.Filter,
			"filter_mark":             flags.FilterMark,
			"capture_mode":            flags.CaptureMode,
			"perf_path":               flags.PerfPath,
			"perf_script_path":        flags.PerfScriptPath,
			"roofline":                flags.Roofline,
			"roofline_benchmark_path": flags.RooflineBenchmarkPath,
			"carm_tool_path":          flags.CARMToolPath,
		},
		tmpDir:      tmpDir,
		localConfig: localConfig,
		logDir:      logDir,
	}, nil
}

func (h *localHost) Options() host.Options  { return h.options }
func (h *localHost) TmpDir() string         { return h.tmpDir }
func (h *localHost) NodeDir() string        { return h.flags.NodeDir }
func (h *localHost) LocalConfigDir() string { return h.localConfig }
func (h *localHost) LogDir() string         { return h.logDir }
func (h *localHost) NodeID() string         { return h.flags.NodeID }
func (h *localHost) TargetPID() int         { return h.flags.PID }
func (h *localHost) CPUMask() string        { return h.flags.CPUMask }

func (h *localHost) NotifyProfilingReady() {
	level.Info(h.logger).Log("msg", "profiling is live", "pid", h.flags.PID)
}

// WaitProfilingDone blocks until the target process disappears.
func (h *localHost) WaitProfilingDone() {
	for {
		if _, err := h.pfs.Proc(h.flags.PID); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *localHost) SetError(msg string) {
	h.lastErr = msg
}

func (h *localHost) ProcessSourcePaths(paths []string) {
	for _, path := range paths {
		level.Info(h.logger).Log("msg", "source file referenced by the profile", "path", path)
	}
}

func (h *localHost) err() error {
	if h.lastErr == "" {
		return errors.New("the profiling module failed without reporting an error")
	}
	return fmt.Errorf("%s", h.lastErr)
}
