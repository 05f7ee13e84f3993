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

// Package module ties the profiling pipeline together: it validates
// the declared options, composes the perf drivers, runs one dispatcher
// per connection, reconstructs the thread lineage and fans the
// collected DSO offsets out to the source resolvers.
package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/cpuinfo"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/host"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/ingest"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/profiler"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/sources"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/storage"
)

const (
	// Tag declares the module class to the host.
	Tag = "compute"
	// LogCategory is the log category this module registers.
	LogCategory = "Non-general"
)

// Module is the linuxperf profiling module. Init validates the
// options, Process runs one full profiling session.
type Module struct {
	logger  log.Logger
	metrics *ingest.Metrics

	bufSize        int
	warmup         time.Duration
	mainEvent      profiler.PerfEvent
	events         []profiler.PerfEvent
	filter         profiler.Filter
	captureMode    profiler.CaptureMode
	perfBinPath    string
	perfPythonPath string
	perfScriptPath string

	rooflineFreq          uint
	rooflineBenchmarkPath string

	// vendor, onlineCPUs and now are swappable in tests.
	vendor     func() (cpuinfo.Vendor, error)
	onlineCPUs func() (cpuinfo.CPUSet, error)
	now        func() (uint64, error)
	// runCARMTool runs the roofline benchmarking tool.
	runCARMTool func(toolPath, outDir string) error
}

func New(logger log.Logger, reg prometheus.Registerer) *Module {
	return &Module{
		logger:      logger,
		metrics:     ingest.NewMetrics(reg),
		vendor:      cpuinfo.HostVendor,
		onlineCPUs:  cpuinfo.OnlineCPUs,
		now:         monotonicNow,
		runCARMTool: runCARMTool,
	}
}

// Init validates the options. On failure the error is reported to the
// host as a single string and false is returned.
func (m *Module) Init(h host.Host) bool {
	if err := m.init(h); err != nil {
		h.SetError(err.Error())
		return false
	}
	return true
}

func (m *Module) init(h host.Host) error {
	opts := optionsFromHost(h)

	if opts.BufferSize < 1 {
		return errors.New(`"buffer_size" must be greater than or equal to 1.`)
	}
	if opts.Warmup < 1 {
		return errors.New(`"warmup" must be greater than or equal to 1.`)
	}
	if opts.Freq < 1 {
		return errors.New(`"freq" must be greater than or equal to 1.`)
	}
	if opts.Buffer < 1 {
		return errors.New(`"buffer" must be greater than or equal to 1.`)
	}
	if opts.OffCPUFreq < -1 {
		return errors.New(`"off_cpu_freq" must be greater than or equal to -1.`)
	}

	m.bufSize = int(opts.BufferSize)
	m.warmup = time.Duration(opts.Warmup) * time.Second
	m.mainEvent = profiler.NewMainEvent(
		int(opts.Freq), opts.OffCPUFreq, int(opts.Buffer), int(opts.OffCPUBuffer))

	eventStrs := opts.Events
	userEvents := len(eventStrs)

	m.rooflineFreq = opts.Roofline
	if opts.Roofline >= 1 {
		vendor, err := m.vendor()
		if err != nil {
			return fmt.Errorf("detecting the CPU vendor: %w", err)
		}

		injected, err := rooflineEventStrings(vendor, opts.Roofline)
		if err != nil {
			return err
		}
		eventStrs = append(eventStrs, injected...)

		benchmarkPath, err := m.rooflineBenchmark(h, opts)
		if err != nil {
			return err
		}
		m.rooflineBenchmarkPath = benchmarkPath
	}

	m.events = m.events[:0]
	for i, s := range eventStrs {
		// Only the events the roofline injection appended may carry
		// the reserved CARM_ title prefix.
		event, err := parseEventString(s, opts.Buffer, i >= userEvents)
		if err != nil {
			return err
		}
		m.events = append(m.events, event)
	}

	filter := profiler.Filter{Mode: profiler.FilterNone, Mark: opts.FilterMark}
	if opts.Filter != "" {
		match := filterRegexp.FindStringSubmatch(opts.Filter)
		if match == nil {
			return errors.New(`The value of "filter" is incorrect.`)
		}

		switch match[1] {
		case "allow", "deny":
			if match[1] == "allow" {
				filter.Mode = profiler.FilterAllow
			} else {
				filter.Mode = profiler.FilterDeny
			}

			f, err := os.Open(match[2])
			if err != nil {
				return fmt.Errorf("Cannot read %s!", match[2])
			}
			conditions, err := profiler.ParseRuleFile(f)
			f.Close()
			if err != nil {
				return err
			}
			filter.Conditions = conditions
		case "python":
			filter.Mode = profiler.FilterPython
			script, err := filepath.Abs(match[2])
			if err != nil {
				return fmt.Errorf("resolving the filter script path: %w", err)
			}
			filter.Script = script
		}
	}
	m.filter = filter

	captureMode, err := profiler.ParseCaptureMode(opts.CaptureMode)
	if err != nil {
		return err
	}
	m.captureMode = captureMode

	perfBinPath := filepath.Join(opts.PerfPath, "bin", "perf")
	perfPythonPath := filepath.Join(opts.PerfPath,
		"libexec", "perf-core", "scripts", "python", "Perf-Trace-Util", "lib", "Perf", "Trace")

	info, err := os.Stat(perfBinPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%s does not point to a regular file!", perfBinPath)
	}
	info, err = os.Stat(perfPythonPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s does not point to a directory!", perfPythonPath)
	}
	info, err = os.Stat(opts.PerfScriptPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s does not point to a directory!", opts.PerfScriptPath)
	}

	m.perfBinPath = perfBinPath
	m.perfPythonPath = perfPythonPath
	m.perfScriptPath = opts.PerfScriptPath

	return nil
}

// rooflineBenchmark locates the benchmarking results CSV: from the
// option, from the local config directory, or by running the CARM
// tool.
func (m *Module) rooflineBenchmark(h host.Host, opts rawOptions) (string, error) {
	if opts.RooflineBenchmarkPath != "" {
		info, err := os.Stat(opts.RooflineBenchmarkPath)
		if err != nil {
			return "", fmt.Errorf("%s does not exist!", opts.RooflineBenchmarkPath)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%s does not point to a regular file!", opts.RooflineBenchmarkPath)
		}
		return opts.RooflineBenchmarkPath, nil
	}

	cached := filepath.Join(h.LocalConfigDir(), "roofline.csv")
	if info, err := os.Stat(cached); err == nil && info.Mode().IsRegular() {
		return cached, nil
	}

	if opts.CARMToolPath != "" {
		if err := m.runCARMTool(opts.CARMToolPath, h.TmpDir()); err != nil {
			return "", err
		}

		produced := filepath.Join(h.TmpDir(), "roofline", "unnamed_roofline.csv")
		if err := copyFile(produced, cached); err != nil {
			level.Warn(m.logger).Log(
				"msg", "could not copy the roofline benchmark results to the local config directory; "+
					"roofline benchmarking will have to run again next time",
				"err", err)
			return produced, nil
		}
		return cached, nil
	}

	return "", errors.New(`"roofline_benchmark_path" or "carm_tool_path" must be provided when "roofline" is set.`)
}

func runCARMTool(toolPath, outDir string) error {
	cmd := exec.Command("python3", filepath.Join(toolPath, "run.py"), "-out", outDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("The CARM tool has returned a non-zero exit code %d.", exitErr.ExitCode())
		}
		return fmt.Errorf("running the CARM tool: %w", err)
	}
	return nil
}

// profilerUnit couples a driver with the store group its dispatchers
// write into. Dispatchers receive the unit's group and lineage
// directly and hold no reference back into the driver.
type profilerUnit struct {
	prof    profiler.Profiler
	dir     *storage.Group
	lineage *ingest.Lineage
}

// Process runs the full profiling session against the host's target
// PID. Any failure is reported as a single error string.
func (m *Module) Process(h host.Host) bool {
	if err := m.process(h); err != nil {
		h.SetError(err.Error())
		return false
	}
	return true
}

func (m *Module) process(h host.Host) error {
	level.Info(m.logger).Log("msg", "preparing profilers and verifying their requirements")

	cpus, err := cpuinfo.NewConfig(h.CPUMask())
	if err != nil {
		return fmt.Errorf("parsing the CPU mask: %w", err)
	}

	if online, err := m.onlineCPUs(); err != nil {
		level.Warn(m.logger).Log("msg", "could not determine the online CPUs, skipping the CPU mask check", "err", err)
	} else if err := cpus.CheckOnline(online); err != nil {
		return err
	}

	store := storage.NewStore(h.NodeDir())
	root := store.Root()

	newPerf := func(event profiler.PerfEvent, name string) *profiler.Perf {
		return profiler.NewPerf(m.logger, profiler.PerfConfig{
			BufSize:        m.bufSize,
			PerfBinPath:    m.perfBinPath,
			PerfScriptPath: m.perfScriptPath,
			PerfPythonPath: m.perfPythonPath,
			Event:          event,
			CPUs:           cpus,
			Name:           name,
			CaptureMode:    m.captureMode,
			Filter:         m.filter,
			LogDir:         h.LogDir(),
			NodeID:         h.NodeID(),
			SocketDir:      h.TmpDir(),
		})
	}

	lineage := ingest.NewLineage(m.logger)
	units := []profilerUnit{
		{prof: newPerf(profiler.NewLineageEvent(), "Thread tree profiler"), dir: root, lineage: lineage},
	}

	walltimeDir := root.Group("walltime")
	walltimeDir.SetString("title", "Wall time")
	walltimeDir.SetString("unit", "ns")
	units = append(units, profilerUnit{
		prof: newPerf(m.mainEvent, "On-CPU/Off-CPU profiler"), dir: walltimeDir,
	})

	for _, event := range m.events {
		eventDir := root.Group(event.Name)
		eventDir.SetString("title", event.HumanTitle)
		eventDir.SetString("unit", event.Unit)
		units = append(units, profilerUnit{
			prof: newPerf(event, event.Name), dir: eventDir,
		})
	}

	if m.rooflineFreq > 0 {
		if err := copyFile(m.rooflineBenchmarkPath, filepath.Join(h.NodeDir(), "roofline.csv")); err != nil {
			return fmt.Errorf("Could not copy the roofline benchmarking results: %s", err)
		}
	}

	for _, unit := range units {
		for _, req := range unit.prof.Requirements() {
			if !profiler.Check(req) {
				return fmt.Errorf("Requirement %q is not met!", req.Name())
			}
		}
	}

	level.Info(m.logger).Log("msg", "starting profilers and waiting for them to signal their readiness")

	pid := h.TargetPID()
	for _, unit := range units {
		if err := unit.prof.Start(pid); err != nil {
			return fmt.Errorf("starting profiler %q: %w", unit.prof.Name(), err)
		}
	}

	var (
		clock = ingest.NewClock()

		resultsMtx sync.Mutex
		results    []ingest.Result

		g errgroup.Group
	)

	for _, unit := range units {
		unit := unit
		for _, conn := range unit.prof.Connections() {
			conn := conn
			dispatcher := ingest.NewDispatcher(
				m.logger, unit.prof.Name(), unit.dir, clock, unit.lineage, m.metrics)

			g.Go(func() error {
				result, err := dispatcher.Run(conn)
				if err != nil {
					level.Warn(m.logger).Log(
						"msg", "a profiler connection ended abnormally",
						"profiler", unit.prof.Name(), "err", err)
				}

				resultsMtx.Lock()
				results = append(results, result)
				resultsMtx.Unlock()
				return nil
			})
		}
	}

	level.Info(m.logger).Log(
		"msg", fmt.Sprintf("all profilers have signalled their readiness, waiting %s", m.warmup))
	time.Sleep(m.warmup)
	level.Info(m.logger).Log("msg", "the warmup has been completed")

	profileStart, err := m.now()
	if err != nil {
		return fmt.Errorf("Calling clock_gettime() to get the profile start timestamp has failed!")
	}
	clock.Arm(profileStart)

	h.NotifyProfilingReady()
	h.WaitProfilingDone()

	level.Info(m.logger).Log("msg", "finishing processing results")

	if err := g.Wait(); err != nil {
		return err
	}

	profilerError := false
	for _, unit := range units {
		if code := unit.prof.Wait(); code != 0 {
			profilerError = true
		}
	}
	if profilerError {
		return errors.New("One or more profilers have encountered an error!")
	}

	if lineage.Active() {
		b, err := lineage.Finalize(profileStart)
		if err != nil {
			return err
		}
		root.File("threads").WriteString(string(b))
	}

	dsoOffsets := map[string]map[string]struct{}{}
	perfMapsExpected := false
	for _, result := range results {
		if result.PerfMapsExpected {
			perfMapsExpected = true
		}
		for dso, offsets := range result.DSOOffsets {
			set, ok := dsoOffsets[dso]
			if !ok {
				set = map[string]struct{}{}
				dsoOffsets[dso] = set
			}
			for offset := range offsets {
				set[offset] = struct{}{}
			}
		}
	}

	resolver := sources.NewResolver(m.logger)
	resolved, paths, err := resolver.Resolve(context.Background(), dsoOffsets)
	if err != nil {
		return err
	}

	sourcesJSON, err := sources.MarshalSources(resolved)
	if err != nil {
		return err
	}
	root.File("sources.json").WriteString(string(sourcesJSON))

	if perfMapsExpected {
		level.Warn(m.logger).Log("msg", "one or more expected symbol maps haven't been found; "+
			"this is not an error, but some symbol names will be unresolved and point to the name "+
			"of an expected map file instead")
		level.Warn(m.logger).Log("msg", "if it's not desired, make sure that your profiled program "+
			"is configured to emit \"perf\" symbol maps")
	}

	if err := store.Flush(); err != nil {
		return fmt.Errorf("flushing the store: %w", err)
	}

	h.ProcessSourcePaths(paths)
	return nil
}

// Close releases nothing at the moment; the session state is scoped to
// Process.
func (m *Module) Close() {}

func monotonicNow() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
