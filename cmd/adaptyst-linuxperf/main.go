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

// Command adaptyst-linuxperf profiles a running process the way the
// Adaptyst host would drive the module: it attaches the perf pipelines
// to the given PID and considers the profile complete when the target
// exits.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/logger"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/module"
)

type flags struct {
	LogLevel    string `enum:"error,warn,info,debug" help:"Log level." default:"info"`
	LogFormat   string `enum:"logfmt,json" help:"Log format." default:"logfmt"`
	HTTPAddress string `help:"Address to bind the HTTP metrics server to." default:":7171"`

	PID     int    `required:"" help:"PID of the process to profile."`
	NodeID  string `help:"Identifier of this node in the results." default:"local"`
	NodeDir string `help:"Directory to write the profiling results to." default:"./profile"`
	CPUMask string `help:"CPU mask: one character per core, 'p' for profilers, 'c' for the profiled command, 'b' for both, '_' for neither." default:"bbbb"`

	PerfPath       string `required:"" help:"Path to the directory with the patched perf installation."`
	PerfScriptPath string `required:"" help:"Path to the directory with the perf script support files."`

	BufferSize   uint     `help:"Internal communication buffer size in bytes." default:"1024"`
	Warmup       uint     `help:"Warmup time in seconds before the profile starts." default:"1"`
	Freq         uint     `help:"On-CPU sampling frequency in Hz." default:"10"`
	Buffer       uint     `help:"Number of on-CPU events to buffer before sending." default:"1"`
	OffCPUFreq   int      `help:"Off-CPU sampling frequency in Hz (0 disables, -1 captures all)." default:"1000"`
	OffCPUBuffer uint     `help:"Number of off-CPU events to buffer before sending." default:"0"`
	Events       []string `help:"Extra perf events, each of form EVENT,PERIOD,TITLE,UNIT."`
	Filter       string   `help:"Stack trace filter: deny:<FILE>, allow:<FILE> or python:<FILE>." default:""`
	FilterMark   bool     `help:"Mark filtered out stack trace elements as \"(cut)\" instead of deleting them."`
	CaptureMode  string   `enum:"kernel,user,both" help:"Capture kernel, user or both stack trace types." default:"user"`

	Roofline              uint   `help:"Run also cache-aware roofline profiling with the given frequency." default:"0"`
	RooflineBenchmarkPath string `help:"Path to the roofline benchmarking results CSV." default:""`
	CARMToolPath          string `help:"Path to the CARM tool used for roofline benchmarking." default:""`
}

func main() {
	flags := flags{}
	kong.Parse(&flags)

	logger := logger.NewLogger(flags.LogLevel, flags.LogFormat, "adaptyst-linuxperf")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	if err := os.MkdirAll(flags.NodeDir, 0o755); err != nil {
		return err
	}

	pfs, err := procfs.NewDefaultFS()
	if err != nil {
		return err
	}

	h, err := newLocalHost(logger, pfs, flags)
	if err != nil {
		return err
	}

	mod := module.New(log.With(logger, "category", module.LogCategory), reg)
	if !mod.Init(h) {
		return h.err()
	}
	defer mod.Close()

	ctx := context.Background()
	var g okrun.Group

	{
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: profiling module")
			defer level.Debug(logger).Log("msg", "stopped: profiling module")

			if !mod.Process(h) {
				return h.err()
			}
			return nil
		}, func(error) {
			// The module winds down on its own once the target is
			// gone; interrupting mid-profile loses the session.
		})
	}

	{
		srv := &http.Server{
			Addr:        flags.HTTPAddress,
			Handler:     metricsMux(reg),
			ReadTimeout: 5 * time.Second,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server")
			defer level.Debug(logger).Log("msg", "stopped: http server")

			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}, func(error) {
			srv.Close()
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))

	logger.Log("msg", "starting...", "pid", flags.PID, "node_dir", flags.NodeDir)
	err = g.Run()

	var sigErr okrun.SignalError
	if err != nil && !errors.As(err, &sigErr) {
		return err
	}
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
