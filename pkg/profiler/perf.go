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

// Package profiler drives the kernel perf tool. A Perf instance spawns
// a "perf record | perf script" pipeline attached to the target PID;
// the script side streams JSON messages back over the connections this
// package accepts.
package profiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/armon/circbuf"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/cpuinfo"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/ipc"
)

const (
	acceptTimeout = 5 * time.Second

	stderrTailSize = 4 * 1024
)

// Exit codes the subprocess wrapper reserves for stdio setup failures.
const (
	exitCodeStdout     = 231
	exitCodeStderr     = 232
	exitCodeStdoutDup2 = 233
	exitCodeStderrDup2 = 234
	exitCodeStdinDup2  = 235
)

var errProfilerExited = errors.New("profiler exited before connecting")

// Profiler is one source of profiling messages attached to a PID.
type Profiler interface {
	Name() string
	Start(pid int) error
	// Wait blocks until the underlying processes finish and returns
	// the first non-zero exit code, or zero.
	Wait() int
	Connections() []*ipc.Connection
	Requirements() []Requirement
	ThreadCount() int
}

// Perf runs one perf record/script pipeline for a single PerfEvent.
type Perf struct {
	logger log.Logger

	bufSize        int
	perfBinPath    string
	perfScriptPath string
	perfPythonPath string
	event          PerfEvent
	cpus           cpuinfo.Config
	name           string
	captureMode    CaptureMode
	filter         Filter

	logDir    string
	nodeID    string
	socketDir string

	kernelReq *PerfEventKernelSettingsReq
	reqs      []Requirement

	running     atomic.Bool
	result      chan int
	exitCode    int
	waited      bool
	connections []*ipc.Connection

	recordTail *circbuf.Buffer
	scriptTail *circbuf.Buffer
}

// PerfConfig collects the construction parameters of a Perf instance.
type PerfConfig struct {
	BufSize        int
	PerfBinPath    string
	PerfScriptPath string
	PerfPythonPath string
	Event          PerfEvent
	CPUs           cpuinfo.Config
	Name           string
	CaptureMode    CaptureMode
	Filter         Filter
	LogDir         string
	NodeID         string
	SocketDir      string
}

func NewPerf(logger log.Logger, cfg PerfConfig) *Perf {
	kernelReq := NewPerfEventKernelSettingsReq(logger)
	recordTail, _ := circbuf.NewBuffer(stderrTailSize)
	scriptTail, _ := circbuf.NewBuffer(stderrTailSize)

	return &Perf{
		logger:         log.With(logger, "profiler", cfg.Name),
		bufSize:        cfg.BufSize,
		perfBinPath:    cfg.PerfBinPath,
		perfScriptPath: cfg.PerfScriptPath,
		perfPythonPath: cfg.PerfPythonPath,
		event:          cfg.Event,
		cpus:           cfg.CPUs,
		name:           cfg.Name,
		captureMode:    cfg.CaptureMode,
		filter:         cfg.Filter,
		logDir:         cfg.LogDir,
		nodeID:         cfg.NodeID,
		socketDir:      cfg.SocketDir,
		kernelReq:      kernelReq,
		reqs:           []Requirement{kernelReq, NewNUMAMitigationReq(logger)},
		result:         make(chan int, 1),
		recordTail:     recordTail,
		scriptTail:     scriptTail,
	}
}

func (p *Perf) Name() string { return p.name }

func (p *Perf) Requirements() []Requirement { return p.reqs }

// ThreadCount is the number of connections the script side opens: two
// for lineage tracing, one per profiler core plus a generic one
// otherwise.
func (p *Perf) ThreadCount() int {
	if p.event.Kind == EventLineage {
		return 2
	}
	return p.cpus.ProfilerThreadCount() + 1
}

func (p *Perf) Connections() []*ipc.Connection { return p.connections }

// kindLabel names the pipeline in log file names.
func (p *Perf) kindLabel() string {
	switch p.event.Kind {
	case EventLineage:
		return "syscall"
	case EventMain:
		return "main"
	default:
		return p.event.Name
	}
}

// recordArgs builds the perf record argument vector for the event.
func (p *Perf) recordArgs(pid int) []string {
	args := []string{"record", "-o", "-", "--call-graph", "fp", "-k", "CLOCK_MONOTONIC"}

	switch p.event.Kind {
	case EventLineage:
		args = append(args,
			"--buffer-events", "1",
			"-e", "syscalls:sys_exit_execve,syscalls:sys_exit_execveat,"+
				"sched:sched_process_fork,sched:sched_process_exit",
			"--sorted-stream",
			"--pid="+strconv.Itoa(pid))
	case EventMain:
		args = append(args,
			"--sorted-stream",
			"-e", "task-clock",
			"-F", strconv.Itoa(p.event.Freq),
			"--off-cpu", strconv.Itoa(p.event.OffCPUFreq),
			"--buffer-events", strconv.Itoa(p.event.BufferEvents),
			"--buffer-off-cpu-events", strconv.Itoa(p.event.BufferOffCPUEvents),
			"--pid="+strconv.Itoa(pid))
	case EventCustom:
		args = append(args,
			"--sorted-stream",
			"-e", p.event.Name+"/period="+strconv.Itoa(p.event.Period)+"/",
			"--buffer-events", strconv.Itoa(p.event.BufferEvents),
			"--pid="+strconv.Itoa(pid))
	}

	switch p.captureMode {
	case CaptureKernel:
		args = append(args, "--kernel-callchains")
	case CaptureUser:
		args = append(args, "--user-callchains")
	case CaptureBoth:
		args = append(args, "--kernel-callchains", "--user-callchains")
	}

	return args
}

// scriptArgs builds the perf script argument vector.
func (p *Perf) scriptArgs() []string {
	return []string{
		"script", "-i", "-",
		"-s", filepath.Join(p.perfScriptPath, "event-handler.py"),
		"--demangle", "--demangle-kernel",
		"--max-stack=" + strconv.Itoa(p.kernelReq.MaxStack),
	}
}

// Start spawns the pipeline, accepts all script connections and
// performs the filter handshake.
func (p *Perf) Start(pid int) error {
	label := p.kindLabel()

	scriptStdout, err := os.Create(filepath.Join(p.logDir, p.nodeID+"_perf_script_"+label+"_stdout.log"))
	if err != nil {
		return fmt.Errorf("creating perf script stdout log: %w", err)
	}
	recordStderr, err := os.Create(filepath.Join(p.logDir, p.nodeID+"_perf_record_"+label+"_stderr.log"))
	if err != nil {
		return fmt.Errorf("creating perf record stderr log: %w", err)
	}
	scriptStderr, err := os.Create(filepath.Join(p.logDir, p.nodeID+"_perf_script_"+label+"_stderr.log"))
	if err != nil {
		return fmt.Errorf("creating perf script stderr log: %w", err)
	}

	threads := p.ThreadCount()
	acceptors := make([]*ipc.Acceptor, 0, threads)
	instrs := make([]string, 0, threads)
	for i := 0; i < threads; i++ {
		acceptor, err := ipc.NewPipeAcceptor(p.socketDir, fmt.Sprintf("%s_%d", label, i))
		if err != nil {
			return fmt.Errorf("creating acceptor %d: %w", i, err)
		}
		defer acceptor.Close()
		acceptors = append(acceptors, acceptor)
		instrs = append(instrs, acceptor.Instructions())
	}

	record := exec.Command(p.perfBinPath, p.recordArgs(pid)...)
	record.Stderr = newTeeWriter(recordStderr, p.recordTail)

	script := exec.Command(p.perfBinPath, p.scriptArgs()...)
	script.Stdout = scriptStdout
	script.Stderr = newTeeWriter(scriptStderr, p.scriptTail)

	pythonPath := p.perfPythonPath
	if cur := os.Getenv("PYTHONPATH"); cur != "" {
		pythonPath += ":" + cur
	}
	script.Env = append(os.Environ(),
		"PYTHONPATH="+pythonPath,
		"ADAPTYST_CONNECT="+acceptors[0].Type()+" "+strings.Join(instrs, " "))

	recordOut, err := record.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating perf record stdout pipe: %w", err)
	}
	script.Stdin = recordOut

	if err := script.Start(); err != nil {
		return fmt.Errorf("starting perf script: %w", err)
	}
	if err := record.Start(); err != nil {
		return fmt.Errorf("starting perf record: %w", err)
	}

	p.running.Store(true)

	go p.supervise(pid, record, script, []*os.File{scriptStdout, recordStderr, scriptStderr})

	for i := 0; i < threads; i++ {
		conn, err := p.acceptOne(acceptors[i])
		if err != nil {
			if errors.Is(err, errProfilerExited) {
				return nil
			}
			return err
		}
		p.connections = append(p.connections, conn)
	}

	if p.filter.Mode != FilterNone {
		if err := p.writeFilterSettings(p.connections[0]); err != nil {
			return err
		}
	}

	return p.connections[0].Write(ipc.Stop, true)
}

func (p *Perf) acceptOne(acceptor *ipc.Acceptor) (*ipc.Connection, error) {
	return backoff.RetryWithData(func() (*ipc.Connection, error) {
		conn, err := acceptor.Accept(p.bufSize, acceptTimeout)
		if err != nil {
			if errors.Is(err, ipc.ErrAcceptTimeout) {
				if !p.running.Load() {
					return nil, backoff.Permanent(errProfilerExited)
				}
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return conn, nil
	}, backoff.NewConstantBackOff(0))
}

type filterSettings struct {
	Type string     `json:"type"`
	Data filterData `json:"data"`
}

type filterData struct {
	Type       string     `json:"type"`
	Mark       bool       `json:"mark"`
	Conditions [][]string `json:"conditions,omitempty"`
	Script     string     `json:"script,omitempty"`
}

func (p *Perf) writeFilterSettings(conn *ipc.Connection) error {
	data := filterData{
		Type: p.filter.Mode.String(),
		Mark: p.filter.Mark,
	}
	if p.filter.Mode == FilterPython {
		data.Script = p.filter.Script
	} else {
		data.Conditions = p.filter.Conditions
	}

	msg, err := json.Marshal(filterSettings{Type: "filter_settings", Data: data})
	if err != nil {
		return fmt.Errorf("marshaling filter settings: %w", err)
	}

	return conn.Write(string(msg), false)
}

// supervise waits for both subprocesses, maps failures onto stdio
// hints and terminates the target if a subprocess died under it.
func (p *Perf) supervise(pid int, record, script *exec.Cmd, logs []*os.File) {
	defer func() {
		for _, f := range logs {
			f.Close()
		}
	}()

	if code := exitCode(record.Wait()); code != 0 {
		p.reportFailure("perf-record", pid, code, p.recordTail)
		p.running.Store(false)
		// Unblock the script side; its stdin pipe is gone already.
		_ = script.Process.Kill()
		_ = script.Wait()
		p.result <- code
		return
	}

	code := exitCode(script.Wait())
	if code != 0 {
		p.reportFailure("perf-script", pid, code, p.scriptTail)
	}

	p.running.Store(false)
	p.result <- code
}

func (p *Perf) reportFailure(stage string, pid, code int, tail *circbuf.Buffer) {
	if targetAlive(pid) {
		level.Error(p.logger).Log(
			"msg", fmt.Sprintf("profiler (%s) has returned non-zero exit code, terminating the profiled command wrapper", stage),
			"code", code)
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			level.Warn(p.logger).Log("msg", "failed to terminate the profiled command wrapper", "err", err)
		}
	} else {
		level.Error(p.logger).Log(
			"msg", fmt.Sprintf("profiler (%s) has returned non-zero exit code and the profiled command wrapper is no longer running", stage),
			"code", code)
	}

	if hint := stdioHint(stage, code); hint != "" {
		level.Error(p.logger).Log("msg", "hint: "+hint, "code", code)
	}
	if tail.TotalWritten() > 0 {
		level.Error(p.logger).Log("msg", "last stderr output", "stage", stage, "stderr", tail.String())
	}
}

// stdioHint maps the reserved wrapper exit codes to what went wrong
// while setting up the subprocess stdio.
func stdioHint(stage string, code int) string {
	switch code {
	case exitCodeStdout:
		return stage + " failed when creating its stdout log file"
	case exitCodeStderr:
		return stage + " failed when creating its stderr log file"
	case exitCodeStdoutDup2:
		if stage == "perf-record" {
			return stage + " failed when redirecting stdout to perf-script"
		}
		return stage + " failed when redirecting stdout to file"
	case exitCodeStderrDup2:
		return stage + " failed when redirecting stderr to file"
	case exitCodeStdinDup2:
		return stage + " failed when replacing stdin with the perf-record pipe output"
	default:
		return ""
	}
}

// Wait returns the first non-zero subprocess exit code or zero.
func (p *Perf) Wait() int {
	if !p.waited {
		p.exitCode = <-p.result
		p.waited = true
	}
	return p.exitCode
}

func targetAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type teeWriter struct {
	primary *os.File
	tail    *circbuf.Buffer
}

func newTeeWriter(primary *os.File, tail *circbuf.Buffer) *teeWriter {
	return &teeWriter{primary: primary, tail: tail}
}

func (w *teeWriter) Write(b []byte) (int, error) {
	_, _ = w.tail.Write(b)
	return w.primary.Write(b)
}
