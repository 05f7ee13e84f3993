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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/puzpuzpuz/xsync/v3"
)

// Requirement is a host precondition a profiler needs before it can
// run. Check is performed once per Kind per process; subsequent calls
// return the memoized result.
type Requirement interface {
	Name() string
	Kind() string
	check() bool
}

var checkedRequirements = xsync.NewMapOf[string, bool]()

// Check runs the requirement, memoizing the result by kind. The first
// caller for a kind performs the check; concurrent first checks are
// serialized.
func Check(r Requirement) bool {
	result, _ := checkedRequirements.LoadOrCompute(r.Kind(), r.check)
	return result
}

const minMaxStack = 1024

// PerfEventKernelSettingsReq verifies kernel.perf_event_max_stack and
// captures its value for the perf script invocation.
type PerfEventKernelSettingsReq struct {
	logger log.Logger

	// procSysPath is /proc/sys unless overridden in tests.
	procSysPath string

	MaxStack int
}

func NewPerfEventKernelSettingsReq(logger log.Logger) *PerfEventKernelSettingsReq {
	return &PerfEventKernelSettingsReq{
		logger:      logger,
		procSysPath: "/proc/sys",
		MaxStack:    minMaxStack,
	}
}

func (r *PerfEventKernelSettingsReq) Name() string {
	return "Adequate values of kernel.perf_event settings"
}

func (r *PerfEventKernelSettingsReq) Kind() string { return "perf_event_kernel_settings" }

func (r *PerfEventKernelSettingsReq) check() bool {
	b, err := os.ReadFile(r.procSysPath + "/kernel/perf_event_max_stack")
	if err != nil {
		level.Error(r.logger).Log("msg", "could not check the value of kernel.perf_event_max_stack", "err", err)
		return false
	}

	maxStack, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		level.Error(r.logger).Log("msg", "could not parse the value of kernel.perf_event_max_stack", "err", err)
		return false
	}

	if maxStack < minMaxStack {
		level.Error(r.logger).Log(
			"msg", fmt.Sprintf("kernel.perf_event_max_stack is less than %d, profiling would crash because of this", minMaxStack),
			"hint", fmt.Sprintf("run \"sysctl kernel.perf_event_max_stack=%d\" (or with a larger number)", minMaxStack),
		)
		return false
	}

	r.MaxStack = maxStack
	level.Info(r.logger).Log(
		"msg", fmt.Sprintf("stacks with more than %d entries *will* be broken in the results", maxStack),
		"hint", "run \"sysctl kernel.perf_event_max_stack=<larger value>\" to raise the limit",
	)
	level.Info(r.logger).Log("msg", "max stack values larger than 1024 are not supported for off-CPU stacks, they will be capped at 1024 entries")

	return true
}

// NUMAMitigationReq verifies that NUMA balancing cannot corrupt the
// captured stacks: balancing must be off, or the process must be bound
// to a single NUMA memory node.
type NUMAMitigationReq struct {
	logger log.Logger

	procSysPath string
	// membindNodes reports the NUMA memory nodes the process may
	// allocate on; nil means no introspection is available.
	membindNodes func() ([]int, error)
}

func NewNUMAMitigationReq(logger log.Logger) *NUMAMitigationReq {
	return &NUMAMitigationReq{
		logger:       logger,
		procSysPath:  "/proc/sys",
		membindNodes: readMembindNodes,
	}
}

func (r *NUMAMitigationReq) Name() string {
	return "NUMA balancing not interfering with profiling"
}

func (r *NUMAMitigationReq) Kind() string { return "numa_mitigation" }

func (r *NUMAMitigationReq) check() bool {
	b, err := os.ReadFile(r.procSysPath + "/kernel/numa_balancing")
	if os.IsNotExist(err) {
		level.Info(r.logger).Log("msg", "kernel.numa_balancing does not seem to exist, assuming no NUMA on this machine; if you actually have NUMA, you may get broken stacks")
		return true
	}
	if err != nil {
		level.Error(r.logger).Log("msg", "could not check the value of kernel.numa_balancing", "err", err)
		return false
	}

	balancing, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		level.Error(r.logger).Log("msg", "could not parse the value of kernel.numa_balancing", "err", err)
		return false
	}
	if balancing != 1 {
		return true
	}

	if r.membindNodes == nil {
		level.Error(r.logger).Log("msg", "NUMA balancing is enabled and the NUMA memory binding of this process cannot be determined")
		level.Error(r.logger).Log("msg", "as this may result in broken stacks, profiling will not run",
			"hint", "disable balancing with \"sysctl kernel.numa_balancing=0\" or bind the process memory-wise to a single NUMA node, e.g. through numactl")
		return false
	}

	nodes, err := r.membindNodes()
	if err != nil {
		level.Error(r.logger).Log("msg", "could not determine the NUMA memory binding of this process", "err", err)
		return false
	}

	if len(nodes) > 1 {
		level.Error(r.logger).Log("msg", "NUMA balancing is enabled and this process is running on more than 1 NUMA node")
		level.Error(r.logger).Log("msg", "as this will result in broken stacks, profiling will not run",
			"hint", "disable balancing with \"sysctl kernel.numa_balancing=0\" or bind the process memory-wise to a single NUMA node, e.g. through numactl")
		return false
	}

	return true
}

// readMembindNodes parses Mems_allowed_list from /proc/self/status.
func readMembindNodes() ([]int, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "Mems_allowed_list:") {
			continue
		}

		list := strings.TrimSpace(strings.TrimPrefix(line, "Mems_allowed_list:"))
		var nodes []int
		for _, part := range strings.Split(list, ",") {
			if part == "" {
				continue
			}
			from, to, found := strings.Cut(part, "-")
			first, err := strconv.Atoi(from)
			if err != nil {
				return nil, err
			}
			last := first
			if found {
				last, err = strconv.Atoi(to)
				if err != nil {
					return nil, err
				}
			}
			for n := first; n <= last; n++ {
				nodes = append(nodes, n)
			}
		}
		return nodes, nil
	}

	return nil, fmt.Errorf("Mems_allowed_list not found in /proc/self/status")
}
