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
	"fmt"
	"regexp"
	"strconv"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/cpuinfo"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/host"
	"github.com/Adaptyst/adaptyst-linuxperf/pkg/profiler"
)

// OptionsTable is the options this module declares to the host.
var OptionsTable = []host.OptionSpec{
	{
		Name: "buffer_size",
		Help: "Internal communication buffer size in bytes (default: 1024)",
		Type: host.TypeUnsignedInt, Default: uint(1024),
	},
	{
		Name: "warmup",
		Help: "Warmup time in seconds between all profilers signalling their readiness and starting " +
			"the profiled program. Increase this value if you see missing information after profiling. (default: 1)",
		Type: host.TypeUnsignedInt, Default: uint(1),
	},
	{
		Name: "freq",
		Help: "Sampling frequency per second for on-CPU time profiling (default: 10)",
		Type: host.TypeUnsignedInt, Default: uint(10),
	},
	{
		Name: "buffer",
		Help: "Buffer up to this number of events before sending data for processing " +
			"(1 effectively disables buffering) (default: 1)",
		Type: host.TypeUnsignedInt, Default: uint(1),
	},
	{
		Name: "off_cpu_freq",
		Help: "Sampling frequency per second for off-CPU time profiling (0 disables off-CPU profiling, " +
			"-1 captures *all* off-CPU events) (default: 1000)",
		Type: host.TypeInt, Default: 1000,
	},
	{
		Name: "off_cpu_buffer",
		Help: "Buffer up to this number of off-CPU events before sending data for processing " +
			"(0 leaves the default adaptive buffering, 1 effectively disables buffering) (default: 0)",
		Type: host.TypeUnsignedInt, Default: uint(0),
	},
	{
		Name: "events",
		Help: "Extra perf events to be used for sampling with a given period (i.e. do a sample on every " +
			"PERIOD occurrences of an event and display the results under the title TITLE with a unit UNIT). " +
			"This option accepts a list of strings of form \"EVENT,PERIOD,TITLE,UNIT\". " +
			"Run \"perf list\" for the list of possible values for EVENT.",
		Type: host.TypeStringArray, Default: []string(nil),
	},
	{
		Name: "filter",
		Help: "Set stack trace filtering options. deny:<FILE> cuts all stack elements matching a set of " +
			"conditions specified in a given text file. allow:<FILE> accepts only stack elements matching " +
			"a set of conditions specified in a given text file. python:<FILE> sends all stack trace " +
			"elements to a given Python script for filtering. Unless filter_mark is used, all filtered " +
			"out elements are deleted completely.",
		Type: host.TypeString, Default: "",
	},
	{
		Name: "filter_mark",
		Help: "When filter is used, mark filtered out stack trace elements as \"(cut)\" and squash any " +
			"consecutive \"(cut)\"'s into one rather than deleting them completely",
		Type: host.TypeBool, Default: false,
	},
	{
		Name: "capture_mode",
		Help: "Capture only kernel (\"kernel\"), only user (i.e. non-kernel, \"user\"), or both stack " +
			"trace types (\"both\") (default: \"user\")",
		Type: host.TypeString, Default: "user",
	},
	{
		Name: "perf_path",
		Help: "Path to the directory with the patched \"perf\" installation",
		Type: host.TypeString, Default: "",
	},
	{
		Name: "perf_script_path",
		Help: "Path to the directory with the \"perf\" script support files",
		Type: host.TypeString, Default: "",
	},
	{
		Name: "roofline",
		Help: "Run also cache-aware roofline profiling with the specified sampling frequency per second",
		Type: host.TypeUnsignedInt, Default: uint(0),
	},
	{
		Name: "roofline_benchmark_path",
		Help: "Path to the cache-aware roofline benchmarking results CSV",
		Type: host.TypeString, Default: "",
	},
	{
		Name: "carm_tool_path",
		Help: "Path to the CARM tool used for roofline benchmarking",
		Type: host.TypeString, Default: "",
	},
}

// rawOptions is the option values as the host resolved them, before
// validation.
type rawOptions struct {
	BufferSize            uint
	Warmup                uint
	Freq                  uint
	Buffer                uint
	OffCPUFreq            int
	OffCPUBuffer          uint
	Events                []string
	Filter                string
	FilterMark            bool
	CaptureMode           string
	PerfPath              string
	PerfScriptPath        string
	Roofline              uint
	RooflineBenchmarkPath string
	CARMToolPath          string
}

func optionsFromHost(h host.Host) rawOptions {
	opts := h.Options()
	return rawOptions{
		BufferSize:            opts.Uint("buffer_size"),
		Warmup:                opts.Uint("warmup"),
		Freq:                  opts.Uint("freq"),
		Buffer:                opts.Uint("buffer"),
		OffCPUFreq:            opts.Int("off_cpu_freq"),
		OffCPUBuffer:          opts.Uint("off_cpu_buffer"),
		Events:                opts.Strings("events"),
		Filter:                opts.String("filter"),
		FilterMark:            opts.Bool("filter_mark"),
		CaptureMode:           opts.String("capture_mode"),
		PerfPath:              opts.String("perf_path"),
		PerfScriptPath:        opts.String("perf_script_path"),
		Roofline:              opts.Uint("roofline"),
		RooflineBenchmarkPath: opts.String("roofline_benchmark_path"),
		CARMToolPath:          opts.String("carm_tool_path"),
	}
}

var (
	eventRegexp  = regexp.MustCompile(`^(.+),([0-9\.]+),(.+),(.+)$`)
	carmRegexp   = regexp.MustCompile(`^CARM_.*$`)
	filterRegexp = regexp.MustCompile(`^(deny|allow|python):(.+)$`)
)

// parseEventString turns one "EVENT,PERIOD,TITLE,UNIT" option value
// into a custom PerfEvent. The CARM_ title prefix is reserved for the
// roofline injection.
func parseEventString(s string, buffer uint, allowCARM bool) (profiler.PerfEvent, error) {
	match := eventRegexp.FindStringSubmatch(s)
	if match == nil {
		return profiler.PerfEvent{}, fmt.Errorf(
			"events: The value %q must be in form of EVENT,PERIOD,TITLE,UNIT (PERIOD must be a number)", s)
	}

	if !allowCARM && carmRegexp.MatchString(match[3]) {
		return profiler.PerfEvent{}, fmt.Errorf(
			"events: The title in %q starts with a reserved keyword CARM_, you cannot use it", s)
	}

	period, err := strconv.ParseFloat(match[2], 64)
	if err != nil {
		return profiler.PerfEvent{}, fmt.Errorf(
			"events: The period in %q is not a number", s)
	}

	return profiler.NewCustomEvent(match[1], int(period), int(buffer), match[3], match[4]), nil
}

// rooflineEventStrings is the fixed family of events the roofline
// option injects, per CPU vendor.
func rooflineEventStrings(vendor cpuinfo.Vendor, freq uint) ([]string, error) {
	f := strconv.FormatUint(uint64(freq), 10)

	switch vendor {
	case cpuinfo.VendorIntel:
		return []string{
			"fp_arith_inst_retired.scalar_single," + f + ",CARM_INTEL_SSP,ops",
			"fp_arith_inst_retired.scalar_double," + f + ",CARM_INTEL_SDP,ops",
			"fp_arith_inst_retired.128b_packed_single," + f + ",CARM_INTEL_SSESP,ops",
			"fp_arith_inst_retired.128b_packed_double," + f + ",CARM_INTEL_SSEDP,ops",
			"fp_arith_inst_retired.256b_packed_single," + f + ",CARM_INTEL_AVX2SP,ops",
			"fp_arith_inst_retired.256b_packed_double," + f + ",CARM_INTEL_AVX2DP,ops",
			"fp_arith_inst_retired.512b_packed_single," + f + ",CARM_INTEL_AVX512SP,ops",
			"fp_arith_inst_retired.512b_packed_double," + f + ",CARM_INTEL_AVX512DP,ops",
			"mem_inst_retired.any," + f + ",CARM_INTEL_MEM_LDST,ops",
		}, nil
	case cpuinfo.VendorAMD:
		return []string{
			"retired_sse_avx_operations:sp_mult_add_flops," + f + ",CARM_AMD_SPFMA,ops",
			"retired_sse_avx_operations:dp_mult_add_flops," + f + ",CARM_AMD_DPFMA,ops",
			"retired_sse_avx_operations:sp_add_sub_flops," + f + ",CARM_AMD_SPADD,ops",
			"retired_sse_avx_operations:dp_add_sub_flops," + f + ",CARM_AMD_DPADD,ops",
			"retired_sse_avx_operations:sp_mult_flops," + f + ",CARM_AMD_SPMUL,ops",
			"retired_sse_avx_operations:dp_mult_flops," + f + ",CARM_AMD_DPMUL,ops",
			"retired_sse_avx_operations:sp_div_flops," + f + ",CARM_AMD_SPDIV,ops",
			"retired_sse_avx_operations:dp_div_flops," + f + ",CARM_AMD_DPDIV,ops",
			"ls_dispatch:ld_dispatch," + f + ",CARM_AMD_LD,ops",
			"ls_dispatch:store_dispatch," + f + ",CARM_AMD_STORE,ops",
		}, nil
	default:
		return nil, fmt.Errorf("neither an Intel nor an AMD CPU has been detected; " +
			"roofline profiling is currently supported only for these CPUs")
	}
}
