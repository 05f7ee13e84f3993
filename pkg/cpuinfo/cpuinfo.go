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

package cpuinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

type InclusiveRange struct {
	First uint64
	Last  uint64
}

type CPUSet []InclusiveRange

func (s CPUSet) Num() uint64 {
	ret := uint64(0)
	for _, cpuRange := range s {
		ret += (cpuRange.Last - cpuRange.First + 1)
	}
	return ret
}

// Contains reports whether the given core is part of the set.
func (s CPUSet) Contains(cpu uint64) bool {
	for _, cpuRange := range s {
		if cpu >= cpuRange.First && cpu <= cpuRange.Last {
			return true
		}
	}
	return false
}

func OnlineCPUs() (CPUSet, error) {
	// The code here was inspired by
	// `readCPURange` and `parseCPURange`
	// from numcpus
	ret := make([]InclusiveRange, 0)
	buf, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, err
	}
	s := strings.Trim(string(buf), "\n ")
	for _, cpuRange := range strings.Split(s, ",") {
		if len(cpuRange) == 0 {
			continue
		}
		from, to, found := strings.Cut(cpuRange, "-")
		first, err := strconv.ParseUint(from, 10, 32)
		if err != nil {
			return nil, err
		}
		var last uint64
		if found {
			var err error
			last, err = strconv.ParseUint(to, 10, 32)
			if err != nil {
				return nil, err
			}
		} else {
			last = first
		}
		if last < first {
			return nil, fmt.Errorf("last online CPU in range (%d) less than first (%d)", last, first)
		}
		ret = append(ret, InclusiveRange{First: first, Last: last})
	}
	return ret, nil
}

// Vendor identifies the CPU manufacturer for the roofline event
// families.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

// HostVendor reads the vendor of the first CPU from procfs.
func HostVendor() (Vendor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return VendorUnknown, fmt.Errorf("opening procfs: %w", err)
	}

	info, err := fs.CPUInfo()
	if err != nil {
		return VendorUnknown, fmt.Errorf("reading cpuinfo: %w", err)
	}
	if len(info) == 0 {
		return VendorUnknown, fmt.Errorf("no CPUs reported by procfs")
	}

	switch info[0].VendorID {
	case "GenuineIntel":
		return VendorIntel, nil
	case "AuthenticAMD":
		return VendorAMD, nil
	default:
		return VendorUnknown, nil
	}
}

// Config describes how CPU cores are split between the profilers and
// the profiled command. The mask is one character per core: 'p' pins
// the core to profilers, 'c' to the command, 'b' to both and '_' to
// neither.
type Config struct {
	mask []byte
}

func NewConfig(mask string) (Config, error) {
	for i := 0; i < len(mask); i++ {
		switch mask[i] {
		case 'p', 'c', 'b', '_':
		default:
			return Config{}, fmt.Errorf("invalid CPU mask character %q at position %d", mask[i], i)
		}
	}
	return Config{mask: []byte(mask)}, nil
}

// ProfilerThreadCount is the number of cores available to profiler
// threads; each such core gets its own event-stream connection.
func (c Config) ProfilerThreadCount() int {
	count := 0
	for _, b := range c.mask {
		if b == 'p' || b == 'b' {
			count++
		}
	}
	return count
}

// Mask returns the raw mask string.
func (c Config) Mask() string {
	return string(c.mask)
}

// CheckOnline verifies the mask only pins cores that are actually
// online. The mask may be shorter than the online set; the remaining
// cores are simply left unused.
func (c Config) CheckOnline(online CPUSet) error {
	for i, b := range c.mask {
		if b == '_' {
			continue
		}
		if !online.Contains(uint64(i)) {
			return fmt.Errorf("the CPU mask pins core %d, which is not online", i)
		}
	}
	return nil
}
