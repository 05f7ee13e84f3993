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

// Package ingest turns the JSON message streams produced by the perf
// script instances into the hierarchical sample store and the thread
// lineage tree.
package ingest

import (
	"encoding/json"
	"fmt"

	"go.uber.org/atomic"
)

// Frame is one callchain entry: the symbol name and the DSO+offset
// string it resolved from. On the wire it is a two-element array.
type Frame struct {
	Symbol string
	Offset string
}

func (f *Frame) UnmarshalJSON(b []byte) error {
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 {
		return fmt.Errorf("callchain frame has %d elements, want 2", len(parts))
	}
	f.Symbol = parts[0]
	f.Offset = parts[1]
	return nil
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{f.Symbol, f.Offset})
}

// sampleData is the payload of a "sample" message.
type sampleData struct {
	EventType string  `json:"event_type"`
	PID       string  `json:"pid"`
	TID       string  `json:"tid"`
	Time      uint64  `json:"time"`
	Period    uint64  `json:"period"`
	Callchain []Frame `json:"callchain"`
}

// syscallData is the payload of a "syscall" message: the callchain
// that spawned the thread named by ret_value.
type syscallData struct {
	RetValue  string  `json:"ret_value"`
	Callchain []Frame `json:"callchain"`
}

// SyscallMeta is the payload of a "syscall_meta" message: one
// fork/exec/exit transition.
type SyscallMeta struct {
	Subtype  string `json:"subtype"`
	Comm     string `json:"comm"`
	PID      string `json:"pid"`
	TID      string `json:"tid"`
	Time     uint64 `json:"time"`
	RetValue string `json:"ret_value"`
}

// Clock publishes the profile start timestamp. It is armed exactly
// once, after the warmup; samples arriving before that are dropped.
type Clock struct {
	start atomic.Uint64
	set   atomic.Bool
}

func NewClock() *Clock {
	return &Clock{}
}

// Arm records the profile start. Must be called at most once.
func (c *Clock) Arm(start uint64) {
	c.start.Store(start)
	c.set.Store(true)
}

// Get returns the profile start and whether it has been armed yet.
func (c *Clock) Get() (uint64, bool) {
	if !c.set.Load() {
		return 0, false
	}
	return c.start.Load(), true
}
