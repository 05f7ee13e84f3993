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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type nameTime struct {
	name string
	time uint64
}

type addedEntry struct {
	time uint64
	tid  string
}

// Lineage reconstructs the thread/process tree from the traced
// scheduler and exec syscalls. One instance is shared by all
// dispatchers consuming lineage traffic from a single driver.
type Lineage struct {
	logger log.Logger

	mtx          sync.Mutex
	tidDict      map[string][]Frame
	tree         map[string]string
	comboDict    map[string]string
	nameTimeDict map[string][]nameTime
	exitTimeDict map[string]uint64
	addedList    []addedEntry
	active       bool
}

func NewLineage(logger log.Logger) *Lineage {
	return &Lineage{
		logger:       logger,
		tidDict:      map[string][]Frame{},
		tree:         map[string]string{},
		comboDict:    map[string]string{},
		nameTimeDict: map[string][]nameTime{},
		exitTimeDict: map[string]uint64{},
	}
}

// Active reports whether any lineage traffic arrived at all.
func (l *Lineage) Active() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.active
}

// RecordSpawningCallchain stores the callchain that spawned the
// thread identified by the fork return value.
func (l *Lineage) RecordSpawningCallchain(retValue string, callchain []Frame) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.active = true
	l.tidDict[retValue] = callchain
}

// RecordMeta applies one fork/exec/exit transition.
func (l *Lineage) RecordMeta(m SyscallMeta) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.active = true

	addedToNameTime := false
	if _, seen := l.tree[m.TID]; !seen {
		l.tree[m.TID] = ""
		l.addedList = append(l.addedList, addedEntry{time: m.Time, tid: m.TID})
		l.nameTimeDict[m.TID] = append(l.nameTimeDict[m.TID], nameTime{name: m.Comm, time: m.Time})
		addedToNameTime = true
	}

	pid := m.PID
	if pid == "" {
		// The pid may be unknown at this point in the stream; keep
		// the placeholder until the thread reports itself.
		pid = "?"
	}
	l.comboDict[m.TID] = pid + "/" + m.TID

	switch m.Subtype {
	case "new_proc":
		if _, seen := l.tree[m.RetValue]; !seen {
			l.addedList = append(l.addedList, addedEntry{time: m.Time, tid: m.RetValue})
		}
		l.tree[m.RetValue] = m.TID
		// The child's own pid is unknown until it reports itself.
		l.comboDict[m.RetValue] = "?/" + m.RetValue
		l.nameTimeDict[m.RetValue] = append(l.nameTimeDict[m.RetValue], nameTime{name: m.Comm, time: m.Time})
	case "execve":
		if !addedToNameTime {
			l.nameTimeDict[m.TID] = append(l.nameTimeDict[m.TID], nameTime{name: m.Comm, time: m.Time})
		}
	case "exit":
		l.exitTimeDict[m.TID] = m.Time
	}
}

// Node is one finalized thread lifetime record.
type Node struct {
	Identifier string `json:"identifier"`
	// Tag is [dominant comm, "pid/tid", start_ns, duration_ns_or_-1],
	// rebased to the profile start.
	Tag    [4]any  `json:"tag"`
	Parent *string `json:"parent"`
}

type lineageArtifact struct {
	SpawningCallchains map[string][]Frame `json:"spawning_callchains"`
	Tree               []Node             `json:"tree"`
}

// Finalize emits the tree in arrival order, parents before children,
// with dominant names and lifetimes rebased to the profile start, and
// returns the JSON artifact.
func (l *Lineage) Finalize(profileStart uint64) ([]byte, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	emitted := map[string]bool{}
	nodes := []Node{}

	for _, entry := range l.addedList {
		tid := entry.tid
		parent := l.tree[tid]

		// A child whose parent never made it into the stream (or
		// arrived out of order) is skipped as an orphan.
		if parent != "" && !emitted[parent] {
			continue
		}
		emitted[tid] = true

		names := l.nameTimeDict[tid]
		if len(names) == 0 {
			continue
		}

		dominantIdx := 0
		dominantTime := uint64(0)
		for i := 1; i < len(names); i++ {
			if interval := names[i].time - names[i-1].time; interval > dominantTime {
				dominantIdx = i - 1
				dominantTime = interval
			}
		}

		exit, hasExit := l.exitTimeDict[tid]
		if !hasExit || exit-names[len(names)-1].time > dominantTime {
			dominantIdx = len(names) - 1
		}

		start := names[0].time
		duration := int64(-1)
		if hasExit {
			duration = int64(exit) - int64(start)
			if duration < 0 {
				level.Warn(l.logger).Log(
					"msg", "thread exit recorded before its start, clamping lifetime to zero",
					"tid", tid, "start", start, "exit", exit)
				duration = 0
			}
		}

		if start <= profileStart {
			if duration >= 0 {
				duration -= int64(profileStart - start)
				if duration < 0 {
					level.Warn(l.logger).Log(
						"msg", "thread lifetime ended before the profile start, clamping to zero",
						"tid", tid)
					duration = 0
				}
			}
			start = 0
		} else {
			start -= profileStart
		}

		node := Node{
			Identifier: tid,
			Tag:        [4]any{names[dominantIdx].name, l.comboDict[tid], start, duration},
		}
		if parent != "" {
			p := parent
			node.Parent = &p
		}
		nodes = append(nodes, node)
	}

	b, err := json.Marshal(lineageArtifact{
		SpawningCallchains: l.tidDict,
		Tree:               nodes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling lineage artifact: %w", err)
	}
	return b, nil
}
