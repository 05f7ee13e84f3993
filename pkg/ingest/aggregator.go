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
	"strconv"

	"github.com/Adaptyst/adaptyst-linuxperf/pkg/storage"
)

// syntheticFrame stands in for an empty callchain so that pure
// thread/process time still lands somewhere visible.
var syntheticFrame = Frame{Symbol: "(just thread/process)", Offset: ""}

func valueKey(offcpu bool) string {
	if offcpu {
		return "cold_value"
	}
	return "hot_value"
}

func offsetKey(offcpu bool, offset string) string {
	if offcpu {
		return "cold_" + offset
	}
	return "hot_" + offset
}

// saveSampleUntimed merges the callchain into the per-thread view
// keyed purely by frame names.
func saveSampleUntimed(threadDir *storage.Group, callchain []Frame, period uint64, offcpu bool) {
	key := valueKey(offcpu)

	cur := threadDir.Group("untimed").Group("all")
	cur.SetString("name", "all")
	cur.SetUint64(key, cur.GetUint64(key, 0)+period)

	for _, frame := range callchain {
		cur = cur.Group(frame.Symbol)
		cur.SetString("name", frame.Symbol)
		cur.SetUint64(key, cur.GetUint64(key, 0)+period)

		offKey := offsetKey(offcpu, frame.Offset)
		cur.SetUint64(offKey, cur.GetUint64(offKey, 0)+period)
	}
}

// saveSampleTimed merges the callchain into the per-thread view that
// preserves arrival order: every node is an ordered array of child
// node ids, and consecutive identical stacks share one spine.
//
// The current tip (the most recently appended child) is reused only
// when its name matches the frame and its child count agrees with
// whether this is the final frame. The zero-vs-nonzero gate keeps a
// terminal leaf from merging with an interior node of the same name.
func saveSampleTimed(threadDir *storage.Group, callchain []Frame, period uint64, offcpu bool, nextID func() uint64) {
	key := valueKey(offcpu)
	root := threadDir.Group("timed")

	cur := root.Uint64Array("all")
	cur.SetString("name", "all")
	cur.SetUint64(key, cur.GetUint64(key, 0)+period)

	for i, frame := range callchain {
		lastBlock := i == len(callchain)-1
		assigned := false

		if cur.Len() > 0 {
			tip := cur.At(cur.Len() - 1)
			candidate := root.Uint64Array(strconv.FormatUint(tip, 10))

			if candidate.GetString("name", "") == frame.Symbol &&
				((lastBlock && candidate.Len() == 0) || (!lastBlock && candidate.Len() > 0)) {
				cur = candidate
				assigned = true
			}
		}

		if !assigned {
			id := nextID()
			child := root.Uint64Array(strconv.FormatUint(id, 10))
			child.SetString("name", frame.Symbol)
			cur.Append(id)
			cur = child
		}

		cur.SetUint64(key, cur.GetUint64(key, 0)+period)
		offKey := offsetKey(offcpu, frame.Offset)
		cur.SetUint64(offKey, cur.GetUint64(offKey, 0)+period)
	}
}

// saveOffCPU appends one (start, duration) entry relative to the
// profile start. A sleep that began before the profile start is
// clamped to start at zero.
func saveOffCPU(threadDir *storage.Group, time, profileStart, period uint64) {
	offcpu := threadDir.PairArray("offcpu")

	rel := time - profileStart
	if rel < period {
		offcpu.Append(0, rel)
		return
	}
	offcpu.Append(rel-period, period)
}
