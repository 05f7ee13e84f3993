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

// Package sources resolves DSO+offset pairs to file:line locations by
// fanning out over addr2line subprocesses.
package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

// Location is one resolved source position.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Resolver drives a bounded pool of addr2line processes, one per DSO.
//
// The pool size defaults to 1: a teardown race occasionally leaves
// addr2line running after its stdin is closed, and serializing the
// lookups avoids it. Parallelism stays configurable regardless.
type Resolver struct {
	logger        log.Logger
	addr2linePath string
	poolSize      int
}

func NewResolver(logger log.Logger) *Resolver {
	return &Resolver{
		logger:        logger,
		addr2linePath: "addr2line",
		poolSize:      1,
	}
}

// SetPoolSize overrides the default serialization of the lookups.
func (r *Resolver) SetPoolSize(n int) {
	if n >= 1 {
		r.poolSize = n
	}
}

// Resolve maps every (DSO, offset) pair onto a source location and
// returns the aggregate map plus the source file paths that exist on
// disk. Offsets with unparseable replies are skipped.
func (r *Resolver) Resolve(ctx context.Context, dsoOffsets map[string]map[string]struct{}) (map[string]map[string]Location, []string, error) {
	var (
		mtx     sync.Mutex
		results = map[string]map[string]Location{}
		files   = map[string]struct{}{}
	)

	var g errgroup.Group
	g.SetLimit(r.poolSize)

	for dso, offsets := range dsoOffsets {
		dso, offsets := dso, offsets
		g.Go(func() error {
			resolved, seenFiles, err := r.resolveDSO(ctx, dso, offsets)
			if err != nil {
				// A DSO that cannot be resolved contributes nothing;
				// the profile is still usable.
				level.Warn(r.logger).Log("msg", "failed to resolve sources for DSO", "dso", dso, "err", err)
				return nil
			}

			mtx.Lock()
			defer mtx.Unlock()
			results[dso] = resolved
			for f := range seenFiles {
				files[f] = struct{}{}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	paths := make([]string, 0, len(files))
	for f := range files {
		if _, err := os.Stat(f); err == nil {
			paths = append(paths, f)
		}
	}
	sort.Strings(paths)

	return results, paths, nil
}

func (r *Resolver) resolveDSO(ctx context.Context, dso string, offsets map[string]struct{}) (map[string]Location, map[string]struct{}, error) {
	cmd := exec.CommandContext(ctx, r.addr2linePath, "-e", dso)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating addr2line stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating addr2line stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting addr2line: %w", err)
	}

	resolved := map[string]Location{}
	files := map[string]struct{}{}
	reader := bufio.NewReader(stdout)

	sorted := make([]string, 0, len(offsets))
	for offset := range offsets {
		sorted = append(sorted, offset)
	}
	sort.Strings(sorted)

	for _, offset := range sorted {
		if _, err := stdin.Write([]byte(offset + "\n")); err != nil {
			break
		}

		reply, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		parts := strings.Split(strings.TrimRight(reply, "\n"), ":")
		if len(parts) != 2 {
			continue
		}
		line, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}

		resolved[offset] = Location{File: parts[0], Line: line}
		files[parts[0]] = struct{}{}
	}

	stdin.Close()
	if err := cmd.Wait(); err != nil {
		level.Debug(r.logger).Log("msg", "addr2line exited with an error", "dso", dso, "err", err)
	}

	return resolved, files, nil
}

// MarshalSources renders the aggregate sources map as the JSON
// artifact written next to the profile.
func MarshalSources(results map[string]map[string]Location) ([]byte, error) {
	b, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshaling sources: %w", err)
	}
	return b, nil
}
