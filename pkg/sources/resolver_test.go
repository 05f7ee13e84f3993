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

package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

// fakeAddr2line answers every offset on stdin with a canned reply so
// the reply-parsing path can be exercised without binutils.
func fakeAddr2line(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "addr2line")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestResolve(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(src, []byte("int main(void) { return 0; }\n"), 0o644))

	r := NewResolver(log.NewNopLogger())
	r.addr2linePath = fakeAddr2line(t, `while read offset; do echo "`+src+`:42"; done`)

	results, paths, err := r.Resolve(context.Background(), map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}, "0x20": {}},
	})
	require.NoError(t, err)

	require.Equal(t, map[string]map[string]Location{
		"/usr/bin/app": {
			"0x10": {File: src, Line: 42},
			"0x20": {File: src, Line: 42},
		},
	}, results)
	require.Equal(t, []string{src}, paths)
}

func TestMalformedRepliesSkipped(t *testing.T) {
	t.Parallel()

	r := NewResolver(log.NewNopLogger())
	r.addr2linePath = fakeAddr2line(t, `while read offset; do echo "??:?"; done`)

	results, paths, err := r.Resolve(context.Background(), map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}},
	})
	require.NoError(t, err)
	require.Empty(t, results["/usr/bin/app"])
	require.Empty(t, paths)
}

func TestReplyWithoutSingleColonSkipped(t *testing.T) {
	t.Parallel()

	r := NewResolver(log.NewNopLogger())
	r.addr2linePath = fakeAddr2line(t, `while read offset; do echo "a:b:c"; done`)

	results, _, err := r.Resolve(context.Background(), map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}},
	})
	require.NoError(t, err)
	require.Empty(t, results["/usr/bin/app"])
}

func TestMissingSourceFilesNotReported(t *testing.T) {
	t.Parallel()

	r := NewResolver(log.NewNopLogger())
	r.addr2linePath = fakeAddr2line(t, `while read offset; do echo "/no/such/file.c:7"; done`)

	results, paths, err := r.Resolve(context.Background(), map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}},
	})
	require.NoError(t, err)

	// The location is still recorded; only the reported paths are
	// limited to files that exist.
	require.Equal(t, Location{File: "/no/such/file.c", Line: 7}, results["/usr/bin/app"]["0x10"])
	require.Empty(t, paths)
}

func TestUnresolvableDSOIsNotFatal(t *testing.T) {
	t.Parallel()

	r := NewResolver(log.NewNopLogger())
	r.addr2linePath = "/no/such/addr2line"

	results, paths, err := r.Resolve(context.Background(), map[string]map[string]struct{}{
		"/usr/bin/app": {"0x10": {}},
	})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, paths)
}

func TestMarshalSources(t *testing.T) {
	t.Parallel()

	b, err := MarshalSources(map[string]map[string]Location{
		"/usr/bin/app": {"0x10": {File: "/src/main.c", Line: 3}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"/usr/bin/app":{"0x10":{"file":"/src/main.c","line":3}}}`, string(b))
}
