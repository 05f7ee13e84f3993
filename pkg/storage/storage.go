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

// Package storage provides the path-addressed hierarchical store the
// profiling pipeline aggregates into. Entities are groups (nested,
// with typed metadata), typed ordered arrays (append and index-read)
// and plain text files. The store owns durability and locking;
// callers are expected to be the sole writer of any given path.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type nodeKind int

const (
	kindGroup nodeKind = iota
	kindUint64Array
	kindPairArray
	kindFile
)

type node struct {
	kind    nodeKind
	strMeta map[string]string
	u64Meta map[string]uint64
	values  []uint64
	pairs   [][2]uint64
	text    strings.Builder
}

func newNode(kind nodeKind) *node {
	return &node{
		kind:    kind,
		strMeta: map[string]string{},
		u64Meta: map[string]uint64{},
	}
}

// Store is a hierarchical store rooted at a filesystem directory.
// Entities live in memory until Flush writes them out.
type Store struct {
	mtx   sync.Mutex
	root  string
	nodes map[string]*node
}

func NewStore(root string) *Store {
	return &Store{
		root:  root,
		nodes: map[string]*node{},
	}
}

func (s *Store) node(p string, kind nodeKind) *node {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		n = newNode(kind)
		s.nodes[p] = n
	}
	return n
}

// Root returns the group at the top of the store.
func (s *Store) Root() *Group {
	return &Group{store: s, path: ""}
}

// Group is a path-addressed directory entry carrying typed metadata.
type Group struct {
	store *Store
	path  string
}

func (g *Group) Path() string { return g.path }

func (g *Group) Group(name string) *Group {
	p := path.Join(g.path, name)
	g.store.node(p, kindGroup)
	return &Group{store: g.store, path: p}
}

func (g *Group) Uint64Array(name string) *Uint64Array {
	p := path.Join(g.path, name)
	g.store.node(p, kindUint64Array)
	return &Uint64Array{store: g.store, path: p}
}

func (g *Group) PairArray(name string) *PairArray {
	p := path.Join(g.path, name)
	g.store.node(p, kindPairArray)
	return &PairArray{store: g.store, path: p}
}

func (g *Group) File(name string) *File {
	p := path.Join(g.path, name)
	g.store.node(p, kindFile)
	return &File{store: g.store, path: p}
}

func (g *Group) GetString(key, def string) string {
	return g.store.getString(g.path, key, def)
}

func (g *Group) SetString(key, value string) {
	g.store.setString(g.path, key, value)
}

func (g *Group) GetUint64(key string, def uint64) uint64 {
	return g.store.getUint64(g.path, key, def)
}

func (g *Group) SetUint64(key string, value uint64) {
	g.store.setUint64(g.path, key, value)
}

// Uint64Array is an ordered array of uint64 values with the same typed
// metadata as a group.
type Uint64Array struct {
	store *Store
	path  string
}

func (a *Uint64Array) Path() string { return a.path }

func (a *Uint64Array) Append(v uint64) {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	a.store.nodes[a.path].values = append(a.store.nodes[a.path].values, v)
}

func (a *Uint64Array) Len() int {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	return len(a.store.nodes[a.path].values)
}

func (a *Uint64Array) At(i int) uint64 {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	return a.store.nodes[a.path].values[i]
}

func (a *Uint64Array) GetString(key, def string) string {
	return a.store.getString(a.path, key, def)
}

func (a *Uint64Array) SetString(key, value string) {
	a.store.setString(a.path, key, value)
}

func (a *Uint64Array) GetUint64(key string, def uint64) uint64 {
	return a.store.getUint64(a.path, key, def)
}

func (a *Uint64Array) SetUint64(key string, value uint64) {
	a.store.setUint64(a.path, key, value)
}

// PairArray is an ordered array of (uint64, uint64) pairs.
type PairArray struct {
	store *Store
	path  string
}

func (a *PairArray) Append(first, second uint64) {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	a.store.nodes[a.path].pairs = append(a.store.nodes[a.path].pairs, [2]uint64{first, second})
}

func (a *PairArray) Len() int {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	return len(a.store.nodes[a.path].pairs)
}

func (a *PairArray) At(i int) (uint64, uint64) {
	a.store.mtx.Lock()
	defer a.store.mtx.Unlock()
	p := a.store.nodes[a.path].pairs[i]
	return p[0], p[1]
}

// File is a degenerate path exposing a writable text stream.
type File struct {
	store *Store
	path  string
}

func (f *File) WriteString(s string) {
	f.store.mtx.Lock()
	defer f.store.mtx.Unlock()
	f.store.nodes[f.path].text.WriteString(s)
}

func (f *File) String() string {
	f.store.mtx.Lock()
	defer f.store.mtx.Unlock()
	return f.store.nodes[f.path].text.String()
}

func (s *Store) getString(p, key, def string) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if v, ok := s.nodes[p].strMeta[key]; ok {
		return v
	}
	return def
}

func (s *Store) setString(p, key, value string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.nodes[p].strMeta[key] = value
}

func (s *Store) getUint64(p, key string, def uint64) uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if v, ok := s.nodes[p].u64Meta[key]; ok {
		return v
	}
	return def
}

func (s *Store) setUint64(p, key string, value uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.nodes[p].u64Meta[key] = value
}

type persistedNode struct {
	StringMetadata map[string]string `json:"string_metadata,omitempty"`
	Uint64Metadata map[string]uint64 `json:"uint64_metadata,omitempty"`
	Values         []uint64          `json:"values,omitempty"`
	Pairs          [][2]uint64       `json:"pairs,omitempty"`
}

// Flush writes the in-memory tree under the store root. Groups become
// directories with a metadata.json, arrays become <name>.json files and
// files are written verbatim under their path.
func (s *Store) Flush() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		n := s.nodes[p]
		target := filepath.Join(s.root, filepath.FromSlash(p))

		switch n.kind {
		case kindGroup:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating group directory %s: %w", target, err)
			}
			if len(n.strMeta) == 0 && len(n.u64Meta) == 0 {
				continue
			}
			if err := writeJSON(filepath.Join(target, "metadata.json"), persistedNode{
				StringMetadata: n.strMeta,
				Uint64Metadata: n.u64Meta,
			}); err != nil {
				return err
			}
		case kindUint64Array, kindPairArray:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating array directory for %s: %w", target, err)
			}
			if err := writeJSON(target+".json", persistedNode{
				StringMetadata: n.strMeta,
				Uint64Metadata: n.u64Meta,
				Values:         n.values,
				Pairs:          n.pairs,
			}); err != nil {
				return err
			}
		case kindFile:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating file directory for %s: %w", target, err)
			}
			if err := os.WriteFile(target, []byte(n.text.String()), 0o644); err != nil {
				return fmt.Errorf("writing file %s: %w", target, err)
			}
		}
	}

	return nil
}

func writeJSON(target string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", target, err)
	}
	if err := os.WriteFile(target, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return nil
}
