// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state implements PersistentState: the crash-safe, single-writer
// key-value store that records per-workspace facts between invocations.
//
// The on-disk schema is a small gob-encoded struct rather than a generic
// database, following the same write-temp-then-rename idiom the teacher uses
// for its own cache and output directories: this is a single-process,
// single-writer, Go-to-Go blob, never a wire format, so there is nothing for
// a third-party serialization or embedded-KV library to add over the
// standard library (see DESIGN.md).
package state

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/step"
)

// MinVersion and CurVersion bound the schema versions this binary accepts.
// A state file outside this range is rejected with a descriptive error
// rather than silently misinterpreted (spec.md §4.2).
const (
	MinVersion = 1
	CurVersion = 1
)

const (
	stateFileName = "state.gob"
	lockFileName  = ".bob-state.lock"
)

// schema is the versioned payload persisted to disk.
type schema struct {
	Version int

	ByNameDirs     map[string]string
	ResultHash     map[string]step.Digest
	InputHashes    map[string][]step.Digest
	DirectoryState map[string]step.DirectoryState
	VariantID      map[string]step.VariantID
	BuildIDCache   map[string]step.BuildID
	Attic          map[string]step.AtticRecord
	PackageResult  map[string]step.PackageResult
	LayerState     map[string]step.ScmDirState

	BuildStateWasRun        bool
	BuildStatePredictedGood bool
	BuildStatePredictedID   step.BuildID
}

func newSchema() *schema {
	return &schema{
		Version:        CurVersion,
		ByNameDirs:     map[string]string{},
		ResultHash:     map[string]step.Digest{},
		InputHashes:    map[string][]step.Digest{},
		DirectoryState: map[string]step.DirectoryState{},
		VariantID:      map[string]step.VariantID{},
		BuildIDCache:   map[string]step.BuildID{},
		Attic:          map[string]step.AtticRecord{},
		PackageResult:  map[string]step.PackageResult{},
		LayerState:     map[string]step.ScmDirState{},
	}
}

// Store is the handle through which the engine reads and mutates
// PersistentState. It is safe for concurrent use by multiple goroutines
// within one process; cross-process exclusion is the lock file's job.
type Store struct {
	mu sync.Mutex

	dir      string
	path     string
	lockPath string

	data      *schema
	dirty     bool
	async     bool
	haveLock  bool
	readOnly  bool
}

// Open loads (or initializes) the state store rooted at dir. When readOnly
// is false it also acquires the project lock file; failure to create the
// lock because one already exists aborts with a descriptive error, while
// failure because the filesystem itself is read-only is tolerated silently,
// per spec.md §4.2.
func Open(ctx context.Context, dir string, readOnly bool) (*Store, error) {
	s := &Store{
		dir:      dir,
		path:     filepath.Join(dir, stateFileName),
		lockPath: filepath.Join(dir, lockFileName),
		readOnly: readOnly,
	}

	if !readOnly {
		if err := s.acquireLock(ctx); err != nil {
			return nil, err
		}
	}

	data, err := s.load()
	if err != nil {
		if s.haveLock {
			_ = os.Remove(s.lockPath)
		}
		return nil, err
	}
	s.data = data
	return s, nil
}

func (s *Store) acquireLock(ctx context.Context) error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_ = f.Close()
		s.haveLock = true
		return nil
	}
	if os.IsExist(err) {
		return fmt.Errorf("state: lock file %s already exists; another bob process may be running, or a previous run was killed (remove the file after confirming it is stale)", s.lockPath)
	}
	// Anything else (e.g. a read-only filesystem) is tolerated: a store
	// opened this way simply never acquires a lock and later writes will
	// fail on their own terms if they are ever attempted.
	clog.FromContext(ctx).Warnf("state: could not create lock file %s (%v); continuing without it", s.lockPath, err)
	return nil
}

func (s *Store) load() (*schema, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return newSchema(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", s.path, err)
	}
	defer f.Close()

	var data schema
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("state: corrupt state file %s: %w", s.path, err)
	}
	if data.Version < MinVersion || data.Version > CurVersion {
		return nil, fmt.Errorf("state: %s has schema version %d, this binary supports %d..%d", s.path, data.Version, MinVersion, CurVersion)
	}
	return &data, nil
}

// SetAsynchronous toggles batched-write mode. In asynchronous mode, mutating
// calls mark the store dirty but do not write to disk; transitioning back to
// synchronous flushes any pending mutation.
func (s *Store) SetAsynchronous(async bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasAsync := s.async
	s.async = async
	if wasAsync && !async && s.dirty {
		return s.flushLocked()
	}
	return nil
}

// Flush forces a write-temp-then-rename commit of the current in-memory
// state, regardless of batching mode.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if s.readOnly {
		return fmt.Errorf("state: store opened read-only, cannot flush")
	}
	if !s.dirty {
		return nil
	}
	tmp := s.path + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(s.data); err != nil {
		f.Close()
		return fmt.Errorf("state: encoding: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("state: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: committing: %w", err)
	}
	s.dirty = false
	return nil
}

// markDirty records a mutation, flushing immediately unless async batching
// is enabled.
func (s *Store) markDirty() error {
	s.dirty = true
	if s.async {
		return nil
	}
	return s.flushLocked()
}

// Close flushes any pending mutation and releases the lock file. It is safe
// to call Close on a read-only store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if !s.readOnly && s.dirty {
		err = s.flushLocked()
	}
	if s.haveLock {
		if rmErr := os.Remove(s.lockPath); rmErr != nil && err == nil {
			err = fmt.Errorf("state: removing lock file: %w", rmErr)
		}
		s.haveLock = false
	}
	return err
}
