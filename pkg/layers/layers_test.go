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

package layers_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/layers"
	"github.com/bobbuildtool/bob/pkg/step"
)

// memStore is an in-memory stand-in for *state.Store, since pkg/layers only
// needs the narrow StateStore slice.
type memStore struct {
	mu   sync.Mutex
	data map[string]step.ScmDirState
}

func newMemStore() *memStore { return &memStore{data: map[string]step.ScmDirState{}} }

func (m *memStore) LayerState(dir string) (step.ScmDirState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[dir]
	return v, ok
}

func (m *memStore) SetLayerState(dir string, st step.ScmDirState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[dir] = st
	return nil
}

func (m *memStore) DelLayerState(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, dir)
	return nil
}

// fakeSCM is a minimal scm.Driver test double: "checking out" just writes a
// marker file containing Rev, and "switching" overwrites it.
type fakeSCM struct {
	Repo string
	Rev  string

	canSwitch  bool
	switchErr  error
	checkouts  *int
	switches   *int
	deterministic bool
}

func (f *fakeSCM) DigestScript() string       { return "fake:" + f.Repo + "@" + f.Rev }
func (f *fakeSCM) Directory() string          { return "." }
func (f *fakeSCM) IsDeterministic() bool      { return f.deterministic }
func (f *fakeSCM) IsLocal() bool              { return true }
func (f *fakeSCM) HasLiveBuildID() bool       { return false }
func (f *fakeSCM) AuditSpec() map[string]any {
	return map[string]any{"scm": "fake", "repo": f.Repo, "rev": f.Rev}
}
func (f *fakeSCM) Status(ctx context.Context, dir string) (step.Status, error) {
	return step.Status{Taints: []step.Taint{step.TaintClean}}, nil
}
func (f *fakeSCM) CanSwitch(oldSpec map[string]any) bool { return f.canSwitch }
func (f *fakeSCM) Checkout(ctx context.Context, dir string, fresh bool) error {
	if f.checkouts != nil {
		*f.checkouts++
	}
	return os.WriteFile(filepath.Join(dir, "marker"), []byte(f.Rev), 0o644)
}
func (f *fakeSCM) Switch(ctx context.Context, dir string, oldSpec map[string]any) error {
	if f.switches != nil {
		*f.switches++
	}
	if f.switchErr != nil {
		return f.switchErr
	}
	return os.WriteFile(filepath.Join(dir, "marker"), []byte(f.Rev), 0o644)
}
func (f *fakeSCM) PredictLiveBuildID(ctx context.Context) (string, bool, error) {
	return "", false, nil
}

func TestCollect_SingleLevelChecksOutEachLayerOnce(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	var checkouts int
	discoverCalls := map[string]int{}
	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		discoverCalls[dir]++
		if dir == root {
			return []layers.Spec{
				{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: "1", checkouts: &checkouts, deterministic: true}},
				{Name: "b", SCM: &fakeSCM{Repo: "b", Rev: "1", checkouts: &checkouts, deterministic: true}},
			}, nil
		}
		return nil, nil
	}

	_, all, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, checkouts)

	for _, l := range all {
		assert.FileExists(t, filepath.Join(l.Dir, "marker"))
	}
}

func TestCollect_UnchangedDeterministicDigestSkipsCheckout(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	var checkouts int
	first := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		if dir == root {
			return []layers.Spec{{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: "1", checkouts: &checkouts, deterministic: true}}}, nil
		}
		return nil, nil
	}
	_, _, err := m.Collect(context.Background(), layers.Spec{Name: ""}, first)
	require.NoError(t, err)
	assert.Equal(t, 1, checkouts)

	// Second collect with the identical digest: must not re-checkout.
	_, _, err = m.Collect(context.Background(), layers.Spec{Name: ""}, first)
	require.NoError(t, err)
	assert.Equal(t, 1, checkouts, "unchanged deterministic layer must not be re-checked-out")
}

func TestCollect_ChangedSpecSwitchesInPlaceWhenPossible(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	var switches int
	gen := 0
	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		if dir != root {
			return nil, nil
		}
		gen++
		rev := "1"
		if gen > 1 {
			rev = "2"
		}
		return []layers.Spec{{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: rev, canSwitch: true, switches: &switches}}}, nil
	}

	_, all, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, all2, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)
	require.Len(t, all2, 1)
	assert.Equal(t, 1, switches)
	content, err := os.ReadFile(filepath.Join(all2[0].Dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(content))
}

func TestCollect_ChangedSpecMovesToAtticWhenSwitchImpossible(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	gen := 0
	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		if dir != root {
			return nil, nil
		}
		gen++
		rev := "1"
		if gen > 1 {
			rev = "2"
		}
		return []layers.Spec{{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: rev, canSwitch: false, deterministic: true}}}, nil
	}

	_, _, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)

	_, all, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)
	require.Len(t, all, 1)

	content, err := os.ReadFile(filepath.Join(all[0].Dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(content))

	atticDir := filepath.Join(root, "..", "..", "layers.attic")
	entries, err := os.ReadDir(atticDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCollect_CollidesWithExistingUntrackedDirectory(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	layerDir := filepath.Join(root, "layers", "a")
	require.NoError(t, os.MkdirAll(layerDir, 0o755))

	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		if dir == root {
			return []layers.Spec{{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: "1"}}}, nil
		}
		return nil, nil
	}
	_, _, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestCollect_ChildCannotRaiseParentMinVersion(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		if dir == root {
			return []layers.Spec{{Name: "a", SCM: &fakeSCM{Repo: "a", Rev: "1"}, MinVersion: "0.30"}}, nil
		}
		return nil, nil
	}
	_, _, err := m.Collect(context.Background(), layers.Spec{Name: "", MinVersion: "0.24"}, discover)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "newer than its parent")
}

func TestCollect_DeduplicatesSameNamedLayerAcrossParents(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	var checkouts int
	discover := func(ctx context.Context, dir string) ([]layers.Spec, error) {
		switch dir {
		case root:
			return []layers.Spec{
				{Name: "p1", SCM: &fakeSCM{Repo: "p1", Rev: "1", checkouts: &checkouts, deterministic: true}},
				{Name: "p2", SCM: &fakeSCM{Repo: "p2", Rev: "1", checkouts: &checkouts, deterministic: true}},
			}, nil
		case filepath.Join(root, "layers", "p1"), filepath.Join(root, "layers", "p2"):
			return []layers.Spec{{Name: "shared", SCM: &fakeSCM{Repo: "shared", Rev: "1", checkouts: &checkouts, deterministic: true}}}, nil
		}
		return nil, nil
	}

	_, all, err := m.Collect(context.Background(), layers.Spec{Name: ""}, discover)
	require.NoError(t, err)
	require.Len(t, all, 3) // p1, p2, shared (once, not twice)
	assert.Equal(t, 3, checkouts)
}

func TestCleanupUnused_MovesOrphanedLayerToAttic(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	orphan := filepath.Join(root, "layers", "gone")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, store.SetLayerState(orphan, step.ScmDirState{Digest: "x"}))

	known := map[string]step.ScmDirState{orphan: {Digest: "x"}}
	require.NoError(t, m.CleanupUnused(context.Background(), known, nil))

	_, ok := store.LayerState(orphan)
	assert.False(t, ok)
	assert.NoDirExists(t, orphan)

	entries, err := os.ReadDir(filepath.Join(root, "..", "..", "layers.attic"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanupUnused_KeepsLayersStillInTree(t *testing.T) {
	root := t.TempDir()
	store := newMemStore()
	m := layers.New(store, root, true)

	kept := filepath.Join(root, "layers", "kept")
	require.NoError(t, os.MkdirAll(kept, 0o755))
	require.NoError(t, store.SetLayerState(kept, step.ScmDirState{Digest: "x"}))

	known := map[string]step.ScmDirState{kept: {Digest: "x"}}
	all := []*layers.Layer{{Name: "kept", Dir: kept}}
	require.NoError(t, m.CleanupUnused(context.Background(), known, all))

	assert.DirExists(t, kept)
	_, ok := store.LayerState(kept)
	assert.True(t, ok)
}
