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

package state

import "github.com/bobbuildtool/bob/pkg/step"

// ByNameDirectory returns the human-readable workspace directory recorded
// for name, if any.
func (s *Store) ByNameDirectory(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.ByNameDirs[name]
	return d, ok
}

// SetByNameDirectory records the human-readable directory chosen for name.
func (s *Store) SetByNameDirectory(name, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ByNameDirs[name] = dir
	return s.markDirty()
}

// ResultHash returns the last recorded content hash of workspace.
func (s *Store) ResultHash(workspace string) (step.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.data.ResultHash[workspace]
	return h, ok
}

// SetResultHash records the content hash of workspace.
func (s *Store) SetResultHash(workspace string, h step.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ResultHash[workspace] = h
	return s.markDirty()
}

// DelResultHash removes the recorded hash. Deleting a nonexistent entry is
// silently tolerated, per spec.md §4.2.
func (s *Store) DelResultHash(workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.ResultHash, workspace)
	return s.markDirty()
}

// InputHashes returns the dependency result-hashes recorded as of the last
// build of workspace.
func (s *Store) InputHashes(workspace string) ([]step.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.data.InputHashes[workspace]
	if !ok {
		return nil, false
	}
	out := make([]step.Digest, len(h))
	copy(out, h)
	return out, true
}

// SetInputHashes records the dependency result-hashes for workspace.
func (s *Store) SetInputHashes(workspace string, hashes []step.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]step.Digest, len(hashes))
	copy(cp, hashes)
	s.data.InputHashes[workspace] = cp
	return s.markDirty()
}

// DelInputHashes removes the recorded input hashes. Tolerated if absent.
func (s *Store) DelInputHashes(workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.InputHashes, workspace)
	return s.markDirty()
}

// DirectoryState returns a deep copy of the persisted checkout directory
// state for workspace, mirroring the Python implementation's copy-on-read
// semantics so callers can mutate their copy freely.
func (s *Store) DirectoryState(workspace string) (step.DirectoryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.DirectoryState[workspace]
	if !ok {
		return step.DirectoryState{}, false
	}
	return copyDirectoryState(d), true
}

func copyDirectoryState(d step.DirectoryState) step.DirectoryState {
	out := d
	out.Dirs = make(map[string]step.ScmDirState, len(d.Dirs))
	for k, v := range d.Dirs {
		out.Dirs[k] = v
	}
	return out
}

// SetDirectoryState persists a (deep-copied) checkout directory state for
// workspace.
func (s *Store) SetDirectoryState(workspace string, d step.DirectoryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DirectoryState[workspace] = copyDirectoryState(d)
	return s.markDirty()
}

// VariantID returns the last-built variant-id recorded for workspace.
func (s *Store) VariantID(workspace string) (step.VariantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.VariantID[workspace]
	return v, ok
}

// SetVariantID records the variant-id last built into workspace.
func (s *Store) SetVariantID(workspace string, v step.VariantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.VariantID[workspace] = v
	return s.markDirty()
}

// BuildIDCache looks up a cached build-id under an arbitrary string key,
// used for live-build-id translations (key "\x00"+variant-id, "\x01"+live-id)
// and fingerprint caches (key script-hash+sandbox-build-id).
func (s *Store) BuildIDCache(key string) (step.BuildID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.BuildIDCache[key]
	return v, ok
}

// SetBuildIDCache stores a cached build-id under key.
func (s *Store) SetBuildIDCache(key string, v step.BuildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.BuildIDCache[key] = v
	return s.markDirty()
}

// Attic returns the SCM spec recorded for a displaced checkout directory.
func (s *Store) Attic(path string) (step.AtticRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.Attic[path]
	return v, ok
}

// SetAttic records the SCM spec of a checkout directory moved to the attic.
func (s *Store) SetAttic(path string, rec step.AtticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Attic[path] = rec
	return s.markDirty()
}

// AllAttic returns a copy of every recorded attic entry, for `bob status`.
func (s *Store) AllAttic() map[string]step.AtticRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]step.AtticRecord, len(s.data.Attic))
	for k, v := range s.data.Attic {
		out[k] = v
	}
	return out
}

// LayerState returns the recorded checkout digest/spec for a recipe-layer
// directory, used by pkg/layers to decide whether a layer needs a
// checkout, in-place switch, or attic move.
func (s *Store) LayerState(layerDir string) (step.ScmDirState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.LayerState[layerDir]
	return v, ok
}

// SetLayerState records the checkout digest/spec for layerDir.
func (s *Store) SetLayerState(layerDir string, st step.ScmDirState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LayerState[layerDir] = st
	return s.markDirty()
}

// DelLayerState removes the recorded state for layerDir. Tolerated if
// absent.
func (s *Store) DelLayerState(layerDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.LayerState, layerDir)
	return s.markDirty()
}

// AllLayerStates returns a copy of every recorded layer directory state, for
// pkg/layers.Manager.CleanupUnused to diff against the tree it just walked.
func (s *Store) AllLayerStates() map[string]step.ScmDirState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]step.ScmDirState, len(s.data.LayerState))
	for k, v := range s.data.LayerState {
		out[k] = v
	}
	return out
}

// LoadFingerprint and SaveFingerprint let *Store back pkg/fingerprint's
// Store interface directly: step.Fingerprint and step.BuildID are both
// aliases of step.Digest, so the existing BuildIDCache map serves both
// live-build-id translation and fingerprint caching without a second map.
func (s *Store) LoadFingerprint(cacheKey string) (step.Fingerprint, bool, error) {
	v, ok := s.BuildIDCache("fingerprint:" + cacheKey)
	return v, ok, nil
}

// SaveFingerprint persists fp under cacheKey.
func (s *Store) SaveFingerprint(cacheKey string, fp step.Fingerprint) error {
	return s.SetBuildIDCache("fingerprint:"+cacheKey, fp)
}

// PackageResult returns the persisted package-workspace outcome.
func (s *Store) PackageResult(workspace string) (step.PackageResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.PackageResult[workspace]
	if !ok {
		return step.PackageResult{}, false
	}
	cp := v
	cp.InputHashes = append([]step.Digest(nil), v.InputHashes...)
	return cp, true
}

// SetPackageResult persists the outcome of a package workspace.
func (s *Store) SetPackageResult(workspace string, r step.PackageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	cp.InputHashes = append([]step.Digest(nil), r.InputHashes...)
	s.data.PackageResult[workspace] = cp
	return s.markDirty()
}

// BuildState returns the { wasRun, predictedBuildId } record saved at the
// end of the previous build, for resume support.
func (s *Store) BuildState() (wasRun bool, predicted step.BuildID, havePredicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.BuildStateWasRun, s.data.BuildStatePredictedID, s.data.BuildStatePredictedGood
}

// SetBuildState persists the top-level build-state record.
func (s *Store) SetBuildState(wasRun bool, predicted step.BuildID, havePredicted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.BuildStateWasRun = wasRun
	s.data.BuildStatePredictedID = predicted
	s.data.BuildStatePredictedGood = havePredicted
	return s.markDirty()
}

// DeleteWorkspace removes every fact recorded about workspace (result hash,
// input hashes, directory state, package result, variant-id). Deleting the
// state of a nonexistent workspace is silently tolerated.
func (s *Store) DeleteWorkspace(workspace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.ResultHash, workspace)
	delete(s.data.InputHashes, workspace)
	delete(s.data.DirectoryState, workspace)
	delete(s.data.PackageResult, workspace)
	delete(s.data.VariantID, workspace)
	return s.markDirty()
}
