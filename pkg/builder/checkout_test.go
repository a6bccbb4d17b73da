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

package builder_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/builder"
	"github.com/bobbuildtool/bob/pkg/step"
)

// fakeSCM is a minimal scm.Driver test double, mirroring pkg/layers' own.
type fakeSCM struct {
	rev           string
	deterministic bool
	canSwitch     bool
	checkouts     *int
	switches      *int

	liveBuildID        bool   // HasLiveBuildID's return value
	predictedLiveID    string // PredictLiveBuildID's liveID, when liveBuildID is true
	predictLiveIDError error
}

func (f *fakeSCM) DigestScript() string  { return "fake@" + f.rev }
func (f *fakeSCM) Directory() string     { return "." }
func (f *fakeSCM) IsDeterministic() bool { return f.deterministic }
func (f *fakeSCM) IsLocal() bool         { return true }
func (f *fakeSCM) HasLiveBuildID() bool  { return f.liveBuildID }
func (f *fakeSCM) AuditSpec() map[string]any {
	return map[string]any{"rev": f.rev}
}
func (f *fakeSCM) Status(ctx context.Context, dir string) (step.Status, error) {
	return step.Status{Taints: []step.Taint{step.TaintClean}}, nil
}
func (f *fakeSCM) CanSwitch(oldSpec map[string]any) bool { return f.canSwitch }
func (f *fakeSCM) Checkout(ctx context.Context, dir string, fresh bool) error {
	if f.checkouts != nil {
		*f.checkouts++
	}
	return os.WriteFile(filepath.Join(dir, "marker"), []byte(f.rev), 0o644)
}
func (f *fakeSCM) Switch(ctx context.Context, dir string, oldSpec map[string]any) error {
	if f.switches != nil {
		*f.switches++
	}
	return os.WriteFile(filepath.Join(dir, "marker"), []byte(f.rev), 0o644)
}
func (f *fakeSCM) PredictLiveBuildID(ctx context.Context) (string, bool, error) {
	if f.predictLiveIDError != nil {
		return "", false, f.predictLiveIDError
	}
	if !f.liveBuildID || f.predictedLiveID == "" {
		return "", false, nil
	}
	return f.predictedLiveID, true, nil
}

func TestCookCheckout_FreshThenSkipOnRerun(t *testing.T) {
	root := t.TempDir()
	st := newMemState()
	b := builder.New(builder.Config{Jobs: 1}, st, nil, nil, nil, nil)

	var checkouts int
	scm := &fakeSCM{rev: "1", deterministic: true, checkouts: &checkouts}
	s := &step.Step{
		Package:       "co",
		Kind:          step.Checkout,
		WorkspacePath: root,
		SCMs:          []step.SCMEntry{{Directory: "src", SCM: scm}},
	}

	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))
	assert.Equal(t, 1, checkouts)
	assert.FileExists(t, filepath.Join(root, "src", "marker"))

	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))
	assert.Equal(t, 1, checkouts, "unchanged deterministic checkout must not re-run")
}

func TestCookCheckout_SwitchesInPlaceWhenSpecChanges(t *testing.T) {
	root := t.TempDir()
	st := newMemState()
	b := builder.New(builder.Config{Jobs: 1, Attic: true}, st, nil, nil, nil, nil)

	var switches int
	scm := &fakeSCM{rev: "1", canSwitch: true, switches: &switches}
	s := &step.Step{
		Package:       "co",
		Kind:          step.Checkout,
		WorkspacePath: root,
		SCMs:          []step.SCMEntry{{Directory: "src", SCM: scm}},
	}
	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))

	scm.rev = "2"
	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))
	assert.Equal(t, 1, switches)

	content, err := os.ReadFile(filepath.Join(root, "src", "marker"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(content))
}

func TestCookCheckout_CollidesWithUntrackedDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	st := newMemState()
	b := builder.New(builder.Config{Jobs: 1}, st, nil, nil, nil, nil)

	s := &step.Step{
		Package:       "co",
		Kind:          step.Checkout,
		WorkspacePath: root,
		SCMs:          []step.SCMEntry{{Directory: "src", SCM: &fakeSCM{rev: "1"}}},
	}
	err := b.Cook(context.Background(), []*step.Step{s}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

// fakeLiveIDArchive is a minimal builder.Archive test double exercising only
// the live-build-id translation cache; DownloadPackage/UploadPackage are
// never reached by the checkout state machine.
type fakeLiveIDArchive struct {
	downloaders bool
	cached      map[string]step.BuildID
	published   map[string]step.BuildID
}

func newFakeLiveIDArchive() *fakeLiveIDArchive {
	return &fakeLiveIDArchive{downloaders: true, cached: map[string]step.BuildID{}, published: map[string]step.BuildID{}}
}

func (f *fakeLiveIDArchive) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	return false, nil
}
func (f *fakeLiveIDArchive) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	return nil
}
func (f *fakeLiveIDArchive) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	id, ok := f.cached[liveID]
	return id, ok, nil
}
func (f *fakeLiveIDArchive) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	f.published[liveID] = id
	return nil
}
func (f *fakeLiveIDArchive) HasDownloaders() bool { return f.downloaders }

func TestCookCheckout_LiveBuildIDMismatchTriggersExactlyOneRestart(t *testing.T) {
	root := t.TempDir()
	st := newMemState()
	arc := newFakeLiveIDArchive()
	arc.cached["live-rev"] = step.BuildID{0xff} // stale, will not match the real checkout's hash

	var checkouts int
	scm := &fakeSCM{rev: "1", deterministic: true, checkouts: &checkouts, liveBuildID: true, predictedLiveID: "live-rev"}
	s := &step.Step{
		Package:       "co",
		Kind:          step.Checkout,
		WorkspacePath: root,
		SCMs:          []step.SCMEntry{{Directory: "src", SCM: scm}},
	}

	b := builder.New(builder.Config{Jobs: 1}, st, arc, nil, nil, nil)
	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))

	// The mismatch forces exactly one restart; the second attempt finds the
	// checkout already up to date (same deterministic digest) and the
	// workspace no longer new, so it neither re-checks-out nor restarts again.
	assert.Equal(t, 1, checkouts)
	assert.FileExists(t, filepath.Join(root, "src", "marker"))
	// The real checkout's hash is republished under the live-id regardless
	// of whether it matched the stale prediction.
	assert.Contains(t, arc.published, "live-rev")
}

func TestCookCheckout_LiveBuildIDPublishedWhenArchiveHasNoCachedTranslation(t *testing.T) {
	root := t.TempDir()
	st := newMemState()
	arc := newFakeLiveIDArchive()

	scm := &fakeSCM{rev: "1", deterministic: true, liveBuildID: true, predictedLiveID: "live-rev"}
	s := &step.Step{
		Package:       "co",
		Kind:          step.Checkout,
		WorkspacePath: root,
		SCMs:          []step.SCMEntry{{Directory: "src", SCM: scm}},
	}

	b := builder.New(builder.Config{Jobs: 1}, st, arc, nil, nil, nil)
	require.NoError(t, b.Cook(context.Background(), []*step.Step{s}, false))

	assert.Contains(t, arc.published, "live-rev")
}
