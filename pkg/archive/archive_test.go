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

package archive_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/archive"
	"github.com/bobbuildtool/bob/pkg/step"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestRoundTrip_ByteIdenticalAuditAndContent(t *testing.T) {
	src := t.TempDir()
	writeTree(t, filepath.Join(src, "content"), map[string]string{
		"bin/tool":     "#!/bin/sh\necho hi\n",
		"share/doc.txt": "hello\n",
	})
	auditPath := filepath.Join(src, "audit.json.gz")
	require.NoError(t, os.WriteFile(auditPath, []byte("fake-gzip-audit-bytes"), 0o644))

	var id step.BuildID
	id[0] = 0xAB

	local := archive.NewLocal(t.TempDir(), archive.Flags{Download: true, Upload: true})
	require.NoError(t, local.UploadPackage(context.Background(), id, auditPath, filepath.Join(src, "content")))

	dest := t.TempDir()
	ok, err := local.DownloadPackage(context.Background(), id, dest)
	require.NoError(t, err)
	require.True(t, ok)

	gotAudit, err := os.ReadFile(filepath.Join(dest, "audit.json.gz"))
	require.NoError(t, err)
	assert.Equal(t, "fake-gzip-audit-bytes", string(gotAudit))

	gotTool, err := os.ReadFile(filepath.Join(dest, "content", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(gotTool))

	gotDoc, err := os.ReadFile(filepath.Join(dest, "content", "share", "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(gotDoc))
}

func TestDownloadPackage_MissIsNotAnError(t *testing.T) {
	local := archive.NewLocal(t.TempDir(), archive.Flags{Download: true})
	var id step.BuildID
	id[0] = 1
	ok, err := local.DownloadPackage(context.Background(), id, t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLiveBuildIDCache_RoundTrip(t *testing.T) {
	local := archive.NewLocal(t.TempDir(), archive.Flags{Download: true, Upload: true})
	var id step.BuildID
	id[3] = 9

	require.NoError(t, local.UploadLiveBuildID(context.Background(), "live-123", id))
	got, ok, err := local.DownloadLiveBuildID(context.Background(), "live-123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok, err = local.DownloadLiveBuildID(context.Background(), "never-uploaded")
	require.NoError(t, err)
	assert.False(t, ok)
}

// failingBackend always returns a transport error, to exercise nofail
// downgrade and MultiArchive fan-out semantics.
type failingBackend struct {
	name  string
	flags archive.Flags
}

func (f *failingBackend) Name() string     { return f.name }
func (f *failingBackend) Flags() archive.Flags { return f.flags }
func (f *failingBackend) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	return false, errors.New("boom")
}
func (f *failingBackend) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	return errors.New("boom")
}
func (f *failingBackend) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	return step.BuildID{}, false, errors.New("boom")
}
func (f *failingBackend) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	return errors.New("boom")
}
func (f *failingBackend) DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error) {
	return step.Fingerprint{}, false, errors.New("boom")
}
func (f *failingBackend) UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error {
	return errors.New("boom")
}

func TestMultiArchive_NoFailDowngradesToMiss(t *testing.T) {
	failer := &failingBackend{name: "failer", flags: archive.Flags{Download: true, NoFail: true}}
	local := archive.NewLocal(t.TempDir(), archive.Flags{Download: true})
	ma := archive.New(failer, local)

	var id step.BuildID
	ok, err := ma.DownloadPackage(context.Background(), id, t.TempDir())
	require.NoError(t, err, "a nofail backend's transport error must be swallowed, not propagated")
	assert.False(t, ok)
}

func TestMultiArchive_HardFailureAborts(t *testing.T) {
	failer := &failingBackend{name: "failer", flags: archive.Flags{Download: true}}
	ma := archive.New(failer)

	_, err := ma.DownloadPackage(context.Background(), step.BuildID{}, t.TempDir())
	require.Error(t, err)
}

func TestMultiArchive_FirstHitWins(t *testing.T) {
	var id step.BuildID
	id[0] = 7

	empty := archive.NewLocal(t.TempDir(), archive.Flags{Download: true})
	hasIt := archive.NewLocal(t.TempDir(), archive.Flags{Download: true, Upload: true})
	require.NoError(t, hasIt.UploadLiveBuildID(context.Background(), "k", id))

	ma := archive.New(empty, hasIt)
	got, ok, err := ma.DownloadLiveBuildID(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestMultiArchive_HasDownloaders(t *testing.T) {
	ma := archive.New(archive.NewLocal(t.TempDir(), archive.Flags{Upload: true}))
	assert.False(t, ma.HasDownloaders())

	ma2 := archive.New(archive.NewLocal(t.TempDir(), archive.Flags{Download: true}))
	assert.True(t, ma2.HasDownloaders())
}
