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

package share_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/share"
	"github.com/bobbuildtool/bob/pkg/step"
)

func buildID(b byte) step.BuildID {
	var id step.BuildID
	id[0] = b
	return id
}

func makeContent(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.bin"), []byte("payload"), 0o644))
	return dir
}

func TestUseSharedPackage_MissWhenNeverInstalled(t *testing.T) {
	s := share.New(t.TempDir())
	_, _, ok, err := s.UseSharedPackage(buildID(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstallThenUse_RoundTrip(t *testing.T) {
	s := share.New(t.TempDir())
	id := buildID(2)
	var hash step.Digest
	hash[1] = 0xCD

	content := makeContent(t)
	path, installed, err := s.InstallSharedPackage(id, content, hash)
	require.NoError(t, err)
	assert.True(t, installed)

	got, err := os.ReadFile(filepath.Join(path, "artifact.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	gotPath, gotHash, ok, err := s.UseSharedPackage(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, gotPath)
	assert.Equal(t, hash, gotHash)
}

func TestInstallSharedPackage_SecondInstallerLosesRaceNotAnError(t *testing.T) {
	s := share.New(t.TempDir())
	id := buildID(3)
	var hash step.Digest

	first := makeContent(t)
	_, installed1, err := s.InstallSharedPackage(id, first, hash)
	require.NoError(t, err)
	assert.True(t, installed1)

	second := makeContent(t)
	_, installed2, err := s.InstallSharedPackage(id, second, hash)
	require.NoError(t, err, "losing the install race must not surface as an error")
	assert.False(t, installed2)

	// the loser's content directory is left untouched for its caller to
	// clean up or discard.
	_, statErr := os.Stat(filepath.Join(second, "artifact.bin"))
	assert.NoError(t, statErr)
}

func TestInstallSharedPackage_InstallsNestedTree(t *testing.T) {
	// moveTree's os.Rename path is exercised by the other tests since
	// t.TempDir() keeps source and destination on one filesystem; this
	// verifies the tree is fully present afterward regardless of which
	// path was taken.
	s := share.New(t.TempDir())
	id := buildID(4)
	content := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(content, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(content, "sub", "nested.txt"), []byte("x"), 0o644))

	path, installed, err := s.InstallSharedPackage(id, content, step.Digest{})
	require.NoError(t, err)
	require.True(t, installed)

	got, err := os.ReadFile(filepath.Join(path, "sub", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}
