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

package scm_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

func TestValidateTree_DuplicateDirectory(t *testing.T) {
	entries := []step.SCMEntry{
		{Directory: "src", SCM: &scm.Git{Repository: "a"}},
		{Directory: "src", SCM: &scm.Git{Repository: "b"}},
	}
	err := scm.ValidateTree(entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same directory")
}

func TestValidateTree_NestedOK(t *testing.T) {
	entries := []step.SCMEntry{
		{Directory: ".", SCM: &scm.Git{Repository: "outer"}},
		{Directory: "vendor/lib", SCM: &scm.Git{Repository: "inner"}},
	}
	assert.NoError(t, scm.ValidateTree(entries))
}

func TestValidateTree_OutOfOrderNestingRejected(t *testing.T) {
	entries := []step.SCMEntry{
		{Directory: "vendor/lib", SCM: &scm.Git{Repository: "inner"}},
		{Directory: ".", SCM: &scm.Git{Repository: "outer"}},
	}
	err := scm.ValidateTree(entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth-ordered")
}

func TestGit_IsDeterministic(t *testing.T) {
	pinned := &scm.Git{Repository: "x", Ref: "0123456789abcdef0123456789abcdef01234567"}
	assert.True(t, pinned.IsDeterministic())

	branch := &scm.Git{Repository: "x", Ref: "main"}
	assert.False(t, branch.IsDeterministic())
}

func TestGit_ToolLocalNameIrrelevantToDigest(t *testing.T) {
	// DigestScript never mentions a local alias at all: two Git values with
	// identical repo/ref/dir always agree regardless of how a recipe might
	// name the tool that wraps them.
	a := &scm.Git{Repository: "https://example.com/r", Ref: "main", Dir: "src"}
	b := &scm.Git{Repository: "https://example.com/r", Ref: "main", Dir: "src"}
	assert.Equal(t, a.DigestScript(), b.DigestScript())
}

func TestURL_CheckoutVerifiesDigest(t *testing.T) {
	content := []byte("hello world")
	sum := sha256.Sum256(content)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	u := &scm.URL{Source: srv.URL + "/file.txt", SHA256: hex.EncodeToString(sum[:])}
	require.NoError(t, u.Checkout(context.Background(), dir, true))

	got, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestURL_CheckoutRejectsDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("actual content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	u := &scm.URL{Source: srv.URL + "/file.txt", SHA256: "0000000000000000000000000000000000000000000000000000000000000000"}
	err := u.Checkout(context.Background(), dir, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")
}

func TestURL_PredictLiveBuildIDRequiresPin(t *testing.T) {
	unpinned := &scm.URL{Source: "https://example.com/f"}
	_, ok, err := unpinned.PredictLiveBuildID(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	pinned := &scm.URL{Source: "https://example.com/f", SHA256: "abc123"}
	id, ok, err := pinned.PredictLiveBuildID(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", id)
}
