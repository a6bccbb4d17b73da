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
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/archive"
)

func TestWriteAuditRecord_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json.gz")
	rec := archive.AuditRecord{
		Artifact: archive.AuditArtifact{
			VariantID:    "var-1",
			BuildID:      "build-1",
			ResultHash:   "hash-1",
			Recipe:       "libfoo",
			PackageStack: []string{"root/build", "libfoo/package"},
			Step:         "package",
			Language:     "sh",
			Env:          map[string]string{"PATH": "/usr/bin"},
			SCMs: []archive.AuditSCM{
				{Directory: "src", Spec: map[string]any{"url": "https://example.com/foo.git"}, Dirty: false},
			},
			Tools: []archive.AuditToolRef{
				{Name: "host-toolchain", VariantID: "tool-var-1", Path: "/tools/host-toolchain"},
			},
			Dependencies: []string{"dep-build-1"},
		},
		References: map[string]archive.AuditArtifact{
			"dep-build-1": {BuildID: "dep-build-1", Recipe: "libbar", Step: "package"},
		},
	}

	require.NoError(t, archive.WriteAuditRecord(path, rec))

	got, err := archive.ReadAuditRecord(path)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// A nested struct this size benefits from cmp.Diff's field-path output
	// over testify's flat Equal failure message when it does regress.
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("audit record round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteAuditRecord_IsActuallyGzipCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json.gz")
	rec := archive.AuditRecord{Artifact: archive.AuditArtifact{BuildID: "build-1", Recipe: "libfoo"}}
	require.NoError(t, archive.WriteAuditRecord(path, rec))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err, "audit.json.gz must be a real gzip stream, not a bare JSON file")
	defer gz.Close()
}

func TestReadAuditRecord_MissingFile(t *testing.T) {
	_, err := archive.ReadAuditRecord(filepath.Join(t.TempDir(), "missing.json.gz"))
	require.Error(t, err)
}
