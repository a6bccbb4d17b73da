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

package archive

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressed filename, not a security digest
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobbuildtool/bob/pkg/step"
)

// Local is a filesystem-backed Archive, grounded on the teacher's
// pkg/service/storage local backend's directory-layout conventions: content
// is laid out content-addressed under baseDir, exactly as spec.md §4.3
// describes, with small JSON side-files for the live-build-id and
// fingerprint key/value caches.
type Local struct {
	BaseDir string
	flags   Flags
}

// NewLocal constructs a Local backend rooted at baseDir.
func NewLocal(baseDir string, flags Flags) *Local {
	return &Local{BaseDir: baseDir, flags: flags}
}

var _ Backend = (*Local)(nil)

func (l *Local) Name() string  { return "local:" + l.BaseDir }
func (l *Local) Flags() Flags  { return l.flags }

func (l *Local) packagePath(id step.BuildID) string {
	return filepath.Join(l.BaseDir, "packages", filepath.FromSlash(id.ArchivePath()))
}

func (l *Local) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	path := l.packagePath(id)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local archive: opening %s: %w", path, err)
	}
	defer f.Close()

	auditPath := filepath.Join(destDir, "audit.json.gz")
	if err := ReadArtifact(f, auditPath, filepath.Join(destDir, "content")); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	path := l.packagePath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("local archive: creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local archive: creating %s: %w", tmp, err)
	}
	if err := WriteArtifact(f, auditPath, contentDir); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local archive: closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func keyFile(baseDir, bucket, key string) string {
	sum := sha1.Sum([]byte(key)) //nolint:gosec
	h := hex.EncodeToString(sum[:])
	return filepath.Join(baseDir, bucket, h[0:2], h+".json")
}

func (l *Local) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	var rec struct{ BuildID string }
	ok, err := readJSON(keyFile(l.BaseDir, "live", liveID), &rec)
	if !ok || err != nil {
		return step.BuildID{}, false, err
	}
	id, err := step.DigestFromHex(rec.BuildID)
	if err != nil {
		return step.BuildID{}, false, err
	}
	return id, true, nil
}

func (l *Local) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	return writeJSON(keyFile(l.BaseDir, "live", liveID), struct{ BuildID string }{id.String()})
}

func (l *Local) DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error) {
	var rec struct{ Fingerprint string }
	ok, err := readJSON(keyFile(l.BaseDir, "fingerprint", sandboxBuildID.String()+"|"+key), &rec)
	if !ok || err != nil {
		return step.Fingerprint{}, false, err
	}
	fp, err := step.DigestFromHex(rec.Fingerprint)
	if err != nil {
		return step.Fingerprint{}, false, err
	}
	return fp, true, nil
}

func (l *Local) UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error {
	return writeJSON(keyFile(l.BaseDir, "fingerprint", sandboxBuildID.String()+"|"+key), struct{ Fingerprint string }{fp.String()})
}

func readJSON(path string, v any) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local archive: opening %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, fmt.Errorf("local archive: decoding %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("local archive: creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local archive: creating %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("local archive: encoding %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
