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

// Package share implements the shared (cross-project) package location:
// a process-wide cache keyed by build-id, so two recipes that happen to
// produce byte-identical output only build and store it once.
package share

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bobbuildtool/bob/pkg/step"
)

// Store roots the shared-package cache at a directory, grounded on the
// teacher's pkg/service/storage/local.go content-addressed layout and the
// workspace-directory handling in pkg/build/build.go.
type Store struct {
	Root string
}

// New roots a shared-package Store at root.
func New(root string) *Store {
	return &Store{Root: root}
}

type marker struct {
	Hash string `json:"hash"`
}

// location lays the shared package tree out content-addressed, the same
// "<hex[0:2]>/<hex[2:4]>/<hex[4:]>" sharding step.Digest.ArchivePath uses
// for archive backends.
func (s *Store) location(id step.BuildID) string {
	h := hex.EncodeToString(id[:])
	return filepath.Join(s.Root, h[0:2], h[2:4], h[4:])
}

func (s *Store) markerPath(id step.BuildID) string {
	return s.location(id) + ".json"
}

func (s *Store) lockPath(id step.BuildID) string {
	return s.location(id) + ".lock"
}

// UseSharedPackage probes the shared location for buildID. ok is false
// when nothing has been installed there yet (not an error).
func (s *Store) UseSharedPackage(id step.BuildID) (path string, hash step.Digest, ok bool, err error) {
	f, err := os.Open(s.markerPath(id))
	if os.IsNotExist(err) {
		return "", step.Digest{}, false, nil
	}
	if err != nil {
		return "", step.Digest{}, false, fmt.Errorf("share: opening marker for %s: %w", id, err)
	}
	defer f.Close()

	var m marker
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return "", step.Digest{}, false, fmt.Errorf("share: decoding marker for %s: %w", id, err)
	}
	hash, err = step.DigestFromHex(m.Hash)
	if err != nil {
		return "", step.Digest{}, false, fmt.Errorf("share: parsing marker hash for %s: %w", id, err)
	}
	return s.location(id), hash, true, nil
}

// InstallSharedPackage atomically moves contentDir's tree into the shared
// location for id, recording hash in its marker file. installed is false
// when a concurrent installer got there first; that is not an error —
// the caller should use the returned path exactly as if it had installed
// it itself.
func (s *Store) InstallSharedPackage(id step.BuildID, contentDir string, hash step.Digest) (path string, installed bool, err error) {
	final := s.location(id)

	if _, _, ok, err := s.UseSharedPackage(id); err != nil {
		return "", false, err
	} else if ok {
		return final, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", false, fmt.Errorf("share: creating %s: %w", filepath.Dir(final), err)
	}

	lock, err := os.OpenFile(s.lockPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		// Another installer is already working on this build-id: losing
		// this race is the expected outcome, not a failure.
		return final, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("share: acquiring install lock for %s: %w", id, err)
	}
	defer func() {
		lock.Close()
		os.Remove(s.lockPath(id))
	}()

	// Re-check under the lock: someone may have finished between our
	// first probe and acquiring it.
	if _, _, ok, err := s.UseSharedPackage(id); err != nil {
		return "", false, err
	} else if ok {
		return final, false, nil
	}

	if err := os.RemoveAll(final); err != nil {
		return "", false, fmt.Errorf("share: clearing stale %s: %w", final, err)
	}
	if err := moveTree(contentDir, final); err != nil {
		return "", false, err
	}
	if err := writeMarker(s.markerPath(id), hash); err != nil {
		return "", false, err
	}
	return final, true, nil
}

// moveTree relocates src to dest, trying a plain rename first (the common
// case: src and the shared root are on the same filesystem) and falling
// back to copy-then-remove across filesystem boundaries.
func moveTree(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyTree(src, dest); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if rel == "." {
			target = dest
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			defer out.Close()
			if _, err := io.Copy(out, in); err != nil {
				return err
			}
			return os.Chmod(target, info.Mode().Perm())
		}
	})
}

func writeMarker(path string, hash step.Digest) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("share: creating marker %s: %w", tmp, err)
	}
	if err := json.NewEncoder(f).Encode(marker{Hash: hash.String()}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("share: encoding marker %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
