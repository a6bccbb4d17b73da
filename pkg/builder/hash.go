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

package builder

import (
	"crypto/sha1" //nolint:gosec
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bobbuildtool/bob/pkg/step"
)

// hashTree digests root's actual on-disk content: every regular file's
// relative path, mode and bytes, and every symlink's target, in
// sorted-path order so the result never depends on directory iteration
// order. Unlike a step's variant-id (a pure function of the recipe), this
// is recomputed after every checkout and build because a user may have
// edited the working tree by hand between invocations (spec.md §4.6).
func hashTree(root string) (step.Digest, error) {
	var rels []string
	infos := map[string]fs.FileInfo{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		infos[rel] = info
		return nil
	})
	if err != nil {
		return step.Digest{}, fmt.Errorf("builder: hashing %s: %w", root, err)
	}
	sort.Strings(rels)

	h := sha1.New() //nolint:gosec
	for _, rel := range rels {
		info := infos[rel]
		fmt.Fprintf(h, "%s\x00%o\x00", rel, info.Mode())

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(root, rel))
			if err != nil {
				return step.Digest{}, fmt.Errorf("builder: reading link %s: %w", rel, err)
			}
			h.Write([]byte(target))
		case info.IsDir():
			// directory entries only contribute their name/mode, above
		default:
			f, err := os.Open(filepath.Join(root, rel))
			if err != nil {
				return step.Digest{}, fmt.Errorf("builder: reading %s: %w", rel, err)
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return step.Digest{}, fmt.Errorf("builder: reading %s: %w", rel, err)
			}
		}
	}

	var d step.Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
