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

package invoker

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zealic/xignore"
)

// writeScript materializes script as an executable file inside dir and
// returns its path.
func writeScript(dir, script string) (string, error) {
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		return "", fmt.Errorf("invoker: writing script %s: %w", path, err)
	}
	return path, nil
}

// emptyDirectory removes every entry under dir without removing dir
// itself, so its inode (and any bind mount on it) survives.
func emptyDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// loadIgnoreRules reads a .bobignore file at ignorePath, returning an
// empty rule set if it does not exist. Ported from the teacher's
// loadIgnoreRules, same xignore pattern syntax.
func loadIgnoreRules(ignorePath string) ([]*xignore.Pattern, error) {
	patterns := []*xignore.Pattern{}

	f, err := os.Open(ignorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return patterns, nil
		}
		return nil, fmt.Errorf("invoker: opening %s: %w", ignorePath, err)
	}
	defer f.Close()

	ignF := xignore.Ignorefile{}
	if err := ignF.FromReader(f); err != nil {
		return nil, fmt.Errorf("invoker: parsing %s: %w", ignorePath, err)
	}
	for _, rule := range ignF.Patterns {
		p := xignore.NewPattern(rule)
		if err := p.Prepare(); err != nil {
			return nil, fmt.Errorf("invoker: preparing ignore pattern %q: %w", rule, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func matchesAny(patterns []*xignore.Pattern, rel string) bool {
	for _, p := range patterns {
		if p.Match(rel) {
			return true
		}
	}
	return false
}

func copyFile(srcPath, destPath string, perm fs.FileMode) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("invoker: mkdir -p %s: %w", filepath.Dir(destPath), err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("invoker: creating %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Chmod(destPath, perm)
}

// PopulateWorkspace copies srcDir into destDir, skipping any path matched
// by a .bobignore file found at srcDir/ignoreRelPath. Grounded on the
// teacher's populateWorkspace/loadIgnoreRules pairing.
func PopulateWorkspace(srcDir, destDir, ignoreRelPath string) error {
	patterns, err := loadIgnoreRules(filepath.Join(srcDir, ignoreRelPath))
	if err != nil {
		return err
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if matchesAny(patterns, filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(filepath.Join(destDir, rel), info.Mode().Perm()|0o700)
		}
		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			dest := filepath.Join(destDir, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			_ = os.Remove(dest)
			return os.Symlink(target, dest)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(destDir, rel), info.Mode().Perm())
	})
}
