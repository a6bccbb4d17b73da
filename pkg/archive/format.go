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
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

// ArchiveVersionKey is the PAX header recording the artifact format
// version. A mismatch on read is a hard error (spec.md §4.3, §6.4).
const ArchiveVersionKey = "bob-archive-vsn"

// CurrentArchiveVersion is the only version this implementation writes or
// accepts.
const CurrentArchiveVersion = "1"

// WriteArtifact packs auditPath (a gzip-compressed JSON file, placed under
// meta/audit.json.gz) and the tree rooted at contentDir (placed under
// content/) into a single PAX tar.gz stream. Uploads use klauspost/pgzip for
// parallel compression since artifacts can be large; downloads decompress
// with the standard library's compress/gzip, which is fine for the smaller,
// single-threaded read path.
func WriteArtifact(w io.Writer, auditPath, contentDir string) error {
	gz, err := pgzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("archive: creating gzip writer: %w", err)
	}
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	if err := writePaxVersionMarker(tw); err != nil {
		return err
	}
	if err := addFile(tw, auditPath, "meta/audit.json.gz"); err != nil {
		return err
	}
	if err := addTree(tw, contentDir, "content"); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: closing tar writer: %w", err)
	}
	return gz.Close()
}

// writePaxVersionMarker emits a zero-length pseudo-file whose PAX record
// carries the format version, so readers can reject an unknown version
// before trusting any other member.
func writePaxVersionMarker(tw *tar.Writer) error {
	hdr := &tar.Header{
		Name:     "meta/.bob-archive-vsn",
		Typeflag: tar.TypeReg,
		Size:     0,
		Mode:     0o644,
		PAXRecords: map[string]string{
			ArchiveVersionKey: CurrentArchiveVersion,
		},
		Format: tar.FormatPAX,
	}
	return tw.WriteHeader(hdr)
}

func addFile(tw *tar.Writer, srcPath, name string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", srcPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", srcPath, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archive: header for %s: %w", srcPath, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: writing content for %s: %w", name, err)
	}
	return nil
}

func addTree(tw *tar.Writer, root, prefix string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if d.IsDir() {
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = target
			return tw.WriteHeader(hdr)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// ReadArtifact unpacks a PAX tar.gz artifact stream, writing
// meta/audit.json.gz to destAuditPath and the content/ tree under
// destContentDir. It rejects any stream whose version marker is missing or
// does not match CurrentArchiveVersion.
func ReadArtifact(r io.Reader, destAuditPath, destContentDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("archive: opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	sawVersion := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: reading tar stream: %w", err)
		}

		if v, ok := hdr.PAXRecords[ArchiveVersionKey]; ok {
			if v != CurrentArchiveVersion {
				return fmt.Errorf("archive: unsupported artifact version %q (want %q)", v, CurrentArchiveVersion)
			}
			sawVersion = true
		}

		switch {
		case hdr.Name == "meta/audit.json.gz":
			if err := extractFile(tr, hdr, destAuditPath); err != nil {
				return err
			}
		case strings.HasPrefix(hdr.Name, "content/"):
			rel := strings.TrimPrefix(hdr.Name, "content/")
			if rel == "" {
				continue
			}
			if err := extractMember(tr, hdr, filepath.Join(destContentDir, filepath.FromSlash(rel))); err != nil {
				return err
			}
		}
	}
	if !sawVersion {
		return fmt.Errorf("archive: artifact is missing the %s marker", ArchiveVersionKey)
	}
	return nil
}

func extractMember(tr *tar.Reader, hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, 0o755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		_ = os.Remove(dest)
		return os.Symlink(hdr.Linkname, dest)
	default:
		return extractFile(tr, hdr, dest)
	}
}

func extractFile(tr *tar.Reader, hdr *tar.Header, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("archive: creating %s: %w", filepath.Dir(dest), err)
	}
	mode := os.FileMode(0o644)
	if hdr.Mode != 0 {
		mode = os.FileMode(hdr.Mode) & 0o777
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, tr); err != nil {
		return fmt.Errorf("archive: writing %s: %w", dest, err)
	}
	return nil
}
