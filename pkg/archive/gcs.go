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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"

	"github.com/bobbuildtool/bob/pkg/step"
)

// GCS is a Google Cloud Storage-backed Archive, adapted from the teacher's
// pkg/service/storage/gcs.go bucket-object conventions: packages are
// content-addressed the same way as the Local backend, just under a bucket
// instead of a directory tree.
type GCS struct {
	Client *storage.Client
	Bucket string
	Prefix string
	flags  Flags
}

// NewGCS constructs a GCS-backed Archive.
func NewGCS(client *storage.Client, bucket, prefix string, flags Flags) *GCS {
	return &GCS{Client: client, Bucket: bucket, Prefix: prefix, flags: flags}
}

var _ Backend = (*GCS)(nil)

func (g *GCS) Name() string { return "gcs://" + path.Join(g.Bucket, g.Prefix) }
func (g *GCS) Flags() Flags { return g.flags }

func (g *GCS) object(parts ...string) string {
	return path.Join(append([]string{g.Prefix}, parts...)...)
}

func (g *GCS) bucket() *storage.BucketHandle { return g.Client.Bucket(g.Bucket) }

func (g *GCS) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	obj := g.bucket().Object(g.object("packages", id.ArchivePath()))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs archive: reading %s: %w", obj.ObjectName(), err)
	}
	defer r.Close()

	if err := ReadArtifact(r, destDir+"/audit.json.gz", destDir+"/content"); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCS) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	obj := g.bucket().Object(g.object("packages", id.ArchivePath()))
	w := obj.NewWriter(ctx)
	if err := WriteArtifact(w, auditPath, contentDir); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs archive: uploading %s: %w", obj.ObjectName(), err)
	}
	return nil
}

func (g *GCS) readJSON(ctx context.Context, name string, v any) (bool, error) {
	obj := g.bucket().Object(name)
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs archive: reading %s: %w", name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCS) writeJSON(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	obj := g.bucket().Object(name)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	var rec struct{ BuildID string }
	ok, err := g.readJSON(ctx, g.object("live", liveID+".json"), &rec)
	if !ok || err != nil {
		return step.BuildID{}, false, err
	}
	id, err := step.DigestFromHex(rec.BuildID)
	return id, err == nil, err
}

func (g *GCS) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	return g.writeJSON(ctx, g.object("live", liveID+".json"), struct{ BuildID string }{id.String()})
}

func (g *GCS) DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error) {
	var rec struct{ Fingerprint string }
	ok, err := g.readJSON(ctx, g.object("fingerprint", sandboxBuildID.String(), key+".json"), &rec)
	if !ok || err != nil {
		return step.Fingerprint{}, false, err
	}
	fp, err := step.DigestFromHex(rec.Fingerprint)
	return fp, err == nil, err
}

func (g *GCS) UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error {
	return g.writeJSON(ctx, g.object("fingerprint", sandboxBuildID.String(), key+".json"), struct{ Fingerprint string }{fp.String()})
}
