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

// Package archive implements the content-addressed artifact cache: the
// Archive capability set, its composition into a MultiArchive, and the
// tar.gz artifact format shared by every backend.
package archive

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/bobbuildtool/bob/pkg/step"
	"github.com/bobbuildtool/bob/pkg/tracing"
)

// Flags are the per-backend toggles from spec.md §4.3.
type Flags struct {
	Download  bool
	Upload    bool
	NoLocal   bool // skip this backend for locally-produced builds
	NoJenkins bool // skip this backend under Jenkins-driven builds
	NoFail    bool // transport errors are logged and treated as miss/success
}

// Backend is one artifact-archive implementation. A missing artifact is not
// an error: download methods report it via their bool return, never via
// err. A transport error is returned as err unless NoFail is set, in which
// case the caller (MultiArchive) downgrades it per spec.md §4.3.
type Backend interface {
	Name() string
	Flags() Flags

	DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error)
	UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error

	DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error)
	UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error

	DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error)
	UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error
}

// MultiArchive composes zero or more backends in a deterministic order: it
// tries each in turn for downloads (first hit wins) and pushes uploads to
// every upload-enabled backend.
type MultiArchive struct {
	backends []Backend
}

// New builds a MultiArchive trying backends in the given order.
func New(backends ...Backend) *MultiArchive {
	return &MultiArchive{backends: backends}
}

func wrapTransportErr(ctx context.Context, b Backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if b.Flags().NoFail {
		clog.FromContext(ctx).Warnf("archive: %s: %s failed (nofail, treating as miss): %v", b.Name(), op, err)
		return nil
	}
	return fmt.Errorf("archive: %s: %s: %w", b.Name(), op, err)
}

// DownloadPackage tries each download-enabled backend in order until one
// has the artifact.
func (m *MultiArchive) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	ctx, span := tracing.Tracer("bob/archive").Start(ctx, "archive.download_package",
		oteltrace.WithAttributes(attribute.String("bob.build_id", id.String())))
	defer span.End()

	for _, b := range m.backends {
		if !b.Flags().Download {
			continue
		}
		ok, err := b.DownloadPackage(ctx, id, destDir)
		if err != nil {
			if wrapErr := wrapTransportErr(ctx, b, "download package", err); wrapErr != nil {
				return false, wrapErr
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// UploadPackage pushes to every upload-enabled backend; a hard failure on
// any non-nofail backend aborts the whole call.
func (m *MultiArchive) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	ctx, span := tracing.Tracer("bob/archive").Start(ctx, "archive.upload_package",
		oteltrace.WithAttributes(attribute.String("bob.build_id", id.String())))
	defer span.End()

	for _, b := range m.backends {
		if !b.Flags().Upload {
			continue
		}
		if err := wrapTransportErr(ctx, b, "upload package", b.UploadPackage(ctx, id, auditPath, contentDir)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// DownloadLiveBuildID tries each download-enabled backend for a cached
// live-build-id translation.
func (m *MultiArchive) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	for _, b := range m.backends {
		if !b.Flags().Download {
			continue
		}
		id, ok, err := b.DownloadLiveBuildID(ctx, liveID)
		if err != nil {
			if wrapErr := wrapTransportErr(ctx, b, "download live-build-id", err); wrapErr != nil {
				return step.BuildID{}, false, wrapErr
			}
			continue
		}
		if ok {
			return id, true, nil
		}
	}
	return step.BuildID{}, false, nil
}

// UploadLiveBuildID publishes a live-build-id translation to every
// upload-enabled backend.
func (m *MultiArchive) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	for _, b := range m.backends {
		if !b.Flags().Upload {
			continue
		}
		if err := wrapTransportErr(ctx, b, "upload live-build-id", b.UploadLiveBuildID(ctx, liveID, id)); err != nil {
			return err
		}
	}
	return nil
}

// DownloadFingerprint tries each download-enabled backend for a cached
// fingerprint.
func (m *MultiArchive) DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error) {
	for _, b := range m.backends {
		if !b.Flags().Download {
			continue
		}
		fp, ok, err := b.DownloadFingerprint(ctx, sandboxBuildID, key)
		if err != nil {
			if wrapErr := wrapTransportErr(ctx, b, "download fingerprint", err); wrapErr != nil {
				return step.Fingerprint{}, false, wrapErr
			}
			continue
		}
		if ok {
			return fp, true, nil
		}
	}
	return step.Fingerprint{}, false, nil
}

// UploadFingerprint publishes a fingerprint to every upload-enabled backend.
func (m *MultiArchive) UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error {
	for _, b := range m.backends {
		if !b.Flags().Upload {
			continue
		}
		if err := wrapTransportErr(ctx, b, "upload fingerprint", b.UploadFingerprint(ctx, sandboxBuildID, key, fp)); err != nil {
			return err
		}
	}
	return nil
}

// HasDownloaders reports whether any backend accepts downloads, used by the
// Builder's live-build-id fast path gate (spec.md §4.6).
func (m *MultiArchive) HasDownloaders() bool {
	for _, b := range m.backends {
		if b.Flags().Download {
			return true
		}
	}
	return false
}

// Close releases any backend holding a live resource (e.g. the Postgres
// backend's connection pool). Backends with nothing to release are skipped.
func (m *MultiArchive) Close() {
	for _, b := range m.backends {
		if c, ok := b.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
