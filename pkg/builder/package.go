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
	"context"
	"crypto/sha1" //nolint:gosec
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/digest"
	"github.com/bobbuildtool/bob/pkg/fingerprint"
	"github.com/bobbuildtool/bob/pkg/invoker"
	"github.com/bobbuildtool/bob/pkg/step"
)

// cookPackage computes s's build-id and, in order, tries a shared
// location, an archive download, and finally a local build, mirroring
// _cookPackageStep. depth is this step's distance from the build root,
// consulted for the download/upload-depth knobs (spec.md §4.6).
func (b *Builder) cookPackage(ctx context.Context, s *step.Step, depth int, stack []string) error {
	log := clog.FromContext(ctx)

	var sandboxBuildID step.BuildID
	if s.Sandbox != nil {
		id, err := b.depBuildID(s.Sandbox)
		if err != nil {
			return err
		}
		sandboxBuildID = id
	}

	fp, err := b.computeFingerprint(ctx, s, sandboxBuildID)
	if err != nil {
		return err
	}

	depBuildIDs := make(map[*step.Step]step.BuildID, len(s.Arguments))
	for _, a := range s.Arguments {
		id, err := b.depBuildID(a)
		if err != nil {
			return err
		}
		depBuildIDs[a] = id
	}

	buildID := digest.BuildID(s, fp, b.Config.PlatformTag, depBuildIDs)

	old, hadOld := b.State.PackageResult(s.WorkspacePath)
	if hadOld && !b.Config.Force && old.BuildID == buildID {
		log.Infof("builder: %s up to date (build-id %s)", s.Package, buildID)
		return nil
	}
	if hadOld && old.BuildID != buildID {
		if err := b.State.DeleteWorkspace(s.WorkspacePath); err != nil {
			return err
		}
	}

	if b.Config.UseSharedPackages && b.Share != nil {
		path, hash, ok, err := b.Share.UseSharedPackage(buildID)
		if err != nil {
			return err
		}
		if ok {
			log.Infof("builder: %s using shared package at %s", s.Package, path)
			return b.finishPackage(s, step.PackageResult{Kind: step.ResultShared, BuildID: buildID, SharedLocation: path}, hash)
		}
	}

	if b.Archive != nil && b.Config.downloadAllowed(s.Package, depth) {
		ok, err := b.Archive.DownloadPackage(ctx, buildID, s.StoragePath)
		if err != nil {
			return err
		}
		if ok {
			log.Infof("builder: %s downloaded (build-id %s)", s.Package, buildID)
			hash, err := hashTree(s.StoragePath)
			if err != nil {
				return err
			}
			if err := b.installShared(buildID, s.StoragePath, hash); err != nil {
				return err
			}
			return b.finishPackage(s, step.PackageResult{Kind: step.ResultDownloaded, BuildID: buildID}, hash)
		}
	}

	return b.buildPackage(ctx, s, depth, buildID, fp, stack)
}

func (b *Builder) buildPackage(ctx context.Context, s *step.Step, depth int, buildID step.BuildID, fp step.Fingerprint, stack []string) error {
	inputHashes, err := b.dependencyHashes(s)
	if err != nil {
		return err
	}

	spec := invoker.Spec{
		WorkspacePath: s.WorkspacePath,
		ExecPath:      s.WorkspacePath,
		Script:        s.Script,
		Clean:         true,
		Env:           b.envMap(s.Env),
		HasSandbox:    s.Sandbox != nil,
		JobServerJobs: b.Config.Jobs,
	}
	iv := b.NewInvoker(spec, b.Sandbox)
	res, err := iv.Run(ctx, invoker.Call, s.StoragePath)
	if err != nil {
		return fmt.Errorf("packaging %s: %w", s.Package, err)
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("packaging %s: script exited %d", s.Package, res.ReturnCode)
	}

	hash, err := hashTree(s.StoragePath)
	if err != nil {
		return err
	}

	if err := b.writeStepAudit(ctx, s, stack, buildID, hash); err != nil {
		return err
	}

	if b.Archive != nil && b.Config.uploadAllowed(depth) {
		if err := b.Archive.UploadPackage(ctx, buildID, auditPath(s), s.StoragePath); err != nil {
			return err
		}
	}

	if err := b.installShared(buildID, s.StoragePath, hash); err != nil {
		return err
	}
	if err := b.State.SetInputHashes(s.WorkspacePath, inputHashes); err != nil {
		return err
	}
	return b.finishPackage(s, step.PackageResult{Kind: step.ResultBuilt, BuildID: buildID, InputHashes: inputHashes}, hash)
}

func (b *Builder) finishPackage(s *step.Step, result step.PackageResult, hash step.Digest) error {
	if err := b.State.SetResultHash(s.WorkspacePath, hash); err != nil {
		return err
	}
	return b.State.SetPackageResult(s.WorkspacePath, result)
}

func (b *Builder) installShared(id step.BuildID, contentDir string, hash step.Digest) error {
	if !b.Config.InstallSharedPackages || b.Share == nil {
		return nil
	}
	_, _, err := b.Share.InstallSharedPackage(id, contentDir, hash)
	return err
}

// computeFingerprint runs s's optional host-probe script through the
// shared fingerprint engine, so identical scripts (and, when sandboxed,
// identical sandbox build-ids) across packages execute the probe once.
func (b *Builder) computeFingerprint(ctx context.Context, s *step.Step, sandboxBuildID step.BuildID) (step.Fingerprint, error) {
	if s.FingerprintScript == "" || b.Fingerprint == nil {
		return step.Fingerprint{}, nil
	}
	key := fingerprint.Key{
		Script:         s.FingerprintScript,
		HasSandbox:     s.Sandbox != nil,
		SandboxBuildID: sandboxBuildID,
	}
	return b.Fingerprint.Get(ctx, key, func(ctx context.Context, key fingerprint.Key) (step.Fingerprint, error) {
		spec := invoker.Spec{
			WorkspacePath: s.WorkspacePath,
			ExecPath:      s.WorkspacePath,
			Script:        key.Script,
			HasSandbox:    key.HasSandbox,
		}
		iv := b.NewInvoker(spec, b.Sandbox)
		res, err := iv.Run(ctx, invoker.Call, s.WorkspacePath)
		if err != nil {
			return step.Fingerprint{}, fmt.Errorf("running fingerprint script for %s: %w", s.Package, err)
		}
		if res.ReturnCode != 0 {
			return step.Fingerprint{}, fmt.Errorf("fingerprint script for %s exited %d", s.Package, res.ReturnCode)
		}
		h := sha1.New() //nolint:gosec
		h.Write(res.Stdout)
		var out step.Fingerprint
		copy(out[:], h.Sum(nil))
		return out, nil
	})
}
