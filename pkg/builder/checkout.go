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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/digest"
	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

// cookCheckout brings every SCM mount of s up to date, mirroring
// original_source/pym/bob/builder.py's _cookCheckoutStep: skip when
// deterministic and unchanged, switch in place when possible, move to the
// attic and re-checkout (or fail outright) when not, otherwise a plain
// checkout. The whole working tree is rehashed afterwards, since a user
// may have edited files by hand between invocations (spec.md §4.6).
func (b *Builder) cookCheckout(ctx context.Context, s *step.Step, stack []string) error {
	dirState, _ := b.State.DirectoryState(s.WorkspacePath)
	isNew := dirState.Dirs == nil
	if dirState.Dirs == nil {
		dirState.Dirs = map[string]step.ScmDirState{}
	}

	liveID, predicted, hasPrediction := b.predictLiveBuildID(ctx, s, isNew)

	for _, entry := range s.SCMs {
		driver, ok := entry.SCM.(scm.Driver)
		if !ok {
			return fmt.Errorf("builder: SCM for %s/%s does not implement checkout operations", s.Package, entry.Directory)
		}
		dir := filepath.Join(s.WorkspacePath, entry.Directory)
		if err := b.checkoutOne(ctx, s, driver, entry.Directory, dir, &dirState); err != nil {
			return err
		}
	}

	dirState.VariantID = digest.VariantID(s)
	if err := b.State.SetDirectoryState(s.WorkspacePath, dirState); err != nil {
		return err
	}

	hash, err := hashTree(s.WorkspacePath)
	if err != nil {
		return err
	}
	if err := b.State.SetResultHash(s.WorkspacePath, hash); err != nil {
		return err
	}

	if err := b.writeStepAudit(ctx, s, stack, hash, hash); err != nil {
		return err
	}

	if liveID != "" {
		if err := b.Archive.UploadLiveBuildID(ctx, liveID, hash); err != nil {
			clog.FromContext(ctx).Warnf("builder: publishing live-build-id %s for %s: %v", liveID, s.Package, err)
		}
	}
	if hasPrediction && predicted != hash {
		clog.FromContext(ctx).Infof("builder: %s live-build-id mismatch: predicted %s, checked out %s", s.Package, predicted, hash)
		return ErrRestartBuild
	}
	return nil
}

// predictLiveBuildID implements spec.md §4.6's fast-path gate: a brand-new
// checkout (workspace not yet recorded), not pinned via --always-checkout,
// whose single SCM mount can predict its resulting content hash, and whose
// archive has at least one download-enabled backend. liveID is returned
// whenever the SCM produced a prediction at all (so the caller can publish
// a fresh translation after checking out for real), independent of whether
// a cached translation was actually found.
func (b *Builder) predictLiveBuildID(ctx context.Context, s *step.Step, isNew bool) (liveID string, buildID step.BuildID, hasPrediction bool) {
	if b.Archive == nil || !isNew || len(s.SCMs) != 1 || b.Config.alwaysCheckout(s.Package) {
		return "", step.BuildID{}, false
	}
	driver, ok := s.SCMs[0].SCM.(scm.Driver)
	if !ok || !driver.HasLiveBuildID() || !b.Archive.HasDownloaders() {
		return "", step.BuildID{}, false
	}

	id, ok, err := driver.PredictLiveBuildID(ctx)
	if err != nil || !ok {
		if err != nil {
			clog.FromContext(ctx).Debugf("builder: predicting live-build-id for %s: %v", s.Package, err)
		}
		return "", step.BuildID{}, false
	}

	cached, ok, err := b.Archive.DownloadLiveBuildID(ctx, id)
	if err != nil {
		clog.FromContext(ctx).Debugf("builder: translating live-build-id %s for %s: %v", id, s.Package, err)
		return id, step.BuildID{}, false
	}
	if !ok {
		return id, step.BuildID{}, false
	}
	clog.FromContext(ctx).Infof("builder: %s predicted live-build-id %s -> %s", s.Package, id, cached)
	return id, cached, true
}

func (b *Builder) checkoutOne(ctx context.Context, s *step.Step, driver scm.Driver, relDir, dir string, dirState *step.DirectoryState) error {
	newDigest := driver.DigestScript()
	newSpec := scm.AuditSpecText(driver)
	oldState, hadOld := dirState.Dirs[relDir]

	_, statErr := os.Stat(dir)
	exists := statErr == nil
	if exists && !hadOld {
		return fmt.Errorf("builder: checking out %s %s: collides with existing untracked content", s.Package, relDir)
	}

	created := false
	if !exists {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("builder: creating %s: %w", dir, err)
		}
		created = true
	}

	if err := b.checkoutOneLocked(ctx, s, driver, relDir, dir, created, hadOld, oldState, newDigest, newSpec, dirState); err != nil {
		if created {
			_ = os.RemoveAll(dir)
		}
		return fmt.Errorf("builder: checking out %s %s: %w", s.Package, relDir, err)
	}
	return nil
}

func (b *Builder) checkoutOneLocked(ctx context.Context, s *step.Step, driver scm.Driver, relDir, dir string, created, hadOld bool, oldState step.ScmDirState, newDigest, newSpec string, dirState *step.DirectoryState) error {
	log := clog.FromContext(ctx)

	if !created && !b.Config.Force && driver.IsDeterministic() && hadOld && oldState.Digest == newDigest {
		if b.Config.BuildOnly && driver.IsLocal() {
			if err := driver.Checkout(ctx, dir, false); err != nil {
				return err
			}
		}
		log.Infof("builder: %s %s up to date", s.Package, relDir)
		return nil
	}

	if !created && hadOld && (oldState.Digest != newDigest || b.Config.Force) {
		oldSpec, err := scm.ParseAuditSpecText(oldState.Spec)
		if err != nil {
			return err
		}
		if !b.Config.Force && driver.CanSwitch(oldSpec) {
			log.Infof("builder: switching %s %s in place", s.Package, relDir)
			if err := driver.Switch(ctx, dir, oldSpec); err == nil {
				dirState.Dirs[relDir] = step.ScmDirState{Digest: newDigest, Spec: newSpec}
				return nil
			}
			// An in-place switch that failed partway is not trustworthy
			// enough to keep; fall through to the attic path below.
		}

		if !b.Config.Attic {
			return fmt.Errorf("%s changed and cannot be switched in place, and attic handling is disabled", relDir)
		}
		if err := b.moveToAttic(ctx, s.WorkspacePath, dir, oldState.Spec); err != nil {
			return err
		}
		delete(dirState.Dirs, relDir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := driver.Checkout(ctx, dir, true); err != nil {
		return err
	}
	log.Infof("builder: checked out %s %s", s.Package, relDir)
	dirState.Dirs[relDir] = step.ScmDirState{Digest: newDigest, Spec: newSpec}
	return nil
}

func (b *Builder) moveToAttic(ctx context.Context, workspace, dir, spec string) error {
	if b.attic.movedOrAncestor(dir) {
		// An ancestor of dir was already displaced this run (a nested SCM
		// mount inside a directory whose outer SCM just got attic'd);
		// there is nothing left at dir to move.
		return nil
	}
	root := filepath.Join(filepath.Dir(workspace), "attic")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating attic: %w", err)
	}
	dest := filepath.Join(root, time.Now().UTC().Format("20060102T150405")+"_"+filepath.Base(dir))
	clog.FromContext(ctx).Warnf("builder: moving %s to attic as %s", dir, dest)
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("moving %s to attic: %w", dir, err)
	}
	b.attic.record(dir)
	return b.State.SetAttic(dest, step.AtticRecord{Path: dest, Spec: spec})
}
