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

package layers

import (
	"context"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

// checkoutLayer brings l.Dir up to date with l.SCM, mirroring
// Layer.__checkoutTask: skip if the digest is unchanged and the SCM is
// deterministic, switch in place when possible, otherwise move the stale
// directory to the attic (or fail, when attic handling is disabled) before
// a fresh checkout. A created-but-failed checkout directory is removed so a
// retry sees a clean slate.
func (m *Manager) checkoutLayer(ctx context.Context, l *Layer) error {
	if l.SCM == nil {
		return nil
	}

	newDigest := l.SCM.DigestScript()
	newSpec := scm.AuditSpecText(l.SCM)
	oldState, hadOld := m.Store.LayerState(l.Dir)

	_, statErr := os.Stat(l.Dir)
	exists := statErr == nil
	if exists && !hadOld {
		return fmt.Errorf("layers: new layer checkout %q collides with existing directory %q", l.Name, l.Dir)
	}

	created := false
	if !exists {
		if err := os.MkdirAll(l.Dir, 0o755); err != nil {
			return fmt.Errorf("layers: creating %s: %w", l.Dir, err)
		}
		created = true
	}

	if err := m.checkoutLayerLocked(ctx, l, created, hadOld, oldState, newDigest, newSpec); err != nil {
		if created {
			_ = os.RemoveAll(l.Dir)
		}
		return fmt.Errorf("layers: checking out layer %q: %w", l.Name, err)
	}
	return nil
}

func (m *Manager) checkoutLayerLocked(ctx context.Context, l *Layer, created, hadOld bool, oldState step.ScmDirState, newDigest, newSpec string) error {
	log := clog.FromContext(ctx)

	if !created && l.SCM.IsDeterministic() && hadOld && oldState.Digest == newDigest {
		log.Infof("layers: layer %q skipped (up to date)", l.Name)
		return nil
	}

	if !created && hadOld && oldState.Digest != newDigest {
		oldSpec, err := scm.ParseAuditSpecText(oldState.Spec)
		if err != nil {
			return err
		}
		if l.SCM.CanSwitch(oldSpec) {
			log.Infof("layers: switching layer %q in place", l.Name)
			if err := l.SCM.Switch(ctx, l.Dir, oldSpec); err == nil {
				return m.Store.SetLayerState(l.Dir, step.ScmDirState{Digest: newDigest, Spec: newSpec})
			}
			// Fall through to the attic path: an in-place switch that
			// failed partway is not trustworthy enough to keep.
		}

		if !m.Attic {
			return fmt.Errorf("layer %q changed and an in-place switch is not possible, and attic handling is disabled", l.Name)
		}
		if err := m.moveToAttic(ctx, l.Dir); err != nil {
			return err
		}
		if err := m.Store.DelLayerState(l.Dir); err != nil {
			return err
		}
		if err := os.MkdirAll(l.Dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", l.Dir, err)
		}
		created = true
	}

	if err := l.SCM.Checkout(ctx, l.Dir, created); err != nil {
		return err
	}
	log.Infof("layers: checked out layer %q", l.Name)
	return m.Store.SetLayerState(l.Dir, step.ScmDirState{Digest: newDigest, Spec: newSpec})
}
