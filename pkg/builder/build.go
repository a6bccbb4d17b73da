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

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/invoker"
	"github.com/bobbuildtool/bob/pkg/step"
)

// cookBuild runs s's build script when any of its dependencies' result
// hashes changed since the last run (or the caller forced a rebuild),
// mirroring _cookBuildStep's incremental-input-hash comparison. Unlike the
// package state machine, a build step's identity for downstream consumers
// is simply its workspace's content hash — build steps are never
// archived, shared or cached by build-id.
func (b *Builder) cookBuild(ctx context.Context, s *step.Step, stack []string) error {
	log := clog.FromContext(ctx)

	inputHashes, err := b.dependencyHashes(s)
	if err != nil {
		return err
	}

	_, hadResult := b.State.ResultHash(s.WorkspacePath)
	oldInputs, hadInputs := b.State.InputHashes(s.WorkspacePath)

	unchanged := !b.Config.Force && !b.Config.CleanBuild && hadResult && hadInputs && digestSlicesEqual(oldInputs, inputHashes)
	if unchanged {
		log.Infof("builder: %s up to date, skipping build", s.Package)
		return nil
	}

	spec := invoker.Spec{
		WorkspacePath: s.WorkspacePath,
		ExecPath:      s.WorkspacePath,
		Script:        s.Script,
		Clean:         b.Config.CleanBuild || !hadResult,
		Env:           b.envMap(s.Env),
		HasSandbox:    s.Sandbox != nil,
		JobServerJobs: b.Config.Jobs,
	}
	iv := b.NewInvoker(spec, b.Sandbox)
	res, err := iv.Run(ctx, invoker.Call, s.WorkspacePath)
	if err != nil {
		return fmt.Errorf("building %s: %w", s.Package, err)
	}
	if res.ReturnCode != 0 {
		return fmt.Errorf("building %s: script exited %d", s.Package, res.ReturnCode)
	}

	newHash, err := hashTree(s.WorkspacePath)
	if err != nil {
		return err
	}
	if err := b.State.SetResultHash(s.WorkspacePath, newHash); err != nil {
		return err
	}
	if err := b.State.SetInputHashes(s.WorkspacePath, inputHashes); err != nil {
		return err
	}
	return b.writeStepAudit(ctx, s, stack, newHash, newHash)
}
