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
	"path/filepath"

	"github.com/bobbuildtool/bob/pkg/archive"
	"github.com/bobbuildtool/bob/pkg/digest"
	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

// auditPath is where a step's persisted audit record lives: a sibling of its
// workspace, suffixed with its kind so a package's checkout/build/package
// steps (which all hang off the same package directory) never collide
// (spec.md §6.1's "work/…/audit.json.gz").
func auditPath(s *step.Step) string {
	return s.WorkspacePath + "." + s.Kind.String() + ".audit.json.gz"
}

// writeStepAudit builds and persists s's audit record after a successful
// checkout/build/package execution (spec.md §4.6 "emit an audit record",
// §6.3's schema). A no-op when auditing is disabled. stack is the package
// chain cookStep is currently recursing through, used for the record's
// PackageStack; buildID/resultHash are the identities this particular
// execution just established.
func (b *Builder) writeStepAudit(ctx context.Context, s *step.Step, stack []string, buildID, resultHash step.Digest) error {
	if !b.Config.Audit {
		return nil
	}

	artifact := archive.AuditArtifact{
		VariantID:    digest.VariantID(s).String(),
		BuildID:      buildID.String(),
		ResultHash:   resultHash.String(),
		Recipe:       s.Package,
		PackageStack: append([]string{}, stack...),
		Step:         s.Kind.String(),
		// Bob's invoker only ever runs a step's Script through a shell
		// (pkg/invoker.Spec has no language selector), so every record
		// reports the same fixed language identifier.
		Language: "sh",
		Env:      b.envMap(s.Env),
	}
	for _, t := range s.Tools {
		artifact.Tools = append(artifact.Tools, archive.AuditToolRef{
			Name: t.Name, VariantID: t.VariantID.String(), Path: t.Path,
		})
	}
	if s.Kind == step.Checkout {
		artifact.SCMs = auditSCMs(ctx, s)
	}

	references := map[string]archive.AuditArtifact{}
	collectDep := func(dep *step.Step) {
		if dep == nil {
			return
		}
		if id, err := b.depBuildID(dep); err == nil {
			artifact.Dependencies = append(artifact.Dependencies, id.String())
		}
		b.auditMu.Lock()
		rec, ok := b.audits[dep.WorkspacePath]
		b.auditMu.Unlock()
		if !ok {
			return
		}
		references[rec.Artifact.BuildID] = rec.Artifact
		for k, v := range rec.References {
			references[k] = v
		}
	}
	collectDep(s.Sandbox)
	for _, a := range s.Arguments {
		collectDep(a)
	}

	record := archive.AuditRecord{Artifact: artifact, References: references}
	if err := archive.WriteAuditRecord(auditPath(s), record); err != nil {
		return err
	}

	b.auditMu.Lock()
	b.audits[s.WorkspacePath] = record
	b.auditMu.Unlock()
	return nil
}

// auditSCMs records the audit spec and current dirty status of every SCM
// mount in a checkout step. A Status error is treated as "not dirty" rather
// than failing the whole audit record — the record still gets written with
// whatever it could determine.
func auditSCMs(ctx context.Context, s *step.Step) []archive.AuditSCM {
	out := make([]archive.AuditSCM, 0, len(s.SCMs))
	for _, entry := range s.SCMs {
		rec := archive.AuditSCM{Directory: entry.Directory, Spec: entry.SCM.AuditSpec()}
		if driver, ok := entry.SCM.(scm.Driver); ok {
			if st, err := driver.Status(ctx, filepath.Join(s.WorkspacePath, entry.Directory)); err == nil {
				rec.Dirty = !statusIsClean(st)
			}
		}
		out = append(out, rec)
	}
	return out
}

func statusIsClean(st step.Status) bool {
	for _, t := range st.Taints {
		if t != step.TaintClean {
			return false
		}
	}
	return true
}
