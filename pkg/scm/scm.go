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

// Package scm provides Bob's concrete SCM drivers (git, url) behind the
// uniform capability set the build core consumes (step.SCM, extended here
// with the checkout/update/status operations the Builder's checkout state
// machine needs).
package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bobbuildtool/bob/pkg/step"
)

// Driver is the full capability set of a concrete SCM backend: everything
// step.SCM exposes for digesting, plus the behavior needed to actually
// checkout, update, switch and report status on a workspace directory.
type Driver interface {
	step.SCM

	// Status probes workspaceDir (the SCM's directory, already joined to
	// the checkout step's workspace root) and reports its taints.
	Status(ctx context.Context, workspaceDir string) (step.Status, error)

	// CanSwitch reports whether this SCM can update workspaceDir in place
	// from the spec described by oldSpec (as produced by AuditSpec) to its
	// own spec, without a full re-checkout.
	CanSwitch(oldSpec map[string]any) bool

	// Checkout performs a full checkout (fresh=true) or an in-place update
	// (fresh=false) into workspaceDir.
	Checkout(ctx context.Context, workspaceDir string, fresh bool) error

	// Switch performs an in-place switch from oldSpec to this SCM's spec.
	Switch(ctx context.Context, workspaceDir string, oldSpec map[string]any) error

	// PredictLiveBuildID cheaply predicts the resulting content hash's
	// identity without performing a full checkout. ok is false when this
	// SCM/spec combination cannot predict (even if HasLiveBuildID is true
	// in general, a given invocation may be unable to reach the remote).
	PredictLiveBuildID(ctx context.Context) (liveID string, ok bool, err error)
}

// ValidateTree checks the structural rule from spec.md §4.4: the
// directories of a checkout step's SCM entries must form a tree. Two SCMs
// may not target the same directory, and an SCM nested inside another's
// directory must be listed after it. Whether an outer SCM's own checkout
// pre-creates a nested SCM's directory is not checked here.
func ValidateTree(entries []step.SCMEntry) error {
	dirs := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		clean := filepath.Clean(e.Directory)
		if seen[clean] {
			return fmt.Errorf("scm: two SCMs target the same directory %q", clean)
		}
		seen[clean] = true
		dirs = append(dirs, clean)
	}

	for i, outer := range dirs {
		for _, inner := range dirs[i+1:] {
			if inner == outer {
				continue
			}
			if isStrictPrefix(outer, inner) {
				// inner is nested inside outer: always allowed, outer
				// simply must not itself materialize inner's path before
				// inner's own checkout runs. The builder checks entries out
				// in listing order, which this loop requires to be
				// outer-first; nothing further to validate structurally here.
				continue
			}
			if isStrictPrefix(inner, outer) {
				return fmt.Errorf("scm: directory %q of one SCM is inside %q of another listed after it; SCM entries must be depth-ordered", outer, inner)
			}
		}
	}
	return nil
}

// AuditSpecText renders an SCM's AuditSpec() into the text persisted
// alongside a checkout directory's digest (step.ScmDirState.Spec,
// step.AtticRecord.Spec): JSON, so it is both human-readable in `bob
// status` output and round-trips back into the structured map CanSwitch
// and Switch need via ParseAuditSpecText. encoding/json sorts map[string]any
// keys itself, so two audits of the same spec are byte-identical.
func AuditSpecText(d step.SCM) string {
	b, err := json.Marshal(d.AuditSpec())
	if err != nil {
		// AuditSpec() values are always JSON-safe (strings, bools, numbers);
		// a marshal failure here would be a driver bug, not a runtime
		// condition callers can react to.
		panic(fmt.Sprintf("scm: AuditSpec() produced unmarshalable value: %v", err))
	}
	return string(b)
}

// ParseAuditSpecText recovers the structured map a previous AuditSpecText
// call recorded, for feeding back into Driver.CanSwitch and Driver.Switch
// when a checkout directory's recorded spec no longer matches its current
// one.
func ParseAuditSpecText(text string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil, fmt.Errorf("scm: parsing recorded spec: %w", err)
	}
	return m, nil
}

// isStrictPrefix reports whether child is strictly nested under parent as a
// path component prefix (parent == "." matches everything).
func isStrictPrefix(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == "." {
		return child != "."
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
