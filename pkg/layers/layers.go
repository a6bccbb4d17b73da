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

// Package layers checks out the SCM-backed recipe-layer directories a
// project declares, before recipe parsing can begin. Layers form a tree:
// the root layer's config names sub-layers, each sub-layer's own config may
// name further sub-layers, and so on; Manager.Collect walks that tree one
// depth level at a time so a layer is always checked out before its own
// config is consulted for its children.
//
// Grounded on original_source/pym/bob/layers.py (Layer.__checkoutTask,
// Layers.__collect, Layers.cleanupUnused); reuses pkg/scm's Driver
// interface directly (checkout, switch and status are already self
// contained there, no separate invoker hop needed) and pkg/state's
// persisted layer records.
package layers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/mod/semver"

	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

// StateStore is the slice of pkg/state.Store that the layer checkout state
// machine needs; *state.Store satisfies this directly.
type StateStore interface {
	LayerState(layerDir string) (step.ScmDirState, bool)
	SetLayerState(layerDir string, st step.ScmDirState) error
	DelLayerState(layerDir string) error
}

// Spec describes one layer as named by its parent's configuration: a name,
// an optional SCM (nil for the implicit root layer), and the minimum Bob
// version this layer's own config declares. Recipe/config-file parsing is
// an external collaborator (spec.md's scope excludes it); Manager.Collect
// calls back into a caller-supplied Discoverer to obtain a layer's
// sub-layers only after that layer has been checked out.
type Spec struct {
	Name       string
	SCM        scm.Driver // nil for unmanaged layers (the project root)
	MinVersion string     // "" means "no requirement"
}

// Discoverer parses the config found in a freshly checked-out (or
// already up-to-date) layer directory and reports its declared sub-layers.
type Discoverer func(ctx context.Context, layerDir string) ([]Spec, error)

// Layer is one node of the resolved layer tree.
type Layer struct {
	Name       string
	Dir        string // absolute or project-relative checkout directory
	SCM        scm.Driver
	MinVersion string
	Managed    bool // true when SCM != nil

	Parent   *Layer
	Children []*Layer
}

// Manager checks out and tracks a project's layer tree.
type Manager struct {
	Store       StateStore
	ProjectRoot string
	Attic       bool // false disables the attic fallback; an incompatible switch then fails hard

	// Update, when false, skips checkout entirely and only walks whatever
	// is already on disk (used by `bob layers` status-only invocations).
	Update bool

	now func() time.Time
}

// New builds a Manager. projectRoot is the directory SCM-backed layers are
// rooted under (a "layers/<name>" subdirectory of it); store persists
// checkout digests across invocations.
func New(store StateStore, projectRoot string, attic bool) *Manager {
	return &Manager{Store: store, ProjectRoot: projectRoot, Attic: attic, Update: true, now: time.Now}
}

// layerDir mirrors Layer.__init__'s directory rule: the (unmanaged) root
// layer lives at the project root itself, every managed layer lives under
// "<projectRoot>/layers/<name>".
func (m *Manager) layerDir(name string, managed bool) string {
	if name == "" {
		return m.ProjectRoot
	}
	if !managed {
		return filepath.Join(m.ProjectRoot, name)
	}
	return filepath.Join(m.ProjectRoot, "layers", name)
}

// Collect checks out (when m.Update) and walks the full layer tree starting
// from the implicit, unmanaged root layer, calling discover once per layer
// to learn its sub-layers. It returns the root Layer and the flat,
// depth-first list of every layer in the tree (root excluded, matching the
// Python original's BobState().getLayers() bookkeeping, which also never
// counts the root).
func (m *Manager) Collect(ctx context.Context, root Spec, discover Discoverer) (*Layer, []*Layer, error) {
	rootLayer := &Layer{Name: root.Name, Dir: m.layerDir(root.Name, false), MinVersion: root.MinVersion}

	seen := map[string]bool{}
	var all []*Layer
	level := []*Layer{rootLayer}

	for len(level) > 0 {
		var next []*Layer
		for _, l := range level {
			if l != rootLayer {
				if m.Update {
					if err := m.checkoutLayer(ctx, l); err != nil {
						return nil, nil, err
					}
				}
			}

			subs, err := discover(ctx, l.Dir)
			if err != nil {
				return nil, nil, fmt.Errorf("layers: parsing config for layer %q: %w", l.Name, err)
			}
			for _, sub := range subs {
				if err := checkVersionNotRaised(sub, l); err != nil {
					return nil, nil, err
				}
				if seen[sub.Name] {
					continue
				}
				seen[sub.Name] = true
				child := &Layer{
					Name:       sub.Name,
					Dir:        m.layerDir(sub.Name, sub.SCM != nil),
					SCM:        sub.SCM,
					MinVersion: sub.MinVersion,
					Managed:    sub.SCM != nil,
					Parent:     l,
				}
				l.Children = append(l.Children, child)
				all = append(all, child)
				next = append(next, child)
			}
		}
		level = next
	}

	return rootLayer, all, nil
}

// checkVersionNotRaised enforces spec.md §4.9: a child layer cannot request
// a higher minimum Bob version than its parent.
func checkVersionNotRaised(child Spec, parent *Layer) error {
	if child.MinVersion == "" || parent.MinVersion == "" {
		return nil
	}
	cv, pv := canonicalVersion(child.MinVersion), canonicalVersion(parent.MinVersion)
	if !semver.IsValid(cv) || !semver.IsValid(pv) {
		// Malformed version strings are a config-authoring error the
		// recipe-parsing collaborator should itself have rejected; here
		// we simply decline to enforce a comparison we cannot make.
		return nil
	}
	if semver.Compare(cv, pv) > 0 {
		return fmt.Errorf("layers: layer %q requires Bob >= %s, which is newer than its parent layer %q's minimum %s",
			child.Name, child.MinVersion, parent.Name, parent.MinVersion)
	}
	return nil
}

func canonicalVersion(v string) string {
	if len(v) == 0 || v[0] != 'v' {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// CleanupUnused moves every previously-recorded layer directory that is no
// longer part of the current tree (all) to the shared layers.attic, mirrors
// Layers.cleanupUnused.
func (m *Manager) CleanupUnused(ctx context.Context, known map[string]step.ScmDirState, all []*Layer) error {
	current := make(map[string]bool, len(all))
	for _, l := range all {
		current[l.Dir] = true
	}

	for dir := range known {
		if current[dir] {
			continue
		}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := m.moveToAttic(ctx, dir); err != nil {
			return err
		}
		if err := m.Store.DelLayerState(dir); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) atticRoot() string {
	return filepath.Join(m.ProjectRoot, "..", "..", "layers.attic")
}

func (m *Manager) moveToAttic(ctx context.Context, dir string) error {
	atticRoot := m.atticRoot()
	if err := os.MkdirAll(atticRoot, 0o755); err != nil {
		return fmt.Errorf("layers: creating attic: %w", err)
	}
	name := atticStamp(m.now()) + "_" + filepath.Base(dir)
	dest := filepath.Join(atticRoot, name)
	clog.FromContext(ctx).Warnf("layers: moving %s to attic as %s", dir, filepath.Join("layers.attic", name))
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("layers: moving %s to attic: %w", dir, err)
	}
	return nil
}

// atticStamp mirrors the Python original's
// datetime.now().isoformat().translate(INVALID_CHAR_TRANS): an
// isoformat-style timestamp written with '-' in place of ':' so the result
// is a valid directory name on every platform; the '.' before the
// microseconds is kept.
func atticStamp(t time.Time) string {
	s := t.Format("2006-01-02T15-04-05.000000")
	return s
}
