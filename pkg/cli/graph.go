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

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bobbuildtool/bob/pkg/digest"
	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

// wireSCM is the JSON shape of one step.SCMEntry. Recipe parsing itself is
// out of scope (spec.md §1 Non-goals); this is the hand-off format a recipe
// front end is expected to emit.
type wireSCM struct {
	Directory string `json:"directory"`
	Kind      string `json:"kind"` // "git" or "url"

	// git
	Repository string `json:"repository,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`

	// url
	Source string `json:"source,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

func (w wireSCM) resolve() (step.SCM, error) {
	switch w.Kind {
	case "git":
		return &scm.Git{Repository: w.Repository, Ref: w.Ref, Dir: w.Directory, Username: w.Username, Password: w.Password}, nil
	case "url":
		return &scm.URL{Source: w.Source, SHA256: w.SHA256, Dir: w.Directory}, nil
	default:
		return nil, fmt.Errorf("cli: unknown scm kind %q", w.Kind)
	}
}

// wireEnvPair mirrors step.EnvPair.
type wireEnvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// wireToolRef mirrors step.ToolRef, referring to its providing step by ID.
type wireToolRef struct {
	Name string `json:"name"`
	Step string `json:"step"`
	Path string `json:"path"`
	Libs []string `json:"libs,omitempty"`
}

// wireStep is the JSON shape of one step.Step. Dependency edges (Sandbox,
// Arguments, Tools) refer to other steps by the id key they are indexed
// under in wireGraph.Steps, resolved into pointers by loadGraph.
type wireStep struct {
	Package string `json:"package"`
	Kind    string `json:"kind"` // "checkout", "build", or "package"
	Name    string `json:"name"`

	WorkspacePath string `json:"workspacePath"`
	StoragePath   string `json:"storagePath,omitempty"`

	Script       string `json:"script"`
	DigestScript string `json:"digestScript,omitempty"`

	Env   []wireEnvPair `json:"env,omitempty"`
	Tools []wireToolRef `json:"tools,omitempty"`

	Sandbox   string   `json:"sandbox,omitempty"`
	Arguments []string `json:"arguments,omitempty"`

	SCMs []wireSCM `json:"scms,omitempty"`

	FingerprintScript string `json:"fingerprintScript,omitempty"`

	Relocatable bool `json:"relocatable,omitempty"`
	Shared      bool `json:"shared,omitempty"`
	JobServer   bool `json:"jobServer,omitempty"`
	NetAccess   bool `json:"netAccess,omitempty"`
}

func (w wireStep) kind() (step.Kind, error) {
	switch w.Kind {
	case "checkout":
		return step.Checkout, nil
	case "build":
		return step.Build, nil
	case "package":
		return step.Package, nil
	default:
		return 0, fmt.Errorf("cli: unknown step kind %q", w.Kind)
	}
}

// wireGraph is the top-level document `bob build`/`bob status`/`bob clean`
// read: every step in the resolved recipe graph, keyed by an id unique
// within the document, plus the subset of those ids that are build roots,
// as listed in the document itself (`bob build` can narrow them further by
// the package names given on its command line).
type wireGraph struct {
	Steps map[string]wireStep `json:"steps"`
	Roots []string            `json:"roots"`
}

// loadGraph reads and resolves a step graph from path, wiring Sandbox,
// Arguments and Tools edges into real *step.Step pointers. Steps are
// resolved at most once each even if reachable through multiple edges, so
// a diamond dependency keeps exactly one shared *step.Step (load-bearing
// for the Builder's per-workspace task dedup).
func loadGraph(path string) ([]*step.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cli: reading step graph %s: %w", path, err)
	}
	var g wireGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("cli: parsing step graph %s: %w", path, err)
	}

	resolved := make(map[string]*step.Step, len(g.Steps))
	var resolve func(id string) (*step.Step, error)
	resolving := map[string]bool{}

	resolve = func(id string) (*step.Step, error) {
		if s, ok := resolved[id]; ok {
			return s, nil
		}
		if resolving[id] {
			return nil, fmt.Errorf("cli: step graph has a dependency cycle at %q", id)
		}
		w, ok := g.Steps[id]
		if !ok {
			return nil, fmt.Errorf("cli: step graph references unknown step %q", id)
		}
		resolving[id] = true
		defer delete(resolving, id)

		kind, err := w.kind()
		if err != nil {
			return nil, err
		}

		s := &step.Step{
			Package:           w.Package,
			Kind:              kind,
			Name:              w.Name,
			WorkspacePath:     w.WorkspacePath,
			StoragePath:       w.StoragePath,
			Script:            w.Script,
			DigestScript:      w.DigestScript,
			FingerprintScript: w.FingerprintScript,
			Relocatable:       w.Relocatable,
			Shared:            w.Shared,
			JobServer:         w.JobServer,
			NetAccess:         w.NetAccess,
		}
		// Pre-register before recursing so a cycle through Arguments/Sandbox
		// is caught by `resolving` rather than recursing forever, and so a
		// diamond dependency's second visit returns the same pointer.
		resolved[id] = s

		for _, e := range w.Env {
			s.Env = append(s.Env, step.EnvPair{Key: e.Key, Value: e.Value})
		}

		for _, sc := range w.SCMs {
			driver, err := sc.resolve()
			if err != nil {
				return nil, fmt.Errorf("cli: step %q: %w", id, err)
			}
			s.SCMs = append(s.SCMs, step.SCMEntry{Directory: sc.Directory, SCM: driver})
		}

		if w.Sandbox != "" {
			sb, err := resolve(w.Sandbox)
			if err != nil {
				return nil, err
			}
			s.Sandbox = sb
		}
		for _, a := range w.Arguments {
			dep, err := resolve(a)
			if err != nil {
				return nil, err
			}
			s.Arguments = append(s.Arguments, dep)
		}
		for _, t := range w.Tools {
			provider, err := resolve(t.Step)
			if err != nil {
				return nil, err
			}
			// A tool's VariantID is the providing step's own recipe-intrinsic
			// identity (spec.md §8); computed here, once, rather than carried
			// in the wire format, so it can never drift from the provider's
			// actual Script/Env/Tools/Sandbox/Arguments.
			s.Tools = append(s.Tools, step.ToolRef{
				Name:      t.Name,
				VariantID: digest.VariantID(provider),
				Path:      t.Path,
				Libs:      t.Libs,
			})
		}

		return s, nil
	}

	roots := make([]*step.Step, 0, len(g.Roots))
	for _, id := range g.Roots {
		s, err := resolve(id)
		if err != nil {
			return nil, err
		}
		roots = append(roots, s)
	}
	return roots, nil
}
