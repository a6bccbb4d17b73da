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

package step

// Collect returns every step reachable from roots via Sandbox/Arguments
// edges, each exactly once, in a deterministic depth-first order. Useful
// for callers that need the flattened step set rather than just the roots
// they start a build from, e.g. pkg/store's per-run job bookkeeping.
func Collect(roots []*Step) []*Step {
	seen := make(map[*Step]bool)
	var out []*Step
	var visit func(s *Step)
	visit = func(s *Step) {
		if s == nil || seen[s] {
			return
		}
		seen[s] = true
		if s.Sandbox != nil {
			visit(s.Sandbox)
		}
		for _, a := range s.Arguments {
			visit(a)
		}
		out = append(out, s)
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}
