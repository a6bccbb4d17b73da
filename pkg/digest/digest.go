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

// Package digest implements Bob's variant-id / build-id algebra: the
// recipe-intrinsic and expected-artifact identities assigned to every step.
// Every function here is pure and depends only on its arguments, never on
// workspace or archive state, so the properties in spec.md §8 hold by
// construction rather than by convention.
package digest

import (
	"crypto/sha1" //nolint:gosec // spec mandates SHA-1 digests explicitly
	"hash"
	"sort"

	"github.com/bobbuildtool/bob/pkg/step"
)

// relaxedToolBuildID is the constant every tool's build-id is replaced with
// when it contributes to a consuming step's build-id ("relaxTools" mode).
// Swapping a bit-equivalent tool must not invalidate downstream artifacts;
// see spec.md §9 on why this must not change without a migration plan.
var relaxedToolBuildID = sha1.Sum([]byte("bob/relaxed-tool-build-id/v1"))

// writeUint32 writes a big-endian length/count prefix. Every variable-length
// field is preceded by one of these so the encoding is injection-free: no
// concatenation of two differently-shaped inputs can ever produce the same
// byte stream, because the prefixes carry the exact boundaries.
func writeUint32(h hash.Hash, n int) {
	var b [4]byte
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
	h.Write(b[:])
}

func writeString(h hash.Hash, s string) {
	writeUint32(h, len(s))
	h.Write([]byte(s))
}

func writeDigest(h hash.Hash, d step.Digest) {
	h.Write(d[:])
}

// writeEnv serializes env entries as a length-prefixed, key-sorted sequence
// (spec.md §4.1). Sorting by key makes the digest independent of the
// recipe-graph's map iteration order while the per-field length prefixes
// keep it injection-free.
func writeEnv(h hash.Hash, env []step.EnvPair) {
	sorted := make([]step.EnvPair, len(env))
	copy(sorted, env)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	writeUint32(h, len(sorted))
	for _, e := range sorted {
		writeString(h, e.Key)
		writeString(h, e.Value)
	}
}

// writeTools serializes tool references. Per spec.md §8 the local alias
// (Name) must NOT affect the digest; only VariantID, Path and Libs do.
func writeTools(h hash.Hash, tools []step.ToolRef) {
	writeUint32(h, len(tools))
	for _, t := range tools {
		writeDigest(h, t.VariantID)
		writeString(h, t.Path)
		writeUint32(h, len(t.Libs))
		for _, l := range t.Libs {
			writeString(h, l)
		}
	}
}

// DepResolver returns the variant-id to use for a dependency step. Passed in
// by the caller so recursion strategy (pure recipe recursion, or substituting
// a persisted value) stays outside this package.
type DepResolver func(dep *step.Step) step.VariantID

// VariantID computes the recipe-intrinsic identity of s, recursing into its
// sandbox and arguments. Results are memoized per call so a diamond-shaped
// dependency graph is only hashed once per node.
func VariantID(s *step.Step) step.VariantID {
	cache := make(map[*step.Step]step.VariantID)
	var resolve DepResolver
	resolve = func(dep *step.Step) step.VariantID { return variantID(dep, resolve, cache) }
	return resolve(s)
}

// IncrementalVariantID computes the same shape as VariantID, but for each
// dependency step it first asks lookup for a persisted variant-id (keyed by
// the dependency's workspace path); only when lookup reports none does it
// fall back to recursing into the dependency's own recipe. This lets a user
// build a subset of the graph without triggering rebuilds of unrelated
// consumers (spec.md §4.1).
func IncrementalVariantID(s *step.Step, lookup func(workspacePath string) (step.VariantID, bool)) step.VariantID {
	cache := make(map[*step.Step]step.VariantID)
	var resolve DepResolver
	resolve = func(dep *step.Step) step.VariantID {
		if v, ok := lookup(dep.WorkspacePath); ok {
			return v
		}
		return variantID(dep, resolve, cache)
	}
	return resolve(s)
}

func variantID(s *step.Step, resolve DepResolver, cache map[*step.Step]step.VariantID) step.VariantID {
	if s == nil {
		return step.VariantID{}
	}
	if v, ok := cache[s]; ok {
		return v
	}
	h := sha1.New() //nolint:gosec
	writeString(h, s.DigestScript)
	writeEnv(h, s.Env)
	writeTools(h, s.Tools)

	// Sandbox presence is encoded explicitly (a 0/1 flag) so "no sandbox"
	// can never collide with "sandbox whose variant-id happens to be zero".
	if s.Sandbox != nil {
		h.Write([]byte{1})
		writeDigest(h, resolve(s.Sandbox))
	} else {
		h.Write([]byte{0})
	}

	writeUint32(h, len(s.Arguments))
	for _, dep := range s.Arguments {
		writeDigest(h, resolve(dep))
	}

	var out step.VariantID
	copy(out[:], h.Sum(nil))
	cache[s] = out
	return out
}

// BuildID computes the expected-artifact identity of a build/package step:
// SHA1(digest-script || fingerprint || platform-tag || dep-build-ids). Tool
// dependencies contribute only the constant relaxedToolBuildID, never their
// real build-id, so swapping a bit-equivalent tool never invalidates
// downstream artifacts. depBuildIDs supplies the already-resolved build-id
// (or, for checkout arguments, content hash) of every argument; recursion
// itself — actually building those dependencies — is the Builder's job, not
// this package's.
func BuildID(s *step.Step, fp step.Fingerprint, platformTag string, depBuildIDs map[*step.Step]step.BuildID) step.BuildID {
	h := sha1.New() //nolint:gosec
	writeString(h, s.DigestScript)
	writeDigest(h, fp)
	writeString(h, platformTag)

	writeUint32(h, len(s.Arguments))
	for _, dep := range s.Arguments {
		writeDigest(h, depBuildIDs[dep])
	}

	writeUint32(h, len(s.Tools))
	for range s.Tools {
		writeDigest(h, relaxedToolBuildID)
	}

	var out step.BuildID
	copy(out[:], h.Sum(nil))
	return out
}
