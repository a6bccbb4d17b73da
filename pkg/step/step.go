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

// Package step defines the core value types shared across the engine:
// the recipe-resolved Step tree, its digests, and the persisted
// workspace state that survives between invocations.
package step

import (
	"encoding/hex"
	"fmt"
)

// Digest is a 20-byte SHA-1 identity. VariantID, BuildID and Fingerprint are
// type aliases of Digest: the names say which kind a value holds, but the
// compiler treats all of them as the same type.
type Digest [20]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether d has never been assigned a real digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// ArchivePath returns the content-addressed "<hex[0:2]>/<hex[2:4]>/<hex[4:]>-1.tgz"
// layout used by archive backends (spec.md §4.3).
func (d Digest) ArchivePath() string {
	h := hex.EncodeToString(d[:])
	return fmt.Sprintf("%s/%s/%s-1.tgz", h[0:2], h[2:4], h[4:])
}

// DigestFromHex parses a hex-encoded digest, e.g. from persisted state.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("step: invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("step: digest %q has wrong length %d", s, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// VariantID identifies a step's recipe-intrinsic description. It is a pure
// function of the recipe graph and never depends on workspace state.
type VariantID = Digest

// BuildID identifies the expected artifact of a build/package step, or for
// checkout steps the hash of the checked-out working tree.
type BuildID = Digest

// Fingerprint is a digest of a host-probe script's output, keyed by the
// script hash and (for sandboxed steps) the sandbox's build-id.
type Fingerprint = Digest

// Kind is the role a Step plays within its package.
type Kind int

const (
	Checkout Kind = iota
	Build
	Package
)

func (k Kind) String() string {
	switch k {
	case Checkout:
		return "checkout"
	case Build:
		return "build"
	case Package:
		return "package"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EnvPair is one whitelisted environment entry that enters a step's
// variant-id. Order is insignificant to the caller; DigestEngine sorts by
// Key before encoding so the digest is stable regardless of map iteration.
type EnvPair struct {
	Key   string
	Value string
}

// ToolRef is a reference to another step's result used as a build tool.
// Only VariantID, Path and Libs contribute to a consuming step's variant-id;
// Name (the local alias under which the recipe refers to the tool) does not,
// per spec.md §8.
type ToolRef struct {
	Name      string
	VariantID VariantID
	Path      string
	Libs      []string
}

// SCMEntry binds one SCM driver (see pkg/scm) to a directory within a
// checkout step's workspace.
type SCMEntry struct {
	Directory string // workspace-relative target directory
	SCM       SCM
}

// Taint describes one reason an SCM directory's status differs from a
// pristine checkout of its current spec (spec.md §4.4).
type Taint string

const (
	TaintClean         Taint = "clean"
	TaintModified      Taint = "modified"
	TaintSwitched      Taint = "switched"
	TaintUnpushed      Taint = "unpushed"
	TaintUnpushedLocal Taint = "unpushed-local"
	TaintAttic         Taint = "attic"
	TaintNew           Taint = "new"
	TaintCollides      Taint = "collides"
	TaintOverridden    Taint = "overridden"
	TaintError         Taint = "error"
)

// Status is the result of probing an SCM directory's on-disk state.
type Status struct {
	Taints []Taint
	Text   string
}

// SCM is the uniform capability set the engine uses for every SCM driver,
// independent of the concrete backend (git, url, import, ...). Concrete
// drivers live in pkg/scm and satisfy this interface — and the richer
// pkg/scm.Driver interface that adds checkout/update/status behavior —
// without pkg/step depending on them.
type SCM interface {
	// DigestScript returns a stable string representation that enters the
	// owning step's variant-id.
	DigestScript() string
	// Directory returns the workspace-relative directory this SCM targets.
	Directory() string
	// IsDeterministic reports whether this spec always produces the same tree.
	IsDeterministic() bool
	// IsLocal reports whether the SCM can update without network access.
	IsLocal() bool
	// HasLiveBuildID reports whether this SCM can predict its resulting
	// content hash cheaply, without a full checkout.
	HasLiveBuildID() bool
	// AuditSpec returns the data recorded for this SCM in the audit trail.
	AuditSpec() map[string]any
}

// Step is the fundamental unit of work: one checkout, build, or package
// action belonging to exactly one package.
type Step struct {
	Package string // package name this step belongs to
	Kind    Kind
	Name    string // human-readable workspace name, e.g. "package-name"

	WorkspacePath string // project-relative directory the step executes in
	StoragePath   string // physical result location; may differ when shared

	Script       string // user-facing script text
	DigestScript string // normalized form that enters the variant-id only

	Env   []EnvPair
	Tools []ToolRef
	// Sandbox, if non-nil, is the step whose result provides the sandbox
	// root filesystem. Its variant-id/build-id enter this step's digests.
	Sandbox *Step
	// Arguments are the dependency steps whose results this step consumes.
	Arguments []*Step

	// SCMs is populated for checkout steps only.
	SCMs []SCMEntry

	// FingerprintScript is an optional host-dependent probe. Its output
	// enters the build-id, never the variant-id.
	FingerprintScript string

	Relocatable bool
	Shared      bool
	JobServer   bool
	NetAccess   bool
}

func (s *Step) String() string {
	if s == nil {
		return "<nil step>"
	}
	return fmt.Sprintf("%s/%s", s.Package, s.Kind)
}
