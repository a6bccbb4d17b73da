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

// PackageResultKind distinguishes how a package workspace's content arrived.
type PackageResultKind int

const (
	// ResultNone means the package workspace has never been populated.
	ResultNone PackageResultKind = iota
	// ResultBuilt means the package script ran locally.
	ResultBuilt
	// ResultDownloaded means the content came from an archive backend.
	ResultDownloaded
	// ResultShared means the workspace is a pointer to a shared location.
	ResultShared
)

// PackageResult is the persisted outcome of a package workspace.
type PackageResult struct {
	Kind PackageResultKind

	BuildID BuildID

	// InputHashes is only populated for ResultBuilt; it is the result
	// hashes of the dependency workspaces as of the build that produced
	// this content.
	InputHashes []Digest

	// SharedLocation is only populated for ResultShared.
	SharedLocation string
}

// ScmDirState is the persisted directory state for one SCM mount inside a
// checkout workspace: its digest (content-intrinsic) and a human-readable
// spec string recorded for status/audit purposes.
type ScmDirState struct {
	Digest string // SCM's DigestScript() at last successful checkout
	Spec   string // AuditSpec()-derived human text
}

// BuildOnlyState is the reserved "build-only" tuple of a checkout's
// directory-state map. It preserves the historical fixImportScmVariant
// quirk: the directory name is folded into the tuple alongside the SCM
// digest even though it is redundant with the map key, because on-disk
// state written by either generation of the tool must round-trip through
// the same tuple shape. Do not simplify this away.
type BuildOnlyState struct {
	Directory string
	Digest    string
}

// DirectoryState is the full persisted state of a checkout workspace's SCM
// mounts: one entry per scm-relative directory, plus the two reserved keys
// described in spec.md §3 (variant-id and the build-only tuple used for
// incremental updates).
type DirectoryState struct {
	Dirs       map[string]ScmDirState // scm-relative-dir -> (digest, spec)
	VariantID  VariantID
	BuildOnly  BuildOnlyState
}

// WorkspaceState is the full persisted record for one workspace path: what
// was last built, what it hashed to, and what its dependencies hashed to at
// the time.
type WorkspaceState struct {
	WorkspacePath string

	LastVariantID VariantID
	ResultHash    Digest
	InputHashes   []Digest

	// Directory is populated for checkout workspaces.
	Directory *DirectoryState

	// Package is populated for build/package workspaces.
	Package *PackageResult
}

// AtticRecord is written when a checkout directory is displaced to
// <workspace>/../attic/<stamp>_<name> because its SCM spec changed
// incompatibly.
type AtticRecord struct {
	Path string // where the directory now lives, ending in e.g. "attic/20260115T120000_libfoo"
	Spec string // AuditSpec()-derived human text of the SCM that produced it
}

// TaskKey deduplicates concurrent scheduling of equivalent work: two
// in-flight requests with the same key observe the same terminal outcome.
type TaskKey struct {
	WorkspacePath  string
	SandboxVariant VariantID
	CheckoutOnly   bool
}
