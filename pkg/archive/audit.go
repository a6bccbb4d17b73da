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

package archive

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
)

// AuditSCM records one checkout step's SCM mount in the audit trail: its
// spec (AuditSpec of the step.SCM that produced it) and whether the tree was
// found dirty at the time the record was written (spec.md §6.3).
type AuditSCM struct {
	Directory string         `json:"directory"`
	Spec      map[string]any `json:"spec"`
	Dirty     bool           `json:"dirty"`
}

// AuditToolRef is one tool mount entered into the audit trail by name,
// mirroring step.ToolRef without the Libs slice (not meaningful outside a
// running sandbox).
type AuditToolRef struct {
	Name      string `json:"name"`
	VariantID string `json:"variant_id"`
	Path      string `json:"path"`
}

// AuditArtifact is the `artifact` top-level key of an audit record
// (spec.md §6.3): everything describing how this one step produced its
// result, independent of its dependencies' own history.
type AuditArtifact struct {
	VariantID    string            `json:"variant_id"`
	BuildID      string            `json:"build_id"`
	ResultHash   string            `json:"result_hash"`
	Recipe       string            `json:"recipe"`
	PackageStack []string          `json:"package_stack"`
	Step         string            `json:"step"`
	Language     string            `json:"language"`
	Meta         map[string]string `json:"meta,omitempty"`
	Env          map[string]string `json:"env"`
	SCMs         []AuditSCM        `json:"scms,omitempty"`
	Tools        []AuditToolRef    `json:"tools,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// AuditRecord is the full document written to every step's audit.json.gz:
// this step's own AuditArtifact, plus References, the transitive closure of
// every dependency's AuditArtifact keyed by its build-id (spec.md §6.3).
type AuditRecord struct {
	Artifact   AuditArtifact            `json:"artifact"`
	References map[string]AuditArtifact `json:"references,omitempty"`
}

// WriteAuditRecord gzip-compresses rec as JSON to path. Audit records are
// small, so this uses the standard library's compress/gzip rather than
// WriteArtifact's klauspost/pgzip — the same tradeoff ReadArtifact already
// makes for its single-file reads.
func WriteAuditRecord(path string, rec AuditRecord) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", tmp, err)
	}
	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(rec); err != nil {
		gz.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: encoding audit record: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: closing gzip stream for %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// ReadAuditRecord reverses WriteAuditRecord, used by `bob status` and by
// dependents collecting a transitive References closure.
func ReadAuditRecord(path string) (AuditRecord, error) {
	var rec AuditRecord
	f, err := os.Open(path)
	if err != nil {
		return rec, fmt.Errorf("archive: opening %s: %w", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return rec, fmt.Errorf("archive: opening gzip stream for %s: %w", path, err)
	}
	defer gz.Close()
	if err := json.NewDecoder(gz).Decode(&rec); err != nil {
		return rec, fmt.Errorf("archive: decoding %s: %w", path, err)
	}
	return rec, nil
}
