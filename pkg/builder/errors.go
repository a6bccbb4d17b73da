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
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrRestartBuild signals that a checkout's real content hash did not match
// the build-id its live-build-id prediction translated to; Cook restarts the
// whole attempt exactly once, mirroring original_source/pym/bob/builder.py's
// RestartBuildException.
var ErrRestartBuild = errors.New("builder: restart requested")

// BuildError is one package's failure, annotated with the dependency chain
// that led to it. Err is wrapped with github.com/pkg/errors so a failure
// deep in a long dependency chain keeps a readable stack annotation
// (package/kind at each level) alongside the underlying error, rather than
// just the final fmt.Errorf %w chain.
type BuildError struct {
	Package string
	Stack   []string
	Err     error
}

func newBuildError(pkg string, stack []string, err error) *BuildError {
	if len(stack) > 0 {
		err = pkgerrors.Wrap(err, strings.Join(stack, " -> "))
	}
	return &BuildError{Package: pkg, Stack: stack, Err: err}
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %v", e.Package, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// MultiBuildError aggregates every BuildError collected during a keepGoing
// run.
type MultiBuildError struct {
	Errors []*BuildError
}

func (e *MultiBuildError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	parts := make([]string, len(e.Errors))
	for i, be := range e.Errors {
		parts[i] = be.Error()
	}
	return fmt.Sprintf("%d package(s) failed:\n  %s", len(e.Errors), strings.Join(parts, "\n  "))
}
