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

// Package invoker executes a single step's script: it materializes the
// script into a scratch directory, optionally wraps it in the Linux
// namespace sandbox, captures its log, and translates its outcome into a
// build result.
package invoker

import "os"

// Mode selects which part of a step's recipe to run.
type Mode int

const (
	// Call is a normal run: the workspace may be cleaned first, then the
	// full script (checkout/build/package commands) executes.
	Call Mode = iota
	// Update re-runs only the local-SCM update portion of a checkout
	// step, used for build-only mode.
	Update
	// Shell drops the user into an interactive shell inside the step's
	// environment; the workspace is never cleaned first.
	Shell
)

func (m Mode) String() string {
	switch m {
	case Call:
		return "call"
	case Update:
		return "update"
	case Shell:
		return "shell"
	default:
		return "unknown"
	}
}

// Mount describes one bind-mount the sandbox should set up.
type Mount struct {
	HostPath     string
	SandboxPath  string
	Writable     bool
	SkipIfLocal  bool // dropped when the build runs outside Jenkins
	SkipIfJenkins bool
	IgnoreAbsent bool // dropped silently if HostPath does not exist
}

// Spec is the frozen snapshot an Invoker runs: everything needed to
// reproduce a step's execution without reaching back into the recipe
// tree.
type Spec struct {
	// WorkspacePath is where the step executes; ExecPath is the path it
	// sees itself at, which differs from WorkspacePath only inside a
	// sandbox.
	WorkspacePath string
	ExecPath      string

	Script string // full script text for this mode
	Clean  bool   // empty the workspace before running, CALL mode only

	Env          map[string]string
	EnvWhiteList []string // vars inherited from the ambient process env
	PreserveEnv  bool     // inherit the full ambient env, ignoring EnvWhiteList

	// LogFile, if non-empty, receives every byte of stdout/stderr wrapped
	// in "### START:"/"### END(<rc>):" markers.
	LogFile string

	ShowStdout bool
	ShowStderr bool

	HasSandbox     bool
	SandboxNetAccess bool
	SandboxRootFS  string // directory whose entries become the sandbox root
	SandboxMounts  []Mount
	IsJenkins      bool

	// JobServerFiles, when len==2, are the read/write ends of a GNU-make
	// job-server pipe to forward into the child as its first two extra
	// file descriptors (3 and 4); JobServerJobs is the -j value
	// advertised alongside them.
	JobServerFiles []*os.File
	JobServerJobs  int

	Trace bool
}
