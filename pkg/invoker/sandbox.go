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

package invoker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Sandbox wraps a command with the Linux namespace sandbox, mirroring the
// teacher's container.Runner split between pod lifecycle and command
// execution, collapsed here to the single Wrap call an Invoker needs.
type Sandbox interface {
	// Wrap returns the argv that runs cmdArgs inside the sandbox rooted
	// at rootFS, with the workspace bind-mounted read-write at
	// execPath and every entry of mounts applied.
	Wrap(rootFS, tmpDir, workspacePath, execPath string, mounts []Mount, netAccess bool, cmdArgs []string) ([]string, error)
}

// NamespaceSandbox shells out to the bob-namespace-sandbox helper, exactly
// as original_source/pym/bob/invoker.py's __getSandboxCmds does.
type NamespaceSandbox struct {
	// HelperPath overrides the $PATH lookup of bob-namespace-sandbox;
	// tests set this to a stub binary.
	HelperPath string
}

func (s *NamespaceSandbox) helperPath() (string, error) {
	if s.HelperPath != "" {
		return s.HelperPath, nil
	}
	p, err := exec.LookPath("bob-namespace-sandbox")
	if err != nil {
		return "", fmt.Errorf("invoker: bob-namespace-sandbox not found in PATH: %w", err)
	}
	return p, nil
}

func (s *NamespaceSandbox) Wrap(rootFS, tmpDir, workspacePath, execPath string, mounts []Mount, netAccess bool, cmdArgs []string) ([]string, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("invoker: sandbox builds are only supported on Linux")
	}
	helper, err := s.helperPath()
	if err != nil {
		return nil, err
	}

	args := []string{helper, "-S", tmpDir, "-H", "bob", "-d", "/tmp"}

	entries, err := os.ReadDir(rootFS)
	if err != nil {
		return nil, fmt.Errorf("invoker: reading sandbox root %s: %w", rootFS, err)
	}
	for _, e := range entries {
		abs, err := filepath.Abs(filepath.Join(rootFS, e.Name()))
		if err != nil {
			return nil, err
		}
		args = append(args, "-M", abs, "-m", "/"+e.Name())
	}

	for _, m := range mounts {
		if m.IgnoreAbsent {
			if _, err := os.Stat(m.HostPath); os.IsNotExist(err) {
				continue
			}
		}
		args = append(args, "-M", m.HostPath)
		if m.Writable {
			args = append(args, "-w", m.SandboxPath)
		} else if m.HostPath != m.SandboxPath {
			args = append(args, "-m", m.SandboxPath)
		}
	}

	absWorkspace, err := filepath.Abs(workspacePath)
	if err != nil {
		return nil, err
	}
	args = append(args, "-M", absWorkspace, "-w", execPath, "-W", execPath)

	if !netAccess {
		args = append(args, "-n")
	}
	args = append(args, "--")
	args = append(args, cmdArgs...)
	return args, nil
}

var _ Sandbox = (*NamespaceSandbox)(nil)

func defaultSandbox() Sandbox { return &NamespaceSandbox{} }
