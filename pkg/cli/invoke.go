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

	"github.com/spf13/cobra"

	"github.com/bobbuildtool/bob/pkg/invoker"
)

// invokeSpec is the on-disk JSON shape of the spec file `bob _invoke` reads
// (spec.md §6.2): a frozen invoker.Spec for one step, so `bob _invoke` (or a
// developer re-running it by hand) can reproduce that invocation without
// reaching back into the recipe tree. `bob build` does not write this file;
// the builder runs its invoker in-process.
type invokeSpec struct {
	WorkspacePath string            `json:"workspacePath"`
	ExecPath      string            `json:"execPath"`
	Script        string            `json:"script"`
	Clean         bool              `json:"clean"`
	Env           map[string]string `json:"env"`
	EnvWhiteList  []string          `json:"envWhiteList"`
	PreserveEnv   bool              `json:"preserveEnv"`
	LogFile       string            `json:"logFile"`
	ShowStdout    bool              `json:"showStdout"`
	ShowStderr    bool              `json:"showStderr"`
	HasSandbox    bool              `json:"hasSandbox"`
	SandboxNetAccess bool           `json:"sandboxNetAccess"`
	SandboxRootFS string            `json:"sandboxRootFS"`
	Mode          string            `json:"mode"`
}

func (s invokeSpec) toSpec() invoker.Spec {
	return invoker.Spec{
		WorkspacePath:    s.WorkspacePath,
		ExecPath:         s.ExecPath,
		Script:           s.Script,
		Clean:            s.Clean,
		Env:              s.Env,
		EnvWhiteList:     s.EnvWhiteList,
		PreserveEnv:      s.PreserveEnv,
		LogFile:          s.LogFile,
		ShowStdout:       true,
		ShowStderr:       true,
		HasSandbox:       s.HasSandbox,
		SandboxNetAccess: s.SandboxNetAccess,
		SandboxRootFS:    s.SandboxRootFS,
	}
}

func parseInvokeMode(s string) (invoker.Mode, error) {
	switch s {
	case "", "call":
		return invoker.Call, nil
	case "update":
		return invoker.Update, nil
	case "shell":
		return invoker.Shell, nil
	default:
		return 0, fmt.Errorf("cli: unknown invoke mode %q", s)
	}
}

// invokeCmd implements the hidden `bob _invoke` entrypoint: it re-executes
// exactly one step from its frozen spec file, as a standalone command
// (`bob build` does not fork it).
func invokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "_invoke <step.spec>",
		Short:  "Re-run a single step from its frozen spec file",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("cli: reading step spec %s: %w", args[0], err)
			}
			var s invokeSpec
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("cli: parsing step spec %s: %w", args[0], err)
			}
			mode, err := parseInvokeMode(s.Mode)
			if err != nil {
				return err
			}

			iv := invoker.New(s.toSpec(), nil)
			res, err := iv.Run(ctx, mode, s.WorkspacePath)
			if err != nil {
				return fmt.Errorf("cli: running step: %w", err)
			}
			if res.ReturnCode != 0 {
				return fmt.Errorf("cli: step exited with status %d", res.ReturnCode)
			}
			return nil
		},
	}
	return cmd
}
