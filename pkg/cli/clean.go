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
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bobbuildtool/bob/pkg/step"
)

// CleanFlags holds every parsed `bob clean` flag.
type CleanFlags struct {
	DryRun bool
}

func addCleanFlags(fs *pflag.FlagSet, flags *CleanFlags) {
	fs.BoolVar(&flags.DryRun, "dry-run", false, "print what would be removed without removing it")
}

// cleanCmd removes a workspace's on-disk content and the persisted state
// recorded for it (spec.md §3's "never deleted except through explicit
// prune"), for every step in the graph or just the named packages.
func cleanCmd(global *GlobalFlags) *cobra.Command {
	flags := &CleanFlags{}

	cmd := &cobra.Command{
		Use:   "clean [graph.json] [package...]",
		Short: "Remove a package's workspaces and persisted state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			roots, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			steps := step.Collect(roots)
			if len(args) > 1 {
				steps, err = filterSteps(steps, args[1:])
				if err != nil {
					return err
				}
			}

			eng, err := global.openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer eng.Close()

			for _, s := range steps {
				dir := filepath.Join(global.ProjectDir, s.WorkspacePath)
				if flags.DryRun {
					log.Infof("would remove %s", dir)
					continue
				}
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("cli: removing %s: %w", dir, err)
				}
				if err := eng.state.DeleteWorkspace(s.WorkspacePath); err != nil {
					return fmt.Errorf("cli: forgetting state for %s: %w", s.WorkspacePath, err)
				}
				log.Infof("removed %s", dir)
			}
			return nil
		},
	}

	addCleanFlags(cmd.Flags(), flags)
	return cmd
}

// filterSteps restricts steps to those belonging to one of names.
func filterSteps(steps []*step.Step, names []string) ([]*step.Step, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*step.Step
	for _, s := range steps {
		if want[s.Package] {
			out = append(out, s)
		}
	}
	return out, nil
}
