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
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

func statusCmd(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [graph.json]",
		Short: "Report the checkout status of every SCM-managed directory",
		Long: `Status probes every checkout step's SCM directories and reports the
taints describing how each differs from a pristine checkout of its current
spec, plus any directories previously displaced to the attic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			roots, err := loadGraph(args[0])
			if err != nil {
				return err
			}

			eng, err := global.openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := reportCheckoutStatus(ctx, global, eng, step.Collect(roots)); err != nil {
				return err
			}
			return reportAtticStatus(eng)
		},
	}
	return cmd
}

func reportCheckoutStatus(ctx context.Context, global *GlobalFlags, eng *engine, steps []*step.Step) error {
	log := clog.FromContext(ctx)
	for _, s := range steps {
		if s.Kind != step.Checkout || len(s.SCMs) == 0 {
			continue
		}
		for _, entry := range s.SCMs {
			driver, ok := entry.SCM.(scm.Driver)
			if !ok {
				return fmt.Errorf("cli: step %s/%s: scm entry %q does not implement scm.Driver", s.Package, s.Kind, entry.Directory)
			}
			dir := filepath.Join(global.ProjectDir, s.WorkspacePath, entry.Directory)
			st, err := driver.Status(ctx, dir)
			if err != nil {
				log.Warnf("%s: %s: probing status: %v", s.Package, entry.Directory, err)
				continue
			}
			printStatus(s.Package, entry.Directory, st)
		}
	}
	return nil
}

func printStatus(pkg, dir string, st step.Status) {
	taints := make([]string, len(st.Taints))
	for i, t := range st.Taints {
		taints[i] = string(t)
	}
	sort.Strings(taints)
	label := dir
	if label == "" || label == "." {
		label = pkg
	} else {
		label = pkg + "/" + dir
	}
	if len(taints) == 0 {
		fmt.Printf("%-40s clean\n", label)
		return
	}
	fmt.Printf("%-40s %s\n", label, strings.Join(taints, ","))
	if st.Text != "" {
		fmt.Printf("%-40s   %s\n", "", st.Text)
	}
}

func reportAtticStatus(eng *engine) error {
	all := eng.state.AllAttic()
	if len(all) == 0 {
		return nil
	}
	paths := make([]string, 0, len(all))
	for p := range all {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	fmt.Println("attic:")
	for _, p := range paths {
		rec := all[p]
		fmt.Printf("  %-38s %s\n", rec.Path, rec.Spec)
	}
	return nil
}
