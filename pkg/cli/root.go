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

// Package cli wires spec.md's subcommands (build, status, clean, _invoke,
// layers) onto cobra/pflag, following the teacher's pkg/cli/build.go
// flag-struct-plus-addXFlags idiom: each command file owns a Flags struct,
// an addXFlags registration function, and an XCmd constructor, and
// cmd/bob/main.go only has to call Execute.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// RootCmd builds Bob's top-level command tree.
func RootCmd() *cobra.Command {
	global := &GlobalFlags{}
	var shutdownTracing func(context.Context) error

	root := &cobra.Command{
		Use:           "bob",
		Short:         "Bob is a recipe-driven, reproducible build tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			shutdown, err := global.setupTracing(cmd.Context())
			if err != nil {
				return err
			}
			shutdownTracing = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if shutdownTracing == nil {
				return nil
			}
			return shutdownTracing(cmd.Context())
		},
	}
	addGlobalFlags(root.PersistentFlags(), global)

	root.AddCommand(
		buildCmd(global),
		statusCmd(global),
		cleanCmd(global),
		invokeCmd(),
		layersCmd(global),
	)
	return root
}

// Execute runs Bob's CLI with ctx as the command context, returning
// whatever error (if any) the selected subcommand produced.
func Execute(ctx context.Context, args []string) error {
	root := RootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
