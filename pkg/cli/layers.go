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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bobbuildtool/bob/pkg/layers"
	"github.com/bobbuildtool/bob/pkg/scm"
)

// layerConfig is the JSON shape of a layer directory's "layers.json": the
// sub-layers it declares. Recipe/config-file parsing itself is an external
// collaborator (pkg/layers' own doc comment); this is the minimal stand-in
// format layersCmd uses to drive layers.Manager.Collect without one.
type layerConfig struct {
	Layers []struct {
		Name       string  `json:"name"`
		MinVersion string  `json:"minVersion,omitempty"`
		SCM        wireSCM `json:"scm,omitempty"`
		Unmanaged  bool    `json:"unmanaged,omitempty"`
	} `json:"layers"`
}

// jsonDiscoverer reads "layers.json" out of a layer directory, tolerating
// its absence (a leaf layer with no further sub-layers).
func jsonDiscoverer(ctx context.Context, layerDir string) ([]layers.Spec, error) {
	data, err := os.ReadFile(filepath.Join(layerDir, "layers.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cli: reading layers.json in %s: %w", layerDir, err)
	}

	var cfg layerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cli: parsing layers.json in %s: %w", layerDir, err)
	}

	specs := make([]layers.Spec, 0, len(cfg.Layers))
	for _, l := range cfg.Layers {
		spec := layers.Spec{Name: l.Name, MinVersion: l.MinVersion}
		if !l.Unmanaged {
			driver, err := l.SCM.resolve()
			if err != nil {
				return nil, fmt.Errorf("cli: layer %q in %s: %w", l.Name, layerDir, err)
			}
			sd, ok := driver.(scm.Driver)
			if !ok {
				return nil, fmt.Errorf("cli: layer %q in %s: scm does not implement scm.Driver", l.Name, layerDir)
			}
			spec.SCM = sd
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LayersFlags holds every parsed `bob layers` flag.
type LayersFlags struct {
	NoUpdate bool
}

func addLayersFlags(fs *pflag.FlagSet, flags *LayersFlags) {
	fs.BoolVar(&flags.NoUpdate, "no-update", false, "only walk layers already on disk, skip checkout")
}

func layersCmd(global *GlobalFlags) *cobra.Command {
	flags := &LayersFlags{}

	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Check out and list the project's recipe-layer tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			eng, err := global.openEngine(ctx, flags.NoUpdate)
			if err != nil {
				return err
			}
			defer eng.Close()

			mgr := layers.New(eng.state, global.ProjectDir, global.Attic)
			mgr.Update = !flags.NoUpdate

			_, all, err := mgr.Collect(ctx, layers.Spec{}, jsonDiscoverer)
			if err != nil {
				return err
			}

			if !flags.NoUpdate {
				if err := mgr.CleanupUnused(ctx, eng.state.AllLayerStates(), all); err != nil {
					return err
				}
			}
			for _, l := range all {
				printLayer(l)
			}
			return nil
		},
	}

	addLayersFlags(cmd.Flags(), flags)
	return cmd
}

func printLayer(l *layers.Layer) {
	managed := ""
	if l.Managed {
		managed = " (managed)"
	}
	fmt.Printf("%-30s %s%s\n", l.Name, l.Dir, managed)
}
