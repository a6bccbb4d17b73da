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
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// projectConfigFile is the project-default config Bob reads out of the
// project root, named the way the teacher's own top-level config file is.
const projectConfigFile = "bob.yaml"

// ProjectConfig holds the defaults a project may declare in bob.yaml,
// overriding nothing a user passes explicitly on the command line but
// filling in everything they don't. EnvFile, if set, is resolved relative
// to the project directory and merged into Environment as the base layer,
// exactly as the teacher's config.go merges a godotenv file underneath its
// YAML-declared environment block.
type ProjectConfig struct {
	Jobs        int               `yaml:"jobs"`
	PlatformTag string            `yaml:"platformTag"`
	EnvFile     string            `yaml:"envFile"`
	Environment map[string]string `yaml:"environment"`
}

// loadProjectConfig reads projectDir/bob.yaml, if present. A missing file
// is not an error: it returns a zero ProjectConfig, meaning "no project
// defaults declared".
func loadProjectConfig(projectDir string) (ProjectConfig, error) {
	path := filepath.Join(projectDir, projectConfigFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ProjectConfig{}, nil
	}
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	// Decode into a yaml.Node first so a later KnownFields(true) pass can
	// catch typo'd keys; yaml.Node.Decode itself doesn't support
	// KnownFields, hence the two-pass re-marshal.
	var root yaml.Node
	if err := yaml.NewDecoder(f).Decode(&root); err != nil {
		return ProjectConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	data, err := yaml.Marshal(&root)
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	var cfg ProjectConfig
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	if err := strict.Decode(&cfg); err != nil {
		return ProjectConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.EnvFile != "" {
		envPath := cfg.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(projectDir, envPath)
		}
		fileEnv, err := godotenv.Read(envPath)
		if err != nil {
			return ProjectConfig{}, fmt.Errorf("loading %s: %w", envPath, err)
		}
		declared := cfg.Environment
		cfg.Environment = fileEnv
		maps.Copy(cfg.Environment, declared) // YAML-declared entries override the file
	}

	return cfg, nil
}
