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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProjectConfig_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := loadProjectConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ProjectConfig{}, cfg)
}

func TestLoadProjectConfig_ParsesYAMLDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.yaml"), []byte(`
jobs: 4
platformTag: linux/amd64
environment:
  FOO: bar
`), 0o644))

	cfg, err := loadProjectConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Jobs)
	assert.Equal(t, "linux/amd64", cfg.PlatformTag)
	assert.Equal(t, map[string]string{"FOO": "bar"}, cfg.Environment)
}

func TestLoadProjectConfig_RejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.yaml"), []byte("bogusField: 1\n"), 0o644))

	_, err := loadProjectConfig(dir)
	require.Error(t, err)
}

func TestLoadProjectConfig_EnvFileIsBaseLayerUnderYAMLEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FOO=from-file\nBAR=from-file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.yaml"), []byte(`
envFile: .env
environment:
  FOO: from-yaml
`), 0o644))

	cfg, err := loadProjectConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-yaml", cfg.Environment["FOO"], "YAML-declared entries override the env file")
	assert.Equal(t, "from-file", cfg.Environment["BAR"], "env-file-only entries are kept")
}
