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

	"github.com/bobbuildtool/bob/pkg/digest"
	"github.com/bobbuildtool/bob/pkg/scm"
	"github.com/bobbuildtool/bob/pkg/step"
)

func writeGraph(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadGraphSimpleChain(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"checkout": {"package": "libfoo", "kind": "checkout", "name": "libfoo-checkout",
				"workspacePath": "work/libfoo/checkout",
				"scms": [{"directory": "", "kind": "git", "repository": "https://example.com/libfoo.git", "ref": "main"}]},
			"build": {"package": "libfoo", "kind": "build", "name": "libfoo-build",
				"workspacePath": "work/libfoo/build", "script": "make",
				"arguments": ["checkout"]},
			"package": {"package": "libfoo", "kind": "package", "name": "libfoo-package",
				"workspacePath": "work/libfoo/package", "script": "make install",
				"arguments": ["build"]}
		},
		"roots": ["package"]
	}`)

	roots, err := loadGraph(path)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	pkg := roots[0]
	assert.Equal(t, "libfoo", pkg.Package)
	require.Len(t, pkg.Arguments, 1)
	build := pkg.Arguments[0]
	assert.Equal(t, "libfoo-build", build.Name)
	require.Len(t, build.Arguments, 1)

	checkout := build.Arguments[0]
	require.Len(t, checkout.SCMs, 1)
	git, ok := checkout.SCMs[0].SCM.(*scm.Git)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/libfoo.git", git.Repository)
	assert.Equal(t, "main", git.Ref)
}

func TestLoadGraphSharesDiamondDependency(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"common": {"package": "common", "kind": "package", "name": "common", "workspacePath": "work/common/package"},
			"left":   {"package": "left", "kind": "package", "name": "left", "workspacePath": "work/left/package", "arguments": ["common"]},
			"right":  {"package": "right", "kind": "package", "name": "right", "workspacePath": "work/right/package", "arguments": ["common"]},
			"top":    {"package": "top", "kind": "package", "name": "top", "workspacePath": "work/top/package", "arguments": ["left", "right"]}
		},
		"roots": ["top"]
	}`)

	roots, err := loadGraph(path)
	require.NoError(t, err)
	top := roots[0]
	require.Len(t, top.Arguments, 2)
	left, right := top.Arguments[0], top.Arguments[1]
	require.Len(t, left.Arguments, 1)
	require.Len(t, right.Arguments, 1)
	assert.Same(t, left.Arguments[0], right.Arguments[0])
}

func TestLoadGraphDetectsCycle(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"a": {"package": "a", "kind": "package", "name": "a", "workspacePath": "work/a", "arguments": ["b"]},
			"b": {"package": "b", "kind": "package", "name": "b", "workspacePath": "work/b", "arguments": ["a"]}
		},
		"roots": ["a"]
	}`)

	_, err := loadGraph(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestLoadGraphComputesToolVariantID(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"tool": {"package": "mytool", "kind": "package", "name": "mytool", "workspacePath": "work/mytool/package", "script": "make tool"},
			"user": {"package": "user", "kind": "build", "name": "user", "workspacePath": "work/user/build", "script": "build",
				"tools": [{"name": "mytool", "step": "tool", "path": "bin"}]}
		},
		"roots": ["user"]
	}`)

	roots, err := loadGraph(path)
	require.NoError(t, err)
	user := roots[0]
	require.Len(t, user.Tools, 1)

	provider := &step.Step{
		Package:       "mytool",
		Kind:          step.Package,
		Name:          "mytool",
		WorkspacePath: "work/mytool/package",
		Script:        "make tool",
	}
	assert.Equal(t, digest.VariantID(provider), user.Tools[0].VariantID)
	assert.NotEqual(t, step.VariantID{}, user.Tools[0].VariantID)
}

func TestLoadGraphUnknownStepReference(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"a": {"package": "a", "kind": "package", "name": "a", "workspacePath": "work/a", "arguments": ["missing"]}
		},
		"roots": ["a"]
	}`)

	_, err := loadGraph(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestLoadGraphUnknownSCMKind(t *testing.T) {
	path := writeGraph(t, `{
		"steps": {
			"a": {"package": "a", "kind": "checkout", "name": "a", "workspacePath": "work/a",
				"scms": [{"directory": "", "kind": "svn"}]}
		},
		"roots": ["a"]
	}`)

	_, err := loadGraph(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scm kind")
}
