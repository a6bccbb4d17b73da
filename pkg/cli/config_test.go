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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRegexps(t *testing.T) {
	res, err := compileRegexps([]string{"^a$", "^b.*"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].MatchString("a"))
	assert.True(t, res[1].MatchString("bee"))
}

func TestCompileRegexpsInvalid(t *testing.T) {
	_, err := compileRegexps([]string{"("})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(")
}

func TestGlobalFlagsStateDirDefaultsToProjectDir(t *testing.T) {
	f := &GlobalFlags{ProjectDir: "/some/project"}
	assert.Equal(t, "/some/project", f.stateDir())

	f.StateDir = "/elsewhere"
	assert.Equal(t, "/elsewhere", f.stateDir())
}

func TestEngineShareStoreNilWhenUnconfigured(t *testing.T) {
	e := &engine{}
	// An unconfigured engine keeps share nil rather than wrapping a nil
	// *share.Store in a non-nil builder.ShareStore.
	assert.Nil(t, e.shareStore())
}

func TestGlobalFlagsBuildShareEmptyDir(t *testing.T) {
	f := &GlobalFlags{}
	assert.Nil(t, f.buildShare())
}

func TestGlobalFlagsBuildArchiveNoBackendsConfigured(t *testing.T) {
	f := &GlobalFlags{}
	arc, err := f.buildArchive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, arc)
}
