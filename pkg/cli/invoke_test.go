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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/invoker"
)

func TestParseInvokeMode(t *testing.T) {
	m, err := parseInvokeMode("")
	require.NoError(t, err)
	assert.Equal(t, invoker.Call, m)

	m, err = parseInvokeMode("call")
	require.NoError(t, err)
	assert.Equal(t, invoker.Call, m)

	m, err = parseInvokeMode("update")
	require.NoError(t, err)
	assert.Equal(t, invoker.Update, m)

	m, err = parseInvokeMode("shell")
	require.NoError(t, err)
	assert.Equal(t, invoker.Shell, m)

	_, err = parseInvokeMode("bogus")
	assert.Error(t, err)
}

func TestInvokeSpecToSpecForcesStreaming(t *testing.T) {
	s := invokeSpec{
		WorkspacePath: "work/libfoo/build",
		Script:        "make",
		Env:           map[string]string{"FOO": "bar"},
	}
	got := s.toSpec()
	assert.Equal(t, "work/libfoo/build", got.WorkspacePath)
	assert.Equal(t, "make", got.Script)
	assert.Equal(t, "bar", got.Env["FOO"])
	assert.True(t, got.ShowStdout)
	assert.True(t, got.ShowStderr)
}
