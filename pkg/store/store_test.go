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

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/step"
)

func testSteps() []*step.Step {
	return []*step.Step{
		{Package: "libfoo", Kind: step.Checkout},
		{Package: "libfoo", Kind: step.Build},
		{Package: "app", Kind: step.Package},
	}
}

func TestStore_CreateRun(t *testing.T) {
	s := New(Config{})
	run := s.CreateRun(testSteps())

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunPending, run.Status)
	require.Len(t, run.Jobs, 3)
	for _, j := range run.Jobs {
		assert.Equal(t, JobPending, j.Status)
	}
}

func TestStore_GetRun_ReturnsCopy(t *testing.T) {
	s := New(Config{})
	run := s.CreateRun(testSteps())

	got1, ok := s.GetRun(run.ID)
	require.True(t, ok)
	got2, ok := s.GetRun(run.ID)
	require.True(t, ok)

	got1.Jobs[0].Status = JobRunning
	assert.NotEqual(t, got1.Jobs[0].Status, got2.Jobs[0].Status)

	_, ok = s.GetRun("missing")
	assert.False(t, ok)
}

func TestStore_StartAndFinishJob_UpdatesRunStatus(t *testing.T) {
	s := New(Config{})
	run := s.CreateRun(testSteps())

	require.NoError(t, s.StartJob(run.ID, "libfoo", step.Checkout))
	got, _ := s.GetRun(run.ID)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, JobRunning, got.Jobs[0].Status)
	assert.NotNil(t, got.Jobs[0].StartedAt)

	require.NoError(t, s.FinishJob(run.ID, "libfoo", step.Checkout, nil))
	require.NoError(t, s.StartJob(run.ID, "libfoo", step.Build))
	require.NoError(t, s.FinishJob(run.ID, "libfoo", step.Build, nil))
	require.NoError(t, s.StartJob(run.ID, "app", step.Package))
	require.NoError(t, s.FinishJob(run.ID, "app", step.Package, nil))

	got, _ = s.GetRun(run.ID)
	assert.Equal(t, RunSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)

	active := s.ListActiveRuns()
	assert.Empty(t, active, "a terminal run must drop out of the active index")
}

func TestStore_FinishJob_FailureProducesPartialOrFailedRun(t *testing.T) {
	s := New(Config{})
	run := s.CreateRun(testSteps())

	require.NoError(t, s.FinishJob(run.ID, "libfoo", step.Checkout, errors.New("boom")))
	got, _ := s.GetRun(run.ID)
	assert.Equal(t, JobFailed, got.Jobs[0].Status)
	assert.Equal(t, "boom", got.Jobs[0].Err)
	assert.Equal(t, RunPartial, got.Status, "other jobs are still pending")

	require.NoError(t, s.FinishJob(run.ID, "libfoo", step.Build, errors.New("dep failed")))
	require.NoError(t, s.FinishJob(run.ID, "app", step.Package, errors.New("dep failed")))
	got, _ = s.GetRun(run.ID)
	assert.Equal(t, RunFailed, got.Status)
}

func TestStore_UpdateJob_UnknownRunOrJob(t *testing.T) {
	s := New(Config{})
	run := s.CreateRun(testSteps())

	err := s.StartJob("missing-run", "libfoo", step.Checkout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")

	err = s.StartJob(run.ID, "nope", step.Build)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestStore_ListRuns_OrderedByCreation(t *testing.T) {
	s := New(Config{})
	r1 := s.CreateRun(testSteps())
	r2 := s.CreateRun(testSteps())

	runs := s.ListRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, r1.ID, runs[0].ID)
	assert.Equal(t, r2.ID, runs[1].ID)
}

func TestStore_EvictsCompletedRunsBeyondLimit(t *testing.T) {
	s := New(Config{MaxCompletedRuns: 1})

	r1 := s.CreateRun(testSteps())
	for _, j := range r1.Jobs {
		require.NoError(t, s.FinishJob(r1.ID, j.Package, j.Kind, nil))
	}
	r2 := s.CreateRun(testSteps())
	for _, j := range r2.Jobs {
		require.NoError(t, s.FinishJob(r2.ID, j.Package, j.Kind, nil))
	}

	// The third CreateRun's inline eviction sweep should drop r1, the
	// oldest completed run, once more than MaxCompletedRuns are terminal.
	s.CreateRun(testSteps())

	_, ok := s.GetRun(r1.ID)
	assert.False(t, ok, "oldest completed run should have been evicted")
	_, ok = s.GetRun(r2.ID)
	assert.True(t, ok)
}

func TestStore_Close_StopsBackgroundEviction(t *testing.T) {
	s := New(Config{EvictionInterval: time.Millisecond})
	s.CreateRun(testSteps())
	s.Close()
}
