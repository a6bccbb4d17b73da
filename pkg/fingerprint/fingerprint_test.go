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

package fingerprint_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/fingerprint"
	"github.com/bobbuildtool/bob/pkg/step"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]step.Fingerprint
}

func newMemStore() *memStore { return &memStore{data: map[string]step.Fingerprint{}} }

func (m *memStore) LoadFingerprint(key string) (step.Fingerprint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.data[key]
	return fp, ok, nil
}

func (m *memStore) SaveFingerprint(key string, fp step.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fp
	return nil
}

func TestGet_ConcurrentCallersShareOneExecution(t *testing.T) {
	e := fingerprint.New(nil)
	var calls int32

	key := fingerprint.Key{Script: "echo hi"}
	exec := func(ctx context.Context, k fingerprint.Key) (step.Fingerprint, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		var fp step.Fingerprint
		fp[0] = 42
		return fp, nil
	}

	var wg sync.WaitGroup
	results := make([]step.Fingerprint, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp, err := e.Get(context.Background(), key, exec)
			require.NoError(t, err)
			results[i] = fp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, fp := range results {
		assert.Equal(t, byte(42), fp[0])
	}
}

func TestGet_DifferentSandboxBuildIDsAreDistinctKeys(t *testing.T) {
	e := fingerprint.New(nil)
	var calls int32
	exec := func(ctx context.Context, k fingerprint.Key) (step.Fingerprint, error) {
		atomic.AddInt32(&calls, 1)
		var fp step.Fingerprint
		fp[0] = k.SandboxBuildID[0]
		return fp, nil
	}

	var id1, id2 step.BuildID
	id1[0] = 1
	id2[0] = 2

	fp1, err := e.Get(context.Background(), fingerprint.Key{Script: "s", HasSandbox: true, SandboxBuildID: id1}, exec)
	require.NoError(t, err)
	fp2, err := e.Get(context.Background(), fingerprint.Key{Script: "s", HasSandbox: true, SandboxBuildID: id2}, exec)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.NotEqual(t, fp1, fp2)
}

func TestGet_SandboxedResultPersistsToStore(t *testing.T) {
	store := newMemStore()
	e := fingerprint.New(store)
	var calls int32
	exec := func(ctx context.Context, k fingerprint.Key) (step.Fingerprint, error) {
		atomic.AddInt32(&calls, 1)
		var fp step.Fingerprint
		fp[0] = 9
		return fp, nil
	}

	var sandboxID step.BuildID
	sandboxID[0] = 5
	key := fingerprint.Key{Script: "s", HasSandbox: true, SandboxBuildID: sandboxID}

	_, err := e.Get(context.Background(), key, exec)
	require.NoError(t, err)

	// A fresh Engine (simulating a new Bob invocation) should find the
	// persisted value without calling exec again.
	e2 := fingerprint.New(store)
	fp, err := e2.Get(context.Background(), key, exec)
	require.NoError(t, err)
	assert.Equal(t, byte(9), fp[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGet_NonSandboxedResultNeverPersists(t *testing.T) {
	store := newMemStore()
	e := fingerprint.New(store)
	exec := func(ctx context.Context, k fingerprint.Key) (step.Fingerprint, error) {
		var fp step.Fingerprint
		fp[0] = 1
		return fp, nil
	}

	key := fingerprint.Key{Script: "unsandboxed"}
	_, err := e.Get(context.Background(), key, exec)
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.data)
}
