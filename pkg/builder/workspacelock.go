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

package builder

import "sync"

// workspaceLocks serializes access to a given workspace directory: two
// steps that happen to share a WorkspacePath never run concurrently.
type workspaceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newWorkspaceLocks() *workspaceLocks {
	return &workspaceLocks{locks: map[string]*sync.Mutex{}}
}

// lock blocks until path is free and returns the function that releases it.
func (w *workspaceLocks) lock(path string) func() {
	w.mu.Lock()
	m, ok := w.locks[path]
	if !ok {
		m = &sync.Mutex{}
		w.locks[path] = m
	}
	w.mu.Unlock()

	m.Lock()
	return m.Unlock
}
