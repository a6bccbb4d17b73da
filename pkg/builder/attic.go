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

import (
	"strings"
	"sync"
)

// atticTracker records checkout directories displaced to the attic during
// the current run, so a step targeting a path nested under one of them
// can tell its parent directory is gone rather than silently writing into
// a stale tree. Grounded on original_source/pym/bob/builder.py's
// AtticTracker, simplified to whole-path prefix matching rather than its
// full per-SCM-mount bookkeeping.
type atticTracker struct {
	mu      sync.Mutex
	moved   []string
	counter int
}

func newAtticTracker() *atticTracker {
	return &atticTracker{}
}

func (a *atticTracker) record(dir string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.moved = append(a.moved, dir)
}

// movedOrAncestor reports whether dir, or an ancestor of dir, was
// displaced to the attic this run.
func (a *atticTracker) movedOrAncestor(dir string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.moved {
		if dir == m || strings.HasPrefix(dir, m+"/") {
			return true
		}
	}
	return false
}

// next returns a fresh, monotonically increasing counter value, starting
// at 1 for each tracker.
func (a *atticTracker) next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	return a.counter
}
