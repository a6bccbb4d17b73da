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

import "context"

// Semaphore bounds how many steps may run their script concurrently,
// whether the permits come from this process's own worker pool or are
// forwarded from an external GNU-make job-server pipe.
type Semaphore interface {
	Acquire(ctx context.Context) error
	Release()
}

// localSemaphore is a counting semaphore backed by a buffered channel.
type localSemaphore chan struct{}

// NewLocalSemaphore returns a Semaphore allowing up to n concurrent
// holders. n<=0 is treated as 1, so a misconfigured job count never
// deadlocks the scheduler.
func NewLocalSemaphore(n int) Semaphore {
	if n <= 0 {
		n = 1
	}
	return make(localSemaphore, n)
}

func (s localSemaphore) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s localSemaphore) Release() {
	select {
	case <-s:
	default:
	}
}
