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

//go:build unix

package builder

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// pollIntervalMillis is how often Acquire re-checks ctx between polls of
// the job-server pipe.
const pollIntervalMillis = 200

// PipeSemaphore forwards GNU make's job-server protocol: Acquire consumes
// one byte from the read end, Release writes one byte back to the write
// end. Grounded on original_source/pym/bob/builder.py's
// JobServerSemaphore, which drives the same pipe from an asyncio
// non-blocking-read loop; Go has no event loop to hook a file descriptor
// into, so this polls the fd with unix.Poll instead.
type PipeSemaphore struct {
	r, w *os.File
}

// NewPipeSemaphore wraps an inherited job-server pipe's read and write
// ends (conventionally file descriptors 3 and 4, as forwarded by a parent
// make invocation via MAKEFLAGS).
func NewPipeSemaphore(r, w *os.File) (*PipeSemaphore, error) {
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return nil, fmt.Errorf("builder: setting job-server pipe non-blocking: %w", err)
	}
	return &PipeSemaphore{r: r, w: w}, nil
}

func (p *PipeSemaphore) Acquire(ctx context.Context) error {
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pfds := []unix.PollFd{{Fd: int32(p.r.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, pollIntervalMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("builder: polling job-server pipe: %w", err)
		}
		if n == 0 {
			continue
		}
		if _, err := p.r.Read(buf); err != nil {
			if err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("builder: reading job-server pipe: %w", err)
		}
		return nil
	}
}

func (p *PipeSemaphore) Release() {
	_, _ = p.w.Write([]byte{'+'})
}
