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

//go:build !unix

package builder

import (
	"context"
	"fmt"
	"os"
)

// PipeSemaphore is unavailable outside unix: job-server pipes are a
// GNU-make/POSIX convention Windows has no equivalent for.
type PipeSemaphore struct{}

func NewPipeSemaphore(r, w *os.File) (*PipeSemaphore, error) {
	return nil, fmt.Errorf("builder: job-server pipe forwarding is only supported on unix")
}

func (p *PipeSemaphore) Acquire(ctx context.Context) error { return nil }
func (p *PipeSemaphore) Release()                          {}
