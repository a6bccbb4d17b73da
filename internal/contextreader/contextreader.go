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

// Package contextreader wraps an io.Reader so that a cancelled context
// short-circuits the next Read instead of letting it proceed.
package contextreader

import (
	"context"
	"io"
)

type reader struct {
	ctx context.Context
	r   io.Reader
}

// New returns an io.Reader that checks ctx before every Read. If ctx is
// already done, Read returns ctx.Err() without touching the underlying
// reader; otherwise it delegates straight through.
func New(ctx context.Context, r io.Reader) io.Reader {
	return &reader{ctx: ctx, r: r}
}

func (c *reader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
