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

// Package fingerprint runs each distinct fingerprint script at most once:
// concurrent callers asking for the same (script, sandbox) pair share one
// in-flight execution, and the result is memoized in-process and,
// when a sandbox is involved, in a caller-supplied persistent Store.
package fingerprint

import (
	"context"
	"crypto/sha1" //nolint:gosec // cache key, not a security digest
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bobbuildtool/bob/pkg/step"
)

// Key identifies one fingerprint task. Two keys with the same Script and
// SandboxBuildID (when HasSandbox) collapse onto the same cache entry and
// the same in-flight execution, per spec.md §4.8.
type Key struct {
	Script         string
	HasSandbox     bool
	SandboxBuildID step.BuildID
}

func (k Key) cacheKey() string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(k.Script))
	if k.HasSandbox {
		h.Write([]byte{1})
		h.Write(k.SandboxBuildID[:])
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Executor actually runs a fingerprint script and returns its digest; the
// caller supplies one backed by pkg/invoker so this package stays free of
// process-execution concerns.
type Executor func(ctx context.Context, key Key) (step.Fingerprint, error)

// Store persists fingerprint results across Bob invocations. Only
// consulted for sandboxed fingerprints, matching spec.md §4.8 ("when a
// sandbox is used").
type Store interface {
	LoadFingerprint(cacheKey string) (step.Fingerprint, bool, error)
	SaveFingerprint(cacheKey string, fp step.Fingerprint) error
}

// Engine deduplicates fingerprint task execution.
type Engine struct {
	group singleflight.Group
	store Store

	mu   sync.Mutex
	memo map[string]step.Fingerprint
}

// New builds an Engine. store may be nil, in which case only the
// in-process memo is used.
func New(store Store) *Engine {
	return &Engine{store: store, memo: map[string]step.Fingerprint{}}
}

// Get returns the fingerprint for key, running exec at most once per key
// even under concurrent callers.
func (e *Engine) Get(ctx context.Context, key Key, exec Executor) (step.Fingerprint, error) {
	ck := key.cacheKey()

	if fp, ok := e.memoized(ck); ok {
		return fp, nil
	}

	if key.HasSandbox && e.store != nil {
		fp, ok, err := e.store.LoadFingerprint(ck)
		if err != nil {
			return step.Fingerprint{}, err
		}
		if ok {
			e.remember(ck, fp)
			return fp, nil
		}
	}

	v, err, _ := e.group.Do(ck, func() (any, error) {
		if fp, ok := e.memoized(ck); ok {
			return fp, nil
		}
		fp, err := exec(ctx, key)
		if err != nil {
			return nil, err
		}
		e.remember(ck, fp)
		if key.HasSandbox && e.store != nil {
			if err := e.store.SaveFingerprint(ck, fp); err != nil {
				return nil, err
			}
		}
		return fp, nil
	})
	if err != nil {
		return step.Fingerprint{}, err
	}
	return v.(step.Fingerprint), nil
}

func (e *Engine) memoized(ck string) (step.Fingerprint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fp, ok := e.memo[ck]
	return fp, ok
}

func (e *Engine) remember(ck string, fp step.Fingerprint) {
	e.mu.Lock()
	e.memo[ck] = fp
	e.mu.Unlock()
}
