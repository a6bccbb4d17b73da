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
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bobbuildtool/bob/pkg/archive"
	"github.com/bobbuildtool/bob/pkg/fingerprint"
	"github.com/bobbuildtool/bob/pkg/invoker"
	"github.com/bobbuildtool/bob/pkg/step"
	"github.com/bobbuildtool/bob/pkg/tracing"
)

// StateStore is the slice of pkg/state.Store the scheduler depends on;
// *state.Store satisfies this directly.
type StateStore interface {
	ResultHash(workspace string) (step.Digest, bool)
	SetResultHash(workspace string, h step.Digest) error
	InputHashes(workspace string) ([]step.Digest, bool)
	SetInputHashes(workspace string, hashes []step.Digest) error
	DirectoryState(workspace string) (step.DirectoryState, bool)
	SetDirectoryState(workspace string, d step.DirectoryState) error
	SetAttic(path string, rec step.AtticRecord) error
	PackageResult(workspace string) (step.PackageResult, bool)
	SetPackageResult(workspace string, r step.PackageResult) error
	DeleteWorkspace(workspace string) error
}

// Archive is the slice of pkg/archive.MultiArchive the scheduler needs:
// the package state machine's plain download/upload surface, plus the
// live-build-id translation cache the checkout state machine's fast path
// (§4.6) predicts against before committing to a real checkout.
type Archive interface {
	DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error)
	UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error

	DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error)
	UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error
	HasDownloaders() bool
}

// ShareStore is the slice of pkg/share.Store the package state machine
// needs.
type ShareStore interface {
	UseSharedPackage(id step.BuildID) (path string, hash step.Digest, ok bool, err error)
	InstallSharedPackage(id step.BuildID, contentDir string, hash step.Digest) (path string, installed bool, err error)
}

// FingerprintEngine is the slice of pkg/fingerprint.Engine the package
// state machine needs.
type FingerprintEngine interface {
	Get(ctx context.Context, key fingerprint.Key, exec fingerprint.Executor) (step.Fingerprint, error)
}

// Invoker is the slice of *invoker.Invoker the scheduler needs to run a
// step's script.
type Invoker interface {
	Run(ctx context.Context, mode invoker.Mode, tmpDir string) (invoker.Result, error)
}

// InvokerFactory builds an Invoker for one step's frozen Spec; a new one
// is created per execution since every step's Spec differs.
type InvokerFactory func(spec invoker.Spec, sandbox invoker.Sandbox) Invoker

func defaultInvokerFactory(spec invoker.Spec, sandbox invoker.Sandbox) Invoker {
	return invoker.New(spec, sandbox)
}

// Builder is the scheduler: a bounded worker pool dispatching the
// checkout/build/package state machines over a resolved step graph.
// Grounded on pkg/service/scheduler/scheduler.go's semaphore fan-out and
// mutex-guarded bookkeeping maps, and on
// original_source/pym/bob/builder.py's LocalBuilder for the task-dedup,
// restart-once and state-machine decision tables.
type Builder struct {
	Config      Config
	State       StateStore
	Archive     Archive
	Share       ShareStore
	Fingerprint FingerprintEngine
	NewInvoker  InvokerFactory
	Sandbox     invoker.Sandbox

	// OnStepStart and OnStepDone, when non-nil, are invoked immediately
	// before and after cookStep dispatches a step's checkout/build/package
	// state machine, including when that state machine then finds the step
	// already up to date, so a caller wiring in external job bookkeeping —
	// e.g. pkg/store — always sees a matching start/done pair per dispatched
	// step. Neither is called concurrently for the same step, but different
	// steps may overlap.
	OnStepStart func(s *step.Step)
	OnStepDone  func(s *step.Step, err error)

	runners Semaphore
	locks   *workspaceLocks
	attic   *atticTracker

	group singleflight.Group

	doneMu sync.Mutex
	done   map[string]bool

	errMu sync.Mutex
	errs  []*BuildError

	// auditMu guards audits, a per-workspace cache of the audit record each
	// successfully cooked step most recently produced; a dependent's own
	// record collects its References from here instead of re-reading every
	// ancestor's audit.json.gz back off disk.
	auditMu sync.Mutex
	audits  map[string]archive.AuditRecord
}

// New builds a Builder. sem is the runner-permit source; pass nil to get a
// local semaphore sized from cfg.Jobs.
func New(cfg Config, state StateStore, arc Archive, sh ShareStore, fp FingerprintEngine, sem Semaphore) *Builder {
	if sem == nil {
		sem = NewLocalSemaphore(cfg.Jobs)
	}
	return &Builder{
		Config:      cfg,
		State:       state,
		Archive:     arc,
		Share:       sh,
		Fingerprint: fp,
		NewInvoker:  defaultInvokerFactory,
		runners:     sem,
		locks:       newWorkspaceLocks(),
		attic:       newAtticTracker(),
		done:        map[string]bool{},
		audits:      map[string]archive.AuditRecord{},
	}
}

// Cook builds every step reachable from roots. checkoutOnly restricts work
// to checkout steps (spec.md's "--checkout-only" knob). A checkout whose
// real content hash does not match the build-id its live-build-id
// prediction translated to triggers exactly one restart of the whole
// attempt; a second restart request is treated as a hard failure rather
// than looping forever.
func (b *Builder) Cook(ctx context.Context, roots []*step.Step, checkoutOnly bool) error {
	for attempt := 0; ; attempt++ {
		b.resetErrors()
		err := b.cookAttempt(ctx, roots, checkoutOnly)
		if errors.Is(err, ErrRestartBuild) {
			if attempt >= 1 {
				return fmt.Errorf("builder: a second restart was requested, aborting: %w", err)
			}
			clog.FromContext(ctx).Infof("builder: restarting build: a checkout did not match its predicted build-id")
			continue
		}
		return err
	}
}

func (b *Builder) cookAttempt(ctx context.Context, roots []*step.Step, checkoutOnly bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range roots {
		r := r
		g.Go(func() error {
			return b.cookStep(gctx, r, checkoutOnly, 0, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if errs := b.snapshotErrors(); len(errs) > 0 {
		return &MultiBuildError{Errors: errs}
	}
	return nil
}

// cookStep recurses into s's dependencies, then dispatches s itself by
// kind. Concurrent callers for the same *step.Step and checkoutOnly flag
// collapse onto a single execution via singleflight (the graph loader
// shares one pointer per step, so this is one task per step; two distinct
// steps with the same WorkspacePath are not merged, only serialized by the
// workspace lock); a step
// already completed earlier in this attempt (wasRun, in Python terms) is
// skipped outright.
func (b *Builder) cookStep(ctx context.Context, s *step.Step, checkoutOnly bool, depth int, stack []string) error {
	if s == nil {
		return nil
	}
	key := taskKey(s, checkoutOnly)
	if b.isDone(key) {
		return nil
	}

	_, err, _ := b.group.Do(key, func() (any, error) {
		if b.isDone(key) {
			return nil, nil
		}
		stepStack := append(append([]string{}, stack...), s.Package+"/"+s.Kind.String())

		if err := b.cookDeps(ctx, s, checkoutOnly, depth, stepStack); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := b.runners.Acquire(ctx); err != nil {
			return nil, err
		}
		defer b.runners.Release()

		unlock := b.locks.lock(s.WorkspacePath)
		defer unlock()

		if b.OnStepStart != nil {
			b.OnStepStart(s)
		}

		stepCtx, span := tracing.Tracer("bob/builder").Start(ctx, "cook."+s.Kind.String(),
			trace.WithAttributes(tracing.StepAttributes(s.Package, s.Kind.String())...))

		var stepErr error
		switch s.Kind {
		case step.Checkout:
			stepErr = b.cookCheckout(stepCtx, s, stepStack)
		case step.Build:
			if !checkoutOnly {
				stepErr = b.cookBuild(stepCtx, s, stepStack)
			}
		case step.Package:
			if !checkoutOnly {
				stepErr = b.cookPackage(stepCtx, s, depth, stepStack)
			}
		}

		if stepErr != nil && !errors.Is(stepErr, ErrRestartBuild) {
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
		}
		span.End()

		if b.OnStepDone != nil {
			b.OnStepDone(s, stepErr)
		}

		if stepErr != nil {
			if errors.Is(stepErr, ErrRestartBuild) {
				return nil, stepErr
			}
			return nil, b.recordError(s, stepStack, stepErr)
		}

		b.markDone(key)
		return nil, nil
	})
	return err
}

func (b *Builder) cookDeps(ctx context.Context, s *step.Step, checkoutOnly bool, depth int, stack []string) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.Sandbox != nil {
		sandbox := s.Sandbox
		g.Go(func() error { return b.cookStep(gctx, sandbox, checkoutOnly, depth+1, stack) })
	}
	if !b.Config.SkipDeps {
		for _, a := range s.Arguments {
			a := a
			g.Go(func() error { return b.cookStep(gctx, a, checkoutOnly, depth+1, stack) })
		}
	}
	return g.Wait()
}

// recordError appends be to the error list and, unless KeepGoing is set,
// returns it so the caller stops the whole attempt.
func (b *Builder) recordError(s *step.Step, stack []string, err error) error {
	be := newBuildError(s.Package, stack, err)
	b.errMu.Lock()
	b.errs = append(b.errs, be)
	b.errMu.Unlock()
	if !b.Config.KeepGoing {
		return be
	}
	return nil
}

func (b *Builder) snapshotErrors() []*BuildError {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	out := make([]*BuildError, len(b.errs))
	copy(out, b.errs)
	return out
}

func (b *Builder) resetErrors() {
	b.errMu.Lock()
	b.errs = nil
	b.errMu.Unlock()
	b.doneMu.Lock()
	b.done = map[string]bool{}
	b.doneMu.Unlock()
}

func (b *Builder) isDone(key string) bool {
	b.doneMu.Lock()
	defer b.doneMu.Unlock()
	return b.done[key]
}

func (b *Builder) markDone(key string) {
	b.doneMu.Lock()
	b.done[key] = true
	b.doneMu.Unlock()
}

func taskKey(s *step.Step, checkoutOnly bool) string {
	return fmt.Sprintf("%p|%t", s, checkoutOnly)
}

// envMap builds a step's script environment, with b.Config.ExtraEnv (the
// project's bob.yaml environment block, optionally seeded from its envFile)
// as the base and the
// step's own declared Env overriding it key-for-key — the same
// base-then-override precedence the teacher's config loader applies when
// merging a godotenv file under its YAML-declared environment block.
func (b *Builder) envMap(env []step.EnvPair) map[string]string {
	m := make(map[string]string, len(env)+len(b.Config.ExtraEnv))
	maps.Copy(m, b.Config.ExtraEnv)
	for _, e := range env {
		m[e.Key] = e.Value
	}
	return m
}

func digestSlicesEqual(a, b []step.Digest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// dependencyHashes returns the result hash of s's sandbox (if any) followed
// by each of its Arguments, in order; every entry is required to already
// be cooked, since cookDeps always runs before cookBuild/cookPackage.
func (b *Builder) dependencyHashes(s *step.Step) ([]step.Digest, error) {
	var hashes []step.Digest
	if s.Sandbox != nil {
		h, ok := b.State.ResultHash(s.Sandbox.WorkspacePath)
		if !ok {
			return nil, fmt.Errorf("builder: missing result hash for sandbox workspace %s", s.Sandbox.WorkspacePath)
		}
		hashes = append(hashes, h)
	}
	for _, a := range s.Arguments {
		h, ok := b.State.ResultHash(a.WorkspacePath)
		if !ok {
			return nil, fmt.Errorf("builder: missing result hash for dependency workspace %s", a.WorkspacePath)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// depBuildID returns the identity a dependency step contributes to a
// consumer's build-id: a package step's actual artifact build-id, or (for
// checkout/build steps) the content hash of its workspace — both already
// persisted by the time cookDeps lets a consumer proceed.
func (b *Builder) depBuildID(s *step.Step) (step.BuildID, error) {
	if s.Kind == step.Package {
		pr, ok := b.State.PackageResult(s.WorkspacePath)
		if !ok {
			return step.BuildID{}, fmt.Errorf("builder: missing package result for %s", s.WorkspacePath)
		}
		return pr.BuildID, nil
	}
	h, ok := b.State.ResultHash(s.WorkspacePath)
	if !ok {
		return step.BuildID{}, fmt.Errorf("builder: missing result hash for %s", s.WorkspacePath)
	}
	return h, nil
}
