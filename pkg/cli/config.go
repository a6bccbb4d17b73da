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

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"runtime"

	"cloud.google.com/go/storage"
	"github.com/spf13/pflag"

	"github.com/chainguard-dev/clog"

	"github.com/bobbuildtool/bob/pkg/archive"
	"github.com/bobbuildtool/bob/pkg/builder"
	"github.com/bobbuildtool/bob/pkg/fingerprint"
	"github.com/bobbuildtool/bob/pkg/metrics"
	"github.com/bobbuildtool/bob/pkg/share"
	"github.com/bobbuildtool/bob/pkg/state"
	"github.com/bobbuildtool/bob/pkg/tracing"
)

// GlobalFlags are the flags every subcommand that touches a project shares:
// where the project lives, where its persisted state and artifact caches
// live, and how many build jobs to run at once. Grounded on the teacher's
// BuildFlags-struct idiom (pkg/cli/build.go), generalized from one command's
// flags to the handful every Bob subcommand needs.
type GlobalFlags struct {
	ProjectDir string
	StateDir   string
	Jobs       int

	LocalArchiveDir string
	ArchiveDownload bool
	ArchiveUpload   bool
	GCSBucket       string
	GCSPrefix       string

	PostgresDSN      string
	PostgresMaxConns int32

	SharedPackagesDir string

	Attic bool

	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64

	MetricsAddr string
}

func addGlobalFlags(fs *pflag.FlagSet, flags *GlobalFlags) {
	fs.StringVar(&flags.ProjectDir, "project-dir", ".", "root directory of the project being built")
	fs.StringVar(&flags.StateDir, "state-dir", "", "directory holding .bob-state (default: project-dir)")
	fs.IntVar(&flags.Jobs, "jobs", runtime.NumCPU(), "maximum number of concurrent build steps (values below 1 are treated as 1)")

	fs.StringVar(&flags.LocalArchiveDir, "archive-dir", "", "local directory used as a package archive")
	fs.BoolVar(&flags.ArchiveDownload, "archive-download", true, "allow downloading packages from the archive")
	fs.BoolVar(&flags.ArchiveUpload, "archive-upload", false, "upload built packages to the archive")
	fs.StringVar(&flags.GCSBucket, "gcs-bucket", "", "GCS bucket used as an additional package archive")
	fs.StringVar(&flags.GCSPrefix, "gcs-prefix", "", "object-name prefix within --gcs-bucket")

	fs.StringVar(&flags.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN used as an additional package archive (falls back to $POSTGRES_DSN)")
	fs.Int32Var(&flags.PostgresMaxConns, "postgres-max-conns", 10, "maximum PostgreSQL connections held open by --postgres-dsn")

	fs.StringVar(&flags.SharedPackagesDir, "shared-dir", "", "directory used to de-duplicate identical packages across workspaces")

	fs.BoolVar(&flags.Attic, "attic", true, "move displaced checkout directories to the attic instead of failing")

	fs.BoolVar(&flags.EnableTracing, "enable-tracing", false, "emit OpenTelemetry spans for Builder steps and archive transfers")
	fs.StringVar(&flags.OTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint (reserved; see DESIGN.md for the current log-backed exporter)")
	fs.BoolVar(&flags.OTLPInsecure, "otlp-insecure", false, "disable TLS when dialing --otlp-endpoint (reserved)")
	fs.Float64Var(&flags.TraceSampleRate, "trace-sample-rate", 1.0, "fraction of traces to sample when tracing is enabled")

	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "address to serve Prometheus scheduler metrics on (disabled when empty)")
}

func (f *GlobalFlags) stateDir() string {
	if f.StateDir != "" {
		return f.StateDir
	}
	return f.ProjectDir
}

// openState opens the project's persistent state store.
func (f *GlobalFlags) openState(ctx context.Context, readOnly bool) (*state.Store, error) {
	s, err := state.Open(ctx, f.stateDir(), readOnly)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return s, nil
}

// buildArchive assembles the MultiArchive this invocation should use: the
// local directory archive (if configured), then GCS (if configured), then
// PostgreSQL (if a DSN is configured), always in that fixed order.
func (f *GlobalFlags) buildArchive(ctx context.Context) (*archive.MultiArchive, error) {
	archFlags := archive.Flags{Download: f.ArchiveDownload, Upload: f.ArchiveUpload}

	var backends []archive.Backend
	if f.LocalArchiveDir != "" {
		backends = append(backends, archive.NewLocal(f.LocalArchiveDir, archFlags))
	}
	if f.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating GCS client: %w", err)
		}
		backends = append(backends, archive.NewGCS(client, f.GCSBucket, f.GCSPrefix, archFlags))
	}
	if dsn := f.postgresDSN(); dsn != "" {
		if err := archive.RunMigrations(dsn); err != nil {
			return nil, err
		}
		pg, err := archive.NewPostgres(ctx, dsn, archFlags, archive.WithPostgresMaxConns(f.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		backends = append(backends, pg)
	}
	return archive.New(backends...), nil
}

// postgresDSN resolves --postgres-dsn, falling back to $POSTGRES_DSN the
// same way the teacher's melange-server main.go resolves its own flag.
func (f *GlobalFlags) postgresDSN() string {
	if f.PostgresDSN != "" {
		return f.PostgresDSN
	}
	return os.Getenv("POSTGRES_DSN")
}

// serveMetrics starts a Prometheus scheduler metrics server on
// f.MetricsAddr, returning the Scheduler to wire into a Builder's
// OnStepStart/OnStepDone hooks and a shutdown func. Returns a nil Scheduler
// and a no-op shutdown when MetricsAddr is unset.
func (f *GlobalFlags) serveMetrics(ctx context.Context) (*metrics.Scheduler, func(context.Context) error) {
	if f.MetricsAddr == "" {
		return nil, func(context.Context) error { return nil }
	}

	sched := metrics.NewScheduler()
	mux := http.NewServeMux()
	mux.Handle("/metrics", sched.Handler())
	srv := &http.Server{Addr: f.MetricsAddr, Handler: mux}

	log := clog.FromContext(ctx)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %v", err)
		}
	}()

	return sched, srv.Shutdown
}

// setupTracing installs the global TracerProvider for this invocation,
// mirroring the teacher's cmd/melange-server tracing.Setup call site.
func (f *GlobalFlags) setupTracing(ctx context.Context) (func(context.Context) error, error) {
	return tracing.Setup(ctx, tracing.Config{
		ServiceName:    "bob",
		ServiceVersion: "0.1.0",
		Enabled:        f.EnableTracing,
		OTLPEndpoint:   f.OTLPEndpoint,
		OTLPInsecure:   f.OTLPInsecure,
		SampleRate:     f.TraceSampleRate,
	})
}

func (f *GlobalFlags) buildShare() *share.Store {
	dir := f.SharedPackagesDir
	if dir == "" {
		return nil
	}
	return share.New(dir)
}

// engine bundles the long-lived collaborators a build/status/clean
// invocation needs, opened once and threaded through every subcommand so
// each one only has to describe what it wants to do with them.
type engine struct {
	state   *state.Store
	archive *archive.MultiArchive
	share   *share.Store
	fp      *fingerprint.Engine
}

func (f *GlobalFlags) openEngine(ctx context.Context, readOnly bool) (*engine, error) {
	st, err := f.openState(ctx, readOnly)
	if err != nil {
		return nil, err
	}
	arc, err := f.buildArchive(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &engine{
		state:   st,
		archive: arc,
		share:   f.buildShare(),
		fp:      fingerprint.New(st),
	}, nil
}

func (e *engine) Close() error {
	e.archive.Close()
	return e.state.Close()
}

// shareStore adapts e.share (nil when sharing is disabled) to
// builder.ShareStore: a nil *share.Store would satisfy the interface with a
// non-nil value holding a nil receiver, so Builder.Share must itself stay
// nil for "sharing disabled" to read correctly at every call site.
func (e *engine) shareStore() builder.ShareStore {
	if e.share == nil {
		return nil
	}
	return e.share
}

// compileRegexps turns a --flag value list of regular expressions into
// compiled form, reporting which one failed.
func compileRegexps(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
