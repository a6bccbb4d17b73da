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

package archive

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bobbuildtool/bob/pkg/step"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations applies every pending schema migration to dsn, mirroring
// the teacher's store.RunMigrations call-site: cmd/bob runs this once at
// startup, before handing the DSN to NewPostgres.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres archive: opening migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("postgres archive: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres archive: running migrations: %w", err)
	}
	return nil
}

// PostgresOption configures a Postgres backend.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	maxConns int32
	minConns int32
}

// WithPostgresMaxConns bounds the connection pool, mirroring the teacher's
// PostgresBuildStoreOption knob of the same name.
func WithPostgresMaxConns(n int32) PostgresOption {
	return func(c *postgresConfig) { c.maxConns = n }
}

// Postgres is a PostgreSQL-backed Archive: packages, live-build-id
// translations, and fingerprints are rows in three tables instead of
// content-addressed files, letting a fleet of builders share one cache
// behind a connection pool rather than a shared filesystem or bucket.
type Postgres struct {
	pool  *pgxpool.Pool
	flags Flags
}

var _ Backend = (*Postgres)(nil)

// NewPostgres opens a connection pool against dsn. Callers must have run
// RunMigrations against the same dsn first.
func NewPostgres(ctx context.Context, dsn string, flags Flags, opts ...PostgresOption) (*Postgres, error) {
	cfg := postgresConfig{maxConns: 10, minConns: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.maxConns
	poolCfg.MinConns = cfg.minConns
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: pinging: %w", err)
	}
	return &Postgres{pool: pool, flags: flags}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Name() string { return "postgres" }
func (p *Postgres) Flags() Flags { return p.flags }

func (p *Postgres) DownloadPackage(ctx context.Context, id step.BuildID, destDir string) (bool, error) {
	var artifact []byte
	err := p.pool.QueryRow(ctx, `SELECT artifact FROM packages WHERE build_id = $1`, id.String()).Scan(&artifact)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres archive: reading %s: %w", id, err)
	}

	if err := ReadArtifact(bytes.NewReader(artifact), destDir+"/audit.json.gz", destDir+"/content"); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) UploadPackage(ctx context.Context, id step.BuildID, auditPath, contentDir string) error {
	var buf bytes.Buffer
	if err := WriteArtifact(&buf, auditPath, contentDir); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO packages (build_id, artifact) VALUES ($1, $2)
		ON CONFLICT (build_id) DO UPDATE SET artifact = EXCLUDED.artifact`,
		id.String(), buf.Bytes())
	if err != nil {
		return fmt.Errorf("postgres archive: writing %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) DownloadLiveBuildID(ctx context.Context, liveID string) (step.BuildID, bool, error) {
	var hex string
	err := p.pool.QueryRow(ctx, `SELECT build_id FROM live_build_ids WHERE live_id = $1`, liveID).Scan(&hex)
	if errors.Is(err, pgx.ErrNoRows) {
		return step.BuildID{}, false, nil
	}
	if err != nil {
		return step.BuildID{}, false, fmt.Errorf("postgres archive: reading live-build-id %s: %w", liveID, err)
	}
	id, err := step.DigestFromHex(hex)
	if err != nil {
		return step.BuildID{}, false, err
	}
	return id, true, nil
}

func (p *Postgres) UploadLiveBuildID(ctx context.Context, liveID string, id step.BuildID) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO live_build_ids (live_id, build_id) VALUES ($1, $2)
		ON CONFLICT (live_id) DO UPDATE SET build_id = EXCLUDED.build_id`,
		liveID, id.String())
	if err != nil {
		return fmt.Errorf("postgres archive: writing live-build-id %s: %w", liveID, err)
	}
	return nil
}

func (p *Postgres) DownloadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string) (step.Fingerprint, bool, error) {
	var hex string
	err := p.pool.QueryRow(ctx, `SELECT fingerprint FROM fingerprints WHERE sandbox_build_id = $1 AND key = $2`,
		sandboxBuildID.String(), key).Scan(&hex)
	if errors.Is(err, pgx.ErrNoRows) {
		return step.Fingerprint{}, false, nil
	}
	if err != nil {
		return step.Fingerprint{}, false, fmt.Errorf("postgres archive: reading fingerprint: %w", err)
	}
	fp, err := step.DigestFromHex(hex)
	if err != nil {
		return step.Fingerprint{}, false, err
	}
	return fp, true, nil
}

func (p *Postgres) UploadFingerprint(ctx context.Context, sandboxBuildID step.BuildID, key string, fp step.Fingerprint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO fingerprints (sandbox_build_id, key, fingerprint) VALUES ($1, $2, $3)
		ON CONFLICT (sandbox_build_id, key) DO UPDATE SET fingerprint = EXCLUDED.fingerprint`,
		sandboxBuildID.String(), key, fp.String())
	if err != nil {
		return fmt.Errorf("postgres archive: writing fingerprint: %w", err)
	}
	return nil
}
