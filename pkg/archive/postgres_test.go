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

package archive_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobbuildtool/bob/pkg/archive"
)

// These exercise NewPostgres/RunMigrations' own validation without talking
// to a real server: the DSN-parsing and connection-attempt failure paths,
// which is as far as a unit test can safely go without a live PostgreSQL
// instance (left to integration/CI environments that have one).

func TestNewPostgres_RejectsMalformedDSN(t *testing.T) {
	_, err := archive.NewPostgres(context.Background(), "://not-a-dsn", archive.Flags{})
	require.Error(t, err)
}

func TestRunMigrations_RejectsMalformedDSN(t *testing.T) {
	err := archive.RunMigrations("://not-a-dsn")
	require.Error(t, err)
}
