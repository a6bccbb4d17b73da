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

// Package builder implements the scheduler: the bounded worker pool and the
// checkout/build/package state machines that turn a resolved step graph
// into built artifacts, per spec.md §4.6.
package builder

import "regexp"

// Config holds every boolean and bounded knob spec.md §4.6 lists.
type Config struct {
	Force         bool
	SkipDeps      bool
	BuildOnly     bool
	KeepGoing     bool
	CleanBuild    bool
	CleanCheckout bool
	Audit         bool
	Attic         bool

	SlimSandbox           bool
	UseSharedPackages     bool
	InstallSharedPackages bool
	LinkDeps              bool

	// Jobs bounds concurrent runner permits. Values <=0 are treated as 1.
	Jobs int

	// DownloadDepth is the minimum graph depth (root = 0) at which a
	// package is eligible for archive download; a negative value makes
	// every depth eligible. DownloadDepthForce is carried in the config
	// but not consulted by downloadAllowed or anywhere else in the builder.
	DownloadDepth      int
	DownloadDepthForce bool
	DownloadPackages   *regexp.Regexp
	UploadDepth        int
	AlwaysCheckout     []*regexp.Regexp

	// PlatformTag enters every build-id (digest.BuildID's platformTag
	// argument), keeping artifacts from different OS/arch/toolchain
	// combinations from ever colliding.
	PlatformTag string

	// ExtraEnv is the project's bob.yaml environment block, optionally
	// seeded from the env file it names: it underlies every step's own Env,
	// which overrides it key-for-key.
	ExtraEnv map[string]string
}

func (c Config) alwaysCheckout(pkg string) bool {
	for _, re := range c.AlwaysCheckout {
		if re.MatchString(pkg) {
			return true
		}
	}
	return false
}

func (c Config) downloadAllowed(pkg string, depth int) bool {
	if c.DownloadPackages != nil && c.DownloadPackages.MatchString(pkg) {
		return true
	}
	if c.DownloadDepth < 0 {
		return true // negative means unbounded, spec.md's "0...infinity"
	}
	return depth >= c.DownloadDepth
}

func (c Config) uploadAllowed(depth int) bool {
	if c.UploadDepth < 0 {
		return true
	}
	return depth <= c.UploadDepth
}
