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
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bobbuildtool/bob/pkg/builder"
	"github.com/bobbuildtool/bob/pkg/invoker"
	"github.com/bobbuildtool/bob/pkg/step"
	"github.com/bobbuildtool/bob/pkg/store"
)

// addBuildFlags registers every `bob build` flag, following the teacher's
// flag-struct-plus-addXFlags idiom (pkg/cli/build.go's addBuildFlags).
func addBuildFlags(fs *pflag.FlagSet, flags *BuildFlags) {
	fs.BoolVar(&flags.Force, "force", false, "rebuild even if nothing appears to have changed")
	fs.BoolVar(&flags.SkipDeps, "skip-deps", false, "don't descend into dependencies, assume they are already up to date")
	fs.BoolVar(&flags.CheckoutOnly, "checkout-only", false, "only perform checkouts, skip build/package steps")
	fs.BoolVar(&flags.BuildOnly, "build-only", false, "reuse the existing checkout, only update local SCMs")
	fs.BoolVar(&flags.KeepGoing, "keep-going", false, "continue building unrelated packages after a failure")
	fs.BoolVar(&flags.CleanBuild, "clean", false, "empty the build workspace before running the build script")
	fs.BoolVar(&flags.CleanCheckout, "clean-checkout", false, "discard a checkout directory's local changes instead of failing (recorded in the builder config; the builder does not act on it)")
	fs.BoolVar(&flags.Audit, "audit", true, "record an audit trail alongside built packages")
	fs.BoolVar(&flags.UseSharedPackages, "shared", false, "reuse identical packages from --shared-dir instead of rebuilding")
	fs.BoolVar(&flags.InstallSharedPackages, "install-shared", false, "install newly built packages into --shared-dir for future reuse")
	fs.BoolVar(&flags.LinkDeps, "link-deps", false, "hard-link dependency content into the sandbox instead of copying (recorded in the builder config; the builder does not act on it)")
	fs.BoolVar(&flags.SlimSandbox, "slim-sandbox", false, "exclude dependencies not consumed as tools from the sandbox root (recorded in the builder config; the builder does not act on it)")

	fs.IntVar(&flags.DownloadDepth, "download-depth", -1, "graph depth (0=roots) eligible for archive download; -1 means unbounded")
	fs.BoolVar(&flags.DownloadDepthForce, "download-depth-force", false, "allow archive download even for packages with local changes (recorded in the builder config; the builder does not act on it)")
	fs.StringSliceVar(&flags.DownloadPackages, "download", nil, "regular expressions of package names always eligible for download")
	fs.IntVar(&flags.UploadDepth, "upload-depth", -1, "graph depth (0=roots) eligible for archive upload; -1 means unbounded")
	fs.StringSliceVar(&flags.AlwaysCheckout, "always-checkout", nil, "regular expressions of package names to always check out fresh")

	fs.StringVar(&flags.PlatformTag, "platform-tag", "", "tag entering every build-id, keeping artifacts from different platforms apart")
}

// BuildFlags holds every parsed `bob build` flag.
type BuildFlags struct {
	Force        bool
	SkipDeps     bool
	CheckoutOnly bool
	BuildOnly    bool
	KeepGoing    bool

	CleanBuild    bool
	CleanCheckout bool
	Audit         bool

	UseSharedPackages     bool
	InstallSharedPackages bool
	LinkDeps              bool
	SlimSandbox           bool

	DownloadDepth      int
	DownloadDepthForce bool
	DownloadPackages   []string
	UploadDepth        int
	AlwaysCheckout     []string

	PlatformTag string
}

// ToBuilderConfig compiles the parsed flags into a builder.Config. Mirrors
// the teacher's BuildFlags.ToBuildConfig: the one place flag values become
// the structured config the engine actually runs on. attic comes from
// GlobalFlags rather than BuildFlags since `bob layers` needs the same
// knob.
func (f *BuildFlags) ToBuilderConfig(jobs int, attic bool) (builder.Config, error) {
	downloadPatterns, err := joinedPattern(f.DownloadPackages)
	if err != nil {
		return builder.Config{}, err
	}
	alwaysCheckout, err := compileRegexps(f.AlwaysCheckout)
	if err != nil {
		return builder.Config{}, err
	}

	return builder.Config{
		Force:         f.Force,
		SkipDeps:      f.SkipDeps,
		BuildOnly:     f.BuildOnly,
		KeepGoing:     f.KeepGoing,
		CleanBuild:    f.CleanBuild,
		CleanCheckout: f.CleanCheckout,
		Audit:         f.Audit,
		Attic:         attic,

		SlimSandbox:           f.SlimSandbox,
		UseSharedPackages:     f.UseSharedPackages,
		InstallSharedPackages: f.InstallSharedPackages,
		LinkDeps:              f.LinkDeps,

		Jobs: jobs,

		DownloadDepth:      f.DownloadDepth,
		DownloadDepthForce: f.DownloadDepthForce,
		DownloadPackages:   downloadPatterns,
		UploadDepth:        f.UploadDepth,
		AlwaysCheckout:     alwaysCheckout,

		PlatformTag: f.PlatformTag,
	}, nil
}

// joinedPattern compiles a list of --download patterns into one regexp
// matching any of them, or nil if none were given (builder.Config.DownloadPackages
// is a single *regexp.Regexp, matching how the rest of spec.md §4.6's flags
// are expressed).
func joinedPattern(patterns []string) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	joined := "(?:" + patterns[0] + ")"
	for _, p := range patterns[1:] {
		joined += "|(?:" + p + ")"
	}
	re, err := regexp.Compile(joined)
	if err != nil {
		return nil, fmt.Errorf("invalid --download pattern: %w", err)
	}
	return re, nil
}

func buildCmd(global *GlobalFlags) *cobra.Command {
	flags := &BuildFlags{}

	cmd := &cobra.Command{
		Use:   "build [graph.json] [package...]",
		Short: "Build one or more packages",
		Long: `Build drives the checkout/build/package state machines for every step
reachable from the named packages (or every root in the graph, if none are
named), per the resolved step graph recipe parsing hands to Bob.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			roots, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			if len(args) > 1 {
				roots, err = filterRoots(roots, args[1:])
				if err != nil {
					return err
				}
			}

			eng, err := global.openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := eng.Close(); cerr != nil {
					log.Errorf("closing state store: %v", cerr)
				}
			}()

			jobs := global.Jobs
			proj, err := loadProjectConfig(global.ProjectDir)
			if err != nil {
				return err
			}
			if proj.Jobs > 0 && !cmd.Flags().Changed("jobs") {
				jobs = proj.Jobs
			}
			if proj.PlatformTag != "" && flags.PlatformTag == "" {
				flags.PlatformTag = proj.PlatformTag
			}

			cfg, err := flags.ToBuilderConfig(jobs, global.Attic)
			if err != nil {
				return err
			}
			cfg.ExtraEnv = proj.Environment

			b := builder.New(cfg, eng.state, eng.archive, eng.shareStore(), eng.fp, nil)
			b.Sandbox = &invoker.NamespaceSandbox{}

			progress := store.New(store.Config{})
			defer progress.Close()
			run := progress.CreateRun(step.Collect(roots))

			sched, shutdownMetrics := global.serveMetrics(ctx)
			defer func() {
				if err := shutdownMetrics(ctx); err != nil {
					log.Debugf("metrics server shutdown: %v", err)
				}
			}()
			var stepStarts sync.Map // *step.Step -> time.Time

			b.OnStepStart = func(s *step.Step) {
				log.Infof("%s/%s: starting", s.Package, s.Kind)
				if err := progress.StartJob(run.ID, s.Package, s.Kind); err != nil {
					log.Debugf("progress: %v", err)
				}
				if sched != nil {
					stepStarts.Store(s, time.Now())
					sched.StepStarted(s.Kind.String())
				}
			}
			b.OnStepDone = func(s *step.Step, stepErr error) {
				if stepErr != nil {
					log.Errorf("%s/%s: failed: %v", s.Package, s.Kind, stepErr)
				} else {
					log.Infof("%s/%s: done", s.Package, s.Kind)
				}
				if err := progress.FinishJob(run.ID, s.Package, s.Kind, stepErr); err != nil {
					log.Debugf("progress: %v", err)
				}
				if sched != nil {
					outcome := "success"
					switch {
					case errors.Is(stepErr, builder.ErrRestartBuild):
						outcome = "restarted"
						sched.StepRestarted()
					case stepErr != nil:
						outcome = "failure"
					}
					var elapsed time.Duration
					if started, ok := stepStarts.LoadAndDelete(s); ok {
						elapsed = time.Since(started.(time.Time))
					}
					sched.StepFinished(s.Kind.String(), outcome, elapsed.Seconds())
				}
			}

			start := time.Now()
			err = b.Cook(ctx, roots, flags.CheckoutOnly)
			log.Infof("build finished in %s", time.Since(start).Round(time.Millisecond))
			return err
		},
	}

	addBuildFlags(cmd.Flags(), flags)
	return cmd
}

// filterRoots restricts roots to those whose Package matches one of names,
// preserving roots order; an unmatched name is an error rather than a
// silent no-op, so a typo'd package name on the command line is caught
// immediately instead of quietly building everything.
func filterRoots(roots []*step.Step, names []string) ([]*step.Step, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*step.Step
	for _, r := range roots {
		if want[r.Package] {
			out = append(out, r)
			delete(want, r.Package)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		return nil, fmt.Errorf("cli: package(s) not found in graph: %v", missing)
	}
	return out, nil
}
