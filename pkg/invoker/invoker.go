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

package invoker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
)

// ErrUserAborted is returned when the child process was killed by SIGINT,
// matching spec.md §4.5's "-SIGINT surfaces as user aborted".
var ErrUserAborted = errors.New("user aborted")

// Result is the outcome of one invocation.
type Result struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

// Invoker runs one step's script per a frozen Spec.
type Invoker struct {
	spec    Spec
	sandbox Sandbox

	warnedDuplicates map[string]bool
	warnMu           sync.Mutex
}

// New builds an Invoker for spec. A nil sandbox falls back to
// NamespaceSandbox, used only when spec.HasSandbox is set.
func New(spec Spec, sandbox Sandbox) *Invoker {
	if sandbox == nil {
		sandbox = defaultSandbox()
	}
	return &Invoker{spec: spec, sandbox: sandbox, warnedDuplicates: map[string]bool{}}
}

var jobFlagRe = regexp.MustCompile(`-j\s*[0-9]*`)
var jobServerAuthRe = regexp.MustCompile(`--jobserver-auth=[0-9]*,[0-9]*`)

// jobServerChildFDs are the fixed descriptor numbers the job-server pipe
// ends land on in the child: os/exec always places ExtraFiles right after
// stdin/stdout/stderr, so the first two extra files are always 3 and 4.
var jobServerChildFDs = []int{3, 4}

// rewriteMakeflags strips any inherited -j/--jobserver-auth tokens from
// makeflags and appends fresh ones pointing at fds, exactly as
// original_source/pym/bob/invoker.py's executeStep does.
func rewriteMakeflags(makeflags string, jobs int, fds []int) string {
	makeflags = jobServerAuthRe.ReplaceAllString(makeflags, "")
	makeflags = jobFlagRe.ReplaceAllString(makeflags, "")
	fdStrs := make([]string, len(fds))
	for i, fd := range fds {
		fdStrs[i] = strconv.Itoa(fd)
	}
	return strings.TrimSpace(makeflags) + " -j" + strconv.Itoa(jobs) + " --jobserver-auth=" + strings.Join(fdStrs, ",")
}

// buildEnv merges the ambient environment (filtered by EnvWhiteList, or
// kept whole if PreserveEnv), the spec's own env, and a job-server
// MAKEFLAGS rewrite when forwarded descriptors are present.
func (iv *Invoker) buildEnv() []string {
	base := map[string]string{}
	if iv.spec.PreserveEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				base[k] = v
			}
		}
	} else {
		allow := make(map[string]bool, len(iv.spec.EnvWhiteList))
		for _, k := range iv.spec.EnvWhiteList {
			allow[k] = true
		}
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && allow[k] {
				base[k] = v
			}
		}
	}
	for k, v := range iv.spec.Env {
		base[k] = v
	}

	if len(iv.spec.JobServerFiles) == 2 {
		base["MAKEFLAGS"] = rewriteMakeflags(base["MAKEFLAGS"], iv.spec.JobServerJobs, jobServerChildFDs)
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// checkWindowsDuplicates warns once per distinct duplicate-set about
// environment variables that differ only in case, which Win32 treats as
// the same variable but the kernel passes through unchanged.
func (iv *Invoker) checkWindowsDuplicates(ctx context.Context, env []string) {
	if runtime.GOOS != "windows" {
		return
	}
	byUpper := map[string][]string{}
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		u := strings.ToUpper(k)
		byUpper[u] = append(byUpper[u], k)
	}
	var dups []string
	for _, names := range byUpper {
		if len(names) > 1 {
			sort.Strings(names)
			dups = append(dups, strings.Join(names, " vs. "))
		}
	}
	if len(dups) == 0 {
		return
	}
	sort.Strings(dups)
	key := strings.Join(dups, ", ")
	iv.warnMu.Lock()
	already := iv.warnedDuplicates[key]
	iv.warnedDuplicates[key] = true
	iv.warnMu.Unlock()
	if !already {
		clog.FromContext(ctx).Warnf("invoker: duplicate environment variables: %s! it is unspecified which variant is used", key)
	}
}

func (iv *Invoker) mountsFor() []Mount {
	out := make([]Mount, 0, len(iv.spec.SandboxMounts))
	for _, m := range iv.spec.SandboxMounts {
		if iv.spec.IsJenkins && m.SkipIfJenkins {
			continue
		}
		if !iv.spec.IsJenkins && m.SkipIfLocal {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Run executes the step in the given mode and returns its result. A
// non-zero exit that is not a SIGINT is returned as part of Result, not
// as err; err is reserved for invocation failures (could not start the
// process, sandbox setup failed, log file could not be opened).
func (iv *Invoker) Run(ctx context.Context, mode Mode, tmpDir string) (Result, error) {
	if err := os.MkdirAll(iv.spec.WorkspacePath, 0o755); err != nil {
		return Result{}, fmt.Errorf("invoker: creating workspace %s: %w", iv.spec.WorkspacePath, err)
	}
	if iv.spec.Clean && mode != Shell {
		if err := emptyDirectory(iv.spec.WorkspacePath); err != nil {
			return Result{}, fmt.Errorf("invoker: cleaning workspace: %w", err)
		}
	}

	header := mode.String()
	log, err := openLog(iv.spec.LogFile, header)
	if err != nil {
		return Result{}, err
	}
	rc := 1
	defer func() { _ = log.close(rc) }()

	scriptFile, err := writeScript(tmpDir, iv.spec.Script)
	if err != nil {
		return Result{}, err
	}

	cmdArgs := []string{scriptFile}
	if iv.spec.HasSandbox {
		wrapped, err := iv.sandbox.Wrap(iv.spec.SandboxRootFS, tmpDir, iv.spec.WorkspacePath, iv.spec.ExecPath, iv.mountsFor(), iv.spec.SandboxNetAccess, cmdArgs)
		if err != nil {
			return Result{}, err
		}
		cmdArgs = wrapped
	}

	env := iv.buildEnv()
	iv.checkWindowsDuplicates(ctx, env)

	res, err := iv.exec(ctx, cmdArgs, env, log)
	rc = res.ReturnCode
	return res, err
}

func (iv *Invoker) exec(ctx context.Context, args, env []string, log *stepLog) (Result, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = iv.spec.WorkspacePath
	cmd.Env = env

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = io.MultiWriter(log, teeIf(iv.spec.ShowStdout, os.Stdout), &stdoutBuf)
	cmd.Stderr = io.MultiWriter(log, teeIf(iv.spec.ShowStderr, os.Stderr), &stderrBuf)

	if len(iv.spec.JobServerFiles) == 2 {
		cmd.ExtraFiles = iv.spec.JobServerFiles
	}

	runErr := cmd.Run()
	res := Result{Stdout: []byte(stdoutBuf.String()), Stderr: []byte(stderrBuf.String())}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ReturnCode = 0
	case errors.As(runErr, &exitErr):
		if rc, aborted := sigintExitCode(exitErr); aborted {
			res.ReturnCode = rc
			return res, ErrUserAborted
		}
		res.ReturnCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("invoker: starting %s: %w", args[0], runErr)
	}
	return res, nil
}

func teeIf(on bool, w io.Writer) io.Writer {
	if on {
		return w
	}
	return io.Discard
}
