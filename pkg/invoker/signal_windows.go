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

//go:build windows

package invoker

import "os/exec"

// sigintExitCode: Windows has no POSIX signal delivery to child processes,
// so a ctrl-break is indistinguishable from any other non-zero exit here.
func sigintExitCode(exitErr *exec.ExitError) (int, bool) {
	return 0, false
}
