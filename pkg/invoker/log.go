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
	"fmt"
	"io"
	"os"
	"time"
)

// stepLog is the optional append-only log file wrapping every invocation
// in "### START:"/"### END(<rc>):" markers, as spec.md §4.5 describes.
type stepLog struct {
	f io.WriteCloser
}

func openLog(path, header string) (*stepLog, error) {
	if path == "" {
		return &stepLog{f: nopWriteCloser{}}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("invoker: opening log file %s: %w", path, err)
	}
	l := &stepLog{f: f}
	start := fmt.Sprintf("### START: %s", time.Now().Format(time.ANSIC))
	if header != "" {
		start += " (" + header + ")"
	}
	start += "\n"
	if _, err := f.Write([]byte(start)); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *stepLog) Write(p []byte) (int, error) { return l.f.Write(p) }

func (l *stepLog) close(rc int) error {
	end := fmt.Sprintf("### END(%d): %s\n", rc, time.Now().Format(time.ANSIC))
	_, werr := l.f.Write([]byte(end))
	cerr := l.f.Close()
	if werr != nil {
		return fmt.Errorf("invoker: writing log trailer: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("invoker: closing log file: %w", cerr)
	}
	return nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
