// Copyright 2025 Amicable
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

package gitsync

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeAskpass drops a throwaway GIT_ASKPASS script that echoes token and
// returns its path plus a cleanup func. The token never touches the
// remote URL or the process argv, only this script's own temp directory,
// which cleanup removes whether or not the push that follows succeeds.
func writeAskpass(token string) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "amicable-askpass-")
	if err != nil {
		return "", nil, fmt.Errorf("gitsync: create askpass dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	script := filepath.Join(dir, "askpass.sh")
	body := fmt.Sprintf("#!/bin/sh\nprintf '%%s' '%s'\n", token)
	if err := os.WriteFile(script, []byte(body), 0o700); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("gitsync: write askpass script: %w", err)
	}
	return script, cleanup, nil
}
