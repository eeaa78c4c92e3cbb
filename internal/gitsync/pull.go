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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// gitStatePath is where the sandbox-side sync baseline is recorded, read
// and rewritten on every Pull.
const gitStatePath = "/.amicable/git_state.json"

// GitState is the sandbox-side record of the last remote commit the
// sandbox was synced to.
type GitState struct {
	RemoteHeadSHA string `json:"remote_head_sha"`
}

// PullResult reports what Pull changed in the sandbox.
type PullResult struct {
	Error     string   `json:"error,omitempty"`
	RemoteSHA string   `json:"remote_sha,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Pull fetches origin/Branch and folds any new commits into the sandbox.
// Files the sandbox hasn't touched since the last sync (content still
// matches the recorded baseline) are overwritten with the remote version.
// Files the sandbox has edited since then are left alone; the remote
// version is written to a shadow path instead and recorded as a conflict,
// per the three-way merge the spec calls for.
func (e *Engine) Pull(ctx context.Context, env []string) (PullResult, error) {
	dir := e.repoDir()
	if err := e.ensureClone(ctx, dir, env); err != nil {
		return PullResult{}, err
	}

	baseline, ok, err := e.readBaseline(ctx)
	if err != nil {
		return PullResult{}, err
	}
	remoteSHA, err := runGit(ctx, dir, env, "rev-parse", "origin/"+e.Branch)
	if err != nil {
		return PullResult{}, err
	}
	remoteSHA = strings.TrimSpace(remoteSHA)
	if !ok {
		return PullResult{Error: "git_pull_no_baseline", RemoteSHA: remoteSHA}, nil
	}
	if baseline.RemoteHeadSHA == remoteSHA {
		return PullResult{RemoteSHA: remoteSHA}, nil
	}

	nameStatus, err := runGit(ctx, dir, env, "diff", "--name-status", baseline.RemoteHeadSHA, remoteSHA)
	if err != nil {
		return PullResult{}, err
	}
	changed := parseChangedPaths(nameStatus)

	res := PullResult{RemoteSHA: remoteSHA}
	uploads := make(map[string][]byte)
	for _, rel := range changed {
		if Excluded(rel, e.excludes()) {
			continue
		}
		baselineContent, baseErr := showAt(ctx, dir, env, baseline.RemoteHeadSHA, rel)
		remoteContent, remErr := showAt(ctx, dir, env, remoteSHA, rel)
		if remErr != nil {
			// deleted upstream; nothing to merge in.
			continue
		}
		sandboxResults, dlErr := e.Sandbox.DownloadFiles(ctx, []string{"/" + rel})
		var sandboxContent []byte
		if dlErr == nil && len(sandboxResults) == 1 && sandboxResults[0].Err == nil {
			sandboxContent = sandboxResults[0].Content
		}

		if baseErr != nil || bytes.Equal(sandboxContent, baselineContent) {
			uploads["/"+rel] = remoteContent
			res.Updated = append(res.Updated, rel)
			continue
		}

		shadowPath := fmt.Sprintf("/.amicable/shadow/%s@%s", rel, remoteSHA[:min(12, len(remoteSHA))])
		uploads[shadowPath] = remoteContent
		res.Conflicts = append(res.Conflicts, rel)
	}

	stateBytes, _ := json.Marshal(GitState{RemoteHeadSHA: remoteSHA})
	uploads[gitStatePath] = stateBytes

	if len(uploads) > 0 {
		if err := e.Sandbox.UploadFiles(ctx, uploads); err != nil {
			return PullResult{}, fmt.Errorf("gitsync: upload pulled files: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) readBaseline(ctx context.Context) (GitState, bool, error) {
	results, err := e.Sandbox.DownloadFiles(ctx, []string{gitStatePath})
	if err != nil || len(results) != 1 || results[0].Err != nil {
		return GitState{}, false, nil
	}
	var state GitState
	if err := json.Unmarshal(results[0].Content, &state); err != nil {
		return GitState{}, false, fmt.Errorf("gitsync: decode %s: %w", gitStatePath, err)
	}
	if state.RemoteHeadSHA == "" {
		return GitState{}, false, nil
	}
	return state, true, nil
}

func showAt(ctx context.Context, dir string, env []string, sha, rel string) ([]byte, error) {
	out, err := runGit(ctx, dir, env, "show", sha+":"+rel)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func parseChangedPaths(nameStatus string) []string {
	var paths []string
	for _, line := range strings.Split(nameStatus, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		paths = append(paths, fields[len(fields)-1])
	}
	return paths
}
