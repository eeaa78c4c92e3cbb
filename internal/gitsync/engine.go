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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/amicable/orchestrator/internal/controller"
	"github.com/amicable/orchestrator/internal/sandbox"
)

// SandboxSource is the narrow slice of internal/sandbox.Client the engine
// needs to mirror a sandbox's files. Declaring it locally lets tests
// substitute a fake without constructing a real sandbox.Client.
type SandboxSource interface {
	Manifest(ctx context.Context, dir string) ([]sandbox.ManifestEntry, error)
	DownloadFiles(ctx context.Context, publicPaths []string) ([]sandbox.DownloadResult, error)
	UploadFiles(ctx context.Context, files map[string][]byte) error
}

// MessageFunc builds the commit subject/body from the push context and the
// staged diff stat/name-status output, so callers can route it through an
// LLM summarizer or a fixed template without the engine caring which.
type MessageFunc func(req controller.PushRequest, diffStat, nameStatus string) (subject, body string)

// Engine implements controller.GitSyncer by mirroring one sandbox's
// manifest into a locally-cached clone and pushing it to RemoteURL.
type Engine struct {
	CacheDir    string
	RemoteURL   string
	Token       string
	Branch      string
	AuthorName  string
	AuthorEmail string
	ProjectSlug string
	ChunkSize   int
	Excludes    []string
	Sandbox     SandboxSource
	MessageFn   MessageFunc

	// MaxPushRetries bounds the pull-rebase-push loop on a rejected push
	// (spec default 3).
	MaxPushRetries int
}

// defaultMessage is used when MessageFn is nil: a terse subject plus the
// diff stat, matching the shape (if not the prose) of the teacher's
// CommitMessage.Format().
func defaultMessage(req controller.PushRequest, diffStat, _ string) (string, string) {
	subject := "sync: agent turn " + req.ThreadID
	if req.UserRequest != "" {
		subject = "sync: " + truncate(req.UserRequest, 72)
	}
	body := diffStat
	if strings.TrimSpace(req.ToolJournalNotes) != "" {
		body = strings.TrimSpace(body + "\n\n" + req.ToolJournalNotes)
	}
	return subject, body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (e *Engine) excludes() []string {
	if len(e.Excludes) > 0 {
		return e.Excludes
	}
	return DefaultExcludes
}

func (e *Engine) chunkSize() int {
	if e.ChunkSize > 0 {
		return e.ChunkSize
	}
	return 200
}

func (e *Engine) repoDir() string {
	return filepath.Join(e.CacheDir, e.ProjectSlug)
}

// Push implements controller.GitSyncer.
func (e *Engine) Push(ctx context.Context, req controller.PushRequest) (controller.PushResult, error) {
	askpass, cleanup, err := writeAskpass(e.Token)
	if err != nil {
		return controller.PushResult{}, err
	}
	defer cleanup()
	env := append(authorEnv(e.AuthorName, e.AuthorEmail), "GIT_ASKPASS="+askpass, "GIT_TERMINAL_PROMPT=0")

	dir := e.repoDir()
	if err := e.ensureClone(ctx, dir, env); err != nil {
		return controller.PushResult{}, err
	}
	if err := e.ensureBranch(ctx, dir, env); err != nil {
		return controller.PushResult{}, err
	}
	if err := clearWorktree(dir); err != nil {
		return controller.PushResult{}, fmt.Errorf("gitsync: clear worktree: %w", err)
	}
	if err := e.mirrorSandbox(ctx, dir); err != nil {
		return controller.PushResult{}, err
	}
	if err := pruneExcludes(dir, e.excludes()); err != nil {
		return controller.PushResult{}, fmt.Errorf("gitsync: prune excludes: %w", err)
	}

	status, err := runGit(ctx, dir, env, "status", "--porcelain")
	if err != nil {
		return controller.PushResult{}, err
	}
	if strings.TrimSpace(status) == "" {
		return controller.PushResult{Pushed: false}, nil
	}

	if _, err := runGit(ctx, dir, env, "add", "-A"); err != nil {
		return controller.PushResult{}, err
	}
	diffStat, _ := runGit(ctx, dir, env, "diff", "--cached", "--stat")
	nameStatus, _ := runGit(ctx, dir, env, "diff", "--cached", "--name-status")

	msgFn := e.MessageFn
	if msgFn == nil {
		msgFn = defaultMessage
	}
	subject, body := msgFn(req, diffStat, nameStatus)
	message := subject
	if strings.TrimSpace(body) != "" {
		message = subject + "\n\n" + body
	}
	if _, err := runGit(ctx, dir, env, "commit", "-m", message); err != nil {
		return controller.PushResult{}, err
	}

	if err := e.pushWithRebaseRetry(ctx, dir, env); err != nil {
		return controller.PushResult{Error: err.Error()}, nil
	}
	return controller.PushResult{Pushed: true}, nil
}

func (e *Engine) ensureClone(ctx context.Context, dir string, env []string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		_, err := runGit(ctx, dir, env, "fetch", "origin")
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	_, err := runGit(ctx, filepath.Dir(dir), env, "clone", e.RemoteURL, dir)
	if err != nil {
		return fmt.Errorf("gitsync: clone %s: %w", e.RemoteURL, err)
	}
	return nil
}

func (e *Engine) ensureBranch(ctx context.Context, dir string, env []string) error {
	if _, err := runGit(ctx, dir, env, "checkout", e.Branch); err == nil {
		return nil
	}
	if _, err := runGit(ctx, dir, env, "checkout", "-b", e.Branch, "origin/"+e.Branch); err == nil {
		return nil
	}
	if _, err := runGit(ctx, dir, env, "checkout", "--orphan", e.Branch); err != nil {
		return fmt.Errorf("gitsync: create orphan branch %s: %w", e.Branch, err)
	}
	_, err := runGit(ctx, dir, env, "reset", "--hard")
	return err
}

func (e *Engine) pushWithRebaseRetry(ctx context.Context, dir string, env []string) error {
	max := e.MaxPushRetries
	if max <= 0 {
		max = 3
	}
	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		_, err := runGit(ctx, dir, env, "push", "origin", e.Branch)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == max {
			break
		}
		if _, rebaseErr := runGit(ctx, dir, env, "pull", "--rebase", "origin", e.Branch); rebaseErr != nil {
			return fmt.Errorf("gitsync: rebase after rejected push: %w", rebaseErr)
		}
	}
	return fmt.Errorf("gitsync: push rejected after %d rebase retries: %w", max, lastErr)
}

// mirrorSandbox walks the sandbox manifest, downloads every non-excluded
// file in chunks, and writes them into dir preserving mode, recreating
// symlinks rather than copying their target's content.
func (e *Engine) mirrorSandbox(ctx context.Context, dir string) error {
	entries, err := e.Sandbox.Manifest(ctx, "/")
	if err != nil {
		return fmt.Errorf("gitsync: fetch manifest: %w", err)
	}

	var files, links []sandbox.ManifestEntry
	for _, ent := range entries {
		rel := strings.TrimPrefix(ent.Path, "/")
		if rel == "" || Excluded(rel, e.excludes()) {
			continue
		}
		switch ent.Kind {
		case "file":
			files = append(files, ent)
		case "symlink":
			links = append(links, ent)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	chunk := e.chunkSize()
	for start := 0; start < len(files); start += chunk {
		end := start + chunk
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]
		paths := make([]string, len(batch))
		for i, f := range batch {
			paths[i] = f.Path
		}
		results, err := e.Sandbox.DownloadFiles(ctx, paths)
		if err != nil {
			return fmt.Errorf("gitsync: download files: %w", err)
		}
		byPath := make(map[string]sandbox.DownloadResult, len(results))
		for _, r := range results {
			byPath[r.Path] = r
		}
		for _, f := range batch {
			res, ok := byPath[f.Path]
			if !ok || res.Err != nil {
				return fmt.Errorf("gitsync: download %s: %w", f.Path, errOrMissing(res.Err))
			}
			if err := writeTracked(dir, strings.TrimPrefix(f.Path, "/"), res.Content, os.FileMode(f.Mode)); err != nil {
				return err
			}
		}
	}

	for _, l := range links {
		if err := writeSymlink(dir, strings.TrimPrefix(l.Path, "/"), l.LinkTarget); err != nil {
			return err
		}
	}
	return nil
}

func errOrMissing(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing from download response")
}

func writeTracked(root, rel string, content []byte, mode os.FileMode) error {
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(full, content, mode)
}

func writeSymlink(root, rel, target string) error {
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	_ = os.Remove(full)
	return os.Symlink(target, full)
}

// clearWorktree removes every entry under dir except .git, so a file
// deleted in the sandbox since the last sync disappears from the clone
// too rather than lingering as an untracked leftover.
func clearWorktree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// pruneExcludes physically removes anything under dir matching patterns,
// in case content that is now excluded (e.g. a committed .env from before
// this project enabled sync) still lingers in the clone.
func pruneExcludes(dir string, patterns []string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if Excluded(filepath.ToSlash(rel), patterns) {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
}
