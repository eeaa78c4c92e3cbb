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

// Package policy decorates a sandbox backend with a path deny-list and a
// command deny-list, auditing every call — allowed or denied — through a
// caller-supplied hook. It is always layered outside the raw runtime client.
package policy

import (
	"context"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/amicable/orchestrator/internal/sandbox"
)

// Backend is the subset of sandbox.Client operations the policy wrapper
// mediates. Declared as an interface so tests can substitute a fake.
type Backend interface {
	Execute(ctx context.Context, cmd string) (sandbox.ExecResult, error)
	UploadFiles(ctx context.Context, files map[string][]byte) error
	Manifest(ctx context.Context, dir string) ([]sandbox.ManifestEntry, error)
	Read(ctx context.Context, filePath string, offset, limit int) (string, error)
	GrepRaw(ctx context.Context, pattern, scopePath, glob string) (string, error)
	GlobInfo(ctx context.Context, pattern, scopePath string) (string, error)
	DownloadFiles(ctx context.Context, publicPaths []string) ([]sandbox.DownloadResult, error)
}

// AuditEntry records one mediated operation, allowed or denied.
type AuditEntry struct {
	Op      string // "execute" | "upload"
	Target  string // command or path
	Allowed bool
	Reason  string // populated when Allowed is false
}

// AuditFunc receives every mediated operation. Implementations must not
// block meaningfully; the Tool Journal appends and returns immediately.
type AuditFunc func(AuditEntry)

// Denied is returned for an allowed-at-the-HTTP-layer call that the policy
// wrapper refused to forward.
type Denied struct {
	Reason string
}

func (d *Denied) Error() string { return "policy denied: " + d.Reason }

// Rules is the compiled form of the configured deny lists.
type Rules struct {
	denyExactPaths  map[string]struct{}
	denyPathPrefix  []string
	denyCommandRe   []*regexp.Regexp
}

// DefaultDenyPaths mirrors the historically protected entry point.
var DefaultDenyPaths = []string{"/src/main.tsx"}

// DefaultDenyPathPrefixes are paths no session may ever write under.
var DefaultDenyPathPrefixes = []string{"/node_modules/", "/.git/"}

// DefaultDenyCommands are destructive shell patterns rejected outright.
var DefaultDenyCommands = []string{
	`rm\s+-rf\s+/`,
	`rm\s+--no-preserve-root`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`mkfs\.`,
	`dd\s+if=.*of=/dev/`,
}

// NewRules compiles deny path/command configuration into a Rules value.
// Command patterns are anchored so that a shell separator, start-of-line,
// or whitespace precedes the match, defeating trivial obfuscation via
// extra padding.
func NewRules(denyPaths, denyPathPrefixes, denyCommands []string) (*Rules, error) {
	r := &Rules{denyExactPaths: make(map[string]struct{}, len(denyPaths))}
	for _, p := range denyPaths {
		r.denyExactPaths[normalizePath(p)] = struct{}{}
	}
	r.denyPathPrefix = append(r.denyPathPrefix, denyPathPrefixes...)

	for _, pattern := range denyCommands {
		anchored := `(?i)(^|[;&|()\s])(` + pattern + `)`
		re, err := regexp.Compile(anchored)
		if err != nil {
			return nil, err
		}
		r.denyCommandRe = append(r.denyCommandRe, re)
	}
	return r, nil
}

// DefaultRules returns the built-in deny lists, compiled.
func DefaultRules() *Rules {
	r, err := NewRules(DefaultDenyPaths, DefaultDenyPathPrefixes, DefaultDenyCommands)
	if err != nil {
		panic("policy: default rules failed to compile: " + err.Error())
	}
	return r
}

func normalizePath(p string) string {
	cleaned := path.Clean("/" + p)
	return cleaned
}

// pathDenied reports whether p is forbidden, and why.
func (r *Rules) pathDenied(p string) (bool, string) {
	norm := normalizePath(p)
	if norm == "/" {
		return true, "root write denied"
	}
	if strings.Contains(p, "..") {
		return true, "path traversal denied"
	}
	if _, ok := r.denyExactPaths[norm]; ok {
		return true, "protected file"
	}
	for _, prefix := range r.denyPathPrefix {
		if strings.HasPrefix(norm, prefix) || strings.HasPrefix(norm+"/", prefix) {
			return true, "protected path prefix"
		}
	}
	return false, ""
}

// commandDenied reports whether cmd matches a destructive pattern.
func (r *Rules) commandDenied(cmd string) (bool, string) {
	for _, re := range r.denyCommandRe {
		if re.MatchString(cmd) {
			return true, "destructive command pattern"
		}
	}
	return false, ""
}

// Wrapper is a policy-enforcing decorator around a Backend.
type Wrapper struct {
	backend Backend
	rules   *Rules

	mu    sync.Mutex
	audit AuditFunc
}

// New wraps backend with rules, invoking audit (if non-nil) for every call.
func New(backend Backend, rules *Rules, audit AuditFunc) *Wrapper {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Wrapper{backend: backend, rules: rules, audit: audit}
}

func (w *Wrapper) record(e AuditEntry) {
	w.mu.Lock()
	fn := w.audit
	w.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// Execute runs cmd unless it matches a denied pattern, in which case it
// returns the fixed policy-denied shell result without touching the sandbox.
func (w *Wrapper) Execute(ctx context.Context, cmd string) (sandbox.ExecResult, error) {
	if denied, reason := w.rules.commandDenied(cmd); denied {
		w.record(AuditEntry{Op: "execute", Target: cmd, Allowed: false, Reason: reason})
		return sandbox.ExecResult{Stdout: "Policy denied: " + reason, ExitCode: 126}, nil
	}
	res, err := w.backend.Execute(ctx, cmd)
	w.record(AuditEntry{Op: "execute", Target: cmd, Allowed: true})
	return res, err
}

// UploadFiles filters out any denied path before forwarding the remainder.
func (w *Wrapper) UploadFiles(ctx context.Context, files map[string][]byte) error {
	allowed := make(map[string][]byte, len(files))
	for p, content := range files {
		if denied, reason := w.rules.pathDenied(p); denied {
			w.record(AuditEntry{Op: "upload", Target: p, Allowed: false, Reason: reason})
			continue
		}
		w.record(AuditEntry{Op: "upload", Target: p, Allowed: true})
		allowed[p] = content
	}
	if len(allowed) == 0 {
		return nil
	}
	return w.backend.UploadFiles(ctx, allowed)
}

// Manifest, Read, GrepRaw, and GlobInfo are read-only: the deny lists exist
// to stop writes and destructive exec, so these are never refused, only
// audited — the Tool Journal still needs a record of every sandbox access
// MCP clients make, not just the ones the policy can block.

func (w *Wrapper) Manifest(ctx context.Context, dir string) ([]sandbox.ManifestEntry, error) {
	w.record(AuditEntry{Op: "manifest", Target: dir, Allowed: true})
	return w.backend.Manifest(ctx, dir)
}

func (w *Wrapper) Read(ctx context.Context, filePath string, offset, limit int) (string, error) {
	w.record(AuditEntry{Op: "read_file", Target: filePath, Allowed: true})
	return w.backend.Read(ctx, filePath, offset, limit)
}

func (w *Wrapper) GrepRaw(ctx context.Context, pattern, scopePath, glob string) (string, error) {
	w.record(AuditEntry{Op: "grep", Target: scopePath, Allowed: true})
	return w.backend.GrepRaw(ctx, pattern, scopePath, glob)
}

func (w *Wrapper) GlobInfo(ctx context.Context, pattern, scopePath string) (string, error) {
	w.record(AuditEntry{Op: "glob", Target: scopePath, Allowed: true})
	return w.backend.GlobInfo(ctx, pattern, scopePath)
}

// DownloadFiles bypasses path denial: it exists for the git_sync mirror
// (internal/gitsync.Engine), not the agent's own tool surface, and a push
// needs every file in the tree regardless of the agent-facing deny-list.
func (w *Wrapper) DownloadFiles(ctx context.Context, publicPaths []string) ([]sandbox.DownloadResult, error) {
	w.record(AuditEntry{Op: "download", Target: strings.Join(publicPaths, ","), Allowed: true})
	return w.backend.DownloadFiles(ctx, publicPaths)
}
