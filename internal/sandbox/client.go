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

// Package sandbox is a thin typed client over the HTTP API exposed by the
// runtime process inside every sandbox pod: exec, file read/write, and
// manifest listing. It knows nothing about policy — callers that need the
// deny-list/deny-command behavior wrap a *Client in a policy decorator.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/amicable/orchestrator/internal/httpclient"
)

// ErrPathEscapesRoot is returned when a public path normalizes outside the
// sandbox root (spec invariant: path-safety).
var ErrPathEscapesRoot = fmt.Errorf("path escapes root")

// ExecResult is the result of one Execute call.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ManifestEntry describes one file, directory, or symlink under a manifest root.
type ManifestEntry struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"` // file | dir | symlink
	Size       int64  `json:"size"`
	Mode       uint32 `json:"mode"`
	MtimeNanos int64  `json:"mtime_ns"`
	LinkTarget string `json:"link_target,omitempty"`
}

// DownloadResult is one entry of a (possibly batched) download response.
type DownloadResult struct {
	Path    string
	Content []byte
	Err     error
}

// Client talks to one sandbox's runtime HTTP API.
type Client struct {
	baseURL     string
	retry       *httpclient.Client
	execTimeout time.Duration
	maxOutput   int
}

// Option configures a Client.
type Option func(*Client)

// WithExecTimeout overrides the per-exec timeout (default 600s).
func WithExecTimeout(d time.Duration) Option { return func(c *Client) { c.execTimeout = d } }

// WithMaxOutputChars caps stdout/stderr length recorded by Execute.
func WithMaxOutputChars(n int) Option { return func(c *Client) { c.maxOutput = n } }

// WithRetries configures the bounded retry/backoff applied to transient
// 5xx/timeout errors (not to 4xx responses, which are never retried).
func WithRetries(maxRetries int, base time.Duration) Option {
	return func(c *Client) {
		c.retry = httpclient.New(
			httpclient.WithHTTPClient(c.retry.Underlying()),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(base),
			httpclient.WithRetryStrategy(retryOn5xxOnly),
		)
	}
}

// retryOn5xxOnly never retries a 4xx response; every 5xx (and the
// network-error path handled before strategy selection even applies) is
// retried conservatively with exponential backoff.
func retryOn5xxOnly(statusCode int) httpclient.RetryStrategy {
	if statusCode >= 500 {
		return httpclient.ConservativeRetry
	}
	return httpclient.NoRetry
}

// New constructs a Client for baseURL (e.g. "http://sandbox-xyz:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		execTimeout: 600 * time.Second,
		maxOutput:   50_000,
	}
	c.retry = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(200*time.Millisecond),
		httpclient.WithMaxDelay(5*time.Second),
		httpclient.WithRetryStrategy(retryOn5xxOnly),
	)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Probe runs a cheap no-op command to confirm the runtime is reachable.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Execute(ctx, "true")
	return err
}

// Execute wraps cmd in "sh -lc" and runs it against /exec, retrying
// transient failures with exponential backoff.
func (c *Client) Execute(ctx context.Context, cmd string) (ExecResult, error) {
	body, err := json.Marshal(map[string]string{"command": cmd})
	if err != nil {
		return ExecResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	var result ExecResult
	err = c.doWithRetry(ctx, http.MethodPost, "/exec", body, &result)
	if err != nil {
		return ExecResult{}, err
	}
	result.Stdout = truncate(result.Stdout, c.maxOutput)
	result.Stderr = truncate(result.Stderr, c.maxOutput)
	return result, nil
}

// Manifest lists every file/dir/symlink recursively under dir, excluding
// .git/ and node_modules/.
func (c *Client) Manifest(ctx context.Context, dir string) ([]ManifestEntry, error) {
	rel, err := toInternal(dir)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []ManifestEntry `json:"entries"`
	}
	path := fmt.Sprintf("/manifest?dir=%s", urlQueryEscape(rel))
	if err := c.doWithRetry(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	filtered := out.Entries[:0]
	for _, e := range out.Entries {
		if isExcluded(e.Path) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

func isExcluded(p string) bool {
	return strings.Contains(p, ".git/") || strings.Contains(p, "node_modules/") ||
		strings.HasPrefix(p, ".git/") || strings.HasPrefix(p, "node_modules/")
}

// DownloadFiles fetches the content of every public path. It first tries
// the batched /download_many endpoint; on a 404/405 (not on timeouts) it
// falls back to one GET per file.
func (c *Client) DownloadFiles(ctx context.Context, publicPaths []string) ([]DownloadResult, error) {
	rels := make([]string, len(publicPaths))
	for i, p := range publicPaths {
		rel, err := toInternal(p)
		if err != nil {
			return nil, err
		}
		rels[i] = rel
	}

	body, err := json.Marshal(map[string][]string{"paths": rels})
	if err != nil {
		return nil, err
	}

	var batch struct {
		Files []struct {
			Path        string  `json:"path"`
			ContentB64  *string `json:"content_b64"`
			Error       *string `json:"error"`
		} `json:"files"`
	}
	err = c.doWithRetry(ctx, http.MethodPost, "/download_many", body, &batch)
	if err == nil {
		out := make([]DownloadResult, len(batch.Files))
		for i, f := range batch.Files {
			r := DownloadResult{Path: publicPaths[i]}
			if f.Error != nil {
				r.Err = fmt.Errorf("%s", *f.Error)
			} else if f.ContentB64 != nil {
				content, decErr := base64.StdEncoding.DecodeString(*f.ContentB64)
				if decErr != nil {
					r.Err = decErr
				} else {
					r.Content = content
				}
			}
			out[i] = r
		}
		return out, nil
	}
	if !isUnsupportedEndpoint(err) {
		return nil, err
	}

	// Batch endpoint unavailable: fall back to per-file GET.
	out := make([]DownloadResult, len(publicPaths))
	for i, p := range publicPaths {
		content, getErr := c.downloadOne(ctx, rels[i])
		out[i] = DownloadResult{Path: p, Content: content, Err: getErr}
	}
	return out, nil
}

func (c *Client) downloadOne(ctx context.Context, rel string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download/"+strings.TrimPrefix(rel, "/"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rel, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadFiles writes each (path, content) pair. The runtime is expected to
// mkdir -p the parent directory as needed.
func (c *Client) UploadFiles(ctx context.Context, files map[string][]byte) error {
	for p, content := range files {
		rel, err := toInternal(p)
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]string{
			"path":        rel,
			"content_b64": base64.StdEncoding.EncodeToString(content),
		})
		if err != nil {
			return err
		}
		var ack struct {
			OK   bool   `json:"ok"`
			Path string `json:"path"`
		}
		if err := c.doWithRetry(ctx, http.MethodPost, "/write_b64", body, &ack); err != nil {
			return fmt.Errorf("upload %s: %w", p, err)
		}
	}
	return nil
}

// LsInfo lists the immediate contents of a directory.
func (c *Client) LsInfo(ctx context.Context, dir string) ([]string, error) {
	rel, err := toInternal(dir)
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []string `json:"files"`
	}
	p := fmt.Sprintf("/list?dir=%s", urlQueryEscape(rel))
	if err := c.doWithRetry(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Read returns the content of path via Execute (dd-style offset/limit read
// delegated to the shell, matching what the runtime's /exec already
// supports without a dedicated endpoint).
func (c *Client) Read(ctx context.Context, filePath string, offset, limit int) (string, error) {
	rel, err := toInternal(filePath)
	if err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("sed -n '%d,%dp' %s", offset+1, offset+limit, shellQuote(rel))
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// GrepRaw runs grep for pattern, optionally scoped to path/glob.
func (c *Client) GrepRaw(ctx context.Context, pattern, scopePath, glob string) (string, error) {
	args := []string{"grep", "-rn"}
	if glob != "" {
		args = append(args, "--include="+shellQuote(glob))
	}
	args = append(args, shellQuote(pattern))
	if scopePath != "" {
		rel, err := toInternal(scopePath)
		if err != nil {
			return "", err
		}
		args = append(args, shellQuote(rel))
	} else {
		args = append(args, ".")
	}
	res, err := c.Execute(ctx, strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// GlobInfo runs a glob lookup under path.
func (c *Client) GlobInfo(ctx context.Context, pattern, scopePath string) (string, error) {
	rel, err := toInternal(scopePath)
	if err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("cd %s && find . -path %s", shellQuote(rel), shellQuote("./"+pattern))
	res, err := c.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// toInternal maps a public path (rooted at "/") onto the sandbox's internal
// root, rejecting any path whose normalized form escapes the root.
func toInternal(publicPath string) (string, error) {
	// Clean without forcing a leading "/" first: path.Clean silently
	// absorbs a leading ".." once a root is applied, which would hide an
	// escape attempt instead of rejecting it.
	cleaned := path.Clean(publicPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrPathEscapesRoot
	}
	cleaned = path.Clean("/" + cleaned)
	return strings.TrimPrefix(cleaned, "/"), nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func urlQueryEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.' || r == '~' || r == '/':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02X", r)
		}
	}
	return b.String()
}

// isUnsupportedEndpoint reports whether err reflects a 404/405 from the
// runtime, the signal that a batch endpoint isn't implemented and the
// per-file fallback should be used instead.
func isUnsupportedEndpoint(err error) bool {
	status, ok := statusCodeOf(err)
	return ok && (status == http.StatusNotFound || status == http.StatusMethodNotAllowed)
}

func statusCodeOf(err error) (int, bool) {
	var re *httpclient.RetryableError
	if errors.As(err, &re) {
		return re.StatusCode, true
	}
	var status int
	if _, scanErr := fmt.Sscanf(err.Error(), "httpclient: HTTP %d", &status); scanErr == nil {
		return status, true
	}
	return 0, false
}

// doWithRetry issues one HTTP request against the runtime, decoding a
// successful JSON body into out. Retrying transient 5xx/network failures
// is handled by the underlying httpclient.Client; 4xx responses are
// surfaced immediately.
func (c *Client) doWithRetry(ctx context.Context, method, urlPath string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.retry.Do(req)
	if err != nil && resp == nil {
		return err
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpclient: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
