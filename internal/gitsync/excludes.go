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

// Package gitsync mirrors a sandbox's working tree into a local
// bare-clone cache and pushes it to the project's Git remote, and pulls
// remote changes back into the sandbox with a baseline-aware three-way
// merge. It shells out to the system git binary, following the teacher's
// own dev-branch git manager rather than a third-party Go git library.
package gitsync

import "strings"

// DefaultExcludes is pruned from every push and consulted by the pull
// flow's shadow-conflict detection, so both directions agree on what
// counts as sync-managed content.
var DefaultExcludes = []string{
	"node_modules/",
	".git/",
	"dist/",
	"build/",
	".cache/",
	".env",
	".env.",
	".amicable_snapshot.tgz",
}

// Excluded reports whether path is covered by any of patterns. A pattern
// ending in "/" matches any path under that directory (at any depth); any
// other pattern matches as an exact name or name-prefix (so ".env."
// matches ".env.local" but not "other.env").
func Excluded(path string, patterns []string) bool {
	clean := strings.TrimPrefix(path, "/")
	for _, p := range patterns {
		if strings.HasSuffix(p, "/") {
			if strings.Contains("/"+clean+"/", "/"+p) {
				return true
			}
			continue
		}
		base := clean
		if idx := strings.LastIndex(clean, "/"); idx >= 0 {
			base = clean[idx+1:]
		}
		if base == p || strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}
