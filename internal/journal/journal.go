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

// Package journal implements the Tool Journal (spec §3): an append-only,
// per-session list of mediated operations, cleared at the start of each
// run and drained at Git sync to form the commit message's "why" context.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/amicable/orchestrator/internal/policy"
)

// Entry is one redacted, timestamped journal row.
type Entry struct {
	Op      string
	Target  string
	Allowed bool
	Reason  string
	AtMS    int64
}

var secretLike = strings.NewReplacer(
	"\n", " ",
)

// Journal is a process-local, per-thread append-only log. Safe for
// concurrent use; one Journal instance is shared by every session.
type Journal struct {
	mu      sync.Mutex
	entries map[string][]Entry
	now     func() time.Time
}

// New constructs an empty Journal.
func New() *Journal {
	return &Journal{entries: make(map[string][]Entry), now: time.Now}
}

// AuditFunc returns a policy.AuditFunc bound to threadID, suitable for
// wiring directly into policy.New.
func (j *Journal) AuditFunc(threadID string) policy.AuditFunc {
	return func(e policy.AuditEntry) {
		j.Append(threadID, Entry{
			Op:      e.Op,
			Target:  redact(e.Target),
			Allowed: e.Allowed,
			Reason:  e.Reason,
			AtMS:    j.now().UnixMilli(),
		})
	}
}

// Append records one entry for threadID.
func (j *Journal) Append(threadID string, e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[threadID] = append(j.entries[threadID], e)
}

// Clear discards every entry for threadID without returning them, used at
// the start of a fresh run so a resumed HITL turn doesn't re-drain stale
// entries from a prior turn.
func (j *Journal) Clear(threadID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, threadID)
}

// Drain returns threadID's entries formatted as commit-message body text
// and removes them. Returns "" if nothing was recorded.
func (j *Journal) Drain(threadID string) string {
	j.mu.Lock()
	rows := j.entries[threadID]
	delete(j.entries, threadID)
	j.mu.Unlock()

	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Tool journal:\n")
	for _, r := range rows {
		status := "ok"
		if !r.Allowed {
			status = "denied: " + r.Reason
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", r.Op, r.Target, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// redact strips newlines from a journaled target/command so a malicious
// multi-line payload can't forge extra journal rows or escape the
// single-line commit-body bullet it becomes.
func redact(s string) string {
	return secretLike.Replace(s)
}
