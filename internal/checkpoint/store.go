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

// Package checkpoint implements the controller graph's checkpointer
// capability: Put/Get/ListWrites, namespaced by (thread_id, namespace).
// The controller uses namespace "controller" and the inner deep agent
// uses "deep_agent" on the same thread so the two never collide.
package checkpoint

import "context"

// Write is one persisted graph-step output.
type Write struct {
	ThreadID  string
	Namespace string
	StepID    string
	Channel   string
	ValueJSON []byte
}

// Store is the capability interface every checkpointer implementation
// (in-memory, SQL) satisfies.
type Store interface {
	// Put persists one write, overwriting any prior write with the same
	// (ThreadID, Namespace, StepID, Channel).
	Put(ctx context.Context, w Write) error
	// Get returns the latest write for a (thread, namespace, channel), or
	// ok=false if none exists.
	Get(ctx context.Context, threadID, namespace, channel string) (Write, bool, error)
	// ListWrites returns every write for a (thread, namespace) in step order,
	// used to reconstruct pending state on resume/recovery.
	ListWrites(ctx context.Context, threadID, namespace string) ([]Write, error)
	// Delete removes every write for a thread (e.g. on session deletion).
	Delete(ctx context.Context, threadID string) error
	// ListThreadIDs returns every distinct thread_id holding a write in
	// namespace, regardless of session. RecoverOnStartup uses this to find
	// sessions with an in-flight run left over from an unclean shutdown
	// (spec §4.15) without depending on the external Session CRUD API.
	ListThreadIDs(ctx context.Context, namespace string) ([]string, error)
	Close() error
}
