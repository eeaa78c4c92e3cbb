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

package controller

import "context"

// runGitSync invokes the git_sync node. The push-rejected-retry-with-rebase
// behavior (up to 3 attempts, failure-semantics iii) is internal to the
// GitSyncer implementation (internal/gitsync.Engine): this node makes one
// logical Push call and records whatever outcome comes back.
func runGitSync(ctx context.Context, deps Deps, s *State) error {
	if deps.GitSync == nil {
		s.GitPushed = false
		return nil
	}

	var lastAnswer string
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "assistant" {
			lastAnswer = s.Messages[i].Content
			break
		}
	}
	var userRequest string
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			userRequest = s.Messages[i].Content
			break
		}
	}

	var journalNotes string
	if deps.Journal != nil {
		journalNotes = deps.Journal(s.ThreadID)
	}

	res, err := deps.GitSync.Push(ctx, PushRequest{
		ThreadID:         s.ThreadID,
		UserRequest:      userRequest,
		AgentAnswer:      lastAnswer,
		QAResult:         s.QAResult,
		ToolJournalNotes: journalNotes,
	})
	if err != nil {
		s.GitError = err.Error()
		return err
	}
	s.GitPushed = res.Pushed
	s.GitError = res.Error
	return nil
}
