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

package agentrt

// CompactionConfig governs when and how far the conversation history is
// summarized before a deep-agent run.
type CompactionConfig struct {
	TriggerMessages int // default 50
	KeepMessages    int // default 20

	// TokenCounter, if set, sizes messages by token count (e.g. via
	// pkoukk/tiktoken-go) instead of the plain message count below.
	TokenCounter func(text string) int
	TokenTrigger int
}

// DefaultCompactionConfig matches the spec's stated defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{TriggerMessages: 50, KeepMessages: 20}
}

// Summarizer produces the one-paragraph summary of the messages being
// dropped. Callers typically back this with an LLM call; tests can supply
// a deterministic stub.
type Summarizer func(dropped []Message) string

// Compact returns messages unchanged if below the trigger; otherwise it
// summarizes every message before the last KeepMessages and prepends that
// summary as "Compacted conversation context" to the oldest retained
// user turn, per spec §4.7.
func Compact(messages []Message, cfg CompactionConfig, summarize Summarizer) []Message {
	if !overTrigger(messages, cfg) {
		return messages
	}
	keep := cfg.KeepMessages
	if keep <= 0 || keep >= len(messages) {
		return messages
	}
	dropped := messages[:len(messages)-keep]
	retained := messages[len(messages)-keep:]

	summary := summarize(dropped)
	if summary == "" {
		return messages
	}

	out := make([]Message, 0, len(retained)+1)
	out = append(out, Message{Role: "user", Content: "Compacted conversation context:\n" + summary})
	out = append(out, retained...)
	return out
}

func overTrigger(messages []Message, cfg CompactionConfig) bool {
	if cfg.TokenCounter != nil && cfg.TokenTrigger > 0 {
		total := 0
		for _, m := range messages {
			total += cfg.TokenCounter(m.Content)
		}
		return total > cfg.TokenTrigger
	}
	trigger := cfg.TriggerMessages
	if trigger <= 0 {
		trigger = 50
	}
	return len(messages) > trigger
}
