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

import (
	"encoding/json"
	"regexp"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`[A-Za-z0-9+/]{80,}={0,2}`), // long base64 blob
}

var sensitiveKeys = map[string]bool{
	"password": true, "passwd": true, "secret": true, "token": true,
	"api_key": true, "apikey": true, "private_key": true, "privatekey": true,
	"auth": true, "authorization": true,
}

// safeJSONable redacts known secret tokens and long base64 blobs out of a
// tool's input/output before it is embedded in a TRACE_EVENT, mirroring the
// pack's own structured-logging redaction (key-based plus pattern-based).
func safeJSONable(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return redactString(val)
	case error:
		return redactString(val.Error())
	case map[string]any:
		return redactMap(val)
	default:
		if b, err := json.Marshal(v); err == nil {
			var doc any
			if err := json.Unmarshal(b, &doc); err == nil {
				return safeJSONable(doc)
			}
			return redactString(string(b))
		}
		return v
	}
}

func redactString(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKeys[lower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = safeJSONable(v)
	}
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
