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

package wsserver

import (
	"context"
	"strings"

	"github.com/amicable/orchestrator/internal/policy"
	"github.com/amicable/orchestrator/internal/qa"
)

// markerContentFiles names the manifest entries whose content a
// qa.StackDetector actually inspects (package.json's scripts, pom.xml's
// Quarkus dependency, mix.exs's phoenix dependency). Every other detector
// only checks for a marker file's presence.
var markerContentFiles = map[string]bool{
	"package.json": true,
	"pom.xml":      true,
	"mix.exs":      true,
}

const markerContentMaxLines = 400

// buildQAManifest lists a session's full sandbox tree and reads the small
// set of marker files detection needs the content of, producing the
// []qa.ManifestEntry shape internal/qa/detect.go's StackDetectors expect.
func buildQAManifest(ctx context.Context, backend policy.Backend) ([]qa.ManifestEntry, error) {
	entries, err := backend.Manifest(ctx, "/")
	if err != nil {
		return nil, err
	}
	out := make([]qa.ManifestEntry, len(entries))
	for i, e := range entries {
		out[i] = qa.ManifestEntry{Path: e.Path}
		base := e.Path
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if e.Kind != "file" || !markerContentFiles[base] {
			continue
		}
		content, err := backend.Read(ctx, e.Path, 0, markerContentMaxLines)
		if err != nil {
			continue
		}
		out[i].Content = content
	}
	return out, nil
}
