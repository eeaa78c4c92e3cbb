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

// Package qa detects a project's stack, selects its QA commands, runs them
// fail-fast against a sandbox backend, and classifies a failure as fixable
// (worth a self-heal retry) or environmental (a sandbox setup problem the
// agent can't fix by editing code).
package qa

import (
	"encoding/json"
	"strings"
)

// ManifestEntry is the subset of a sandbox.ManifestEntry detection needs:
// just enough to find marker files and peek at their content.
type ManifestEntry struct {
	Path    string
	Content string // populated only for small marker files detectors read
}

// StackDetector recognizes one project type from its manifest and proposes
// the ordered QA commands for it. Built-ins below cover the six stacks
// named in the specification; additional detectors can be registered, or
// loaded out-of-process (see plugin.go).
type StackDetector interface {
	Name() string
	Detect(manifest []ManifestEntry) (matched bool, commands []string)
}

// Registry holds the ordered list of detectors tried in sequence; first
// match wins.
type Registry struct {
	detectors []StackDetector
}

// DefaultRegistry returns a Registry with the six built-in detectors,
// tried in the specification's order.
func DefaultRegistry() *Registry {
	return &Registry{detectors: []StackDetector{
		nodeDetector{},
		pythonDetector{},
		flutterDetector{},
		dotnetDetector{},
		quarkusDetector{},
		phoenixDetector{},
	}}
}

// Register appends an additional detector, tried after the built-ins.
func (r *Registry) Register(d StackDetector) { r.detectors = append(r.detectors, d) }

// Detect runs each registered detector in order and returns the first
// match's commands.
func (r *Registry) Detect(manifest []ManifestEntry) (stack string, commands []string, ok bool) {
	for _, d := range r.detectors {
		if matched, cmds := d.Detect(manifest); matched {
			return d.Name(), cmds, true
		}
	}
	return "", nil, false
}

func findEntry(manifest []ManifestEntry, suffix string) (ManifestEntry, bool) {
	for _, e := range manifest {
		if strings.HasSuffix(e.Path, suffix) {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

func hasEntry(manifest []ManifestEntry, suffix string) bool {
	_, ok := findEntry(manifest, suffix)
	return ok
}

func hasEntryMatching(manifest []ManifestEntry, predicate func(string) bool) bool {
	for _, e := range manifest {
		if predicate(e.Path) {
			return true
		}
	}
	return false
}

// --- Node / TypeScript -------------------------------------------------

type nodeDetector struct{}

func (nodeDetector) Name() string { return "node" }

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// RunTests is threaded in from QA config (DEEPAGENTS_QA_RUN_TESTS); the
// detector itself does not decide whether "test" runs, it only reports
// what's available — selection logic in command.go decides inclusion.
func (nodeDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	entry, ok := findEntry(manifest, "package.json")
	if !ok {
		return false, nil
	}

	var pkg packageJSON
	if entry.Content != "" {
		_ = json.Unmarshal([]byte(entry.Content), &pkg)
	}

	var cmds []string
	for _, name := range []string{"lint", "typecheck", "test", "build"} {
		if _, has := pkg.Scripts[name]; has {
			cmds = append(cmds, "npm run -s "+name)
		}
	}
	if len(cmds) == 0 {
		// package.json exists but defines no scripts: fall back to a
		// typecheck-only pass via tsc/vite if either is present.
		if hasEntry(manifest, "tsconfig.json") {
			cmds = append(cmds, "npx -y tsc --noEmit")
		} else if hasEntry(manifest, "vite.config.ts") || hasEntry(manifest, "vite.config.js") {
			cmds = append(cmds, "npx -y vite build")
		}
	}
	return true, cmds
}

// --- Python -------------------------------------------------------------

type pythonDetector struct{}

func (pythonDetector) Name() string { return "python" }

func (pythonDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	if !hasEntry(manifest, "pyproject.toml") && !hasEntry(manifest, "requirements.txt") {
		return false, nil
	}
	return true, []string{
		"pip install -r requirements.txt || true",
		"python -m pyflakes . || true",
		"python -m pytest -q",
	}
}

// --- Flutter --------------------------------------------------------------

type flutterDetector struct{}

func (flutterDetector) Name() string { return "flutter" }

func (flutterDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	if !hasEntry(manifest, "pubspec.yaml") {
		return false, nil
	}
	return true, []string{
		"flutter pub get",
		"flutter analyze",
		"flutter test",
	}
}

// --- ASP.NET Core ---------------------------------------------------------

type dotnetDetector struct{}

func (dotnetDetector) Name() string { return "dotnet" }

func (dotnetDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	found := hasEntryMatching(manifest, func(p string) bool {
		return strings.HasSuffix(p, ".csproj") || strings.HasSuffix(p, ".sln")
	})
	if !found {
		return false, nil
	}
	return true, []string{"dotnet build"}
}

// --- Quarkus (Maven) --------------------------------------------------------

type quarkusDetector struct{}

func (quarkusDetector) Name() string { return "quarkus" }

func (quarkusDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	entry, ok := findEntry(manifest, "pom.xml")
	if !ok || !strings.Contains(entry.Content, "io.quarkus") {
		return false, nil
	}
	return true, []string{"./mvnw -q -DskipTests=false test"}
}

// --- Phoenix (Elixir) -------------------------------------------------------

type phoenixDetector struct{}

func (phoenixDetector) Name() string { return "phoenix" }

func (phoenixDetector) Detect(manifest []ManifestEntry) (bool, []string) {
	entry, ok := findEntry(manifest, "mix.exs")
	if !ok || !strings.Contains(entry.Content, "phoenix") {
		return false, nil
	}
	return true, []string{"mix test"}
}
