package qa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/amicable/orchestrator/internal/sandbox"
)

// Backend is the subset of the policy-wrapped sandbox client QA needs.
type Backend interface {
	Execute(ctx context.Context, cmd string) (sandbox.ExecResult, error)
}

// CommandResult is the outcome of one QA command.
type CommandResult struct {
	Command    string
	Stdout     string
	Stderr     string
	ExitCode   int
	Truncated  bool
	DurationMS int64
}

// Result is the overall outcome of a QA run.
type Result struct {
	Passed       bool
	Stack        string
	Commands     []CommandResult
	Failed       *CommandResult // first non-zero command, if any
	Environmental bool
	Classification string // "" | "environmental" | "fixable"
}

// Config controls command selection and execution limits.
type Config struct {
	Enabled        bool
	CommandsCSV    string // DEEPAGENTS_QA_COMMANDS override, verbatim CSV
	RunTests       bool
	TimeoutS       time.Duration
	MaxOutputChars int
}

var environmentalPatterns = []string{
	"command not found",
	"mvnw: not found",
	"flutter: not found",
	"no module named",
	"cannot find module",
	"permission denied",
}

// Run performs project detection, command selection, and fail-fast
// sequential execution against backend, classifying any failure.
func Run(ctx context.Context, backend Backend, manifest []ManifestEntry, reg *Registry, cfg Config) Result {
	if !cfg.Enabled {
		return Result{Passed: true}
	}

	stack, commands, ok := reg.Detect(manifest)
	if cfg.CommandsCSV != "" {
		commands = splitCSV(cfg.CommandsCSV)
	} else if !ok {
		return Result{Passed: false, Classification: "environmental", Environmental: true}
	}
	if !cfg.RunTests {
		commands = filterOutTestCommand(commands)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.TimeoutS)
	defer cancel()

	var results []CommandResult
	for _, cmd := range commands {
		start := time.Now()
		res, err := backend.Execute(ctx, "cd /app && "+cmd)
		elapsed := time.Since(start).Milliseconds()

		cr := CommandResult{Command: cmd, DurationMS: elapsed}
		if err != nil {
			if ctx.Err() != nil {
				cr.ExitCode = 124 // synthetic timeout exit code
				cr.Stderr = "qa timeout exceeded"
			} else {
				cr.ExitCode = 1
				cr.Stderr = err.Error()
			}
		} else {
			cr.Stdout = truncate(res.Stdout, cfg.MaxOutputChars, &cr.Truncated)
			cr.Stderr = truncate(res.Stderr, cfg.MaxOutputChars, &cr.Truncated)
			cr.ExitCode = res.ExitCode
		}
		results = append(results, cr)

		if cr.ExitCode != 0 {
			classification := classify(cr)
			return Result{
				Passed: false, Stack: stack, Commands: results, Failed: &cr,
				Environmental:  classification == "environmental",
				Classification: classification,
			}
		}
	}

	return Result{Passed: true, Stack: stack, Commands: results}
}

func classify(cr CommandResult) string {
	combined := strings.ToLower(cr.Stdout + " " + cr.Stderr)
	for _, p := range environmentalPatterns {
		if strings.Contains(combined, p) {
			return "environmental"
		}
	}
	return "fixable"
}

func truncate(s string, max int, truncated *bool) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	*truncated = true
	return s[:max]
}

func splitCSV(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func filterOutTestCommand(commands []string) []string {
	out := commands[:0:0]
	for _, c := range commands {
		if strings.Contains(c, "run -s test") || strings.Contains(c, "pytest") ||
			strings.Contains(c, "flutter test") || strings.Contains(c, "mix test") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// StackHint returns a stack-specific self-heal suggestion, detected from
// the project markers already surfaced in manifest.
func StackHint(manifest []ManifestEntry) string {
	switch {
	case hasEntry(manifest, "pubspec.yaml"):
		return "run `flutter pub get`"
	case hasEntry(manifest, "requirements.txt"), hasEntry(manifest, "pyproject.toml"):
		return "run `pip install -r requirements.txt`"
	case hasEntry(manifest, "package.json"):
		return "run `npm install`"
	default:
		return ""
	}
}

// FormatFailureSummary renders a truncated, human-readable summary of a
// failed command for the self-heal message / fail summary.
func FormatFailureSummary(cr CommandResult, maxLen int) string {
	text := fmt.Sprintf("`%s` exited %d\n%s\n%s", cr.Command, cr.ExitCode, cr.Stdout, cr.Stderr)
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen] + "…"
	}
	return text
}
