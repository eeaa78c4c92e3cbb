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

// Command orchestrator runs the agent-sandbox orchestration service: the
// WebSocket front door, the per-turn controller graph, and the supporting
// k8s sandbox, Git sync, QA, and checkpoint machinery.
//
// Usage:
//
//	orchestrator serve --config orchestrator.yaml
//	orchestrator recover --config orchestrator.yaml
//	orchestrator migrate --config orchestrator.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the WebSocket orchestration server."`
	Recover RecoverCmd `cmd:"" help:"Run startup checkpoint recovery once and exit."`
	Migrate MigrateCmd `cmd:"" help:"Apply the checkpoint-store schema and exit."`

	Config     string `short:"c" help:"Path to config file." type:"path" default:"orchestrator.yaml"`
	Kubeconfig string `help:"Path to kubeconfig (empty = in-cluster config)." type:"path"`
	LogLevel   string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile    string `help:"Log file path (empty = stderr)."`
	LogFormat  string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("orchestrator version %s\n", version)
	return nil
}

// printBanner prints a colored startup banner, skipped when stdout is not
// a terminal (piped logs, CI) so it never pollutes structured log output.
func printBanner() {
	fileInfo, err := os.Stdout.Stat()
	if err != nil || (fileInfo.Mode()&os.ModeCharDevice) == 0 {
		return
	}
	const green = "\033[38;2;16;185;129m"
	const reset = "\033[0m"
	fmt.Printf("%s\n  amicable orchestrator\n%s\n", green, reset)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("orchestrator"),
		kong.Description("Amicable orchestrator - agent sandbox orchestration service"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if ctx.Command() == "serve" {
		printBanner()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
