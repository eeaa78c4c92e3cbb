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

// Package config holds the orchestrator's immutable runtime configuration
// and the layered loader that produces it from defaults, YAML, environment
// variables and (optionally) a remote key-value store.
package config

import "time"

// QA holds quality-assurance engine settings (C6).
type QA struct {
	Enabled        bool          `yaml:"enabled"`
	CommandsCSV    string        `yaml:"commands_csv"`
	RunTests       bool          `yaml:"run_tests"`
	TimeoutS       time.Duration `yaml:"timeout_s"`
	MaxOutputChars int           `yaml:"max_output_chars"`
}

// SelfHeal holds self-heal loop settings (C4).
type SelfHeal struct {
	MaxRounds int `yaml:"max_rounds"`
}

// ToolRetry holds tool-call retry settings (C2).
type ToolRetry struct {
	MaxRetries int `yaml:"max_retries"`
}

// Summarization holds conversation-compaction settings (C7).
type Summarization struct {
	TriggerMessages int `yaml:"trigger_messages"`
	KeepMessages    int `yaml:"keep_messages"`
}

// K8s holds sandbox-claim settings (C1, C6.2).
type K8s struct {
	Namespace       string        `yaml:"namespace"`
	TemplateName    string        `yaml:"template_name"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ClaimNamePrefix string        `yaml:"claim_name_prefix"`
}

// Preview holds preview-URL formatting settings (C1).
type Preview struct {
	BaseDomain string `yaml:"base_domain"`
	Scheme     string `yaml:"scheme"`
}

// Sandbox holds sandbox-runtime-client settings (C2).
type Sandbox struct {
	ExecTimeoutS     time.Duration `yaml:"exec_timeout_s"`
	ExecMaxOutChars  int           `yaml:"exec_max_output_chars"`
	ProbeRetries     int           `yaml:"probe_retries"`
	ProbeTotalBudget time.Duration `yaml:"probe_total_budget"`
	Port             int           `yaml:"port"`
}

// GitSync holds Git synchronization settings (C8).
type GitSync struct {
	Enabled  bool     `yaml:"enabled"`
	Required bool     `yaml:"required"`
	Branch   string   `yaml:"branch"`
	Excludes []string `yaml:"excludes"`
	Token    string   `yaml:"-"` // populated from GITLAB_TOKEN, never serialized
}

// Hooks holds miscellaneous hook/limit settings.
type Hooks struct {
	TimeoutMS            int `yaml:"timeout_ms"`
	UserImageMaxB64Chars int `yaml:"user_image_max_base64_chars"`
	UserImageMaxBlocks   int `yaml:"user_image_max_blocks"`
}

// Checkpoint holds checkpoint-store settings (C13).
type Checkpoint struct {
	Dialect string `yaml:"dialect"` // sqlite | postgres | mysql | memory
	DSN     string `yaml:"dsn"`
}

// Auth holds JWT validation settings (C12).
type Auth struct {
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	Disabled bool   `yaml:"disabled"`
}

// MCPGateway holds Model Context Protocol gateway settings (C14).
type MCPGateway struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Coordination holds distributed-lock settings (C15).
type Coordination struct {
	Backend   string   `yaml:"backend"` // none | etcd | consul
	Endpoints []string `yaml:"endpoints"`
}

// Observability holds tracing/metrics settings (C11).
type Observability struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	MetricsAddr  string `yaml:"metrics_addr"`
}

// Logging holds logger settings (C11).
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Config is the fully-resolved, immutable configuration for one orchestrator
// process. It is built once at startup by Loader.Load and never mutated
// in place; hot-reload produces a fresh Config passed to an OnChange
// callback instead.
type Config struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"-"` // populated from DEEPAGENTS_API_KEY, never serialized
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	QA            QA            `yaml:"qa"`
	SelfHeal      SelfHeal      `yaml:"self_heal"`
	ToolRetry     ToolRetry     `yaml:"tool_retry"`
	Summarization Summarization `yaml:"summarization"`
	K8s           K8s           `yaml:"k8s"`
	Preview       Preview       `yaml:"preview"`
	Sandbox       Sandbox       `yaml:"sandbox"`
	GitSync       GitSync       `yaml:"git_sync"`
	Hooks         Hooks         `yaml:"hooks"`
	Checkpoint    Checkpoint    `yaml:"checkpoint"`
	Auth          Auth          `yaml:"auth"`
	MCPGateway    MCPGateway    `yaml:"mcp_gateway"`
	Coordination  Coordination  `yaml:"coordination"`
	Observability Observability `yaml:"observability"`
	Logging       Logging       `yaml:"logging"`
}

// SetDefaults fills in zero-valued fields with the defaults documented in
// the external-interfaces section of the specification.
func (c *Config) SetDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.QA.TimeoutS == 0 {
		c.QA.TimeoutS = 600 * time.Second
	}
	if c.QA.MaxOutputChars == 0 {
		c.QA.MaxOutputChars = 50_000
	}
	if c.SelfHeal.MaxRounds == 0 {
		c.SelfHeal.MaxRounds = 3
	}
	if c.ToolRetry.MaxRetries == 0 {
		c.ToolRetry.MaxRetries = 3
	}
	if c.Summarization.TriggerMessages == 0 {
		c.Summarization.TriggerMessages = 50
	}
	if c.Summarization.KeepMessages == 0 {
		c.Summarization.KeepMessages = 20
	}
	if c.K8s.ReadyTimeout == 0 {
		c.K8s.ReadyTimeout = 180 * time.Second
	}
	if c.K8s.ClaimNamePrefix == "" {
		c.K8s.ClaimNamePrefix = "sbx"
	}
	if c.Preview.Scheme == "" {
		c.Preview.Scheme = "https"
	}
	if c.Sandbox.ExecTimeoutS == 0 {
		c.Sandbox.ExecTimeoutS = 600 * time.Second
	}
	if c.Sandbox.ExecMaxOutChars == 0 {
		c.Sandbox.ExecMaxOutChars = 50_000
	}
	if c.Sandbox.ProbeRetries == 0 {
		c.Sandbox.ProbeRetries = 5
	}
	if c.Sandbox.ProbeTotalBudget == 0 {
		c.Sandbox.ProbeTotalBudget = 30 * time.Second
	}
	if c.Sandbox.Port == 0 {
		c.Sandbox.Port = 8080
	}
	if c.GitSync.Branch == "" {
		c.GitSync.Branch = "main"
	}
	if len(c.GitSync.Excludes) == 0 {
		c.GitSync.Excludes = []string{
			"node_modules/", ".git/", "dist/", "build/", ".cache/", ".env", ".env.*", ".amicable_snapshot.tgz",
		}
	}
	if c.Hooks.TimeoutMS == 0 {
		c.Hooks.TimeoutMS = 30_000
	}
	if c.Hooks.UserImageMaxB64Chars == 0 {
		c.Hooks.UserImageMaxB64Chars = 8_000_000
	}
	if c.Hooks.UserImageMaxBlocks == 0 {
		c.Hooks.UserImageMaxBlocks = 4
	}
	if c.Checkpoint.Dialect == "" {
		c.Checkpoint.Dialect = "sqlite"
	}
	if c.Coordination.Backend == "" {
		c.Coordination.Backend = "none"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
}
