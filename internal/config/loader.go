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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where Loader reads the base configuration document from.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceConsul SourceType = "consul"
	SourceEtcd   SourceType = "etcd"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type      SourceType
	Path      string // file path, or consul/etcd key
	Endpoints []string
	Watch     bool
	OnChange  func(*Config) error
}

// Loader loads a Config from a YAML document (local file, Consul KV, or
// etcd key) overlaid with process environment variables, following the
// same koanf-provider composition as the broader configuration stack this
// service is built on.
type Loader struct {
	koanf   *koanf.Koanf
	options LoaderOptions
	parser  *yaml.YAML
	stop    chan struct{}
}

// NewLoader constructs a Loader. Endpoints default to the well-known local
// address for the selected backend when unset.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Type == SourceFile && opts.Path == "" {
		opts.Path = "orchestrator.yaml"
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}
	return &Loader{
		koanf:   koanf.New("."),
		options: opts,
		parser:  yaml.Parser(),
		stop:    make(chan struct{}),
	}, nil
}

// Load reads the configured source, applies environment variable overrides
// and returns a fully-defaulted Config. If Watch is set, a background
// goroutine reloads on upstream changes and invokes OnChange.
func (l *Loader) Load() (*Config, error) {
	provider, parser, err := l.buildProvider()
	if err != nil {
		return nil, err
	}

	// A file provider is optional: a missing default file is not an error,
	// it just means "environment variables only".
	if err := l.koanf.Load(provider, parser); err != nil {
		if !(l.options.Type == SourceFile && os.IsNotExist(err)) {
			return nil, fmt.Errorf("loading config from %s: %w", l.options.Type, err)
		}
	}

	cfg, err := l.materialize()
	if err != nil {
		return nil, err
	}

	if l.options.Watch {
		go l.watch(provider, parser)
	}

	return cfg, nil
}

func (l *Loader) buildProvider() (koanf.Provider, koanf.Parser, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), l.parser, nil
	case SourceConsul:
		cc := api.DefaultConfig()
		cc.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: cc, Key: l.options.Path}), nil, nil
	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

type watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider, parser koanf.Parser) {
	w, ok := provider.(watcher)
	if !ok {
		slog.Warn("config provider does not support watching", "type", l.options.Type)
		return
	}

	err := w.Watch(func(event interface{}, err error) {
		select {
		case <-l.stop:
			return
		default:
		}
		if err != nil {
			slog.Warn("config watch error", "error", err)
			return
		}
		if err := l.koanf.Load(provider, parser); err != nil {
			slog.Warn("failed to reload config", "error", err)
			return
		}
		cfg, err := l.materialize()
		if err != nil {
			slog.Warn("reloaded config failed validation", "error", err)
			return
		}
		if l.options.OnChange != nil {
			if err := l.options.OnChange(cfg); err != nil {
				slog.Warn("config change callback failed", "error", err)
			}
		}
	})
	if err != nil {
		slog.Warn("config watcher stopped", "error", err)
	}
}

// Stop halts any background watch goroutine.
func (l *Loader) Stop() { close(l.stop) }

// materialize unmarshals the koanf tree into a Config, applies env-var
// overrides, and fills defaults.
func (l *Loader) materialize() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// applyEnvOverrides layers in the environment variables named in §6.5 of
// the specification; env vars always win over the YAML document, matching
// the "most-specific wins" layering rule.
func applyEnvOverrides(c *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Second
			}
		}
	}

	str("DEEPAGENTS_MODEL", &c.Model)
	str("DEEPAGENTS_BASE_URL", &c.BaseURL)
	str("DEEPAGENTS_API_KEY", &c.APIKey)
	integer("DEEPAGENTS_MAX_TOKENS", &c.MaxTokens)
	if v, ok := os.LookupEnv("DEEPAGENTS_TEMPERATURE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		}
	}
	boolean("DEEPAGENTS_QA", &c.QA.Enabled)
	str("DEEPAGENTS_QA_COMMANDS", &c.QA.CommandsCSV)
	boolean("DEEPAGENTS_QA_RUN_TESTS", &c.QA.RunTests)
	duration("DEEPAGENTS_QA_TIMEOUT_S", &c.QA.TimeoutS)
	integer("DEEPAGENTS_SELF_HEAL_MAX_ROUNDS", &c.SelfHeal.MaxRounds)
	integer("DEEPAGENTS_TOOL_RETRY_MAX_RETRIES", &c.ToolRetry.MaxRetries)
	integer("DEEPAGENTS_SUMMARIZATION_TRIGGER_MESSAGES", &c.Summarization.TriggerMessages)
	integer("DEEPAGENTS_SUMMARIZATION_KEEP_MESSAGES", &c.Summarization.KeepMessages)
	str("K8S_SANDBOX_NAMESPACE", &c.K8s.Namespace)
	str("K8S_SANDBOX_TEMPLATE_NAME", &c.K8s.TemplateName)
	duration("K8S_SANDBOX_READY_TIMEOUT", &c.K8s.ReadyTimeout)
	str("PREVIEW_BASE_DOMAIN", &c.Preview.BaseDomain)
	str("PREVIEW_SCHEME", &c.Preview.Scheme)
	duration("SANDBOX_EXEC_TIMEOUT_S", &c.Sandbox.ExecTimeoutS)
	integer("SANDBOX_EXEC_MAX_OUTPUT_CHARS", &c.Sandbox.ExecMaxOutChars)
	boolean("AMICABLE_GIT_SYNC_ENABLED", &c.GitSync.Enabled)
	boolean("AMICABLE_GIT_SYNC_REQUIRED", &c.GitSync.Required)
	str("AMICABLE_GIT_SYNC_BRANCH", &c.GitSync.Branch)
	if v, ok := os.LookupEnv("AMICABLE_GIT_SYNC_EXCLUDES"); ok && v != "" {
		c.GitSync.Excludes = strings.Split(v, ",")
	}
	str("GITLAB_TOKEN", &c.GitSync.Token)
	integer("AMICABLE_HOOK_TIMEOUT_MS", &c.Hooks.TimeoutMS)
	integer("AMICABLE_USER_IMAGE_MAX_BASE64_CHARS", &c.Hooks.UserImageMaxB64Chars)
	integer("AMICABLE_USER_IMAGE_MAX_BLOCKS", &c.Hooks.UserImageMaxBlocks)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_FILE", &c.Logging.File)
	str("CHECKPOINT_DB_DIALECT", &c.Checkpoint.Dialect)
	str("CHECKPOINT_DB_DSN", &c.Checkpoint.DSN)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	str("AUTH_JWT_ISSUER", &c.Auth.Issuer)
	str("AUTH_JWT_AUDIENCE", &c.Auth.Audience)
	boolean("MCP_GATEWAY_ENABLED", &c.MCPGateway.Enabled)
	str("MCP_GATEWAY_ADDR", &c.MCPGateway.Addr)
	str("COORDINATION_BACKEND", &c.Coordination.Backend)
	if v, ok := os.LookupEnv("COORDINATION_ENDPOINTS"); ok && v != "" {
		c.Coordination.Endpoints = strings.Split(v, ",")
	}
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	str("METRICS_ADDR", &c.Observability.MetricsAddr)
}
