// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator configuration.
//
// # Description
//
// Configuration is read from one YAML file, then AGENT_* environment
// variables override individual fields, then defaults fill anything still
// empty and the result is validated with go-playground/validator struct
// tags. The prompts, persona and agents sections may be edited while the
// server runs; see Watch.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/policy"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/telemetry"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/websearch"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENT_"

var validate = validator.New()

// =============================================================================
// Sections
// =============================================================================

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins for the websocket upgrade. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AuthTokenEnv names the environment variable holding the API bearer
	// token. The file /run/secrets/agent_api_token is checked next. With
	// neither present the API is unauthenticated.
	AuthTokenEnv string `yaml:"auth_token_env"`
}

// LoggingConfig maps onto pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto json text"`
	Dir    string `yaml:"dir"`
}

// GraphConfig bounds one turn.
type GraphConfig struct {
	MaxSteps int           `yaml:"max_steps" validate:"gte=0,lte=1000"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PipelineConfig configures the context worker pipeline.
type PipelineConfig struct {
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	ContinueOnSkip *bool         `yaml:"continue_on_skip"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	HistoryLimit   int           `yaml:"history_limit" validate:"gte=0,lte=200"`
	MaxTokens      int           `yaml:"max_tokens" validate:"gte=0"`
	ReserveTokens  int           `yaml:"reserve_tokens" validate:"gte=0"`
	MinRecent      int           `yaml:"min_recent" validate:"gte=0"`
}

// Pipeline converts the section into pipeline settings.
func (p PipelineConfig) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.MaxRetries = p.MaxRetries
	if p.ContinueOnSkip != nil {
		cfg.ContinueOnSkip = *p.ContinueOnSkip
	}
	cfg.RetryBackoff = p.RetryBackoff
	return cfg
}

// Budget converts the section into a token budget.
func (p PipelineConfig) Budget() pipeline.TokenBudget {
	b := pipeline.DefaultTokenBudget()
	if p.MaxTokens > 0 {
		b.Max = p.MaxTokens
	}
	if p.ReserveTokens > 0 {
		b.Reserve = p.ReserveTokens
	}
	if p.MinRecent > 0 {
		b.MinRecent = p.MinRecent
	}
	return b
}

// PrivacyConfig holds process-wide data egress switches.
type PrivacyConfig struct {
	// AllowWebSearch permits any query to leave the host for a search
	// provider. Off by default.
	AllowWebSearch bool `yaml:"allow_web_search"`
	// InputPolicy rejects turn input and documents that carry
	// credentials or personal data.
	InputPolicy policy.Config `yaml:"input_policy"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	Timeout         time.Duration           `yaml:"timeout"`
	RequireApproval []string                `yaml:"require_approval"`
	ApprovalTimeout time.Duration           `yaml:"approval_timeout"`
	MCPServers      []tools.MCPServerConfig `yaml:"mcp_servers" validate:"dive"`
}

// Prompts overrides built-in prompt text. Empty fields keep the default.
type Prompts struct {
	System      string `yaml:"system"`
	Thinking    string `yaml:"thinking"`
	Planner     string `yaml:"planner"`
	Synthesizer string `yaml:"synthesizer"`
}

// PersonaConfig is the assistant persona for persona-capable modes.
type PersonaConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description"`
	Traits      []string `yaml:"traits"`
	Prompt      string   `yaml:"prompt"`
}

// Persona converts the section for the pipeline.
func (p *PersonaConfig) Persona() *pipeline.Persona {
	if p == nil {
		return nil
	}
	return &pipeline.Persona{
		Name:        p.Name,
		Description: p.Description,
		Traits:      append([]string(nil), p.Traits...),
		Prompt:      p.Prompt,
	}
}

// =============================================================================
// Config
// =============================================================================

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Logging   LoggingConfig       `yaml:"logging"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
	LLM       llm.Config          `yaml:"llm"`
	Embedding *llm.Config         `yaml:"embedding" validate:"omitempty"`
	WebSearch websearch.Config    `yaml:"web_search"`
	Retrieval retrieval.Config    `yaml:"retrieval"`
	History   conversation.Config `yaml:"history"`
	Retention ttl.SchedulerConfig `yaml:"retention"`
	Graph     GraphConfig         `yaml:"graph"`
	Pipeline  PipelineConfig      `yaml:"pipeline"`
	Privacy   PrivacyConfig       `yaml:"privacy"`
	Tools     ToolsConfig         `yaml:"tools"`
	Prompts   Prompts             `yaml:"prompts"`
	Persona   *PersonaConfig      `yaml:"persona" validate:"omitempty"`
	Agents    []agents.Agent      `yaml:"agents" validate:"dive"`
}

// Default returns a configuration that runs against a local Ollama with
// web search disabled and history kept in memory.
func Default() Config {
	cont := true
	return Config{
		Server:    ServerConfig{Addr: ":12210", ShutdownTimeout: 10 * time.Second, AuthTokenEnv: "AGENT_API_TOKEN"},
		Logging:   LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: telemetry.DefaultConfig(),
		LLM: llm.Config{
			Backend: llm.BackendOllama,
			BaseURL: "http://localhost:11434",
			Model:   "gpt-oss",
		},
		History:   conversation.InMemoryConfig(),
		Retention: ttl.DefaultSchedulerConfig(),
		Privacy:   PrivacyConfig{InputPolicy: policy.DefaultConfig()},
		Graph:     GraphConfig{MaxSteps: 50},
		Pipeline: PipelineConfig{
			MaxRetries:     2,
			ContinueOnSkip: &cont,
			RetryBackoff:   100 * time.Millisecond,
			HistoryLimit:   10,
		},
		Retrieval: retrieval.Config{TopK: 5, ChunkSize: retrieval.DefaultChunkSize},
		Tools: ToolsConfig{
			Timeout:         60 * time.Second,
			ApprovalTimeout: 5 * time.Minute,
		},
	}
}

// Load reads path (optional), applies environment overrides and
// validates.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file and starts from Default.
//
// # Outputs
//
//   - *Config: The effective configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LLM.Backend == llm.BackendAnthropic && c.Embedding == nil && c.Retrieval.URL != "" {
		return errors.New("invalid configuration: the anthropic backend has no embeddings; configure an embedding backend for retrieval")
	}
	if c.Privacy.AllowWebSearch && c.WebSearch.Provider == "" {
		return errors.New("invalid configuration: privacy.allow_web_search is set but web_search.provider is empty")
	}
	if _, err := agents.NewRegistry(c.Agents...); err != nil {
		return fmt.Errorf("invalid configuration: agents: %w", err)
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

func str(set func(c *Config, v string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		set(c, v)
		return nil
	}
}

var envBindings = []envBinding{
	{"LISTEN_ADDR", str(func(c *Config, v string) { c.Server.Addr = v })},
	{"LOG_LEVEL", str(func(c *Config, v string) { c.Logging.Level = strings.ToLower(v) })},
	{"LOG_DIR", str(func(c *Config, v string) { c.Logging.Dir = v })},
	{"LLM_BACKEND", str(func(c *Config, v string) { c.LLM.Backend = strings.ToLower(v) })},
	{"LLM_BASE_URL", str(func(c *Config, v string) { c.LLM.BaseURL = v })},
	{"LLM_MODEL", str(func(c *Config, v string) { c.LLM.Model = v })},
	{"EMBED_MODEL", str(func(c *Config, v string) { c.LLM.EmbedModel = v })},
	{"WEAVIATE_URL", str(func(c *Config, v string) { c.Retrieval.URL = v })},
	{"SEARCH_PROVIDER", str(func(c *Config, v string) { c.WebSearch.Provider = strings.ToLower(v) })},
	{"HISTORY_PATH", str(func(c *Config, v string) {
		c.History = conversation.DefaultConfig(v)
	})},
	{"ALLOW_WEB_SEARCH", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Privacy.AllowWebSearch = b
		return nil
	}},
	{"INPUT_POLICY", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Privacy.InputPolicy.Enabled = b
		return nil
	}},
	{"SESSION_MAX_IDLE", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Retention.MaxIdle = d
		return nil
	}},
	{"MAX_STEPS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Graph.MaxSteps = n
		return nil
	}},
	{"TURN_TIMEOUT", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Graph.Timeout = d
		return nil
	}},
}

// ApplyEnv applies AGENT_* overrides using lookup (os.LookupEnv in
// production).
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := b.apply(c, v); err != nil {
			return fmt.Errorf("%s%s=%q: %w", EnvPrefix, b.name, v, err)
		}
	}
	return nil
}

// Marshal renders c as YAML. Used by the CLI to print the effective
// configuration.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
