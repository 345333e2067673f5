// Package config holds the flat tunable surface for the Lucy core.
// All values have working defaults; only chat/LLM credentials are required
// at startup, and those come from env only (never persisted in the file).
package config

import (
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for the Lucy gateway.
type Config struct {
	Workspaces WorkspacesConfig `json:"workspaces"`
	LLM        LLMConfig        `json:"llm"`
	Models     ModelsConfig     `json:"models"`
	Queue      QueueConfig      `json:"queue"`
	Agent      AgentConfig      `json:"agent"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Store      StoreConfig      `json:"store"`
	Security   SecurityConfig   `json:"security"`
	Chat       ChatConfig       `json:"chat"`

	mu sync.RWMutex
}

// WorkspacesConfig configures the per-tenant filesystem substrate.
type WorkspacesConfig struct {
	Root string `json:"root"` // default: ~/.lucy/workspaces
}

// LLMConfig configures the OpenAI-compatible gateway.
// APIKey is NEVER read from the config file, only from env LUCY_LLM_API_KEY.
type LLMConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"-"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	MaxRetries  int     `json:"max_retries"` // transient 429/5xx retries, default 3
}

// ModelsConfig maps each capability tier to a concrete model name.
type ModelsConfig struct {
	Fast     string `json:"fast"`
	Default  string `json:"default"`
	Code     string `json:"code"`
	Research string `json:"research"`
	Document string `json:"document"`
	Frontier string `json:"frontier"`
}

// QueueConfig bounds the request queue.
type QueueConfig struct {
	Workers        int `json:"workers"`         // default 10
	GlobalDepth    int `json:"global_depth"`    // default 200
	WorkspaceDepth int `json:"workspace_depth"` // default 50
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxToolTurns       int           `json:"max_tool_turns"`       // default 50
	MaxContextMessages int           `json:"max_context_messages"` // default 40
	MaxPayloadChars    int           `json:"max_payload_chars"`    // default 120000
	AbsoluteMax        time.Duration `json:"-"`                    // default 4h
	AbsoluteMaxSeconds int           `json:"absolute_max_seconds"`
	ApprovalTTLSeconds int           `json:"approval_ttl_seconds"` // default 300
	SubAgentTurns      int           `json:"sub_agent_turns"`      // default 10
	SubAgentSeconds    int           `json:"sub_agent_seconds"`    // default 120
	SubAgentPayload    int           `json:"sub_agent_payload"`    // default 80000
}

// SchedulerConfig configures the cron fabric.
type SchedulerConfig struct {
	DailyFireWarning int `json:"daily_fire_warning"` // default 50
}

// HeartbeatConfig configures the heartbeat monitor loop.
type HeartbeatConfig struct {
	TickSeconds    int `json:"tick_seconds"`    // default 30
	MaxConsecutive int `json:"max_consecutive"` // evaluator errors before status=error, default 3
	HTTPTimeoutSec int `json:"http_timeout_sec"`
}

// StoreConfig configures task/trace persistence.
type StoreConfig struct {
	Path string `json:"path"` // sqlite file, default: <workspace root>/lucy.db
}

// SecurityConfig configures inbound message guarding.
type SecurityConfig struct {
	InjectionAction string `json:"injection_action"` // "log", "warn" (default), "block", "off"
	MaxMessageChars int    `json:"max_message_chars"`
}

// ChatConfig holds transport credentials. Token comes from env LUCY_SLACK_TOKEN only.
type ChatConfig struct {
	BotToken string `json:"-"`
	BotUser  string `json:"bot_user,omitempty"`
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 8192
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Models.Fast == "" {
		c.Models.Fast = "gpt-4o-mini"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o"
	}
	if c.Models.Code == "" {
		c.Models.Code = "claude-sonnet-4"
	}
	if c.Models.Research == "" {
		c.Models.Research = "gemini-2.5-pro"
	}
	if c.Models.Document == "" {
		c.Models.Document = "gemini-2.5-pro"
	}
	if c.Models.Frontier == "" {
		c.Models.Frontier = "claude-opus-4"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 10
	}
	if c.Queue.GlobalDepth <= 0 {
		c.Queue.GlobalDepth = 200
	}
	if c.Queue.WorkspaceDepth <= 0 {
		c.Queue.WorkspaceDepth = 50
	}
	if c.Agent.MaxToolTurns <= 0 {
		c.Agent.MaxToolTurns = 50
	}
	if c.Agent.MaxContextMessages <= 0 {
		c.Agent.MaxContextMessages = 40
	}
	if c.Agent.MaxPayloadChars <= 0 {
		c.Agent.MaxPayloadChars = 120_000
	}
	if c.Agent.AbsoluteMaxSeconds <= 0 {
		c.Agent.AbsoluteMaxSeconds = 14_400
	}
	c.Agent.AbsoluteMax = time.Duration(c.Agent.AbsoluteMaxSeconds) * time.Second
	if c.Agent.ApprovalTTLSeconds <= 0 {
		c.Agent.ApprovalTTLSeconds = 300
	}
	if c.Agent.SubAgentTurns <= 0 {
		c.Agent.SubAgentTurns = 10
	}
	if c.Agent.SubAgentSeconds <= 0 {
		c.Agent.SubAgentSeconds = 120
	}
	if c.Agent.SubAgentPayload <= 0 {
		c.Agent.SubAgentPayload = 80_000
	}
	if c.Scheduler.DailyFireWarning <= 0 {
		c.Scheduler.DailyFireWarning = 50
	}
	if c.Heartbeat.TickSeconds <= 0 {
		c.Heartbeat.TickSeconds = 30
	}
	if c.Heartbeat.MaxConsecutive <= 0 {
		c.Heartbeat.MaxConsecutive = 3
	}
	if c.Heartbeat.HTTPTimeoutSec <= 0 {
		c.Heartbeat.HTTPTimeoutSec = 10
	}
	if c.Security.InjectionAction == "" {
		c.Security.InjectionAction = "warn"
	}
	if c.Security.MaxMessageChars <= 0 {
		c.Security.MaxMessageChars = 32_000
	}
}

// ModelForTier resolves a tier name to its configured model.
func (c *Config) ModelForTier(tier string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch tier {
	case "fast":
		return c.Models.Fast
	case "default":
		return c.Models.Default
	case "code":
		return c.Models.Code
	case "research":
		return c.Models.Research
	case "document":
		return c.Models.Document
	case "frontier":
		return c.Models.Frontier
	}
	return c.Models.Default
}

// Validate checks that required credentials are present.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("missing LLM API key (set LUCY_LLM_API_KEY)")
	}
	if c.Chat.BotToken == "" {
		return fmt.Errorf("missing chat bot token (set LUCY_SLACK_TOKEN)")
	}
	return nil
}
