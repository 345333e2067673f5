package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Load reads config from a JSON/JSON5 file, applies defaults, then overlays
// env vars. A missing file is not an error: defaults + env are enough to run.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()

	if cfg.Workspaces.Root == "" {
		home, _ := os.UserHomeDir()
		cfg.Workspaces.Root = filepath.Join(home, ".lucy", "workspaces")
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Workspaces.Root, "lucy.db")
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LUCY_LLM_API_KEY", &c.LLM.APIKey)
	envStr("LUCY_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("LUCY_SLACK_TOKEN", &c.Chat.BotToken)
	envStr("LUCY_WORKSPACE_ROOT", &c.Workspaces.Root)
	envStr("LUCY_STORE_PATH", &c.Store.Path)
	envStr("LUCY_MODEL_FAST", &c.Models.Fast)
	envStr("LUCY_MODEL_DEFAULT", &c.Models.Default)
	envStr("LUCY_MODEL_CODE", &c.Models.Code)
	envStr("LUCY_MODEL_RESEARCH", &c.Models.Research)
	envStr("LUCY_MODEL_FRONTIER", &c.Models.Frontier)
	envStr("LUCY_INJECTION_ACTION", &c.Security.InjectionAction)
}
