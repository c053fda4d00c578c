package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Session    SessionConfig    `yaml:"session"`
	Claude     ClaudeConfig     `yaml:"claude"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
}

type TelegramConfig struct {
	BotToken       string  `yaml:"bot_token"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

type SessionConfig struct {
	MaxResponseLength int `yaml:"max_response_length"`
}

type ClaudeConfig struct {
	Binary        string        `yaml:"binary"`
	Model         string        `yaml:"model"`
	AllowedTools  []string      `yaml:"allowed_tools"`
	SystemPrompt  string        `yaml:"system_prompt"`
	Timeout       time.Duration `yaml:"timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

type WorkspacesConfig struct {
	BasePath string            `yaml:"base_path"`
	ChatMap  map[string]string `yaml:"chat_map"`
	Default  string            `yaml:"default"`
}

// allowedToolsEnv supplies the default tool allowlist when the config file
// does not list one.
const allowedToolsEnv = "CLAUDE_ALLOWED_TOOLS"

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables in the YAML
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if len(c.Telegram.AllowedUserIDs) == 0 {
		return fmt.Errorf("telegram.allowed_user_ids must have at least one entry")
	}
	if c.Workspaces.BasePath == "" {
		return fmt.Errorf("workspaces.base_path is required")
	}
	if c.Session.MaxResponseLength < 0 {
		return fmt.Errorf("session.max_response_length must not be negative")
	}
	if c.Claude.Timeout < 0 || c.Claude.StreamTimeout < 0 {
		return fmt.Errorf("claude timeouts must not be negative")
	}

	c.Claude.ApplyDefaults()

	// Apply defaults
	if c.Session.MaxResponseLength == 0 {
		c.Session.MaxResponseLength = 4096
	}
	if c.Workspaces.Default == "" {
		c.Workspaces.Default = "home"
	}
	c.Workspaces.BasePath = ExpandHome(c.Workspaces.BasePath)

	return nil
}

// ApplyDefaults fills the unset Claude settings. It is also used by commands
// that run without a config file.
func (c *ClaudeConfig) ApplyDefaults() {
	if c.Binary == "" {
		c.Binary = "claude"
	}
	if len(c.AllowedTools) == 0 {
		c.AllowedTools = ParseToolList(os.Getenv(allowedToolsEnv))
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.StreamTimeout == 0 {
		c.StreamTimeout = 300 * time.Second
	}
}

// ParseToolList splits a comma-separated tool list, dropping blank entries.
func ParseToolList(s string) []string {
	var tools []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return tools
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
