// Package config loads the application configuration from YAML with
// environment variable expansion, applying embedded defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Feishu  Feishu  `yaml:"feishu"`
	LLM     LLM     `yaml:"llm"`
	Notion  Notion  `yaml:"notion"`
	Fetch   Fetch   `yaml:"fetch"`
	Server  Server  `yaml:"server"`
	Journal Journal `yaml:"journal"`
	Logging Logging `yaml:"logging"`
}

// Feishu holds the bot credentials and the webhook verification token.
type Feishu struct {
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`
}

func (c Feishu) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AppID, validation.Required),
		validation.Field(&c.AppSecret, validation.Required),
	)
}

// LLM configures the chat-completion endpoint used for extraction.
type LLM struct {
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	SchemaRetries    int     `yaml:"schema_retries"`
	TransportRetries int     `yaml:"transport_retries"`
}

func (c LLM) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.SchemaRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.TransportRetries, validation.Min(0), validation.Max(10)),
	)
}

// Notion holds the integration token, target database, and the mapping from
// logical record fields to database property names.
type Notion struct {
	Token          string     `yaml:"token"`
	DatabaseID     string     `yaml:"database_id"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	Properties     Properties `yaml:"properties"`
}

func (c Notion) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.DatabaseID, validation.Required),
	)
}

// Properties names the database property backing each logical field.
type Properties struct {
	Title            string `yaml:"title"`
	Summary          string `yaml:"summary"`
	CriticalThinking string `yaml:"critical_thinking"`
	Tags             string `yaml:"tags"`
	Score            string `yaml:"score"`
	URL              string `yaml:"url"`
}

// Fetch configures page retrieval.
type Fetch struct {
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	UserAgent       string `yaml:"user_agent"`
	MinContentChars int    `yaml:"min_content_chars"`
}

type Server struct {
	Port int `yaml:"port"`
}

func (c Server) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

type Journal struct {
	DataDir string `yaml:"data_dir"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Feishu.Validate(); err != nil {
		return fmt.Errorf("feishu: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Notion.Validate(); err != nil {
		return fmt.Errorf("notion: %w", err)
	}
	return c.Server.Validate()
}

// ConfigDir returns the XDG config directory for occam.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "occam")
}

// DataDir returns the XDG data directory for occam.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "occam")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/occam/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'occam init' to create a default config",
		xdgConfig,
	)
}

// Load reads a config YAML file, expands ${VAR} references from the
// environment, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{
		LLM: LLM{
			Model:            "deepseek-chat",
			TimeoutSeconds:   120,
			Temperature:      0.7,
			MaxTokens:        4096,
			SchemaRetries:    2,
			TransportRetries: 3,
		},
		Notion: Notion{
			TimeoutSeconds: 30,
			Properties: Properties{
				Title:            "Title",
				Summary:          "AI Summary",
				CriticalThinking: "Critical Thinking",
				Tags:             "Tags",
				Score:            "Score",
				URL:              "URL",
			},
		},
		Fetch: Fetch{
			TimeoutSeconds:  60,
			UserAgent:       "occam/1.0 (knowledge capture bot)",
			MinContentChars: 100,
		},
		Server:  Server{Port: 8080},
		Logging: Logging{Level: "info"},
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.LLM.BaseURL = normalizeBaseURL(cfg.LLM.BaseURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// normalizeBaseURL ensures the chat-completion base URL carries the /v1
// suffix the transport appends its paths to.
func normalizeBaseURL(base string) string {
	if base == "" {
		return base
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Journal.DataDir != "" {
		return c.Journal.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
