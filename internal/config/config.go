package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

// Config is the root configuration for the Envoy runtime.
// Values come from a JSON5 config file overlaid with environment variables;
// env vars take precedence.
type Config struct {
	mu sync.RWMutex `json:"-"`

	LLM       LLMConfig       `json:"llm"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Tools     ToolsConfig     `json:"tools"`
	Env       EnvFileConfig   `json:"env"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// LLMConfig holds the single configured model endpoint.
type LLMConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // per-session chat rate limit
}

// DatabaseConfig holds the sqlite database location.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ToolsConfig holds built-in tool settings.
type ToolsConfig struct {
	FSRoot       string `json:"fs_root"`       // sandbox root for file tools
	ShellEnabled bool   `json:"shell_enabled"` // enable the run_shell built-in
}

// EnvFileConfig holds the on-disk environment file used for integration credentials.
type EnvFileConfig struct {
	File string `json:"file"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			RateLimitRPM: 20,
		},
		Database: DatabaseConfig{
			Path: "envoy.db",
		},
		Tools: ToolsConfig{
			FSRoot: "workspace",
		},
		Env: EnvFileConfig{
			File: ".env",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "envoy",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("LLM_API_KEY", &c.LLM.APIKey)
	envStr("LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("LLM_MODEL", &c.LLM.Model)
	envStr("DATABASE_PATH", &c.Database.Path)
	envStr("TOOLS_FS_ROOT", &c.Tools.FSRoot)
	envStr("ENV_FILE", &c.Env.File)

	if v := os.Getenv("TOOLS_SHELL_ENABLED"); v != "" {
		c.Tools.ShellEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("OTEL_TRACES_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks that required settings are present for serving.
func (c *Config) Validate() error {
	var missing []string
	if c.LLM.APIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}
	if c.LLM.Model == "" {
		missing = append(missing, "LLM_MODEL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
