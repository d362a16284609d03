package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse interpolates, decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, for commands
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "pixelbrain"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/pixelbrain.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:5000"
	}
	if cfg.API.StreamHeartbeatInterval == 0 {
		cfg.API.StreamHeartbeatInterval = 15 * time.Second
	}
	if cfg.Ollama.Scheme == "" {
		cfg.Ollama.Scheme = "http"
	}
	if cfg.Ollama.Host == "" {
		cfg.Ollama.Host = "localhost"
	}
	if cfg.Ollama.Port == 0 {
		cfg.Ollama.Port = 11434
	}
	if cfg.Ollama.Model == "" {
		cfg.Ollama.Model = "gemma3:12b"
	}
	if cfg.Ollama.GeneratePath == "" {
		cfg.Ollama.GeneratePath = "/api/generate"
	}
	if cfg.Ollama.StatusPath == "" {
		cfg.Ollama.StatusPath = "/api/tags"
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 5 * time.Second
	}
	if cfg.Monitor.ProbeTimeout == 0 {
		cfg.Monitor.ProbeTimeout = 2 * time.Second
	}
	if cfg.Chat.StoppedMarker == "" {
		cfg.Chat.StoppedMarker = " [stopped]"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
	}
	if cfg.LLM.Provider == "ollama" && cfg.LLM.Model == "" {
		cfg.LLM.Model = cfg.Ollama.Model
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if err := unresolvedEnv("llm.api_key", cfg.LLM.APIKey); err != nil {
		return err
	}
	if cfg.API.StreamHeartbeatInterval <= 0 {
		return fmt.Errorf("api.stream_heartbeat_interval must be positive")
	}
	if cfg.Ollama.Port < 1 || cfg.Ollama.Port > 65535 {
		return fmt.Errorf("ollama.port must be between 1 and 65535 (got %d)", cfg.Ollama.Port)
	}
	if cfg.Ollama.BaseURL != "" {
		u, err := url.Parse(cfg.Ollama.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("ollama.base_url must be an absolute URL (got %q)", cfg.Ollama.BaseURL)
		}
	}
	if !strings.HasPrefix(cfg.Ollama.GeneratePath, "/") || !strings.HasPrefix(cfg.Ollama.StatusPath, "/") {
		return fmt.Errorf("ollama.generate_path and ollama.status_path must start with /")
	}
	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.Monitor.ProbeTimeout <= 0 {
		return fmt.Errorf("monitor.probe_timeout must be positive")
	}
	if cfg.Monitor.ProbeTimeout > cfg.Monitor.Interval {
		return fmt.Errorf("monitor.probe_timeout (%s) must not exceed monitor.interval (%s)", cfg.Monitor.ProbeTimeout, cfg.Monitor.Interval)
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	return nil
}

// ValidateServe checks the settings only the API server needs.
func (c *Config) ValidateServe() error {
	if err := unresolvedEnv("api.token", c.API.Token); err != nil {
		return err
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required to serve")
	}
	return nil
}

func unresolvedEnv(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// ServerURL returns the inference server's base URL without a trailing slash.
func (c OllamaConfig) ServerURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return c.Scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// GenerateURL returns the streaming generation endpoint.
func (c OllamaConfig) GenerateURL() string {
	return c.ServerURL() + c.GeneratePath
}

// StatusURL returns the lightweight reachability endpoint.
func (c OllamaConfig) StatusURL() string {
	return c.ServerURL() + c.StatusPath
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
