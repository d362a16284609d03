package config

import "time"

// Config represents the complete pixelbrain configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Chat     ChatConfig     `yaml:"chat"`
	LLM      LLMConfig      `yaml:"llm"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen                  string        `yaml:"listen"`
	Token                   string        `yaml:"token"`
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`
	Proxy                   bool          `yaml:"proxy"`
}

// OllamaConfig locates the inference server. BaseURL wins when set; otherwise
// the URL is built from Scheme, Host and Port.
type OllamaConfig struct {
	BaseURL      string `yaml:"base_url"`
	Scheme       string `yaml:"scheme"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Model        string `yaml:"model"`
	GeneratePath string `yaml:"generate_path"`
	StatusPath   string `yaml:"status_path"`
}

// MonitorConfig defines the connectivity probe cadence.
type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// ChatConfig defines conversation display settings.
type ChatConfig struct {
	StoppedMarker string `yaml:"stopped_marker"`
}

// LLMConfig defines the eino provider used by the one-shot ask command.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens"`
}
