// Package config provides the configuration schema, loader, and provider
// registry for aichat.
package config

import (
	"time"

	"github.com/knd3dayo/ai-chat-util/internal/mcp"
	"github.com/knd3dayo/ai-chat-util/pkg/content"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr     = ":5001"
	DefaultModel          = "gpt-5"
	DefaultConcurrency    = 16
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultAttemptTimeout = 5 * time.Minute
	DefaultOfficeTimeout  = 120 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded with [Load], which layers YAML, .env and the
// process environment.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Batch    BatchConfig    `yaml:"batch"`
	Office   OfficeConfig   `yaml:"office"`
	Files    FilesConfig    `yaml:"files"`
	Analysis AnalysisConfig `yaml:"analysis"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig holds logging and listener settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the SSE and HTTP bindings listen on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, receives the log output instead of stderr.
	LogFile string `yaml:"log_file"`
}

// ProviderEntry configures one LLM backend.
type ProviderEntry struct {
	// Name selects the factory in the [Registry]: "openai" or "azure".
	Name string `yaml:"provider"`

	// Model is the model name, or the deployment name for Azure.
	Model string `yaml:"model"`

	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`

	// Endpoint and APIVersion are required for Azure.
	Endpoint   string `yaml:"endpoint"`
	APIVersion string `yaml:"api_version"`

	// Timeout bounds each HTTP request to the provider. Zero means no
	// client-side timeout beyond the batch attempt timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// Path returns "provider/model", the string reported by get_completion_model.
func (p ProviderEntry) Path() string {
	return p.Name + "/" + p.Model
}

// LLMConfig configures the primary backend and optional fallbacks.
type LLMConfig struct {
	ProviderEntry `yaml:",inline"`

	// SystemPrompt is sent with every request when set.
	SystemPrompt string `yaml:"system_prompt"`

	// SystemPromptFile is read into SystemPrompt when SystemPrompt is empty.
	SystemPromptFile string `yaml:"system_prompt_file"`

	// MaxTokens caps each completion. Zero leaves it to the provider.
	MaxTokens int `yaml:"max_tokens"`

	// Fallbacks are tried in order when the primary fails transiently.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the per-backend circuit breakers. Zero values
// use the resilience package defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// BatchConfig configures the batch engine.
type BatchConfig struct {
	// Concurrency is the worker limit. Must be positive after defaults.
	Concurrency int `yaml:"concurrency"`

	// MaxRetries is the retry bound for transient failures. Nil means
	// [DefaultMaxRetries]; zero disables retry.
	MaxRetries *int `yaml:"max_retries"`

	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Retries returns the effective retry bound.
func (b BatchConfig) Retries() int {
	if b.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *b.MaxRetries
}

// OfficeConfig configures the LibreOffice converter.
type OfficeConfig struct {
	// LibreOfficePath is the soffice executable. Empty means look it up via
	// LIBREOFFICE_PATH and $PATH.
	LibreOfficePath string        `yaml:"libreoffice_path"`
	Timeout         time.Duration `yaml:"timeout"`
}

// FilesConfig configures path resolution for file inputs.
type FilesConfig struct {
	WorkingDirectory string   `yaml:"working_directory"`
	SearchDirs       []string `yaml:"search_dirs"`

	// TempDir is the parent of the Office conversion scratch directories.
	// Empty means the system temp directory.
	TempDir string `yaml:"temp_dir"`
}

// AnalysisConfig holds analysis defaults.
type AnalysisConfig struct {
	ImageDetail content.DetailHint `yaml:"image_detail"`
	Split       SplitConfig        `yaml:"split"`
}

// SplitConfig configures request splitting for large analyses.
type SplitConfig struct {
	Enabled             bool   `yaml:"enabled"`
	MaxChars            int    `yaml:"max_chars"`
	MaxImagesPerRequest int    `yaml:"max_images_per_request"`
	Summarize           bool   `yaml:"summarize"`
	SummarizePrompt     string `yaml:"summarize_prompt"`
}

// MCPConfig configures the tool server.
type MCPConfig struct {
	// Transport is the binding started by "aichat serve".
	Transport mcp.Transport `yaml:"transport"`

	// Tools is the optional allow-list. Empty exposes the full catalog.
	Tools []string `yaml:"tools"`

	// CORSOrigins lists the origins allowed by the HTTP binding. Empty
	// disables CORS handling.
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxBodyBytes bounds a REST tool request body. Zero uses the binding's
	// default of 32 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.LLM.Name == "" {
		c.LLM.Name = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	for i := range c.LLM.Fallbacks {
		fb := &c.LLM.Fallbacks[i]
		if fb.Name == "" {
			fb.Name = "openai"
		}
		if fb.Model == "" {
			fb.Model = c.LLM.Model
		}
	}
	if c.Batch.Concurrency == 0 {
		c.Batch.Concurrency = DefaultConcurrency
	}
	if c.Batch.BaseDelay == 0 {
		c.Batch.BaseDelay = DefaultBaseDelay
	}
	if c.Batch.MaxDelay == 0 {
		c.Batch.MaxDelay = DefaultMaxDelay
	}
	if c.Batch.AttemptTimeout == 0 {
		c.Batch.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Office.Timeout == 0 {
		c.Office.Timeout = DefaultOfficeTimeout
	}
	if c.Analysis.ImageDetail == "" {
		c.Analysis.ImageDetail = content.DetailAuto
	}
	if c.MCP.Transport == "" {
		c.MCP.Transport = mcp.TransportStdio
	}
}
