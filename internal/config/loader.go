package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// DefaultPath is read by [Load] when no path is given and the file exists.
const DefaultPath = "aichat.yaml"

// DefaultAzureAPIVersion is used when the azure provider is selected through
// the environment without an explicit API version.
const DefaultAzureAPIVersion = "2024-12-01"

// ValidProviderNames lists the LLM provider names the registry understands.
var ValidProviderNames = []string{"openai", "azure"}

// LookupFunc matches [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// LoadEnv loads KEY=VALUE pairs from the given dotenv files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
	}
	return nil
}

// Load builds the effective configuration: the YAML file at path (or
// [DefaultPath] if present), overlaid by the process environment, then
// defaults, then validation. Every failure is a ConfigurationError.
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "config", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := finish(cfg); err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, "config", err)
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultPath); err != nil {
			return &Config{}, nil
		}
		path = DefaultPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r into a Config without defaults or validation.
// Unknown keys are rejected. An empty document yields an empty Config.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if cfg.LLM.SystemPrompt == "" && cfg.LLM.SystemPromptFile != "" {
		b, err := os.ReadFile(cfg.LLM.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("config: read llm.system_prompt_file: %w", err)
		}
		cfg.LLM.SystemPrompt = strings.TrimSpace(string(b))
	}
	cfg.ApplyDefaults()
	return Validate(cfg)
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// values from the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}

	set(&cfg.LLM.Name, "LLM_PROVIDER")
	if v, ok := lookup("AZURE_OPENAI"); ok && strings.EqualFold(v, "true") {
		cfg.LLM.Name = "azure"
	}
	set(&cfg.LLM.Model, "COMPLETION_MODEL", "OPENAI_COMPLETION_MODEL")
	set(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.LLM.SystemPromptFile, "CUSTOM_INSTRUCTIONS_FILE_PATH")
	if cfg.LLM.Name == "azure" {
		set(&cfg.LLM.APIKey, "AZURE_OPENAI_API_KEY", "OPENAI_API_KEY")
		set(&cfg.LLM.Endpoint, "AZURE_OPENAI_ENDPOINT")
		set(&cfg.LLM.APIVersion, "AZURE_OPENAI_API_VERSION", "AZURE_API_VERSION")
		if cfg.LLM.APIVersion == "" {
			cfg.LLM.APIVersion = DefaultAzureAPIVersion
		}
	} else {
		set(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	}
	set(&cfg.Office.LibreOfficePath, "LIBREOFFICE_PATH")
	set(&cfg.Files.WorkingDirectory, "WORKING_DIRECTORY")

	if v, ok := lookup("AICHAT_CONCURRENCY"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Concurrency = n
		} else {
			slog.Warn("ignoring invalid AICHAT_CONCURRENCY", "value", v, "err", err)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM
	errs = append(errs, validateEntry("llm", cfg.LLM.ProviderEntry)...)
	for i, fb := range cfg.LLM.Fallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("llm.fallbacks[%d]", i), fb)...)
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cb := cfg.LLM.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("llm.circuit_breaker values must not be negative"))
	}

	// Batch
	if cfg.Batch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("batch.concurrency %d must be positive", cfg.Batch.Concurrency))
	}
	if cfg.Batch.Retries() < 0 {
		errs = append(errs, fmt.Errorf("batch.max_retries %d must not be negative", cfg.Batch.Retries()))
	}
	if cfg.Batch.BaseDelay < 0 || cfg.Batch.MaxDelay < 0 || cfg.Batch.AttemptTimeout < 0 {
		errs = append(errs, errors.New("batch durations must not be negative"))
	}

	// Analysis
	if cfg.Analysis.ImageDetail != "" && !cfg.Analysis.ImageDetail.IsValid() {
		errs = append(errs, fmt.Errorf("analysis.image_detail %q is invalid; valid values: auto, low, high", cfg.Analysis.ImageDetail))
	}
	if s := cfg.Analysis.Split; s.MaxChars < 0 || s.MaxImagesPerRequest < 0 {
		errs = append(errs, errors.New("analysis.split limits must not be negative"))
	}

	// MCP
	if cfg.MCP.Transport != "" && !cfg.MCP.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("mcp.transport %q is invalid; valid values: stdio, sse, http", cfg.MCP.Transport))
	}
	if cfg.MCP.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("mcp.max_body_bytes %d must not be negative", cfg.MCP.MaxBodyBytes))
	}

	return errors.Join(errs...)
}

func validateEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Name != "" && !slices.Contains(ValidProviderNames, e.Name) {
		errs = append(errs, fmt.Errorf("%s.provider %q is invalid; valid values: %s", prefix, e.Name, strings.Join(ValidProviderNames, ", ")))
	}
	if e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
	}
	if e.Name == "azure" {
		if e.Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s.endpoint is required when provider is azure", prefix))
		}
		if e.APIVersion == "" {
			errs = append(errs, fmt.Errorf("%s.api_version is required when provider is azure", prefix))
		}
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
	}
	return errs
}
