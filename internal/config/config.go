// Package config loads and validates the runtime's static
// configuration file.
package config

import (
	"github.com/harun/agentloop/pkg/errs"
	"github.com/harun/agentloop/pkg/retry"
	"github.com/harun/agentloop/pkg/tool"
)

// File is the on-disk configuration shape.
type File struct {
	// Client identifier used for token accounting and transcripts
	ClientID string `json:"client_id" mapstructure:"client_id"`

	// Provider configuration
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Loop configuration
	Loop LoopConfig `json:"loop" mapstructure:"loop"`

	// Retry configuration
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Token limits
	Limits LimitsConfig `json:"limits" mapstructure:"limits"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig selects and parameterizes the model backend.
type ProviderConfig struct {
	Name        string  `json:"name" mapstructure:"name"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// LoopConfig bounds the tool-calling loop.
type LoopConfig struct {
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
	OnToolError        string `json:"on_tool_error" mapstructure:"on_tool_error"`
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
}

// RetryConfig tunes provider call retries.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs int     `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	Jitter      float64 `json:"jitter" mapstructure:"jitter"`
}

// LimitsConfig holds per-client token limits and the warning
// threshold.
type LimitsConfig struct {
	TokenLimits      map[string]int `json:"token_limits" mapstructure:"token_limits"`
	WarningThreshold float64        `json:"warning_threshold" mapstructure:"warning_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
	File   string `json:"file" mapstructure:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		ClientID: "default",
		Provider: ProviderConfig{
			Name:        "anthropic",
			Temperature: 0.7,
		},
		Loop: LoopConfig{
			MaxIterations:      10,
			CallTimeoutSeconds: 60,
			OnToolError:        tool.PolicyContinue,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 100,
			Jitter:      0.1,
		},
		Limits: LimitsConfig{
			WarningThreshold: 0.8,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the loaded file for values the runtime would reject.
func (f *File) Validate() error {
	if f.ClientID == "" {
		return errs.New(errs.TypeConfig, "client_id is required")
	}
	if f.Provider.Name == "" {
		return errs.New(errs.TypeConfig, "provider.name is required")
	}
	if f.Provider.Temperature < 0 || f.Provider.Temperature > 1 {
		return errs.Newf(errs.TypeConfig, "provider.temperature must be between 0 and 1, got %v", f.Provider.Temperature)
	}
	if f.Provider.MaxTokens < 0 {
		return errs.New(errs.TypeConfig, "provider.max_tokens cannot be negative")
	}
	if f.Loop.MaxIterations <= 0 {
		return errs.New(errs.TypeConfig, "loop.max_iterations must be positive")
	}
	if f.Loop.CallTimeoutSeconds <= 0 {
		return errs.New(errs.TypeConfig, "loop.call_timeout_seconds must be positive")
	}
	switch f.Loop.OnToolError {
	case tool.PolicyContinue, tool.PolicyHalt:
	default:
		return errs.Newf(errs.TypeConfig, "loop.on_tool_error must be %q or %q, got %q",
			tool.PolicyContinue, tool.PolicyHalt, f.Loop.OnToolError)
	}
	if f.Retry.MaxAttempts <= 0 {
		return errs.New(errs.TypeConfig, "retry.max_attempts must be positive")
	}
	if f.Limits.WarningThreshold <= 0 || f.Limits.WarningThreshold > 1 {
		return errs.Newf(errs.TypeConfig, "limits.warning_threshold must be in (0,1], got %v", f.Limits.WarningThreshold)
	}
	for client, limit := range f.Limits.TokenLimits {
		if limit <= 0 {
			return errs.Newf(errs.TypeConfig, "limits.token_limits[%s] must be positive, got %d", client, limit)
		}
	}
	return nil
}

// RetryPolicy converts the retry section to the runtime's policy type.
func (f *File) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: f.Retry.MaxAttempts,
		BaseDelay:   msDuration(f.Retry.BaseDelayMs),
		Jitter:      f.Retry.Jitter,
	}
}
