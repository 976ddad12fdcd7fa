package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/errs"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Loop.MaxIterations)
	assert.Equal(t, 60, cfg.Loop.CallTimeoutSeconds)
	assert.Equal(t, "continue", cfg.Loop.OnToolError)
	assert.InDelta(t, 0.8, cfg.Limits.WarningThreshold, 0.001)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*File)
	}{
		{"empty client id", func(f *File) { f.ClientID = "" }},
		{"empty provider name", func(f *File) { f.Provider.Name = "" }},
		{"temperature out of range", func(f *File) { f.Provider.Temperature = 1.5 }},
		{"negative max tokens", func(f *File) { f.Provider.MaxTokens = -1 }},
		{"zero max iterations", func(f *File) { f.Loop.MaxIterations = 0 }},
		{"zero call timeout", func(f *File) { f.Loop.CallTimeoutSeconds = 0 }},
		{"unknown tool error policy", func(f *File) { f.Loop.OnToolError = "explode" }},
		{"zero retry attempts", func(f *File) { f.Retry.MaxAttempts = 0 }},
		{"threshold above one", func(f *File) { f.Limits.WarningThreshold = 1.1 }},
		{"non-positive token limit", func(f *File) { f.Limits.TokenLimits = map[string]int{"acme": 0} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsType(err, errs.TypeConfig))
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Loop, cfg.Loop)
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentloop.json")
	payload := `{
		"client_id": "acme",
		"provider": {"name": "openai", "model": "gpt-test", "temperature": 0.2},
		"loop": {"max_iterations": 5, "call_timeout_seconds": 30, "on_tool_error": "halt"},
		"limits": {"token_limits": {"acme": 4000}, "warning_threshold": 0.9}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.ClientID)
	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, "gpt-test", cfg.Provider.Model)
	assert.Equal(t, 5, cfg.Loop.MaxIterations)
	assert.Equal(t, "halt", cfg.Loop.OnToolError)
	assert.Equal(t, 4000, cfg.Limits.TokenLimits["acme"])
	assert.InDelta(t, 0.9, cfg.Limits.WarningThreshold, 0.001)

	// Defaults survive for sections the file omits.
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentloop.json")
	payload := `{"client_id": "acme", "loop": {"max_iterations": -1}}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeConfig))
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.BaseDelay)
	assert.InDelta(t, 0.1, policy.Jitter, 0.001)
}

func TestWatchReloadsTokenLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentloop.json")
	initial := `{"client_id": "acme", "limits": {"token_limits": {"acme": 1000}}}`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan map[string]int, 1)
	w, err := Watch(ctx, path, zerolog.Nop(), func(limits map[string]int) {
		select {
		case reloaded <- limits:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	updated := `{"client_id": "acme", "limits": {"token_limits": {"acme": 2000}}}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case limits := <-reloaded:
		assert.Equal(t, 2000, limits["acme"])
	case <-time.After(5 * time.Second):
		t.Fatal("token limits were not reloaded")
	}
}
