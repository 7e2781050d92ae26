package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-news/config"
)

func setAzureEnv(t *testing.T) {
	t.Helper()

	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com/")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o")
	t.Setenv("AZURE_OPENAI_API_KEY", "secret")
	t.Setenv("AZURE_OPENAI_API_VERSION", "2024-06-01")
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := config.LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != "0.0.0.0:8000" {
		t.Errorf("got addr %q", cfg.Addr)
	}
	if cfg.BaseURL != "http://localhost:8000" {
		t.Errorf("got base URL %q", cfg.BaseURL)
	}
	if cfg.SourceFilter != "*" {
		t.Errorf("got source filter %q", cfg.SourceFilter)
	}
	if cfg.MaxTokens != 1024 {
		t.Errorf("got max tokens %d", cfg.MaxTokens)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("got ping interval %s", cfg.PingInterval)
	}
	if cfg.Log.Level != config.DefaultServerLogLevel {
		t.Errorf("got log level %q", cfg.Log.Level)
	}
	if cfg.Log.File != config.DefaultServerLogFile {
		t.Errorf("got log file %q", cfg.Log.File)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadServerLogFileDisabled(t *testing.T) {
	t.Setenv("LOG_FILE", "")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.File != "" || cfg.Log.Level != "warn" {
		t.Errorf("got log config %+v", cfg.Log)
	}
}

func TestLoadClientDotEnv(t *testing.T) {
	setAzureEnv(t)
	for _, name := range []string{"NEWS_TOPIC", "NEWS_SSE_URL"} {
		// Setenv restores the original value, including unset, when the test ends.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("NEWS_SSE_URL", "http://news.internal:8000/sse")

	dir := t.TempDir()
	dotEnv := "NEWS_TOPIC=Climate policy\nNEWS_SSE_URL=http://ignored:8000/sse\n"
	if err := os.WriteFile(filepath.Join(dir, config.DotEnvFile), []byte(dotEnv), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", config.DotEnvFile, err)
	}
	t.Chdir(dir)

	cfg, err := config.LoadClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Topic != "Climate policy" {
		t.Errorf("got topic %q, want the value from %s", cfg.Topic, config.DotEnvFile)
	}
	if cfg.SSEURL != "http://news.internal:8000/sse" {
		t.Errorf("got SSE URL %q, want the environment to win", cfg.SSEURL)
	}
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("NEWS_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("NEWS_MAX_TOKENS", "2048")
	t.Setenv("NEWS_SOURCE_FILTER", "Patriot*")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.LoadServer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" || cfg.MaxTokens != 2048 || cfg.SourceFilter != "Patriot*" {
		t.Errorf("got %+v", cfg)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if level != slog.LevelDebug {
		t.Errorf("got level %v, want %v", level, slog.LevelDebug)
	}
}

func TestLoadServerInvalidNumber(t *testing.T) {
	t.Setenv("NEWS_MAX_TOKENS", "many")

	if _, err := config.LoadServer(); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("got error %v, want %v", err, config.ErrConfiguration)
	}
}

func TestLoadClientRequiresAzure(t *testing.T) {
	for _, name := range []string{
		"AZURE_OPENAI_ENDPOINT",
		"AZURE_OPENAI_DEPLOYMENT_NAME",
		"AZURE_OPENAI_API_KEY",
		"AZURE_OPENAI_API_VERSION",
	} {
		// Setenv restores the original value when the test ends.
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	if _, err := config.LoadClient(); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("got error %v, want %v", err, config.ErrConfiguration)
	}
}

func TestLoadClient(t *testing.T) {
	setAzureEnv(t)

	cfg, err := config.LoadClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SSEURL != "http://localhost:8000/sse" {
		t.Errorf("got SSE URL %q", cfg.SSEURL)
	}
	if cfg.Topic != "AI advancements" {
		t.Errorf("got topic %q", cfg.Topic)
	}
	if cfg.RequestTimeout != 0 {
		t.Errorf("got request timeout %s", cfg.RequestTimeout)
	}
	if cfg.Azure.Deployment != "gpt-4o" {
		t.Errorf("got deployment %q", cfg.Azure.Deployment)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Client)
	}{
		{name: "relative SSE URL", mutate: func(c *config.Client) { c.SSEURL = "/sse" }},
		{name: "negative timeout", mutate: func(c *config.Client) { c.RequestTimeout = -time.Second }},
		{name: "bad endpoint", mutate: func(c *config.Client) { c.Azure.Endpoint = "example.com" }},
		{name: "unknown log level", mutate: func(c *config.Client) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setAzureEnv(t)
			cfg, err := config.LoadClient()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("got error %v, want %v", err, config.ErrConfiguration)
			}
		})
	}
}
