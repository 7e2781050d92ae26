// Package config loads the settings of the news server and client from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ErrConfiguration is wrapped by every error returned from this package.
var ErrConfiguration = errors.New("invalid configuration")

// DotEnvFile is read from the working directory by LoadServer and LoadClient when it exists.
// Variables already present in the environment take precedence over the file.
const DotEnvFile = ".env"

const (
	// DefaultServerLogFile receives the server log unless LOG_FILE is set, even to "".
	DefaultServerLogFile = "news_aggregate_server.log"
	// DefaultServerLogLevel applies to the server unless LOG_LEVEL is set.
	DefaultServerLogLevel = "debug"
)

// Azure holds the Azure OpenAI deployment the client samples with.
type Azure struct {
	// Endpoint like "https://my-resource.openai.azure.com/". ENV: AZURE_OPENAI_ENDPOINT
	Endpoint string `env:"AZURE_OPENAI_ENDPOINT,required"`
	// Deployment is the deployment name, also used as the model name. ENV: AZURE_OPENAI_DEPLOYMENT_NAME
	Deployment string `env:"AZURE_OPENAI_DEPLOYMENT_NAME,required"`
	// APIKey of the resource. ENV: AZURE_OPENAI_API_KEY
	APIKey string `env:"AZURE_OPENAI_API_KEY,required"`
	// APIVersion like "2024-06-01". ENV: AZURE_OPENAI_API_VERSION
	APIVersion string `env:"AZURE_OPENAI_API_VERSION,required"`
}

// Log configures the process logger.
type Log struct {
	// Level is one of debug, info, warn or error. ENV: LOG_LEVEL
	Level string `env:"LOG_LEVEL,default=info"`
	// File, when set, receives a copy of every log line. ENV: LOG_FILE
	File string `env:"LOG_FILE"`
}

// Server configures cmd/newsserver.
type Server struct {
	Addr         string        `env:"NEWS_SERVER_ADDR,default=0.0.0.0:8000"`
	BaseURL      string        `env:"NEWS_SERVER_BASE_URL,default=http://localhost:8000"`
	SourceFilter string        `env:"NEWS_SOURCE_FILTER,default=*"`
	MaxTokens    int           `env:"NEWS_MAX_TOKENS,default=1024"`
	PingInterval time.Duration `env:"NEWS_PING_INTERVAL,default=30s"`

	Log Log
}

// Client configures cmd/newsclient.
type Client struct {
	SSEURL         string        `env:"NEWS_SSE_URL,default=http://localhost:8000/sse"`
	Topic          string        `env:"NEWS_TOPIC,default=AI advancements"`
	RequestTimeout time.Duration `env:"NEWS_REQUEST_TIMEOUT,default=0s"`

	Azure Azure
	Log   Log
}

// LoadServer reads the server configuration from the environment. Unlike the client, the
// server logs at debug level to DefaultServerLogFile unless told otherwise.
func LoadServer() (Server, error) {
	var cfg Server
	if err := decode(&cfg); err != nil {
		return Server{}, err
	}
	if _, ok := os.LookupEnv("LOG_FILE"); !ok {
		cfg.Log.File = DefaultServerLogFile
	}
	if _, ok := os.LookupEnv("LOG_LEVEL"); !ok {
		cfg.Log.Level = DefaultServerLogLevel
	}
	return cfg, nil
}

// LoadClient reads the client configuration from the environment. The Azure variables are
// required.
func LoadClient() (Client, error) {
	var cfg Client
	if err := decode(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func decode(target any) error {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: failed to read %s: %w", ErrConfiguration, DotEnvFile, err)
	}
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// Validate reports settings that are present but unusable.
func (a Azure) Validate() error {
	if err := validateURL("AZURE_OPENAI_ENDPOINT", a.Endpoint); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"AZURE_OPENAI_DEPLOYMENT_NAME": a.Deployment,
		"AZURE_OPENAI_API_KEY":         a.APIKey,
		"AZURE_OPENAI_API_VERSION":     a.APIVersion,
	} {
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrConfiguration, name)
		}
	}
	return nil
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: LOG_LEVEL: %w", ErrConfiguration, err)
	}
	return level, nil
}

// Validate reports settings that are present but unusable.
func (s Server) Validate() error {
	if err := validateURL("NEWS_SERVER_BASE_URL", s.BaseURL); err != nil {
		return err
	}
	if s.Addr == "" {
		return fmt.Errorf("%w: NEWS_SERVER_ADDR is empty", ErrConfiguration)
	}
	if s.MaxTokens <= 0 {
		return fmt.Errorf("%w: NEWS_MAX_TOKENS must be positive, got %d", ErrConfiguration, s.MaxTokens)
	}
	if s.PingInterval <= 0 {
		return fmt.Errorf("%w: NEWS_PING_INTERVAL must be positive, got %s", ErrConfiguration, s.PingInterval)
	}
	_, err := s.Log.SlogLevel()
	return err
}

// Validate reports settings that are present but unusable.
func (c Client) Validate() error {
	if err := validateURL("NEWS_SSE_URL", c.SSEURL); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: NEWS_REQUEST_TIMEOUT must not be negative, got %s", ErrConfiguration, c.RequestTimeout)
	}
	if err := c.Azure.Validate(); err != nil {
		return err
	}
	_, err := c.Log.SlogLevel()
	return err
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute URL, got %q", ErrConfiguration, name, raw)
	}
	return nil
}
