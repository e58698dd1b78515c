// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chat-widget/internal/backend"
	"github.com/ashureev/chat-widget/internal/identity"
	"github.com/ashureev/chat-widget/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	// IdleTTL is how long an untouched widget controller stays in memory.
	IdleTTL time.Duration
	// Retention is how long persisted widget state survives without writes.
	Retention time.Duration
	Backend   backend.Config
	Widget    session.Options
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	backendCfg := backend.DefaultConfig()
	backendCfg.URL = getEnv("BACKEND_URL", "")
	backendCfg.HistoryURL = getEnv("BACKEND_HISTORY_URL", "")
	backendCfg.APIToken = getEnv("BACKEND_API_TOKEN", "")
	backendCfg.AIName = getEnv("BACKEND_AI_NAME", backendCfg.AIName)
	backendCfg.DataSource = getEnv("BACKEND_DATA_SOURCE", "")
	backendCfg.Timeout = getEnvDuration("BACKEND_TIMEOUT", backendCfg.Timeout)

	var errs []error
	transport, err := backend.ParseIDTransport(getEnv("BACKEND_ID_TRANSPORT", ""))
	errs = append(errs, err)
	backendCfg.IDTransport = transport

	strategy, err := identity.ParseStrategy(getEnv("WIDGET_ID_STRATEGY", string(identity.StrategyServer)))
	errs = append(errs, err)
	errorPolicy, err := session.ParseErrorPolicy(getEnv("WIDGET_ERROR_POLICY", ""))
	errs = append(errs, err)
	failurePolicy, err := session.ParseFailurePolicy(getEnv("WIDGET_FAILURE_POLICY", ""))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/widget.db"),
		IdleTTL:     getEnvDuration("WIDGET_IDLE_TTL", 30*time.Minute),
		Retention:   time.Duration(getEnvInt("WIDGET_RETENTION_DAYS", 30)) * 24 * time.Hour,
		Backend:     backendCfg,
		Widget: session.Options{
			Strategy:      strategy,
			FetchHistory:  getEnvBool("WIDGET_FETCH_HISTORY", false),
			Onboarding:    getEnvBool("WIDGET_ONBOARDING", false),
			ErrorPolicy:   errorPolicy,
			FailurePolicy: failurePolicy,
			Greeting:      getEnv("WIDGET_GREETING", session.DefaultGreeting),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.Widget.FetchHistory && c.Backend.HistoryURL == "" {
		return fmt.Errorf("BACKEND_HISTORY_URL is required when WIDGET_FETCH_HISTORY is on")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be > 0")
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("WIDGET_IDLE_TTL must be > 0")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("WIDGET_RETENTION_DAYS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	origins := strings.Split(c.FrontendURL, ",")
	out := origins[:0]
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("45s") or bare seconds ("45").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
