// Package config loads warden settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
)

// Config holds the gateway configuration.
type Config struct {
	Port     string
	LogLevel string

	// LLMServiceURL is the OpenAI-compatible base URL. Empty selects the
	// deterministic stub adapter.
	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	// RedisAddr selects Redis-backed sessions and ledgers when set.
	RedisAddr string
	// DatabaseURL selects Postgres-backed ledgers and receipts when set.
	DatabaseURL        string
	ReceiptsSQLitePath string

	SessionTTL time.Duration

	RateWindow       time.Duration
	RateMaxRequests  int64
	QuotaMaxRequests int64
	QuotaMaxTokens   int64

	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	ReasoningTimeout  time.Duration
	ExpressionTimeout time.Duration

	// IngressRPS is the per-IP request rate; 0 disables the ingress limiter.
	IngressRPS float64

	OTelEnabled  bool
	OTelEndpoint string

	PolicyFile string

	// parse errors are reported by Validate so Load stays infallible.
	errs []error
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	c := &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		LLMServiceURL:      os.Getenv("LLM_SERVICE_URL"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		LLMModel:           getenv("LLM_MODEL", "gpt-4o-mini"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ReceiptsSQLitePath: os.Getenv("RECEIPTS_SQLITE_PATH"),
		OTelEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
	}

	c.SessionTTL = c.duration("SESSION_TTL", 30*time.Minute)
	c.RateWindow = c.duration("RATE_WINDOW", time.Minute)
	c.RateMaxRequests = c.int64("RATE_MAX_REQUESTS", 20)
	c.QuotaMaxRequests = c.int64("QUOTA_MAX_REQUESTS", 500)
	c.QuotaMaxTokens = c.int64("QUOTA_MAX_TOKENS", 200000)
	c.BreakerThreshold = int(c.int64("BREAKER_THRESHOLD", 5))
	c.BreakerOpenDuration = c.duration("BREAKER_OPEN_DURATION", 30*time.Second)
	c.ReasoningTimeout = c.duration("REASONING_TIMEOUT", 20*time.Second)
	c.ExpressionTimeout = c.duration("EXPRESSION_TIMEOUT", 15*time.Second)
	c.IngressRPS = c.float("INGRESS_RPS", 10)
	c.OTelEnabled = c.bool("OTEL_ENABLED", false)

	return c
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.errs...)

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q is not a valid port", c.Port))
	}
	if _, ok := levels[c.LogLevel]; !ok {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of DEBUG, INFO, WARN, ERROR", c.LogLevel))
	}
	if c.LLMModel == "" {
		errs = append(errs, errors.New("LLM_MODEL must not be empty"))
	}
	positive := map[string]time.Duration{
		"SESSION_TTL":           c.SessionTTL,
		"RATE_WINDOW":           c.RateWindow,
		"BREAKER_OPEN_DURATION": c.BreakerOpenDuration,
		"REASONING_TIMEOUT":     c.ReasoningTimeout,
		"EXPRESSION_TIMEOUT":    c.ExpressionTimeout,
	}
	for _, name := range []string{"SESSION_TTL", "RATE_WINDOW", "BREAKER_OPEN_DURATION", "REASONING_TIMEOUT", "EXPRESSION_TIMEOUT"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateMaxRequests < 0 || c.QuotaMaxRequests < 0 || c.QuotaMaxTokens < 0 {
		errs = append(errs, errors.New("budget ceilings must not be negative"))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_THRESHOLD must be at least 1"))
	}
	if c.IngressRPS < 0 {
		errs = append(errs, errors.New("INGRESS_RPS must not be negative"))
	}

	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := levels[c.LogLevel]; ok {
		return l
	}
	return slog.LevelInfo
}

// BudgetLimits returns the rate window followed by the daily quota.
func (c *Config) BudgetLimits() []budget.Limit {
	return []budget.Limit{
		{Ledger: budget.LedgerRate, Window: c.RateWindow, MaxRequests: c.RateMaxRequests},
		{Ledger: budget.LedgerQuota, Window: 24 * time.Hour, MaxRequests: c.QuotaMaxRequests, MaxTokens: c.QuotaMaxTokens},
	}
}

// BreakerConfig returns breaker defaults overlaid with the env settings.
func (c *Config) BreakerConfig() breaker.Config {
	cfg := breaker.DefaultConfig()
	cfg.Threshold = c.BreakerThreshold
	cfg.OpenDuration = c.BreakerOpenDuration
	if cfg.MaxOpenDuration < cfg.OpenDuration {
		cfg.MaxOpenDuration = cfg.OpenDuration
	}
	return cfg
}

// LLMBaseURL trims a trailing chat completions path so either form of
// LLM_SERVICE_URL can be used.
func (c *Config) LLMBaseURL() string {
	u := strings.TrimRight(c.LLMServiceURL, "/")
	return strings.TrimSuffix(u, "/chat/completions")
}

var levels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (c *Config) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (c *Config) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

func (c *Config) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
