/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Gateway configuration: refresh-credential pool, upstream
             timeouts, and per-model rate-limit rules loaded from a
             side-by-side rate_limits.json.
Root Cause:  The proxy needs validated configuration before it can
             safely hand out session tokens or admit requests.
Context:     Adapted from the multi-provider gateway's config package
             to the single Copilot-upstream credential/rate-limit
             shape.
Suitability: L4 model used for security-critical config design.
──────────────────────────────────────────────────────────────
*/

// Package config loads and validates gateway configuration from
// environment variables, an optional .env file, and a side-by-side
// rate_limits.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/invopop/validation"
	"github.com/joho/godotenv"
)

// RateLimitBehavior selects what happens when a rule's limit is hit.
type RateLimitBehavior string

const (
	BehaviorError RateLimitBehavior = "error"
	BehaviorDelay RateLimitBehavior = "delay"
)

// RateLimitRule is one sliding-window limit for a model. A model may
// carry several rules (e.g. a per-minute and a per-hour window); all
// must pass for a request to be admitted without delay or rejection.
type RateLimitRule struct {
	WindowMinutes int               `json:"window_minutes"`
	InputTokens   *int              `json:"input_tokens,omitempty"`
	OutputTokens  *int              `json:"output_tokens,omitempty"`
	TotalTokens   *int              `json:"total_tokens,omitempty"`
	Requests      *int              `json:"requests,omitempty"`
	Behavior      RateLimitBehavior `json:"behavior"`
}

// Validate checks structural invariants: a positive window and a
// recognized behavior.
func (r RateLimitRule) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.WindowMinutes, validation.Required, validation.Min(1)),
		validation.Field(&r.Behavior, validation.Required, validation.In(BehaviorError, BehaviorDelay)),
	)
}

func (r RateLimitRule) hasLimit() bool {
	return r.InputTokens != nil || r.OutputTokens != nil || r.TotalTokens != nil || r.Requests != nil
}

// Config holds all gateway configuration values.
type Config struct {
	Addr            string
	Env             string
	LogLevel        string
	GracefulTimeout time.Duration

	// Credential pool
	RefreshTokens    []string
	ActiveTokenIndex int
	EditorVersion    string

	// Request/response defaults
	MaxTokens         int
	TimeoutSeconds    int
	SleepBetweenCalls float64
	RecordTraffic     bool

	// Durability
	RedisURL string

	// Per-model rate-limit rules, keyed by model name. A model absent
	// from this map has rate limiting disabled.
	RateLimits map[string][]RateLimitRule
}

// UpstreamTimeout returns the per-request deadline to apply to calls
// made to the upstream chat-completion provider.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads configuration from environment variables, an optional
// .env file, and rate_limits.json next to the binary (or at
// RATE_LIMITS_PATH). It validates the refresh-token pool and every
// loaded rate-limit rule, returning the first error encountered.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:              getEnv("ADDR", ":8080"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		GracefulTimeout:   time.Duration(getEnvInt("GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		ActiveTokenIndex:  getEnvInt("ACTIVE_TOKEN_INDEX", 0),
		EditorVersion:     getEnv("EDITOR_VERSION", "vscode/1.97.2"),
		MaxTokens:         getEnvInt("MAX_TOKENS", 10240),
		TimeoutSeconds:    getEnvInt("TIMEOUT_SECONDS", 300),
		SleepBetweenCalls: getEnvFloat("SLEEP_BETWEEN_CALLS", 0.0),
		RecordTraffic:     getEnvBool("RECORD_TRAFFIC", false),
		RedisURL:          getEnv("REDIS_URL", ""),
	}

	raw := os.Getenv("REFRESH_TOKEN")
	if raw == "" {
		return nil, fmt.Errorf("REFRESH_TOKEN environment variable is required")
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !strings.HasPrefix(tok, "gho_") {
			return nil, fmt.Errorf("all refresh tokens must start with 'gho_', got: %s...", truncate(tok, 4))
		}
		cfg.RefreshTokens = append(cfg.RefreshTokens, tok)
	}
	if len(cfg.RefreshTokens) == 0 {
		return nil, fmt.Errorf("at least one refresh token must be provided")
	}
	if cfg.ActiveTokenIndex < 0 || cfg.ActiveTokenIndex >= len(cfg.RefreshTokens) {
		return nil, fmt.Errorf("active token index %d is out of range (0-%d)", cfg.ActiveTokenIndex, len(cfg.RefreshTokens)-1)
	}

	defaultLimitsPath := "rate_limits.json"
	if exe, err := os.Executable(); err == nil {
		defaultLimitsPath = filepath.Join(filepath.Dir(exe), "rate_limits.json")
	}
	limits, err := loadRateLimits(getEnv("RATE_LIMITS_PATH", defaultLimitsPath))
	if err != nil {
		return nil, err
	}
	cfg.RateLimits = limits

	return cfg, nil
}

// loadRateLimits reads and validates rate_limits.json. A missing file
// silently disables rate limiting; a present-but-malformed file is a
// hard error.
func loadRateLimits(path string) (map[string][]RateLimitRule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string][]RateLimitRule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string][]RateLimitRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for model, rules := range raw {
		for i := range rules {
			if rules[i].Behavior == "" {
				rules[i].Behavior = BehaviorError
			}
			rules[i].Behavior = RateLimitBehavior(strings.ToLower(string(rules[i].Behavior)))
			if err := rules[i].Validate(); err != nil {
				return nil, fmt.Errorf("rate_limits.json: model %q rule %d: %w", model, i, err)
			}
			if !rules[i].hasLimit() {
				return nil, fmt.Errorf("rate_limits.json: model %q rule %d: at least one of input_tokens/output_tokens/total_tokens/requests is required", model, i)
			}
			for _, lim := range []*int{rules[i].InputTokens, rules[i].OutputTokens, rules[i].TotalTokens, rules[i].Requests} {
				if lim != nil && *lim <= 0 {
					return nil, fmt.Errorf("rate_limits.json: model %q rule %d: limits must be positive", model, i)
				}
			}
		}
		raw[model] = rules
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
