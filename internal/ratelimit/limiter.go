/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-model sliding-window rate limiter covering both
             request frequency and token throughput, each rule
             independently configured to error or delay on breach.
Root Cause:  Sprint task T019 analogue: admission control in front
             of the upstream call, generalized from a single RPM
             bucket to per-model, multi-dimension, multi-window rules.
Context:     Replaces the single-key RPM/burst limiter with the
             window/behavior model the upstream proxy needs, split
             into a request-rate check (in-memory counters) and a
             token-rate check (delegates to a usage store).
Suitability: L3 model for concurrency-sensitive rate-limit logic.
──────────────────────────────────────────────────────────────
*/

// Package ratelimit enforces per-model sliding-window limits on both
// request frequency and token throughput.
package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
	"github.com/yousef-awad/copilot-more/internal/usage"
)

// MaxDelaySeconds caps the proportional token-rate delay so a single
// busy model can never stall a caller indefinitely.
const MaxDelaySeconds = 60.0

// LimitError is returned when a rule's behavior is "error" and the
// rule's limit has been exceeded.
type LimitError struct {
	Model string
	Msg   string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for model %s: %s", e.Model, e.Msg)
}

// Limiter tracks per-model rate-limit rules, in-memory request
// counters per (model, window), and the usage store backing
// token-rate checks.
type Limiter struct {
	logger zerolog.Logger
	store  usage.Store

	mu              sync.Mutex
	rules           map[string][]config.RateLimitRule
	requestCounters map[string]map[int]map[int64]int // model -> window_minutes -> unix_seconds -> count
	nextAllowedAt   map[string]time.Time
}

// New builds a Limiter backed by the given usage store.
func New(store usage.Store, logger zerolog.Logger) *Limiter {
	return &Limiter{
		logger:          logger.With().Str("component", "rate_limiter").Logger(),
		store:           store,
		rules:           make(map[string][]config.RateLimitRule),
		requestCounters: make(map[string]map[int]map[int64]int),
		nextAllowedAt:   make(map[string]time.Time),
	}
}

// AddRule registers a rate-limit rule for a model. A model may carry
// several rules across different windows and dimensions.
func (l *Limiter) AddRule(model string, rule config.RateLimitRule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[model] = append(l.rules[model], rule)
	l.logger.Info().Str("model", model).Int("window_minutes", rule.WindowMinutes).Msg("registered rate limit rule")
}

// LoadRules seeds the limiter from a config-loaded rule set.
func (l *Limiter) LoadRules(all map[string][]config.RateLimitRule) {
	for model, rules := range all {
		for _, r := range rules {
			l.AddRule(model, r)
		}
	}
}

// CheckRequest checks request-frequency limits for a model at now. It
// returns a non-nil delay in seconds if the caller should wait before
// proceeding, or a *LimitError if a rule's behavior is "error" and its
// limit is exceeded. A nil rule set for the model means unrestricted.
func (l *Limiter) CheckRequest(model string, now time.Time) (*float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rules, ok := l.rules[model]
	if !ok {
		return nil, nil
	}

	if until, ok := l.nextAllowedAt[model]; ok && now.Before(until) {
		delay := until.Sub(now).Seconds()
		if delay < 0 {
			delay = 0
		}
		return &delay, nil
	}

	maxDelay := 0.0
	for _, rule := range rules {
		if rule.Requests == nil {
			continue
		}

		count := l.countRequestsLocked(model, rule, now)
		if count < *rule.Requests {
			continue
		}

		if rule.Behavior == config.BehaviorError {
			return nil, &LimitError{Model: model, Msg: fmt.Sprintf(
				"request limit exceeded in %dmin window: %d/%d", rule.WindowMinutes, count, *rule.Requests)}
		}

		delay := l.neededDelayLocked(model, rule, now)
		if delay > maxDelay {
			maxDelay = delay
		}
	}

	if maxDelay > 0 {
		return &maxDelay, nil
	}
	return nil, nil
}

// RecordRequest records one request against every request-counting
// rule configured for the model, for sliding-window accounting.
func (l *Limiter) RecordRequest(model string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rule := range l.rules[model] {
		if rule.Requests == nil {
			continue
		}
		l.bucket(model, rule.WindowMinutes)[now.Unix()]++
	}
}

// CheckTokens checks token-throughput limits for a model using usage
// recorded in the window ending at now. It returns a delay in seconds
// (capped at MaxDelaySeconds) if a rule's behavior is "delay" and its
// limit is exceeded, or a *LimitError if the behavior is "error".
func (l *Limiter) CheckTokens(model string, now time.Time) (*float64, error) {
	l.mu.Lock()
	rules := append([]config.RateLimitRule(nil), l.rules[model]...)
	l.mu.Unlock()

	if len(rules) == 0 {
		return nil, nil
	}

	maxDelay := 0.0
	for _, rule := range rules {
		start := now.Add(-time.Duration(rule.WindowMinutes) * time.Minute)
		summary, err := l.store.Query(start, now, model)
		if err != nil {
			return nil, fmt.Errorf("querying usage for model %s: %w", model, err)
		}

		exceeded, ratio := tokenLimitExceeded(rule, summary)
		if !exceeded {
			continue
		}

		if rule.Behavior == config.BehaviorError {
			return nil, &LimitError{Model: model, Msg: fmt.Sprintf(
				"token limit exceeded in %dmin sliding window: input=%d output=%d total=%d",
				rule.WindowMinutes, summary.InputTokens, summary.OutputTokens, summary.TotalTokens)}
		}

		if ratio > 2.0 {
			ratio = 2.0
		}
		delay := float64(rule.WindowMinutes) * 60.0 * (ratio - 1.0)
		if delay > MaxDelaySeconds {
			delay = MaxDelaySeconds
		}
		if delay > maxDelay {
			maxDelay = delay
		}

		next := now.Add(time.Duration(delay * float64(time.Second)))
		l.mu.Lock()
		if existing, ok := l.nextAllowedAt[model]; !ok || next.After(existing) {
			l.nextAllowedAt[model] = next
		}
		l.mu.Unlock()
	}

	if maxDelay > 0 {
		return &maxDelay, nil
	}
	return nil, nil
}

// tokenLimitExceeded reports whether usage breaches rule. The usage
// ratio used for the proportional delay is taken on a breached
// dimension, preferring total over input over output.
func tokenLimitExceeded(rule config.RateLimitRule, s usage.Summary) (bool, float64) {
	exceeded := false
	if rule.InputTokens != nil && s.InputTokens > *rule.InputTokens {
		exceeded = true
	}
	if rule.OutputTokens != nil && s.OutputTokens > *rule.OutputTokens {
		exceeded = true
	}
	if rule.TotalTokens != nil && s.TotalTokens > *rule.TotalTokens {
		exceeded = true
	}
	if !exceeded {
		return false, 0
	}

	ratio := 1.0
	switch {
	case rule.TotalTokens != nil && *rule.TotalTokens > 0 && s.TotalTokens > *rule.TotalTokens:
		ratio = float64(s.TotalTokens) / float64(*rule.TotalTokens)
	case rule.InputTokens != nil && *rule.InputTokens > 0 && s.InputTokens > *rule.InputTokens:
		ratio = float64(s.InputTokens) / float64(*rule.InputTokens)
	case rule.OutputTokens != nil && *rule.OutputTokens > 0 && s.OutputTokens > *rule.OutputTokens:
		ratio = float64(s.OutputTokens) / float64(*rule.OutputTokens)
	}
	return true, ratio
}

func (l *Limiter) bucket(model string, windowMinutes int) map[int64]int {
	byWindow, ok := l.requestCounters[model]
	if !ok {
		byWindow = make(map[int]map[int64]int)
		l.requestCounters[model] = byWindow
	}
	b, ok := byWindow[windowMinutes]
	if !ok {
		b = make(map[int64]int)
		byWindow[windowMinutes] = b
	}
	return b
}

// countRequestsLocked prunes entries older than twice the window and
// returns the count within the window. Callers hold l.mu.
func (l *Limiter) countRequestsLocked(model string, rule config.RateLimitRule, now time.Time) int {
	b := l.bucket(model, rule.WindowMinutes)
	windowStart := now.Add(-time.Duration(rule.WindowMinutes) * time.Minute).Unix()
	cleanupCutoff := now.Add(-2 * time.Duration(rule.WindowMinutes) * time.Minute).Unix()

	total := 0
	for ts, count := range b {
		if ts < cleanupCutoff {
			delete(b, ts)
			continue
		}
		if ts >= windowStart {
			total += count
		}
	}
	return total
}

// neededDelayLocked computes how long to wait until the window has
// room for another request, based on the rule.Requests-th most recent
// timestamp in the window. Callers hold l.mu.
func (l *Limiter) neededDelayLocked(model string, rule config.RateLimitRule, now time.Time) float64 {
	if rule.Requests == nil {
		return 0
	}
	b := l.bucket(model, rule.WindowMinutes)
	windowStart := now.Add(-time.Duration(rule.WindowMinutes) * time.Minute).Unix()

	var times []int64
	for ts, count := range b {
		if ts < windowStart {
			continue
		}
		for i := 0; i < count; i++ {
			times = append(times, ts)
		}
	}
	if len(times) < *rule.Requests {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i] > times[j] })

	oldestAllowed := time.Unix(times[*rule.Requests-1], 0)
	delay := oldestAllowed.Add(time.Duration(rule.WindowMinutes) * time.Minute).Sub(now).Seconds()
	if delay < 0 {
		return 0
	}
	return delay
}
