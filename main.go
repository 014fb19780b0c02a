/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Entry point wiring config → logger → usage store →
             credential pool → rate limiter → proxy handler → router
             → HTTP server, with graceful shutdown on SIGINT/SIGTERM.
Root Cause:  Single-purpose Copilot proxy has one upstream and one
             route pair; the wiring is linear, not a provider
             registry with health pollers and model syncers.
Context:     Replaces the multi-provider gateway's registration of
             OpenAI/Anthropic/Gemini/Azure/Mistral/Together/Groq/
             Cohere/Bedrock/Ollama/vLLM providers, health poller,
             model syncer, analytics pipeline, and tracer with the
             single chain this proxy needs, keeping the teacher's
             graceful-shutdown shape.
Suitability: L3 model for graceful shutdown and system wiring.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/yousef-awad/copilot-more/internal/config"
	"github.com/yousef-awad/copilot-more/internal/credential"
	"github.com/yousef-awad/copilot-more/internal/logger"
	"github.com/yousef-awad/copilot-more/internal/metrics"
	"github.com/yousef-awad/copilot-more/internal/proxy"
	"github.com/yousef-awad/copilot-more/internal/ratelimit"
	"github.com/yousef-awad/copilot-more/internal/router"
	"github.com/yousef-awad/copilot-more/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Int("credentials", len(cfg.RefreshTokens)).Msg("copilot-more starting")

	store, err := newUsageStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize usage store")
	}

	reg := metrics.New()
	reg.ActiveCredentialIndex(cfg.ActiveTokenIndex)

	pool := credential.NewPool(cfg.RefreshTokens, cfg.ActiveTokenIndex, cfg.EditorVersion, reg, log)

	limiter := ratelimit.New(store, log)
	limiter.LoadRules(cfg.RateLimits)

	handler := proxy.New(cfg, pool, limiter, store, reg, log)
	r := router.New(cfg, log, handler, reg)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout() + 10*time.Second, // extra buffer for streaming
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("copilot-more listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("copilot-more stopped gracefully")
	}
}

// newUsageStore returns a Redis-backed usage store when REDIS_URL is
// configured, falling back to the in-memory store otherwise.
func newUsageStore(cfg *config.Config, log zerolog.Logger) (usage.Store, error) {
	if cfg.RedisURL == "" {
		log.Info().Msg("usage store: in-memory (set REDIS_URL for durable history)")
		return usage.NewMemoryStore(), nil
	}

	client, err := usage.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("usage store: redis")
	return usage.NewRedisStore(client), nil
}
