package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/backoff"
	"github.com/parleybot/parley/internal/completion"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/memory"
	"github.com/parleybot/parley/internal/observability"
	"github.com/parleybot/parley/internal/tokenizer"
	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/internal/tools/builtin"
	"github.com/parleybot/parley/internal/usage"
	"github.com/parleybot/parley/pkg/models"
)

// app wires the full pipeline from a loaded config: store, memory,
// completion client, tool registry, tracker, and observability.
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.Metrics
	store    history.Store
	memory   *memory.ChatMemory
	client   completion.Client
	registry *tools.Registry
	tracker  *usage.Tracker
	model    models.ModelConfig

	closers []io.Closer
}

func buildApp(cfg *config.Config, debug bool) (*app, error) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	modelCfg, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		tracker: usage.NewTracker(usage.DefaultTrackerConfig()),
		model:   *modelCfg,
	}

	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(nil)
		go func() {
			server := &http.Server{
				Addr:              cfg.Metrics.Listen,
				Handler:           promhttp.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(context.Background(), "metrics server failed", "error", err)
			}
		}()
	}

	if err := a.buildStore(); err != nil {
		return nil, err
	}
	if err := a.buildClient(); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Tools.Enabled {
		a.registry = tools.NewRegistry()
		httpClient := &http.Client{Timeout: cfg.Tools.HTTPTimeout}
		if err := builtin.RegisterAll(a.registry, httpClient); err != nil {
			a.Close()
			return nil, err
		}
	}

	tok := tokenizer.New()
	summarizer := memory.NewCompletionSummarizer(a.client, a.model.Model)
	a.memory = memory.New(a.store, tok, summarizer, a.model.Model, cfg.Memory.ReplyReservation)

	return a, nil
}

func (a *app) buildStore() error {
	switch a.cfg.History.Driver {
	case "postgres":
		store, err := history.NewPostgresStoreFromDSN(a.cfg.History.DSN, nil)
		if err != nil {
			return fmt.Errorf("opening postgres history: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store)
	case "sqlite":
		store, err := history.NewSQLiteStore(a.cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening sqlite history: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store)
	default:
		a.store = history.NewMemoryStore()
	}
	return nil
}

func (a *app) buildClient() error {
	policy := backoff.Policy{
		Initial:     a.cfg.Completion.RetryInitial,
		Max:         a.cfg.Completion.RetryMax,
		Factor:      2,
		Jitter:      1.0,
		MaxAttempts: a.cfg.Completion.RetryAttempts,
	}

	switch a.cfg.Completion.Backend {
	case "anthropic":
		key := a.cfg.Completion.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return &models.ValidationError{Field: "completion.api_key", Message: "set it or export ANTHROPIC_API_KEY"}
		}
		a.client = completion.NewAnthropicClient(key)
	default:
		key := a.cfg.Completion.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return &models.ValidationError{Field: "completion.api_key", Message: "set it or export OPENAI_API_KEY"}
		}
		opts := []completion.OpenAIOption{completion.WithRetryPolicy(policy)}
		if a.cfg.Completion.BaseURL != "" {
			opts = append(opts, completion.WithBaseURL(a.cfg.Completion.BaseURL))
		}
		a.client = completion.NewOpenAIClient(key, opts...)
	}
	return nil
}

// orchestrator builds the per-session orchestrator over the shared
// store and client.
func (a *app) orchestrator(session string) (*agent.Orchestrator, error) {
	return agent.New(agent.Config{
		Session:  session,
		Memory:   a.memory,
		Client:   a.client,
		Registry: a.registry,
		Model:    a.model,
		Tracker:  a.tracker,
		Logger:   a.logger.Slog(),
	})
}

func (a *app) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
