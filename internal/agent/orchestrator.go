// Package agent drives the generation loop for one session: prompt
// window in, streamed completion out, tool calls executed and fed back
// until the model produces a final reply. Lifecycle events fire on the
// bus in a fixed order so adapters can render streaming output.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/parleybot/parley/internal/completion"
	"github.com/parleybot/parley/internal/events"
	"github.com/parleybot/parley/internal/history"
	"github.com/parleybot/parley/internal/memory"
	"github.com/parleybot/parley/internal/reply"
	"github.com/parleybot/parley/internal/tokenizer"
	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/internal/usage"
	"github.com/parleybot/parley/pkg/models"
)

// defaultMaxToolTurns bounds the tool loop so a model that keeps
// requesting tools cannot spin forever.
const defaultMaxToolTurns = 10

// TokenMetrics is the tokenizer subset used for reply accounting.
type TokenMetrics interface {
	MessagesTokens(messages []*models.Message, model models.ChatModel) (int, error)
	ToolsTokens(tools []*models.Tool, model models.ChatModel) (int, error)
	ModelTokens(reply *models.Message, model models.ChatModel, hasTools bool) (int, error)
}

// Config assembles an orchestrator's collaborators. Session, Memory,
// and Client are required; the rest default.
type Config struct {
	Session  string
	Memory   *memory.ChatMemory
	Client   completion.Client
	Registry *tools.Registry
	Bus      *events.Bus
	Metrics  TokenMetrics
	Model    models.ModelConfig
	Tracker  *usage.Tracker
	Logger   *slog.Logger

	// MaxToolTurns caps generation turns per run; 0 means the default.
	MaxToolTurns int
}

// Orchestrator runs the generate → tool-call → execute → re-generate
// loop for a single session. At most one run is in flight at a time;
// different sessions get independent instances.
type Orchestrator struct {
	session      string
	memory       *memory.ChatMemory
	client       completion.Client
	registry     *tools.Registry
	bus          *events.Bus
	metrics      TokenMetrics
	config       models.ModelConfig
	tracker      *usage.Tracker
	logger       *slog.Logger
	maxToolTurns int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New validates the configuration and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Session == "" {
		return nil, &models.ValidationError{Field: "session", Message: "must not be empty"}
	}
	if cfg.Memory == nil {
		return nil, &models.ValidationError{Field: "memory", Message: "must not be nil"}
	}
	if cfg.Client == nil {
		return nil, &models.ValidationError{Field: "client", Message: "must not be nil"}
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = tokenizer.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = defaultMaxToolTurns
	}
	return &Orchestrator{
		session:      cfg.Session,
		memory:       cfg.Memory,
		client:       cfg.Client,
		registry:     cfg.Registry,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		config:       cfg.Model,
		tracker:      cfg.Tracker,
		logger:       cfg.Logger,
		maxToolTurns: cfg.MaxToolTurns,
	}, nil
}

// Bus exposes the event bus for handler registration.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Stop cancels the in-flight run, if any. The run observes the
// cancellation at its next suspension point, fires a single
// ModelInterrupt, and exits without a ModelReply. Stopping an idle
// orchestrator is a no-op.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// SetModelConfig replaces the generation config. A run already in
// flight keeps the config it started with; the next run picks up the
// replacement.
func (o *Orchestrator) SetModelConfig(cfg models.ModelConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

func (o *Orchestrator) modelConfig() models.ModelConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}

// Run executes one generation run for the session's user message and
// returns the final assistant reply. A second Run while one is in
// flight fails with ModelError. On interruption it returns
// ErrInterrupted; other failures are fired as ModelError events and
// returned.
func (o *Orchestrator) Run(ctx context.Context, userMsg *models.Message) (*models.Message, error) {
	if userMsg == nil {
		return nil, &models.ValidationError{Field: "message", Message: "must not be nil"}
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		err := &ModelError{Message: "already running"}
		if fireErr := o.fire(ctx, events.Event{Kind: events.KindModelError, Err: err}); fireErr != nil {
			o.logger.Warn("error event dispatch failed", "session", o.session, "error", fireErr)
		}
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	final, err := o.generate(runCtx, ctx, userMsg)
	if err == nil {
		return final, nil
	}
	if errors.Is(err, ErrInterrupted) {
		return nil, err
	}

	var me *ModelError
	if !errors.As(err, &me) {
		me = &ModelError{Message: "Failed to generate a reply", Err: err}
	}
	if fireErr := o.fire(ctx, events.Event{Kind: events.KindModelError, Err: me}); fireErr != nil {
		o.logger.Warn("error event dispatch failed", "session", o.session, "error", fireErr)
	}
	// Storage failures surface as themselves so callers can classify
	// transience; everything else surfaces as the ModelError.
	var se *history.StorageError
	if errors.As(err, &se) {
		return nil, err
	}
	return nil, me
}

func (o *Orchestrator) generate(ctx context.Context, parent context.Context, userMsg *models.Message) (*models.Message, error) {
	if err := o.fire(ctx, events.Event{Kind: events.KindModelRun, Message: userMsg}); err != nil {
		return nil, err
	}
	if err := o.memory.Append(ctx, o.session, userMsg); err != nil {
		return nil, err
	}

	var toolList []*models.Tool
	if o.registry != nil {
		toolList = o.registry.List()
	}
	cfg := o.modelConfig()

	for turn := 0; turn < o.maxToolTurns; turn++ {
		window, err := o.memory.PromptWindow(ctx, o.session)
		if err != nil {
			return nil, err
		}
		start := events.Event{
			Kind:   events.KindModelStart,
			Config: &cfg,
			Window: window,
			Tools:  toolList,
		}
		if err := o.fire(ctx, start); err != nil {
			return nil, err
		}

		chunks, err := o.client.Complete(ctx, &completion.Request{
			Config:   cfg,
			Messages: window,
			Tools:    toolList,
		})
		if err != nil {
			return nil, err
		}

		agg := reply.NewAggregator()
		cancelled := false
		for chunk := range chunks {
			if chunk.Err != nil {
				if errors.Is(chunk.Err, context.Canceled) || errors.Is(chunk.Err, context.DeadlineExceeded) {
					cancelled = true
					break
				}
				return nil, chunk.Err
			}
			agg.Add(chunk)
			generation := events.Event{
				Kind:     events.KindModelGeneration,
				Delta:    chunk.Content,
				ToolName: chunk.ToolName,
				Args:     chunk.Args,
				Aggregate: &events.Aggregate{
					Content:  agg.Content(),
					ToolName: agg.ToolName(),
					Args:     agg.Args(),
				},
			}
			if err := o.fire(ctx, generation); err != nil {
				return nil, err
			}
		}
		if ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			agg.MarkCancelled()
			if err := o.fire(parent, events.Event{Kind: events.KindModelInterrupt}); err != nil {
				o.logger.Warn("interrupt event dispatch failed", "session", o.session, "error", err)
			}
			return nil, ErrInterrupted
		}

		msg := agg.Message()
		if msg == nil {
			return nil, &ModelError{Message: "model produced no reply"}
		}

		o.finalizeMetrics(cfg, window, toolList, msg, agg.Usage())
		if err := o.fire(ctx, events.Event{Kind: events.KindModelEnd, Message: msg}); err != nil {
			return nil, err
		}
		if err := o.memory.Append(ctx, o.session, msg); err != nil {
			return nil, err
		}
		o.record(cfg, msg)

		if !msg.IsToolUsage() {
			if err := o.fire(ctx, events.Event{Kind: events.KindModelReply, Message: msg}); err != nil {
				return nil, err
			}
			return msg, nil
		}

		if o.registry == nil {
			return nil, &ModelError{Message: fmt.Sprintf("model requested tool %s but none are registered", msg.ToolName)}
		}
		if err := o.fire(ctx, events.Event{Kind: events.KindToolUse, Message: msg}); err != nil {
			return nil, err
		}
		result, err := o.registry.Execute(ctx, msg)
		if err != nil {
			return nil, err
		}
		if err := o.fire(ctx, events.Event{Kind: events.KindToolResult, Message: result}); err != nil {
			return nil, err
		}
		if err := o.memory.Append(ctx, o.session, result); err != nil {
			return nil, err
		}
	}

	return nil, &ModelError{Message: fmt.Sprintf("tool loop exceeded %d turns", o.maxToolTurns)}
}

// finalizeMetrics computes the reply's token accounting from the local
// tokenizer. Upstream-reported usage is compared but never preferred:
// streams routinely omit it and model versions drift, so mismatches
// log a warning only.
func (o *Orchestrator) finalizeMetrics(cfg models.ModelConfig, window []*models.Message, toolList []*models.Tool, msg *models.Message, upstream *completion.Usage) {
	model := cfg.Model

	promptTokens, err := o.metrics.MessagesTokens(window, model)
	if err != nil {
		o.logger.Warn("prompt token count failed", "session", o.session, "error", err)
		return
	}
	toolTokens, err := o.metrics.ToolsTokens(toolList, model)
	if err != nil {
		o.logger.Warn("tool token count failed", "session", o.session, "error", err)
		return
	}
	generated, err := o.metrics.ModelTokens(msg, model, len(toolList) > 0)
	if err != nil {
		o.logger.Warn("reply token count failed", "session", o.session, "error", err)
		return
	}

	msg.PromptTokens = promptTokens + toolTokens
	msg.ReplyTokens = generated
	msg.Cost = tokenizer.TokensCost(msg.PromptTokens, model, false) +
		tokenizer.TokensCost(generated, model, true)

	if upstream != nil && (upstream.PromptTokens != msg.PromptTokens || upstream.ReplyTokens != generated) {
		o.logger.Warn("token usage mismatch",
			"session", o.session,
			"computed_prompt", msg.PromptTokens, "reported_prompt", upstream.PromptTokens,
			"computed_reply", generated, "reported_reply", upstream.ReplyTokens)
	}
}

func (o *Orchestrator) record(cfg models.ModelConfig, msg *models.Message) {
	if o.tracker == nil {
		return
	}
	o.tracker.Record(usage.Record{
		ID:      uuid.NewString(),
		Session: o.session,
		Model:   cfg.Model.Name,
		Usage: usage.Usage{
			PromptTokens: int64(msg.PromptTokens),
			ReplyTokens:  int64(msg.ReplyTokens),
			Cost:         msg.Cost,
		},
	})
}

func (o *Orchestrator) fire(ctx context.Context, ev events.Event) error {
	ev.Session = o.session
	return o.bus.Fire(ctx, ev)
}
