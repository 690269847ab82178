package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleybot/parley/internal/agent"
	"github.com/parleybot/parley/internal/config"
	"github.com/parleybot/parley/internal/events"
	"github.com/parleybot/parley/internal/observability"
	"github.com/parleybot/parley/internal/usage"
	"github.com/parleybot/parley/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		session    string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start an interactive chat session",
		Long: `Start an interactive terminal chat wired through the full pipeline:
history store, summarizing memory, tool registry, and the streaming
completion backend. Ctrl-C interrupts the current generation; a second
Ctrl-C at the prompt exits.`,
		Example: `  parley serve
  parley serve --config parley.yaml --session work_notes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, resolved, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, resolved, session, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&session, "session", "s", "terminal_default", "Session id owning the history")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath, session string, debug bool) error {
	a, err := buildApp(cfg, debug)
	if err != nil {
		return err
	}
	defer a.Close()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() { _ = shutdownTracer(context.Background()) }()

	orch, err := a.orchestrator(session)
	if err != nil {
		return err
	}
	orch.Bus().SubscribeAll(renderHandler(os.Stdout))
	if a.metrics != nil {
		orch.Bus().SubscribeAll(metricsHandler(a.metrics, a.model.Model.Name))
	}

	// Edits to the config file apply to the next generation: log level
	// and model knobs reload without restarting the session.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, 0, func(next *config.Config) {
			mc, err := next.ModelConfig()
			if err != nil {
				a.logger.Warn(ctx, "config reload skipped", "error", err)
				return
			}
			orch.SetModelConfig(*mc)
			a.logger.SetLevel(next.Logging.Level)
			a.logger.Info(ctx, "configuration reloaded", "path", configPath, "model", next.Model.Name)
		}, func(err error) {
			a.logger.Warn(ctx, "config reload skipped", "error", err)
		})
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn(ctx, "config watch unavailable", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	// First Ctrl-C interrupts the generation; at an idle prompt it
	// exits the loop.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			orch.Stop()
		}
	}()

	fmt.Printf("parley %s — model %s, session %s (/help for commands)\n", version, a.model.Model.Name, session)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, a, session, line)
			if err != nil {
				fmt.Println("error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		runCtx, span := tracer.Start(observability.WithSession(ctx, session), "generation.run")
		_, err := orch.Run(runCtx, models.NewUserMessage(line))
		observability.EndSpan(span, err)
		switch {
		case err == nil:
		case errors.Is(err, agent.ErrInterrupted):
			fmt.Println("\n[interrupted]")
		default:
			fmt.Println("error:", err)
		}
	}
}

func runCommand(ctx context.Context, a *app, session, line string) (quit bool, err error) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true, nil
	case "/clear":
		if err := a.memory.Clear(ctx, session); err != nil {
			return false, err
		}
		fmt.Println("history cleared")
	case "/usage":
		printUsage(a.tracker, session)
	case "/tools":
		if a.registry == nil {
			fmt.Println("tools disabled")
			break
		}
		for _, def := range a.registry.List() {
			fmt.Printf("  %s — %s\n", def.Name, def.Description)
		}
	case "/help":
		fmt.Println("  /clear  drop this session's history\n  /usage  token and cost totals\n  /tools  list registered tools\n  /quit   exit")
	default:
		fmt.Println("unknown command; try /help")
	}
	return false, nil
}

func printUsage(tracker *usage.Tracker, session string) {
	totals := tracker.SessionTotals(session)
	if totals == nil {
		fmt.Println("no usage recorded")
		return
	}
	line := fmt.Sprintf("  %s prompt + %s reply tokens",
		usage.FormatTokenCount(totals.PromptTokens),
		usage.FormatTokenCount(totals.ReplyTokens))
	if cost := usage.FormatUSD(totals.Cost); cost != "" {
		line += ", " + cost
	}
	fmt.Println(line)
}

// renderHandler writes streaming output: deltas as they arrive, tool
// activity notices, and a newline when the reply settles.
func renderHandler(w *os.File) events.Handler {
	streaming := false
	return func(_ context.Context, ev events.Event) error {
		switch ev.Kind {
		case events.KindModelGeneration:
			if ev.Delta != "" {
				if !streaming {
					fmt.Fprint(w, "bot> ")
					streaming = true
				}
				fmt.Fprint(w, ev.Delta)
			}
		case events.KindModelEnd:
			if streaming {
				fmt.Fprintln(w)
				streaming = false
			}
		case events.KindToolUse:
			if ev.Message != nil {
				fmt.Fprintf(w, "[tool %s %s]\n", ev.Message.ToolName, ev.Message.ArgsStr)
			}
		case events.KindToolResult:
			if ev.Message != nil {
				fmt.Fprintf(w, "[tool %s done]\n", ev.Message.Name)
			}
		}
		return nil
	}
}

// metricsHandler feeds the event stream into Prometheus counters.
func metricsHandler(m *observability.Metrics, model string) events.Handler {
	return func(_ context.Context, ev events.Event) error {
		m.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		switch ev.Kind {
		case events.KindModelReply:
			m.GenerationCounter.WithLabelValues(model, "reply").Inc()
			if ev.Message != nil {
				m.RecordTokens(model, ev.Message.PromptTokens, ev.Message.ReplyTokens)
			}
		case events.KindModelInterrupt:
			m.GenerationCounter.WithLabelValues(model, "interrupted").Inc()
		case events.KindModelError:
			m.GenerationCounter.WithLabelValues(model, "error").Inc()
		}
		return nil
	}
}
