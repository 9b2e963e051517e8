package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/audit"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/brain"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/bus"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/channels"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/config"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/cron"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/dispatcher"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/gateway"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/governor"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/knowledge"
	otelPkg "github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/otel"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/persistence"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/router"
	"github.com/LinkFood/remix-of-james-brain-memory-sub000/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon
  %s status                   Show daemon health status (/healthz)
  %s doctor [--json]          Run installation diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  JAMESBRAIN_HOME         Data directory (default: ~/.jamesbrain)
  ANTHROPIC_API_KEY       Required for the anthropic provider
  GEMINI_API_KEY          Required for the google provider
  OPENAI_API_KEY          Required for the openai provider
  TELEGRAM_BOT_TOKEN      Required when the telegram channel is enabled
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(os.Getenv("JAMESBRAIN_HOME"))
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit is initialized before the logger so logger failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "jamesbrain.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Seed configured code projects so the router can resolve them.
	for _, p := range cfg.Projects {
		if _, err := store.EnsureProject(ctx, p.Principal, p.Name, p.RepoPath); err != nil {
			logger.Warn("failed to seed project", "principal_id", p.Principal, "name", p.Name, "error", err)
		}
	}

	llm := brain.New(ctx, cfg.LLM, logger)
	if !llm.Enabled() {
		logger.Warn("no LLM API key configured, intent routing falls back to heuristics")
	}

	rt, err := router.New(llm, store, cfg.TierOverrides, logger)
	if err != nil {
		fatalStartup(logger, "E_ROUTER_INIT", err)
	}

	disp := dispatcher.New(store, rt, llm, cfg.Workers, logger)

	kb, err := knowledge.New(filepath.Join(cfg.HomeDir, "knowledge"))
	if err != nil {
		fatalStartup(logger, "E_KNOWLEDGE_INIT", err)
	}
	disp.SetKnowledge(kb)

	gov := governor.New(store, eventBus, governorLimits(cfg.Governor), logger)

	srv := gateway.New(gateway.Config{
		BindAddr:     cfg.BindAddr,
		Tokens:       cfg.AuthTokens,
		AllowOrigins: cfg.AllowOrigins,
		Store:        store,
		Governor:     gov,
		Dispatcher:   disp,
		Bus:          eventBus,
		Knowledge:    kb,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})

	sched, err := cron.NewScheduler(cron.Config{
		Store:     store,
		Retention: cfg.Retention,
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Telegram.Enabled {
		tg := channels.NewTelegramChannel(
			cfg.Telegram.Token,
			cfg.Telegram.Principals,
			&orchestratorHandler{governor: gov, dispatcher: disp},
			eventBus,
			logger,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	// Hot-reload governor limits, tier overrides, workers, and tokens on
	// config.yaml changes. Bind address changes still need a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, hot reload disabled", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				newCfg, err := config.Load(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed, keeping previous config", "error", err)
					continue
				}
				if newCfg.Fingerprint() == cfg.Fingerprint() {
					continue
				}
				gov.UpdateLimits(governorLimits(newCfg.Governor))
				rt.SetTierOverrides(newCfg.TierOverrides)
				disp.SetWorkers(newCfg.Workers)
				srv.SetTokens(newCfg.AuthTokens)
				sched.UpdateRetention(newCfg.Retention)
				cfg = newCfg
				logger.Info("config reloaded")
			}
		}()
	}

	logger.Info("startup phase", "phase", "ready", "bind_addr", cfg.BindAddr)

	if err := srv.Start(ctx); err != nil {
		fatalStartup(logger, "E_GATEWAY", err)
	}

	// Let in-flight worker dispatches finish before the store closes.
	disp.Wait()
	logger.Info("shutdown complete")
}

// orchestratorHandler is the channel-facing entry point: admission, then
// dispatch, returning the immediate reply.
type orchestratorHandler struct {
	governor   *governor.Governor
	dispatcher *dispatcher.Dispatcher
}

func (h *orchestratorHandler) Handle(ctx context.Context, principalID, message string) (string, string, error) {
	// "/stop" is the chat-side emergency brake: cancel everything, skip
	// admission so a capped-out principal can still stop their work.
	if strings.TrimSpace(message) == "/stop" {
		cancelled, err := h.dispatcher.CancelAll(ctx, principalID, "stopped by user")
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Stopped. Cancelled %d tasks.", len(cancelled)), "", nil
	}

	if err := h.governor.Admit(ctx, principalID); err != nil {
		var admErr *governor.AdmissionError
		if errors.As(err, &admErr) {
			return admErr.Message, "", nil
		}
		return "", "", err
	}
	res, err := h.dispatcher.HandleMessage(ctx, principalID, message)
	if err != nil {
		return "", "", err
	}
	rootID := ""
	if res.Root != nil {
		rootID = res.Root.ID
	}
	return res.Reply, rootID, nil
}

func governorLimits(g config.GovernorConfig) governor.Limits {
	return governor.Limits{
		MaxConcurrent: g.MaxConcurrent,
		DailyCap:      g.DailyCap,
		RatePerMinute: g.RatePerMinute,
		LoopThreshold: g.LoopThreshold,
		LoopWindow:    g.LoopWindow(),
		StaleAfter:    g.StaleAfter(),
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	_ = audit.Close()
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file into the environment,
// never overriding variables that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
