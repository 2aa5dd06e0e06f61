package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/valetbot/valet/internal/api"
	"github.com/valetbot/valet/internal/bot"
	"github.com/valetbot/valet/internal/budget"
	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/events"
	"github.com/valetbot/valet/internal/lock"
	"github.com/valetbot/valet/internal/log"
	"github.com/valetbot/valet/internal/reaper"
	"github.com/valetbot/valet/internal/runner"
	"github.com/valetbot/valet/internal/stats"
	"github.com/valetbot/valet/internal/store"
	"github.com/valetbot/valet/internal/tui"
	"github.com/valetbot/valet/internal/worker"
)

var version = "0.1.0-dev"

const drainTimeout = 30 * time.Second

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "ask":
		return runAsk(args)
	case "stats":
		return runStats(args)
	case "config":
		return runConfig(args)
	case "monitor":
		return runMonitor(args)
	case "version", "--version":
		return runVersion()
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`valet - personal assistant execution service

Usage:
  valet <command> [flags]

Commands:
  start       Run the service in the foreground
  ask         Run one prompt through the full pipeline on the console
  stats       Inspect spend and execution history
  config      Manage configuration (seal, check)
  monitor     Live terminal monitor over the status API
  version     Show version information
  help        Show this help message

Use 'valet <command> --help' for command-specific flags.
`)
}

// services is everything runStart and runAsk share.
type services struct {
	cfg     *config.Config
	db      interface{ Close() error }
	store   *store.Store
	budget  *budget.Tracker
	backend worker.Backend
	hub     *events.Hub
	runner  *runner.Runner
}

func buildServices(ctx context.Context, configPath string) (*services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Setup(cfg.Service.LogLevel)

	db, err := store.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}

	st := store.New(db)
	tracker, err := budget.New(st, cfg.Budget.Timezone)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	backend, err := worker.New(cfg.Worker)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.Worker.Mode == "container" && !backend.ImageExists(ctx, cfg.Worker.Image) {
		_ = db.Close()
		return nil, fmt.Errorf("worker image %q not found; build or pull it first", cfg.Worker.Image)
	}

	hub := events.NewHub(256)
	return &services{
		cfg:     cfg,
		db:      db,
		store:   st,
		budget:  tracker,
		backend: backend,
		hub:     hub,
		runner:  runner.New(st, tracker, backend, cfg, hub),
	}, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer svc.db.Close()

	logger := log.WithComponent("main")
	logger.Info("valet starting", "version", version, "config", *configPath,
		"worker_mode", svc.cfg.Worker.Mode)

	lockPath := lock.ForDataDir(svc.cfg.State.Path)
	svcLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock", "path", lockPath, "error", err)
		return 1
	}
	defer svcLock.Release()
	logger.Info("acquired instance lock", "path", lockPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if r := reaper.New(svc.cfg.Reaper, svc.backend, svc.hub); r != nil {
		go r.Run(ctx)
	}

	if svc.cfg.API.Enabled {
		sts, err := stats.New(svc.store.DB(), svc.cfg.Budget.Timezone)
		if err != nil {
			logger.Error("failed to initialize stats", "error", err)
			return 1
		}
		apiServer := api.New(api.Config{
			Listen: svc.cfg.API.Listen,
			APIKey: svc.cfg.API.Auth.APIKey,
		}, sts, svc.runner, svc.hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("status API enabled", "listen", svc.cfg.API.Listen)
	}

	logger.Info("valet running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	if err := svc.runner.Drain(drainTimeout); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	logger.Info("valet stopped")
	return exitCode
}

// consolePlatform is the platform client for `ask`: replies go to stdout,
// status to stderr.
type consolePlatform struct{}

func (consolePlatform) PostReply(_ context.Context, _ store.ThreadKey, text string) error {
	fmt.Println(text)
	return nil
}

func (consolePlatform) UpdateStatus(_ context.Context, _ store.ThreadKey, status string) error {
	fmt.Fprintf(os.Stderr, "… %s\n", status)
	return nil
}

func (consolePlatform) ClearStatus(context.Context, store.ThreadKey) error { return nil }

func (consolePlatform) SetThreadTitle(context.Context, store.ThreadKey, string) error { return nil }

func runAsk(args []string) int {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	thread := fs.String("thread", "", "Console thread id (reuse to continue a conversation)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: valet ask [--config PATH] [--thread ID] <prompt>")
		return 1
	}
	prompt := strings.Join(fs.Args(), " ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := buildServices(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer svc.db.Close()

	threadID := *thread
	if threadID == "" {
		threadID = fmt.Sprintf("ask-%d", time.Now().UnixNano())
	}

	b := bot.New(svc.store, svc.runner, consolePlatform{})
	if err := b.HandleMessage(ctx, bot.Incoming{
		ChannelID: "console",
		ThreadID:  threadID,
		UserID:    "console",
		Text:      prompt,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runStats(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: valet stats <daily|trend|models|list|serve> [flags]")
		return 1
	}
	action := args[0]
	actionArgs := args[1:]

	if action == "serve" {
		return runStatsServe()
	}

	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file or directory")
	days := fs.Int("days", 7, "Days of history for trend")
	status := fs.String("status", "", "Filter executions by status")
	limit := fs.Int("limit", 20, "Max executions to list")
	if err := fs.Parse(actionArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	sts, err := stats.New(db, cfg.Budget.Timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize stats: %v\n", err)
		return 1
	}

	switch action {
	case "daily":
		totals, err := sts.Daily(ctx, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s  %d executions (%d completed)  $%.2f  %d in / %d out tokens\n",
			totals.Date, totals.Executions, totals.Completed, totals.CostUSD,
			totals.TokensInput, totals.TokensOutput)

	case "trend":
		trend, err := sts.Trend(ctx, *days)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, d := range trend {
			fmt.Printf("%s  %3d runs  $%.2f\n", d.Date, d.Executions, d.CostUSD)
		}

	case "models":
		models, err := sts.ByModel(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, m := range models {
			fmt.Printf("%-24s  %4d runs  $%.2f\n", m.Model, m.Executions, m.CostUSD)
		}

	case "list":
		execs, err := sts.Executions(ctx, stats.Filter{Status: *status, Limit: *limit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, e := range execs {
			fmt.Printf("%s  %-9s  %-20s  $%.3f  %s\n",
				e.ID, e.Status, e.Model, e.CostUSD,
				e.StartedAt.Local().Format("2006-01-02 15:04:05"))
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown stats action: %s\n", action)
		return 1
	}
	return 0
}

// runStatsServe is the tool-server endpoint workers call. It reads its
// context from the environment and writes one JSON document to stdout.
func runStatsServe() int {
	dbPath := os.Getenv(stats.EnvDBPath)
	if dbPath == "" {
		fmt.Fprintf(os.Stderr, "%s is not set\n", stats.EnvDBPath)
		return 1
	}
	timezone := os.Getenv(stats.EnvTimezone)
	if timezone == "" {
		timezone = "UTC"
	}
	log.Setup("ERROR")

	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	sts, err := stats.New(db, timezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize stats: %v\n", err)
		return 1
	}

	daily, err := sts.Daily(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	trend, err := sts.Trend(ctx, 7)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	models, err := sts.ByModel(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	out := map[string]any{
		"today":           daily,
		"trend":           trend,
		"models":          models,
		"daily_limit_usd": os.Getenv(stats.EnvDailyLimitUSD),
		"timezone":        timezone,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode stats: %v\n", err)
		return 1
	}
	return 0
}

func runConfig(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: valet config <seal|check> [flags]")
		return 1
	}
	action := args[0]

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	switch action {
	case "seal":
		hash, err := config.Seal(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Seal failed: %v\n", err)
			return 1
		}
		fmt.Printf("Sealed %s (blake3: %s)\n", *configPath, hash)
		return 0

	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Check FAILED: %v\n", err)
			return 1
		}
		fmt.Println("Configuration check PASSED.")
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8800", "Status API base URL")
	apiKey := fs.String("key", os.Getenv("VALET_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	p := tea.NewProgram(tui.NewModel(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

func runVersion() int {
	commit := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 12 {
				commit = s.Value[:12]
			}
		}
	}
	fmt.Printf("valet %s\ncommit: %s\n", version, commit)
	return 0
}
