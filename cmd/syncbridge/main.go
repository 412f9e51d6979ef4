package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/config"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/docstore"
	"github.com/Mindburn-Labs/syncbridge/pkg/health"
	"github.com/Mindburn-Labs/syncbridge/pkg/issuetracker"
	"github.com/Mindburn-Labs/syncbridge/pkg/mapper"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/outbound"
	"github.com/Mindburn-Labs/syncbridge/pkg/scheduler"
	"github.com/Mindburn-Labs/syncbridge/pkg/server"
	"github.com/Mindburn-Labs/syncbridge/pkg/store"
	syncpkg "github.com/Mindburn-Labs/syncbridge/pkg/sync"
	"github.com/Mindburn-Labs/syncbridge/pkg/webhook"
)

// shutdownGrace bounds draining on SIGINT/SIGTERM.
const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; it exists separately from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "replay":
		return runReplayCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: syncbridge <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the bridge (default)")
	fmt.Fprintln(w, "  replay   Trigger an immediate dead-letter replay sweep")
	fmt.Fprintln(w, "  health   Query the running server's health endpoint")
	fmt.Fprintln(w, "  doctor   Check configuration and dependencies without serving")
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return 1
	}

	reg, err := config.LoadRegistry(cfg.MappingPath)
	if err != nil {
		fmt.Fprintf(stderr, "mapping registry: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	logger.Info("store ready", "flavor", st.Flavor())

	met, err := metrics.New()
	if err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}
	auditLogger := audit.NewLogger()

	admitter, err := webhook.NewAdmitter(webhook.Config{
		Rules: map[contracts.Provider]webhook.ProviderRule{
			contracts.ProviderSource: {Secret: cfg.SrcSecret, TimestampWindow: cfg.SrcTimestampWindow},
			contracts.ProviderTarget: {Secret: cfg.TgtSecret, TimestampWindow: cfg.TgtTimestampWindow},
		},
		MaxRequestBytes:    cfg.MaxRequestBytes,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	if err != nil {
		fmt.Fprintf(stderr, "admission: %v\n", err)
		return 1
	}

	issues := issuetracker.NewClient(cfg.SrcAPIBaseURL, cfg.SrcToken,
		outbound.NewCaller(string(contracts.ProviderSource), met, auditLogger))
	pages := docstore.NewClient(cfg.TgtAPIBaseURL, cfg.TgtToken,
		outbound.NewCaller(string(contracts.ProviderTarget), met, auditLogger))

	orch := syncpkg.New(st, mapper.New(reg), issues, pages, cfg.TgtDatabaseID, met, auditLogger)
	sched := scheduler.New(scheduler.Config{
		Interval:       cfg.ReplayInterval,
		BatchSize:      cfg.ReplayBatchSize,
		MaxAttempts:    cfg.ReplayMaxAttempts,
		EventRetention: cfg.ProcessedEventRetention,
	}, st, orch, met, auditLogger)

	checker := health.New(st, health.Outbound{
		SrcTokenSet: cfg.SrcToken != "",
		TgtTokenSet: cfg.TgtToken != "",
	}, cfg.Environment)

	srv := server.New(":"+cfg.Port, admitter, orch, sched, checker, met, auditLogger, cfg.AdminToken)

	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			stopSched()
			<-schedDone
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	stopSched()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop within grace period")
	}
	_ = met.Shutdown(shutdownCtx)
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func runReplayCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if cfg.AdminToken == "" {
		fmt.Fprintln(stderr, "ADMIN_TOKEN is required")
		return 2
	}

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://localhost:%s/replay-deadletters", cfg.Port), nil)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)

	resp, err := (&http.Client{Timeout: 60 * time.Second}).Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "replay failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get(fmt.Sprintf("http://localhost:%s/health", cfg.Port))
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(stdout, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runDoctorCmd checks configuration, the mapping registry and the database
// without serving traffic.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	failed := false

	report := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Fprintf(stderr, "FAIL %-18s %v\n", name, err)
			return
		}
		fmt.Fprintf(stdout, "ok   %s\n", name)
	}

	report("config", cfg.Validate())

	_, regErr := config.LoadRegistry(cfg.MappingPath)
	report("mapping registry", regErr)

	st, dbErr := store.Open(cfg.DBURL)
	report("database", dbErr)
	if dbErr == nil {
		_ = st.Close()
	}

	if cfg.SrcToken == "" {
		fmt.Fprintln(stdout, "warn source API token not configured")
	}
	if cfg.TgtToken == "" {
		fmt.Fprintln(stdout, "warn target API token not configured")
	}

	if failed {
		return 1
	}
	return 0
}
