// Redstring bridge server - turns natural-language requests into queued
// graph mutations and brokers them to the UI client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/theredstring/redstring-bridge/pkg/agent"
	"github.com/theredstring/redstring-bridge/pkg/api"
	"github.com/theredstring/redstring-bridge/pkg/auditor"
	"github.com/theredstring/redstring-bridge/pkg/bridge"
	"github.com/theredstring/redstring-bridge/pkg/committer"
	"github.com/theredstring/redstring-bridge/pkg/config"
	"github.com/theredstring/redstring-bridge/pkg/events"
	"github.com/theredstring/redstring-bridge/pkg/executor"
	"github.com/theredstring/redstring-bridge/pkg/llm"
	"github.com/theredstring/redstring-bridge/pkg/metrics"
	"github.com/theredstring/redstring-bridge/pkg/planner"
	"github.com/theredstring/redstring-bridge/pkg/queue"
	"github.com/theredstring/redstring-bridge/pkg/scheduler"
	"github.com/theredstring/redstring-bridge/pkg/trace"
	"github.com/theredstring/redstring-bridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := getEnv("CONFIG_DIR", "./deploy/config")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := config.Initialize(configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	slog.Info("Starting redstring bridge",
		"version", version.Full(), "port", cfg.Port, "config_dir", configDir)

	// Core state.
	store := bridge.NewStore()
	broker := bridge.NewBroker(store.ActiveGraphID, cfg.PendingActionLeaseTTL)
	log := events.NewLog(events.DefaultCapacity)
	tracer := trace.NewTracer(200)
	queues := queue.NewManager(queue.Config{
		LeaseTTL:    cfg.QueueLeaseTTL,
		MaxAttempts: cfg.QueueMaxAttempts,
	})

	// Pipeline stages.
	provider := llm.NewAnthropic(providerBaseURL(cfg))
	plnr := planner.New(provider, cfg.Prompts, cfg.ProviderRegistry, tracer)
	exe := executor.New(queues, log, store, tracer)
	com := committer.New(queues, log, store, broker, tracer)
	aud := auditor.New(queues, log, store, tracer, com.CommittedChecker())
	svc := agent.New(plnr, exe, com, store, log, tracer, provider, cfg.Prompts, queues)
	svc.Rehydrate()

	sched := scheduler.New([]scheduler.Stage{
		{Name: "planner", MaxPerTick: scheduler.DefaultPlannerPerTick, Run: exe.DrainGoals},
		{Name: "executor", MaxPerTick: scheduler.DefaultExecutorPerTick, Run: exe.DrainTasks},
		{Name: "auditor", MaxPerTick: scheduler.DefaultAuditorPerTick, Run: aud.DrainPatches},
		{Name: "committer", MaxPerTick: scheduler.DefaultAuditorPerTick, Run: com.DrainReviews},
	})

	registry := metrics.NewRegistry(queues, log, broker)
	server := api.NewServer(cfg, svc, queues, log, tracer, store, broker, sched, registry)

	queues.Start()
	broker.Start()
	sched.Start(scheduler.Config{Cadence: cfg.SchedulerCadence})

	ln, err := listenWithRecovery(cfg.Port)
	if err != nil {
		slog.Error("Failed to bind port after recovery attempts", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(server, cfg, ln)
	}()
	slog.Info("HTTP server listening", "addr", ln.Addr().String(), "https", useTLS(cfg))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}

	sched.Stop()
	broker.Stop()
	queues.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	log.Close()
	slog.Info("Shutdown complete")
}

// setupLogging installs the default slog handler: JSON in production,
// text otherwise, at the configured level.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.Production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// providerBaseURL picks the base URL off the default provider entry.
func providerBaseURL(cfg *config.Config) string {
	if p := cfg.ProviderRegistry.Default(); p != nil {
		return p.BaseURL
	}
	return ""
}

func useTLS(cfg *config.Config) bool {
	if !cfg.UseHTTPS {
		return false
	}
	if cfg.SSLKeyPath == "" || cfg.SSLCertPath == "" {
		slog.Warn("HTTPS requested but key or cert path missing, falling back to HTTP")
		return false
	}
	return true
}

func serve(server *api.Server, cfg *config.Config, ln net.Listener) error {
	if useTLS(cfg) {
		// ListenAndServeTLS needs its own bind; release the probe
		// listener first.
		addr := ln.Addr().String()
		_ = ln.Close()
		return server.StartTLS(addr, cfg.SSLCertPath, cfg.SSLKeyPath)
	}
	return server.StartWithListener(ln)
}

// listenWithRecovery binds the port, and on address-in-use tries to kill
// the stale listener via local OS utilities before one retry.
func listenWithRecovery(port string) (net.Listener, error) {
	addr := ":" + port
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !strings.Contains(err.Error(), "address already in use") {
		return nil, err
	}

	slog.Warn("Port in use, attempting to reclaim", "port", port)
	killPortListeners(port)
	time.Sleep(500 * time.Millisecond)

	ln, retryErr := net.Listen("tcp", addr)
	if retryErr != nil {
		return nil, fmt.Errorf("port %s still in use after recovery: %w", port, retryErr)
	}
	return ln, nil
}

// killPortListeners best-effort kills whatever holds the port, via fuser
// then lsof.
func killPortListeners(port string) {
	if err := exec.Command("fuser", "-k", port+"/tcp").Run(); err == nil {
		return
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err != nil {
		return
	}
	for _, pid := range strings.Fields(string(out)) {
		slog.Warn("Killing stale listener", "pid", pid, "port", port)
		_ = exec.Command("kill", pid).Run()
	}
}
