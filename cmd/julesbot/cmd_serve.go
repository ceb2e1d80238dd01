package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/julesbot/internal/observability"
	"github.com/user/julesbot/internal/scheduler"
	"github.com/user/julesbot/internal/telegram"
	"github.com/user/julesbot/internal/types"
	"github.com/user/julesbot/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the julesbot daemon",
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "julesbot.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.InitMetrics()
	if err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Headers:  observability.ParseHeaders(cfg.Tracing.Headers),
		Insecure: cfg.Tracing.Insecure,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := observability.ShutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	a.gateway.Start(ctx)
	defer a.gateway.Stop()
	defer a.reconciler.Stop()

	slog.Info("julesbot started",
		"app", cfg.AppName,
		"store", cfg.Store.Backend,
		"notify", cfg.Notify.Kind,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_model", cfg.LLM.Model,
		"tools", a.registry.Names(),
		"pid_file", pidFile,
	)

	// Telegram adapter
	var telegramHandler http.Handler
	if a.bot != nil {
		adapter := telegram.New(a.bot, a.gateway, a.store, telegram.Config{
			AppName:      cfg.AppName,
			SessionID:    types.SessionID(cfg.Telegram.SessionID),
			AllowedChats: cfg.Telegram.AllowedChats,
		})
		if cfg.Telegram.Mode == "webhook" {
			telegramHandler = adapter.WebhookHandler()
			slog.Info("telegram adapter accepting webhook updates")
		} else {
			go adapter.Start(ctx)
			slog.Info("telegram adapter started")
		}
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New(scheduler.ReconcileJob(cfg.ReconcileSchedule(), cfg.Reconciler.SkipOverlapping, a.reconciler))
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "schedule", cfg.ReconcileSchedule())

	// HTTP server
	srv := webhook.NewServer(webhook.Config{
		AppName:        cfg.AppName,
		TriggerToken:   cfg.HTTP.TriggerToken,
		TelegramSecret: cfg.Telegram.WebhookSecret,
		Notifier:       a.dispatcher,
	}, a.reconciler, a.gateway, a.store, telegramHandler)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
