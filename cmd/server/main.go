package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/reelforge/internal/api"
	"github.com/0xPuncker/reelforge/internal/catalog"
	"github.com/0xPuncker/reelforge/internal/config"
	"github.com/0xPuncker/reelforge/internal/cron"
	"github.com/0xPuncker/reelforge/internal/events"
	"github.com/0xPuncker/reelforge/internal/executor"
	"github.com/0xPuncker/reelforge/internal/metrics"
	"github.com/0xPuncker/reelforge/internal/notifications"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const bannerText = `
{{ .Title "Reelforge" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		level, err := logrus.ParseLevel(lvl)
		if err != nil {
			logger.Warnf("Invalid LOG_LEVEL %q, using info", lvl)
		} else {
			logger.SetLevel(level)
		}
	}

	return logger
}

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load(".env.local")
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := pflag.StringP("config", "c", "config/config.json", "path to config file (.json, .yaml or .yml)")
	pflag.Parse()

	logger := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	m := metrics.New()

	store := catalog.NewStore(
		cfg.Catalog.Path,
		logger,
		cfg.Catalog.LoadRetries,
		config.Duration(cfg.Catalog.RetryBackoff, 100*time.Millisecond),
	)
	svc := catalog.NewService(store, logger, m)
	if err := svc.Check(); err != nil {
		// Reads fall back to an empty catalog; writes stay rejected until fixed.
		logger.WithError(err).Error("Catalog is not usable")
	}

	broadcaster := events.NewBroadcaster(logger, m, 0)

	pipeline := &executor.StubPipeline{
		OutputDir: cfg.Executor.OutputDir,
		StepDelay: config.Duration(cfg.Executor.StepDelay, 2*time.Second),
	}
	coordinator := executor.NewCoordinator(svc, pipeline, broadcaster, logger, m, executor.Options{
		Workers:    cfg.Executor.Workers,
		HistoryTTL: config.Duration(cfg.Executor.HistoryTTL, time.Hour),
	})
	coordinator.SetRecorder(svc)
	coordinator.Start()

	scheduler := cron.NewScheduler(
		logger,
		coordinator,
		svc,
		config.Duration(cfg.Executor.HeartbeatInterval, 15*time.Second),
	)
	if cfg.Scheduler.Enabled {
		if err := scheduler.Reload(); err != nil {
			logger.WithError(err).Warn("Some scheduled jobs were not loaded")
		}
		svc.OnChange(func() {
			if err := scheduler.Reload(); err != nil {
				logger.WithError(err).Warn("Some scheduled jobs were not reloaded")
			}
		})
	}
	// Heartbeats ride on the scheduler, so it runs even with no job entries.
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slack, err := notifications.NewSlackService(logger, cfg.Slack.WebhookURL)
	if err != nil {
		logger.Warnf("Slack notifications disabled: %v", err)
	} else {
		notifier := notifications.NewNotificationService(slack, svc, coordinator, logger)
		go notifier.Watch(ctx, broadcaster.Subscribe())

		startupNotifier := notifications.NewStartupNotifier(svc, notifier, logger)
		go func() {
			if err := startupNotifier.NotifyStartup(); err != nil {
				logger.WithError(err).Warn("Failed to send startup notification")
			}
		}()
	}

	handler := api.NewHandler(logger, svc, coordinator, broadcaster, scheduler)
	router := api.NewRouter(handler, m, logger)
	server := api.NewServer(
		cfg.Server.Port,
		router,
		config.Duration(cfg.Server.ReadTimeout, 15*time.Second),
		config.Duration(cfg.Server.WriteTimeout, 0),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	<-stop
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	scheduler.Close()

	// SSE handlers return once the broadcaster closes their subscriptions,
	// so the coordinator's final events go out before the streams end.
	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Errorf("Coordinator shutdown failed: %v", err)
	}
	cancel()
	broadcaster.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}

	logger.Info("Server stopped")
}
