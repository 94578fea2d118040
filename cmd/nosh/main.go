// Nosh is a personal nutrition coach that lives in WhatsApp.
//
// It answers food reports and photos, tracks calories against a daily
// plan, folds in Fitbit activity and sleep numbers, and checks in on
// its own via a heartbeat schedule. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); secrets may come from a .env file.
//
// Usage:
//
//	nosh serve       Start the agent
//	nosh version     Print version and build information
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nosh-agent/nosh/internal/agent"
	"github.com/nosh-agent/nosh/internal/buildinfo"
	"github.com/nosh-agent/nosh/internal/config"
	"github.com/nosh-agent/nosh/internal/events"
	"github.com/nosh-agent/nosh/internal/fitbit"
	"github.com/nosh-agent/nosh/internal/foodlog"
	"github.com/nosh-agent/nosh/internal/heartbeat"
	"github.com/nosh-agent/nosh/internal/history"
	"github.com/nosh-agent/nosh/internal/llm"
	"github.com/nosh-agent/nosh/internal/location"
	"github.com/nosh-agent/nosh/internal/notify"
	"github.com/nosh-agent/nosh/internal/profile"
	"github.com/nosh-agent/nosh/internal/vision"
	"github.com/nosh-agent/nosh/internal/web"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Secrets land in the environment before the config file is read,
	// so ${VAR} expansion in YAML picks them up. A missing .env is not
	// an error; production deployments use real environment variables.
	_ = godotenv.Load()

	var configPath string
	command := "serve"
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag %q (try -help)", args[i])
		}
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "serve":
		return serve(ctx, stdout, configPath)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command %q (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `Nosh %s

Usage:
  nosh [flags] <command>

Commands:
  serve       Start the agent (default)
  version     Print version and build information

Flags:
  -config PATH   Explicit config file path
`, buildinfo.Version)
	return nil
}

func serve(ctx context.Context, stdout io.Writer, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level)
	slog.SetDefault(logger)

	logger.Info("starting nosh",
		"version", buildinfo.Version,
		"config", cfgPath,
		"data_dir", cfg.DataDir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "nosh.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// --- Stores ---
	foodLog, err := foodlog.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("food log store: %w", err)
	}
	profiles, err := profile.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("profile store: %w", err)
	}
	hist, err := history.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}

	bus := events.New()

	// --- Fitbit sensors ---
	tokenStore, err := fitbit.NewTokenStore(db)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	tokens, err := fitbit.NewTokenSource(cfg.Fitbit.ClientID, cfg.Fitbit.ClientSecret, tokenStore, logger)
	if err != nil {
		return fmt.Errorf("token source: %w", err)
	}
	var sensorOpts []fitbit.ClientOption
	if cfg.Fitbit.BaseURL != "" {
		sensorOpts = append(sensorOpts, fitbit.WithBaseURL(cfg.Fitbit.BaseURL))
	}
	sensors := fitbit.NewClient(tokens, bus, logger, sensorOpts...)

	// --- Model clients ---
	chat := llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, logger)
	classifier := vision.New(chat, cfg.Gemini.VisionModel, logger)

	// --- Outbound channel ---
	var notifier notify.Notifier
	if cfg.Twilio.Enabled {
		notifier = notify.NewTwilio(cfg.Twilio, bus, logger)
	} else {
		logger.Info("twilio disabled, replies go to the log")
		notifier = &notify.LogNotifier{Logger: logger}
	}

	// --- Location feed ---
	var tracker *location.Tracker
	var subscriber *location.Subscriber
	if cfg.MQTT.Enabled {
		tracker = location.NewTracker(location.DefaultTTL, logger)
		subscriber = location.NewSubscriber(cfg.MQTT, tracker, bus, logger)
	} else {
		logger.Info("mqtt location feed disabled")
	}

	// --- Pipeline ---
	pipeline := agent.New(agent.Options{
		Chat:          chat,
		ChatModel:     cfg.Gemini.ChatModel,
		Vision:        classifier,
		Sensors:       sensors,
		Location:      locationSource(tracker),
		FoodLog:       foodLog,
		Profiles:      profiles,
		History:       hist,
		Notifier:      notifier,
		Bus:           bus,
		Logger:        logger,
		HistoryWindow: cfg.HistoryWindow,
	})

	// --- Heartbeat ---
	var beat *heartbeat.Runner
	if cfg.Heartbeat.Enabled {
		beat = heartbeat.New(cfg.Heartbeat, pipeline, bus, logger)
		if err := beat.Start(); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
	} else {
		logger.Info("heartbeat disabled")
	}

	// --- HTTP front door ---
	server := web.New(web.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Runner:   pipeline,
		Trigger:  webTrigger(beat),
		Bus:      bus,
		FoodLog:  foodLog,
		Profiles: profiles,
		Logger:   logger,
	})

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if subscriber != nil {
		go func() {
			if err := subscriber.Start(ctx); err != nil {
				logger.Error("mqtt subscriber failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if beat != nil {
			beat.Stop()
		}
		if subscriber != nil {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := subscriber.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("nosh stopped")
	return nil
}

// locationSource wraps the tracker as the pipeline's optional location
// dependency without handing a typed-nil interface to the agent.
func locationSource(t *location.Tracker) agent.LocationSource {
	if t == nil {
		return nil
	}
	return t
}

// webTrigger does the same for the heartbeat runner.
func webTrigger(r *heartbeat.Runner) web.Trigger {
	if r == nil {
		return nil
	}
	return r
}

// newLogger creates a structured text logger writing to w. All log
// output goes through slog with the shared level-name mapping.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
