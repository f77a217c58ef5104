package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"botfleet/internal/adapter"
	"botfleet/internal/api"
	"botfleet/internal/config"
	"botfleet/internal/deadletter"
	"botfleet/internal/dispatch"
	"botfleet/internal/domain"
	"botfleet/internal/reasoning"
	"botfleet/internal/registry"
	"botfleet/internal/router"
	"botfleet/internal/secrets"
	"botfleet/internal/supervisor"
	"botfleet/internal/watcher"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Botfleet: multi-tenant bot connection manager",
		Long:  "Botfleet supervises Discord and Telegram bot connections for registered agents and routes their messages to a reasoning service.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.botfleet/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet (connections, watcher, API)",
		Long:  "Brings up a supervised connection for every enabled binding in the registry and serves the management and webhook API. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.General.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := secrets.LoadKey(cfg.Registry.MasterKey, cfg.Registry.MasterKeyFile)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	var cipher *secrets.Cipher
	if key != nil {
		if cipher, err = secrets.NewCipher(key); err != nil {
			return fmt.Errorf("master key: %w", err)
		}
	}

	store, err := registry.Open(cfg.Registry.DBPath, cipher, logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	if cfg.Registry.SeedPath != "" {
		if _, err := store.ApplySeed(ctx, cfg.Registry.SeedPath); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	sink, err := deadletter.New(cfg.DeadLetter, logger)
	if err != nil {
		return fmt.Errorf("dead-letter sink: %w", err)
	}
	defer sink.Close()

	reasoner := reasoning.NewClient(reasoning.ClientConfig{
		BaseURL:    cfg.Reasoning.BaseURL,
		Timeout:    time.Duration(cfg.Reasoning.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Reasoning.MaxRetries,
		Logger:     logger,
	})

	rt := router.New(router.Config{
		QueueSize:     cfg.Router.QueueSize,
		ChatQueueSize: cfg.Router.ChatQueueSize,
		DedupeSize:    cfg.Router.DedupeSize,
		ChatIdle:      time.Duration(cfg.Router.ChatIdleSeconds) * time.Second,
	}, reasoner, sink, logger)

	// The router gets its own context so a shutdown signal does not abort
	// it mid-drain; the deferred cancel is the hard stop if draining hangs.
	routerCtx, routerCancel := context.WithCancel(context.Background())
	defer routerCancel()
	go rt.Run(routerCtx)

	factory := func(key domain.BindingKey) (domain.Adapter, error) {
		return adapter.New(key.Platform, adapter.Options{
			AgentID:        key.AgentID,
			WebhookBaseURL: cfg.API.WebhookBaseURL,
			Logger:         logger,
		})
	}
	sup := supervisor.New(supervisor.Config{
		MaxRetries:     cfg.Supervisor.MaxRetries,
		BackoffBase:    time.Duration(cfg.Supervisor.BackoffBaseMS) * time.Millisecond,
		BackoffCap:     time.Duration(cfg.Supervisor.BackoffCapMS) * time.Millisecond,
		HealthInterval: time.Duration(cfg.Supervisor.HealthIntervalSeconds) * time.Second,
		ConnectTimeout: time.Duration(cfg.Supervisor.ConnectTimeoutSeconds) * time.Second,
		StopTimeout:    time.Duration(cfg.Supervisor.StopTimeoutSeconds) * time.Second,
	}, factory, rt, logger)
	go sup.HealthLoop(ctx)

	disp := dispatch.New(dispatch.Config{
		SendTimeout: time.Duration(cfg.Dispatch.SendTimeoutSeconds) * time.Second,
		RetryWait:   time.Duration(cfg.Dispatch.RetryWaitSeconds) * time.Second,
		Discord:     cfg.Dispatch.Discord,
		Telegram:    cfg.Dispatch.Telegram,
	}, sup, logger)

	w := watcher.New(store, sup, disp, time.Minute, logger)
	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("watcher stopped", "err", err)
		}
	}()

	var lister api.DeadLetterLister
	if s, ok := sink.(*deadletter.StoreSink); ok {
		lister = s
	}
	srv := api.NewServer(sup, store, disp, lister, cfg.API, logger)
	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("api server error", "err", err)
		}
	}()

	logger.Info("botfleet started. Press Ctrl+C to stop.", "version", version)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.ShutdownAll(shutdownCtx)
		rt.Close()
		<-rt.Done()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. reasoning.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. supervisor.maxRetries 10)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Install or remove the background service",
	}
	cmd.AddCommand(installDaemonCmd())
	cmd.AddCommand(uninstallDaemonCmd())
	return cmd
}
