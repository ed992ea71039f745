package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatbridge/internal/assistant"
	"chatbridge/internal/bus"
	"chatbridge/internal/channel"
	"chatbridge/internal/config"
	"chatbridge/internal/domain"
	"chatbridge/internal/notify"
	"chatbridge/internal/orchestrator"
	"chatbridge/internal/persona"
	"chatbridge/internal/session"
	"chatbridge/internal/transcript"

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
		Use:   "chatbridge",
		Short: "chatbridge: messaging-to-assistant conversation gateway",
		Long:  "chatbridge connects Telegram and VK conversations to a thread-based assistant backend.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config and persona file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			personaPath := config.ExpandPath(cfg.Backend.PersonaPath)
			if _, err := os.Stat(personaPath); os.IsNotExist(err) {
				if err := os.WriteFile(personaPath, []byte(persona.ExampleYAML), 0o644); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "persona", personaPath)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels + orchestrator)",
		Long:  "Starts all enabled channels and the conversation orchestrator. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)

	backend := assistant.NewClient(assistant.Config{
		APIKey:  cfg.Backend.APIKey,
		APIBase: cfg.Backend.APIBase,
		Logger:  logger,
	})
	if err := backend.Healthy(ctx); err != nil {
		logger.Warn("backend unhealthy at startup", "err", err)
	} else {
		logger.Info("backend healthy")
	}

	pers, err := persona.Load(cfg.Backend.PersonaPath)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	logger.Info("persona loaded", "name", pers.Name, "assistant", pers.AssistantID)

	sessions := session.NewStore(backend, logger)

	var notifier domain.Notifier
	if cfg.Notify.Enabled {
		n, err := notify.NewTelegram(cfg.Notify.Token, cfg.Notify.ChatID, logger)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		notifier = n
	}

	var recorder orchestrator.Recorder
	if cfg.Transcript.Enabled {
		store, err := transcript.NewStore(cfg.Transcript.DBPath, logger)
		if err != nil {
			return fmt.Errorf("transcript store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	orch := orchestrator.New(orchestrator.Config{
		Backend:      backend,
		Sessions:     sessions,
		Persona:      pers,
		Notifier:     notifier,
		Recorder:     recorder,
		Bus:          messageBus,
		Logger:       logger,
		Mode:         cfg.Backend.Mode,
		RunTimeout:   time.Duration(cfg.Backend.RunTimeoutSeconds) * time.Second,
		PollInterval: time.Duration(cfg.Backend.PollIntervalSeconds) * time.Second,
		Concurrency:  cfg.General.MaxConcurrentUsers,
	})
	go orch.Run(ctx)

	channels, err := startChannels(ctx, cfg, messageBus)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled; enable telegram or vk in %s", cfgPath)
	}

	var healthSrv *http.Server
	if cfg.General.HealthAddr != "" {
		healthSrv = startHealthServer(cfg.General.HealthAddr)
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		if healthSrv != nil {
			healthSrv.Shutdown(shutdownCtx)
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func startChannels(ctx context.Context, cfg *config.Config, messageBus domain.MessageBus) ([]domain.Channel, error) {
	var channels []domain.Channel

	if cfg.Channels.Telegram.Enabled {
		allowFrom := make([]int64, 0, len(cfg.Channels.Telegram.AllowFrom))
		for _, s := range cfg.Channels.Telegram.AllowFrom {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("channels.telegram.allowFrom: bad chat id %q", s)
			}
			allowFrom = append(allowFrom, id)
		}
		tg, err := channel.NewTelegram(cfg.Channels.Telegram.Token, allowFrom,
			cfg.Channels.Telegram.PollTimeoutSeconds, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		if err := tg.Start(ctx, messageBus); err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		channels = append(channels, tg)
		logger.Info("telegram channel enabled")
	}

	if cfg.Channels.VK.Enabled {
		vk := channel.NewVK(channel.VKOptions{
			Token:        cfg.Channels.VK.Token,
			Confirmation: cfg.Channels.VK.Confirmation,
			Addr:         cfg.Channels.VK.Addr,
			Path:         cfg.Channels.VK.Path,
			APIVersion:   cfg.Channels.VK.APIVersion,
		}, logger)
		if err := vk.Start(ctx, messageBus); err != nil {
			return nil, fmt.Errorf("vk channel: %w", err)
		}
		channels = append(channels, vk)
		logger.Info("vk channel enabled")
	}

	return channels, nil
}

// setupLogger rebuilds the process logger per config: level from the config,
// optionally teeing to a log file.
func setupLogger(cfg *config.Config) error {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

func startHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("health endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "err", err)
		}
	}()
	return srv
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (credentials redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
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
