package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/helium-bots/helium/internal/config"
	"github.com/helium-bots/helium/internal/observability"
	"github.com/helium-bots/helium/internal/registry"
	"github.com/helium-bots/helium/internal/server"
	"github.com/helium-bots/helium/pkg/bot"

	_ "github.com/helium-bots/helium/internal/statestore/physical/badger"
	_ "github.com/helium-bots/helium/internal/statestore/physical/file"
	_ "github.com/helium-bots/helium/internal/statestore/physical/memory"
	_ "github.com/helium-bots/helium/internal/statestore/physical/redis"
	_ "github.com/helium-bots/helium/internal/statestore/physical/sqlite"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFormat := cfg.Observability.LogFormat
	if logFormat == "" {
		logFormat = "json"
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			logFormat = "text"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.Config{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      logFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	obs.ServeMetrics(cfg.Observability.MetricsAddr)

	sessionFactory := registry.NewBackendFactory(cfg.Storage.Session.Backend, cfg.Storage.Session.Config)
	identityFactory := registry.NewBackendFactory(cfg.Storage.Identity.Backend, cfg.Storage.Identity.Config)

	reg := registry.New(cfg.API.URL, sessionFactory, identityFactory, obs.Metrics)
	obs.Shutdown.Register("registry", reg.Close)

	slog.Info("storage configured",
		"session_backend", cfg.Storage.Session.Backend,
		"identity_backend", cfg.Storage.Identity.Backend,
	)

	webhook := server.New(reg, echoHandler, cfg.API.AuthToken)
	mux := http.NewServeMux()
	webhook.Attach(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	obs.Shutdown.Register("webhook-server", srv.Shutdown)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := obs.Close(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("serving", "addr", cfg.Server.Addr, "metrics", cfg.Observability.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// echoHandler is the default event handler: it logs each event and, for
// text messages, echoes the plaintext back into the conversation.
func echoHandler(ctx context.Context, client *bot.Client, ev *server.Event, plaintext []byte) {
	slog.InfoContext(ctx, "event received",
		"bot", client.BotID(),
		"type", ev.Type,
		"conversation", ev.Conversation,
	)
	if ev.Type == server.EventTypeMessageAdd && len(plaintext) > 0 {
		if err := client.SendText(ctx, string(plaintext)); err != nil {
			slog.ErrorContext(ctx, "echo failed", "bot", client.BotID(), "error", err)
		}
	}
}
