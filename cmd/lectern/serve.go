package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: "Run the HTTP and WebSocket server. Lectures are started, fed and ended over the API; " +
			"students chat with a lecture or a course while it runs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd.OutOrStdout(), cfg)
		},
	}
}

func serve(ctx context.Context, out io.Writer, cfg *config.Config) error {
	slog.Info("lectern starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}

	printStartupSummary(out, cfg)

	a, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	srv := server.New(server.Deps{
		Turns:     a.Controller(),
		Lectures:  a.Lectures(),
		Documents: a.Ingest(),
		History:   a.Conversations(),
		Checkers:  a.Checkers(),
		Metrics:   a.Metrics(),
	},
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := a.Run(ctx, srv)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         Lectern · startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", providerSummary(cfg.Providers.LLM))
	printRow(w, "Fallbacks", fmt.Sprint(len(cfg.Providers.LLMFallbacks)))
	printRow(w, "Embeddings", providerSummary(cfg.Providers.Embeddings))
	if cfg.Memory.PostgresDSN != "" {
		printRow(w, "Storage", "postgres")
	} else {
		printRow(w, "Storage", "in-memory")
	}
	if cfg.Redis.Addr != "" {
		printRow(w, "Scope lock", "redis")
	} else {
		printRow(w, "Scope lock", "(single replica)")
	}
	printRow(w, "Retrieve above", fmt.Sprintf("%d tokens", cfg.Engine.Budget.RetrievalThreshold))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerSummary(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "(not configured)"
	}
	return providerLabel(entry)
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", key, value)
}
