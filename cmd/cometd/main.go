package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/cometd-server-go/commands"
	"github.com/ggoodman/cometd-server-go/commands/fswatch"
	"github.com/ggoodman/cometd-server-go/internal/config"
	"github.com/ggoodman/cometd-server-go/internal/engine"
	"github.com/ggoodman/cometd-server-go/sessions"
	"github.com/ggoodman/cometd-server-go/sessions/memoryhost"
	"github.com/ggoodman/cometd-server-go/sessions/redishost"
	"github.com/ggoodman/cometd-server-go/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "cometd",
		Short:         "Bayeux publish/subscribe server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cometd HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("listen"); v != "" {
				cfg.Listen = v
			}
			if v, _ := cmd.Flags().GetString("log-level"); v != "" {
				cfg.Log.Level = v
			}
			if v, _ := cmd.Flags().GetString("registry"); v != "" {
				cfg.Registry.Kind = v
			}
			if v, _ := cmd.Flags().GetString("watch-dir"); v != "" {
				cfg.WatchDir = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	serveCmd.Flags().String("config", "", "path to a YAML config file")
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	serveCmd.Flags().String("log-level", "", "debug|info|warn|error (overrides config)")
	serveCmd.Flags().String("registry", "", "memory|redis (overrides config)")
	serveCmd.Flags().String("watch-dir", "", "directory exposed through the files command")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	host, closeHost, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	reg := commands.NewRegistry(commands.WithLogger(log))

	var eng *engine.Engine
	commands.RegisterBuiltins(reg, version, func(ctx context.Context) map[string]any {
		st, err := eng.Stats(ctx)
		if err != nil {
			log.WarnContext(ctx, "stats.fail", slog.String("err", err.Error()))
		}
		return map[string]any{
			"clients":   st.Clients,
			"streaming": st.Streaming,
			"polling":   st.Polling,
		}
	})

	if cfg.WatchDir != "" {
		w, err := fswatch.New(cfg.WatchDir, reg, fswatch.WithLogger(log))
		if err != nil {
			return fmt.Errorf("watch %s: %w", cfg.WatchDir, err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("fswatch.run.fail", slog.String("err", err.Error()))
			}
		}()
	}

	eng = engine.NewEngine(host, reg,
		engine.WithLogger(log),
		engine.WithRetryDelay(cfg.RetryDelay),
	)
	defer eng.Close()
	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	h, err := streaminghttp.New(eng,
		streaminghttp.WithLogger(log),
		streaminghttp.WithStreamBuffer(cfg.StreamBuffer),
		streaminghttp.WithKeepAlive(cfg.KeepAlive),
	)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st, err := eng.Stats(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "version": version, "stats": st})
	})
	r.Handle(cfg.Path, h)

	// No WriteTimeout: streaming responses stay open indefinitely.
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("http.listen", slog.String("addr", cfg.Listen), slog.String("path", cfg.Path), slog.String("registry", cfg.Registry.Kind))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("http.shutdown")
	// Close streams first so Shutdown does not wait on them.
	eng.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newHost builds the client registry selected by cfg.
func newHost(ctx context.Context, cfg config.Config) (sessions.Host, func(), error) {
	switch cfg.Registry.Kind {
	case config.RegistryRedis:
		rc := cfg.Registry.Redis
		h, err := redishost.New(ctx, redishost.Config{
			RedisAddr: rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	default:
		return memoryhost.New(), func() {}, nil
	}
}
