package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nullthrow/termbridge/internal/bridge"
	"github.com/nullthrow/termbridge/internal/config"
	"github.com/nullthrow/termbridge/internal/execadapter"
	"github.com/nullthrow/termbridge/internal/logger"
	"github.com/nullthrow/termbridge/internal/ratelimit"
	"github.com/nullthrow/termbridge/internal/sandbox"
)

func serveCmd() *cobra.Command {
	var configPath string
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addrFlag != "" {
				cfg.ListenAddr = addrFlag
			}
			if err := logger.Init(envOr("TB_LOG_LEVEL", cfg.LogLevel), cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			exec := execadapter.New(cfg.WorkspaceDir, cfg.SandboxUser, sandbox.Config{})
			rl := ratelimit.New(cfg.RateLimitConnections, cfg.RateLimitCommands)
			orch := bridge.New(exec, rl, bridge.Config{
				IdleTimeout:   cfg.IdleTimeout(),
				SweepInterval: 60 * time.Second,
				PTYChunkSize:  cfg.PTYChunkSize,
				MinDim:        cfg.MinDim,
				MaxDim:        cfg.MaxDim,
				MaxFrameBytes: cfg.MaxFrameBytes,
				MaxInputBytes: int64(cfg.MaxInputPerSessionBytes),
			})

			stopWatch, err := config.Watch(configPath, func(updated config.BridgeConfig) {
				logger.Info("config reloaded", "rate_limit_connections", updated.RateLimitConnections, "session_idle_timeout_sec", updated.SessionIdleTimeoutSec)
			})
			if err != nil {
				logger.Warn("config watch disabled", "err", err)
			} else {
				defer stopWatch()
			}

			mux := http.NewServeMux()
			mux.Handle("/ws/bridge", orch)
			httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			banner(cfg.ListenAddr)

			errCh := make(chan error, 1)
			go func() {
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
				defer cancel()
				// Close every open client WebSocket first: http.Server.Shutdown
				// only stops accepting new connections and waits for handlers
				// to return on their own, it never notices a hijacked
				// long-lived connection like a WebSocket.
				if err := orch.Shutdown(shutdownCtx); err != nil {
					logger.Warn("bridge shutdown incomplete", "err", err)
				}
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to termbridge.yaml")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func banner(addr string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("termbridge listening on %s\n", addr)
		return
	}
	logger.Info("termbridge listening", "addr", addr)
}
