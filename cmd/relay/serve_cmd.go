package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/relayhq/relay/internal/relay"
	"github.com/relayhq/relay/pkg/logutil"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server.

Configuration comes from RELAY_* environment variables (and .env), optionally
layered over a TOML file named by --config or RELAY_CONFIG_FILE.`,
		Example: `  relay serve
  relay serve --config /etc/relay/relay.toml
  RELAY_REPLAY_TTL_MS=5000 relay serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "TOML config file (overrides RELAY_CONFIG_FILE)")
	return cmd
}

func runServe(ctx context.Context, configFile string) error {
	if configFile != "" {
		os.Setenv("RELAY_CONFIG_FILE", configFile)
	}

	cfg, err := relay.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := logutil.NewLogger(cfg.LogLevel)

	// Start embedded miniredis if no Redis URL was provided.
	if cfg.RedisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("starting embedded redis: %w", err)
		}
		defer mr.Close()

		cfg.RedisURL = "redis://" + mr.Addr()
		cfg.EmbeddedRedis = true
		logger.Info("started embedded redis", "addr", mr.Addr())

		// Miniredis TTLs only move when told to; advance them so OAuth
		// states expire on schedule.
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mr.FastForward(time.Second)
				}
			}
		}()
	}

	srv, err := relay.NewServer(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("server initialization failed: %w", err)
	}
	return srv.Start(ctx)
}
