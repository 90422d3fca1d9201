// Command dshield-mcp-server runs the JSON-RPC tool server. Grounded on
// cmd/pulse/main.go's wiring shape: a cobra root command, a zerolog console
// writer, config.Load, then component construction followed by a run loop
// that waits on an interrupt signal before calling Shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/datagen24/dshield-mcp-sub002/internal/config"
	"github.com/datagen24/dshield-mcp-sub002/internal/secrets"
	"github.com/datagen24/dshield-mcp-sub002/internal/server"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "dshield-mcp-server",
	Short:   "JSON-RPC tool server for DShield honeypot data",
	Long:    "dshield-mcp-server exposes DShield SIEM queries, campaign correlation, and threat-intel enrichment as JSON-RPC tools for an AI client.",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config.yaml")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(genkeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver("vault")
	cfg, err := config.Load(ctx, configPath, resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	if watcher, werr := secrets.NewFileWatcher(log.Logger); werr != nil {
		log.Warn().Err(werr).Msg("config file watcher unavailable")
	} else if werr := watcher.Watch(configPath); werr != nil {
		log.Warn().Err(werr).Str("path", configPath).Msg("failed to watch config file")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.New(cfg, log.Logger, Version)
	if cfg.Transport.Mode != "tcp" {
		srv.SetStdio(os.Stdin, os.Stdout)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("server run loop exited")
		}
	}

	shutdownDeadline := 30 * time.Second
	srv.Shutdown(shutdownDeadline)
	log.Info().Msg("server stopped")
}
