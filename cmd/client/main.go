package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voice-client/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config
	root := &cobra.Command{
		Use:           "voice-client",
		Short:         "Headless client for SFU voice and video sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load()
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			if lvl, err := zerolog.ParseLevel(c.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			} else {
				log.Warn().Str("log_level", c.LogLevel).Msg("unknown log level, keeping info")
			}
			cfg = c
			return nil
		},
	}
	get := func() *config.Config { return cfg }
	root.AddCommand(newServeCmd(get), newJoinCmd(get), newDevicesCmd(get))
	return root
}
