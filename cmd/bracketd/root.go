package main

import (
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/bracketd/internal/config"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// rootConfig is shared by every subcommand; it is filled in before any
// RunE executes.
type rootConfig struct {
	path string
	cfg  *config.Config
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "bracketd",
		Short:         "Leveraged futures positions with take-profit/stop-loss brackets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rc.path)
			if err != nil {
				return err
			}
			rc.cfg = cfg
			setupLogging(cfg)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&rc.path, "config", "c", os.Getenv("BRACKETD_CONFIG"), "path to YAML config file")

	cmd.AddCommand(
		newServeCmd(rc),
		newReconcileCommissionsCmd(rc),
		newOrderStatusCmd(rc),
		newTokenCmd(rc),
		newSnapshotBalanceCmd(rc),
		newSimulateCmd(rc),
	)
	return cmd
}

// setupLogging uses pretty console output outside production and JSON in
// production.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		zlog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		gin.SetMode(gin.ReleaseMode)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.App.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
