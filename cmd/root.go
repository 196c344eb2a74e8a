package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "pcf",
	Short:   "Shipment carbon footprint provenance and proofing",
	Version: version,
	Long: `pcf runs one node of a shipment carbon footprint network.

A node builds a footprint's chain of transport and hub events, computes its
emissions from the TOC and HOC tables, publishes the proofing document to the
prover and registers the returned proof in the PCF registry, where the next
node imports it and the receipt verifier checks it.

Offline commands (template, append, compute) need no running services.
Configuration is read from the --config file, or ./config.yaml when present,
and PCF_* environment variables override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return eris.Wrap(err, "pcf: load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "pcf: init logger")
		}
		zap.L().Debug("pcf: config loaded",
			zap.String("command", cmd.Name()),
			zap.String("config", configPath),
			zap.String("store", cfg.Store.Driver),
			zap.String("queue", cfg.Queue.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
