package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pcf-provenance/internal/monitoring"
	"github.com/sells-group/pcf-provenance/internal/store"
)

var statusAlert bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize recent proof lifecycles and dead-letter depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		mc := cfg.Monitoring
		if !statusAlert {
			mc.WebhookURL = ""
		}
		checker := monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(mc), mc)
		snap, alerts, err := checker.Check(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"snapshot": snap,
			"alerts":   alerts,
		})
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAlert, "alert", false, "send triggered alerts to the configured webhook")
	rootCmd.AddCommand(statusCmd)
}
