package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/jobs"
	"github.com/sells-group/pcf-provenance/internal/resilience"
)

var (
	verifyKey     string
	receiveCount  int
	dlqLimit      int
	dlqErrorType  string
	redriveDelay  time.Duration
	redriveDryRun bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Retrieve the proof registered under a key and verify its receipt",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Jobs.RetrieveAndVerifyProof(ctx, jobs.KeyInput{Key: verifyKey})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Consume proof responses from the inbound topic and register them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		for i := 0; receiveCount <= 0 || i < receiveCount; i++ {
			out, err := env.Jobs.ReceiveProofResponse(ctx, jobs.ReceiveProofResponseInput{})
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				zap.L().Warn("receive failed", zap.Error(err))
				continue
			}
			if err := printJSON(cmd.OutOrStdout(), out.Proof); err != nil {
				return err
			}
		}
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and redrive dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{ErrorType: dlqErrorType, Limit: dlqLimit})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Republish due dead-letter entries to their topics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.DequeueDLQ(ctx, resilience.DLQFilter{ErrorType: dlqErrorType, Limit: dlqLimit})
		if err != nil {
			return err
		}

		var redriven, failed int
		for _, e := range entries {
			log := zap.L().With(zap.String("dlq_id", e.ID), zap.String("footprint_id", e.FootprintID))
			if redriveDryRun {
				log.Info("would redrive", zap.String("topic", e.Topic))
				continue
			}
			if err := env.Lifecycle.Redrive(ctx, e); err != nil {
				failed++
				log.Warn("redrive failed", zap.Error(err))
				if err := env.Store.IncrementDLQRetry(ctx, e.ID, time.Now().Add(redriveDelay), err.Error()); err != nil {
					log.Error("record redrive failure", zap.Error(err))
				}
				continue
			}
			if err := env.Store.RemoveDLQ(ctx, e.ID); err != nil {
				log.Error("remove redriven entry", zap.Error(err))
				continue
			}
			redriven++
		}
		zap.L().Info("dlq redrive complete",
			zap.Int("due", len(entries)),
			zap.Int("redriven", redriven),
			zap.Int("failed", failed),
		)
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyKey, "key", "", "registry key of the proof")
	_ = verifyCmd.MarkFlagRequired("key")

	receiveCmd.Flags().IntVar(&receiveCount, "count", 1, "messages to consume (0 = until interrupted)")

	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 100, "maximum entries")
	dlqCmd.PersistentFlags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient, permanent)")
	dlqRedriveCmd.Flags().DurationVar(&redriveDelay, "retry-delay", 5*time.Minute, "delay before a failed entry is due again")
	dlqRedriveCmd.Flags().BoolVar(&redriveDryRun, "dry-run", false, "list due entries without republishing")
	dlqCmd.AddCommand(dlqListCmd, dlqRedriveCmd)

	rootCmd.AddCommand(verifyCmd, receiveCmd, dlqCmd)
}
