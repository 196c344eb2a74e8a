package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/pcf-provenance/internal/jobs"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes jobs as activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		return runWorker(ctx, env)
	},
}

// runWorker polls the configured task queue until ctx is done.
func runWorker(ctx context.Context, env *appEnv) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return eris.Wrap(err, "temporal: dial")
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	jobs.Register(w, env.Jobs)

	if err := w.Start(); err != nil {
		return eris.Wrap(err, "temporal: start worker")
	}
	zap.L().Info("worker listening", zap.String("task_queue", cfg.Temporal.TaskQueue), zap.Int("jobs", len(jobs.Names)))

	<-ctx.Done()
	w.Stop()
	zap.L().Info("worker stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
