package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerDrain bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the capture-processing worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if workerDrain {
			handled, err := env.Pool.Drain(ctx)
			zap.L().Info("queue drained", zap.Int("handled", handled))
			return err
		}

		if err := env.Pool.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		zap.L().Info("worker pool stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDrain, "drain", false, "process queued jobs until empty, then exit")
	rootCmd.AddCommand(workerCmd)
}
