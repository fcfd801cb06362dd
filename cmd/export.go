package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Consume one training-export batch",
	Long:  "Reads the next batch from the export queue, dropping any record whose training consent was revoked since enqueue, and prints the delivered entries.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		delivered, dropped, err := env.Exports.ConsumeBatch(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("export batch consumed",
			zap.Int("delivered", len(delivered)),
			zap.Int("dropped", dropped),
		)
		return printJSON(map[string]any{
			"delivered": delivered,
			"dropped":   dropped,
		})
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
