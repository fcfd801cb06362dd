package main

import (
	"github.com/spf13/cobra"

	"github.com/fitlab/capture-cli/internal/model"
)

var (
	approveApprover string
	approveReject   bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <adjustment-id>",
	Short: "Approve or reject a pending adjustment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		adj, err := env.Versions.ResolveAdjustment(ctx, args[0], approveApprover, !approveReject)
		if err != nil {
			return err
		}

		if adj.State == model.ApprovalApproved {
			view, err := env.Versions.GetCurrent(ctx, adj.CaptureID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"adjustment": adj,
				"current":    view,
			})
		}
		return printJSON(adj)
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveApprover, "approver", "", "approver id (required)")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	_ = approveCmd.MarkFlagRequired("approver")
	rootCmd.AddCommand(approveCmd)
}
