package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/version"
)

var (
	adjustAuthor string
	adjustRole   string
	adjustNote   string
	adjustSet    []string
)

var adjustCmd = &cobra.Command{
	Use:   "adjust <capture-id>",
	Short: "Submit a measurement correction",
	Long:  "Appends a pending adjustment to the capture's version chain and prints the merged current view.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		changes := make(map[string]float64, len(adjustSet))
		for _, pair := range adjustSet {
			key, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return resilience.NewValidationError("set", "expected metric=value, got "+pair)
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return resilience.NewValidationError("set", "not a number: "+raw)
			}
			changes[key] = value
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		adj, view, err := env.Versions.SubmitAdjustment(ctx, &version.SubmitRequest{
			CaptureID: args[0],
			AuthorID:  adjustAuthor,
			Role:      model.Role(adjustRole),
			Changes:   changes,
			Note:      adjustNote,
		})
		if err != nil {
			return err
		}

		return printJSON(map[string]any{
			"adjustment": adj,
			"current":    view,
		})
	},
}

func init() {
	adjustCmd.Flags().StringVar(&adjustAuthor, "author", "", "author user id (required)")
	adjustCmd.Flags().StringVar(&adjustRole, "role", string(model.RoleUser), "author role (user, tailor, admin)")
	adjustCmd.Flags().StringVar(&adjustNote, "note", "", "free-text note")
	adjustCmd.Flags().StringArrayVar(&adjustSet, "set", nil, "metric=value, repeatable (required)")
	_ = adjustCmd.MarkFlagRequired("author")
	_ = adjustCmd.MarkFlagRequired("set")
	rootCmd.AddCommand(adjustCmd)
}
