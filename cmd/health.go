package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dependencies and print a monitoring summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		h := env.Checker.Check(ctx)
		summary, err := env.Collector.Collect(ctx)
		if err != nil {
			return err
		}

		if err := printJSON(map[string]any{
			"health":  h,
			"summary": summary,
		}); err != nil {
			return err
		}
		if !h.Healthy {
			return eris.New("unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
