package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/store"
)

var (
	capturesStatus string
	capturesUser   string
	capturesLimit  int
)

var capturesCmd = &cobra.Command{
	Use:   "captures [id]",
	Short: "List captures or show one capture's status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			capture, err := st.GetCapture(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(capture)
		}

		captures, err := st.ListCaptures(ctx, store.CaptureFilter{
			Status: model.CaptureStatus(capturesStatus),
			UserID: capturesUser,
			Limit:  capturesLimit,
		})
		if err != nil {
			return err
		}

		for _, c := range captures {
			line := fmt.Sprintf("%s  %-8s  %s  %s", c.ID, c.Status, c.UserID, c.CreatedAt.Format("2006-01-02 15:04:05"))
			if c.FailReason != "" {
				line += "  " + c.FailReason
			}
			fmt.Println(line)
		}
		fmt.Printf("%d captures\n", len(captures))
		return nil
	},
}

func init() {
	capturesCmd.Flags().StringVar(&capturesStatus, "status", "", "filter by status (queued, running, done, failed, edited)")
	capturesCmd.Flags().StringVar(&capturesUser, "user", "", "filter by owning user id")
	capturesCmd.Flags().IntVar(&capturesLimit, "limit", 50, "maximum rows")
	rootCmd.AddCommand(capturesCmd)
}
