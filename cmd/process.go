package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/model"
)

var (
	processUser        string
	processSource      string
	processFront       string
	processSide        string
	processPortrait    string
	processMetricsFile string
	processStoreImages bool
	processTraining    bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Submit one capture and run it synchronously",
	Long:  "Creates a capture from local image files (or a metrics-only JSON file), runs the pipeline in-process and prints the resulting snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		consent := model.Consent{StoreImages: processStoreImages, TrainingShare: processTraining}

		if processMetricsFile != "" {
			data, err := os.ReadFile(processMetricsFile)
			if err != nil {
				return eris.Wrap(err, "read metrics file")
			}
			var body struct {
				Metrics     map[string]float64 `json:"metrics"`
				Confidences map[string]float64 `json:"confidences"`
				Aggregate   float64            `json:"aggregate"`
			}
			if err := json.Unmarshal(data, &body); err != nil {
				return eris.Wrap(err, "parse metrics file")
			}
			up := &metricsUpload{
				UserID:      processUser,
				Source:      model.CaptureSource(processSource),
				Consent:     consent,
				Metrics:     body.Metrics,
				Confidences: body.Confidences,
				Aggregate:   body.Aggregate,
			}
			_, snap, err := createMetricsCapture(ctx, env, up)
			if err != nil {
				return err
			}
			return printJSON(snap)
		}

		views := make(map[string][]byte)
		for name, path := range map[string]string{
			model.ViewFront:    processFront,
			model.ViewSide:     processSide,
			model.ViewPortrait: processPortrait,
		} {
			if path == "" {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "read %s view", name)
			}
			views[name] = data
		}

		capture, job, err := createImageCapture(ctx, env, processUser, model.CaptureSource(processSource), consent, views)
		if err != nil {
			return err
		}

		snap, err := env.Orchestrator.Run(ctx, job)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		if err := env.Exports.OfferOriginal(ctx, capture, snap); err != nil {
			zap.L().Error("offering capture for export", zap.Error(err))
		}
		if err := env.Broker.Ack(ctx, job.ID); err != nil {
			zap.L().Error("acking job", zap.Error(err))
		}

		zap.L().Info("capture processed",
			zap.String("capture_id", capture.ID),
			zap.Float64("aggregate", snap.Aggregate),
			zap.Bool("needs_review", snap.NeedsReview),
		)
		return printJSON(snap)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	processCmd.Flags().StringVar(&processUser, "user", "", "owning user id (required)")
	processCmd.Flags().StringVar(&processSource, "source", string(model.SourceWeb), "capture source (web or mobile)")
	processCmd.Flags().StringVar(&processFront, "front", "", "front view image path")
	processCmd.Flags().StringVar(&processSide, "side", "", "side view image path")
	processCmd.Flags().StringVar(&processPortrait, "portrait", "", "portrait view image path")
	processCmd.Flags().StringVar(&processMetricsFile, "metrics", "", "metrics-only JSON file (skips the pipeline)")
	processCmd.Flags().BoolVar(&processStoreImages, "consent-store-images", false, "user consents to image storage")
	processCmd.Flags().BoolVar(&processTraining, "consent-training", false, "user consents to training export")
	_ = processCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(processCmd)
}
