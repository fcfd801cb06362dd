package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/version"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture HTTP API",
	Long:  "Serves capture upload, status, results, adjustment and approval endpoints, plus health and a monitoring summary. Pair with a running worker for pipeline execution.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		mux := http.NewServeMux()

		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			h := env.Checker.Check(r.Context())
			status := http.StatusOK
			if !h.Healthy {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, h)
		})

		mux.HandleFunc("GET /metrics/summary", func(w http.ResponseWriter, r *http.Request) {
			s, err := env.Collector.Collect(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, s)
		})

		mux.HandleFunc("POST /captures", func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				writeError(w, resilience.NewValidationError("body", "multipart form required"))
				return
			}
			consent := model.Consent{
				StoreImages:   r.FormValue("consent_store_images") == "true",
				TrainingShare: r.FormValue("consent_training") == "true",
			}
			views := make(map[string][]byte)
			for name := range r.MultipartForm.File {
				f, _, err := r.FormFile(name)
				if err != nil {
					writeError(w, resilience.NewValidationError("views", "unreadable file "+name))
					return
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					writeError(w, resilience.NewValidationError("views", "unreadable file "+name))
					return
				}
				views[name] = data
			}

			capture, job, err := createImageCapture(r.Context(), env,
				r.FormValue("user_id"), model.CaptureSource(r.FormValue("source")), consent, views)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"capture_id": capture.ID,
				"job_id":     job.ID,
				"status":     string(model.CaptureStatusQueued),
			})
		})

		mux.HandleFunc("POST /captures/metrics", func(w http.ResponseWriter, r *http.Request) {
			var up metricsUpload
			if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
				writeError(w, resilience.NewValidationError("body", "invalid JSON"))
				return
			}
			capture, snap, err := createMetricsCapture(r.Context(), env, &up)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"capture_id": capture.ID,
				"snapshot":   snap,
			})
		})

		mux.HandleFunc("GET /captures/{id}", func(w http.ResponseWriter, r *http.Request) {
			capture, err := env.Store.GetCapture(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, capture)
		})

		mux.HandleFunc("GET /captures/{id}/results", func(w http.ResponseWriter, r *http.Request) {
			view, err := env.Versions.GetCurrent(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		})

		mux.HandleFunc("GET /captures/{id}/original", func(w http.ResponseWriter, r *http.Request) {
			snap, err := env.Versions.GetOriginal(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		mux.HandleFunc("GET /captures/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			var history []model.HistoryEntry
			for entry, err := range env.Versions.History(r.Context(), r.PathValue("id")) {
				if err != nil {
					writeError(w, err)
					return
				}
				history = append(history, entry)
			}
			writeJSON(w, http.StatusOK, history)
		})

		mux.HandleFunc("GET /captures/{id}/overlay/pose", func(w http.ResponseWriter, r *http.Request) {
			img, err := env.Overlays.PoseOverlay(r.Context(), r.PathValue("id"))
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Cache-Control", "public, max-age=3600")
			w.Write(img)
		})

		mux.HandleFunc("PATCH /captures/{id}/adjustments", func(w http.ResponseWriter, r *http.Request) {
			var req version.SubmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, resilience.NewValidationError("body", "invalid JSON"))
				return
			}
			req.CaptureID = r.PathValue("id")
			adj, view, err := env.Versions.SubmitAdjustment(r.Context(), &req)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"adjustment": adj,
				"current":    view,
			})
		})

		mux.HandleFunc("POST /adjustments/{id}/approval", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ApproverID string `json:"approver_id"`
				Approve    bool   `json:"approve"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, resilience.NewValidationError("body", "invalid JSON"))
				return
			}
			adj, err := env.Versions.ResolveAdjustment(r.Context(), r.PathValue("id"), req.ApproverID, req.Approve)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, adj)
		})

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: mux,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Internal detail
// stays in logs; clients get the category.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case resilience.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, resilience.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case resilience.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
