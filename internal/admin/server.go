package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"kpiwatch/internal/indicator"
	"kpiwatch/internal/orchestrator"
)

type IndicatorLister interface {
	LoadActiveIndicators(ctx context.Context) ([]indicator.Indicator, error)
}

type Loop interface {
	Status() orchestrator.Status
	Kick()
}

type indicatorSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CheckType string     `json:"checkType"`
	LastRun   *time.Time `json:"lastRun"`
}

// Handler exposes the read-only operational surface: liveness, loop status,
// the active indicator set, and a manual tick trigger.
func Handler(store IndicatorLister, loop Loop, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, loop.Status())
	})
	r.Get("/indicators", func(w http.ResponseWriter, req *http.Request) {
		indicators, err := store.LoadActiveIndicators(req.Context())
		if err != nil {
			logger.Error("list indicators failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list indicators"})
			return
		}
		summaries := make([]indicatorSummary, 0, len(indicators))
		for _, ind := range indicators {
			summaries = append(summaries, indicatorSummary{
				ID:        ind.ID.String(),
				Name:      ind.Name,
				CheckType: string(ind.CheckType),
				LastRun:   ind.LastRun,
			})
		}
		writeJSON(w, http.StatusOK, summaries)
	})
	r.Post("/tick", func(w http.ResponseWriter, req *http.Request) {
		loop.Kick()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	})
	return r
}

// Serve runs the admin server until the listener fails; callers run it in a
// goroutine beside the orchestrator.
func Serve(port string, handler http.Handler, logger *slog.Logger) {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	logger.Info("admin server listening", slog.String("port", port))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("admin server error", slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
