// Package api exposes the escalation lifecycle over HTTP: cron-triggered
// schedule and deliver runs, provider webhook ingestion, and read endpoints
// for escalation records and their receipt history.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/accountalist/accountalist/internal/escalation"
	"github.com/accountalist/accountalist/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store         *storage.Store
	Scheduler     *escalation.Scheduler
	Worker        *escalation.Worker
	Ingestor      *escalation.Ingestor
	CronSecret    string
	WebhookSecret string // optional; when empty, webhook signature check is skipped
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.CronSecret))
		r.Post("/escalation/schedule", handleSchedule(deps))
		r.Post("/escalation/deliver", handleDeliver(deps))
		r.Get("/escalations", handleListEscalations(deps))
		r.Get("/escalations/stats", handleStats(deps))
		r.Get("/escalations/{id}", handleGetEscalation(deps))
		r.Get("/escalations/{id}/receipts", handleListReceipts(deps))
	})

	r.Post("/webhooks/resend", handleResendWebhook(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleSchedule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Scheduler.Run(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "schedule run failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

func handleDeliver(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Worker.Run(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "delivery run failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

func handleGetEscalation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		esc, err := deps.Store.GetEscalation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "escalation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get escalation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(esc)
	}
}

func handleListEscalations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		escalations, err := deps.Store.EscalationsForUser(userID, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list escalations: %v", err)
			return
		}
		if escalations == nil {
			escalations = []storage.Escalation{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(escalations)
	}
}

func handleListReceipts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.Store.GetEscalation(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "escalation not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get escalation: %v", err)
			return
		}

		receipts, err := deps.Store.ReceiptsForEscalation(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list receipts: %v", err)
			return
		}
		if receipts == nil {
			receipts = []storage.ReceiptEvent{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(receipts)
	}
}

// statsTimeframes maps the accepted timeframe values to hours back.
var statsTimeframes = map[string]int{
	"1h":  1,
	"24h": 24,
	"7d":  24 * 7,
	"30d": 24 * 30,
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timeframe := r.URL.Query().Get("timeframe")
		hoursBack, ok := statsTimeframes[timeframe]
		if !ok {
			timeframe = "24h"
			hoursBack = 24
		}
		now := time.Now()
		since := now.Add(-time.Duration(hoursBack) * time.Hour)

		counts, err := deps.Store.EscalationStats(since)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		byStatus := map[string]int{}
		total := 0
		for _, c := range counts {
			byStatus[c.Status] = c.Count
			total += c.Count
		}
		successRate := 0.0
		if total > 0 {
			successRate = math.Round(float64(byStatus["sent"])/float64(total)*100*100) / 100
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"timeframe":        timeframe,
			"totalEscalations": total,
			"successRate":      successRate,
			"statusBreakdown":  byStatus,
			"timestamp":        now.UTC().Format(time.RFC3339),
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
