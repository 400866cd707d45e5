// Package api implements the HTTP surface of the populator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/orchestrator"
)

// Populator is the orchestrator surface served over HTTP.
type Populator interface {
	PropagationStatus(dateKey string) core.PropagationState
	AIStatus(ctx context.Context, dateKey string) core.AIState
	ManualCatchUp(ctx context.Context) orchestrator.ManualCatchUpResponse
	ForceCatchUp(ctx context.Context) orchestrator.ForceCatchUpResponse
	MarkCompleted(ctx context.Context, dateKey string, hour, minute int, runType core.RunType) (*core.RunRecord, error)
	Summary(ctx context.Context) orchestrator.RunStatusSummary
	StartEnrichment(ctx context.Context, dateKey string) error
	StartRedownload(ctx context.Context, dateKey string) error
	TriggerScan(ctx context.Context) bool
	RetryBudgets(ctx context.Context) (orchestrator.RetryBudgetsResponse, error)
}

// Handler serves the population endpoints.
type Handler struct {
	p Populator
}

// NewHandler creates a Handler.
func NewHandler(p Populator) *Handler {
	return &Handler{p: p}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/propagation", h.Propagation)
	r.Get("/pan_ai/status", h.AIStatus)
	r.Post("/pan_ai/run", h.RunAI)
	r.Post("/force_redownload", h.ForceRedownload)
	r.Post("/smart-retry", h.SmartRetry)
	r.Get("/smart-retry/budgets", h.RetryBudgets)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.SchedulerStatus)
		r.Post("/catch-up", h.CatchUp)
		r.Post("/force-catch-up", h.ForceCatchUp)
		r.Post("/mark-completed", h.MarkCompleted)
	})
}

// Propagation handles GET /api/propagation?date=.
func (h *Handler) Propagation(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.p.PropagationStatus(r.URL.Query().Get("date")))
}

// AIStatus handles GET /api/pan_ai/status?date=.
func (h *Handler) AIStatus(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("date is required", nil))
		return
	}
	WriteJSON(w, http.StatusOK, h.p.AIStatus(r.Context(), date))
}

type dateRequest struct {
	Date         string `json:"date"`
	RestaurantID *int   `json:"restaurantId,omitempty"`
}

// requestDate reads the date from the query string, falling back to a JSON
// body.
func requestDate(r *http.Request) (string, error) {
	if d := r.URL.Query().Get("date"); d != "" {
		return d, nil
	}
	var req dateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", core.NewInvalidRequestError("Invalid JSON body", map[string]any{"error": err.Error()})
	}
	if req.Date == "" {
		return "", core.NewInvalidRequestError("Missing or invalid date. Use YYYY-MM-DD.", nil)
	}
	return req.Date, nil
}

// RunAI handles POST /api/pan_ai/run.
func (h *Handler) RunAI(w http.ResponseWriter, r *http.Request) {
	date, err := requestDate(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	if err := h.p.StartEnrichment(r.Context(), date); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Pan AI enrichment started. This may take some time. You can keep auditing while it runs.",
	})
}

// ForceRedownload handles POST /api/force_redownload.
func (h *Handler) ForceRedownload(w http.ResponseWriter, r *http.Request) {
	date, err := requestDate(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	if err := h.p.StartRedownload(r.Context(), date); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Started re-download and population (no AI) for %s. This may take a few minutes.", date),
	})
}

// SmartRetry handles POST /api/smart-retry.
func (h *Handler) SmartRetry(w http.ResponseWriter, r *http.Request) {
	started := h.p.TriggerScan(r.Context())
	msg := "Smart retry scan started"
	if !started {
		msg = "Smart retry scan recently triggered; request ignored"
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"success": true, "started": started, "message": msg})
}

// RetryBudgets handles GET /api/smart-retry/budgets.
func (h *Handler) RetryBudgets(w http.ResponseWriter, r *http.Request) {
	resp, err := h.p.RetryBudgets(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// SchedulerStatus handles GET /api/scheduler/status.
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.p.Summary(r.Context()))
}

// CatchUp handles POST /api/scheduler/catch-up.
func (h *Handler) CatchUp(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.p.ManualCatchUp(r.Context()))
}

// ForceCatchUp handles POST /api/scheduler/force-catch-up.
func (h *Handler) ForceCatchUp(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.p.ForceCatchUp(r.Context()))
}

// MarkCompleted handles POST /api/scheduler/mark-completed.
func (h *Handler) MarkCompleted(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := q.Get("date")
	hour, err := strconv.Atoi(q.Get("hour"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("hour must be an integer", map[string]any{"hour": q.Get("hour")}))
		return
	}
	minute, err := strconv.Atoi(q.Get("minute"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("minute must be an integer", map[string]any{"minute": q.Get("minute")}))
		return
	}
	runType := core.RunType(q.Get("run_type"))
	if runType == "" {
		runType = core.RunTypeManual
	}

	rec, err := h.p.MarkCompleted(r.Context(), date, hour, minute, runType)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("Run marked as completed for %s at %02d:%02d", date, hour, minute),
		"date":     date,
		"hour":     hour,
		"minute":   minute,
		"run_type": string(rec.RunType),
		"run_id":   rec.RunID,
	})
}
