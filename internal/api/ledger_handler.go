package api

import (
	"net/http"

	"github.com/moolen/sentinel/internal/ledger"
	"github.com/moolen/sentinel/internal/models"
	"go.opentelemetry.io/otel/trace"
)

// LedgerHandler serves action history, statistics and outcomes.
type LedgerHandler struct {
	learner *ledger.Learner
	tracer  trace.Tracer
}

func NewLedgerHandler(learner *ledger.Learner, tracer trace.Tracer) *LedgerHandler {
	return &LedgerHandler{learner: learner, tracer: tracer}
}

func (h *LedgerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ledger/history", h.history)
	mux.HandleFunc("GET /v1/ledger/stats", h.stats)
	mux.HandleFunc("GET /v1/ledger/recurring", h.recurring)
	mux.HandleFunc("GET /v1/ledger/summary", h.summary)
	mux.HandleFunc("POST /v1/ledger/outcomes", h.recordOutcome)
}

type historyResponse struct {
	TimePeriodHours int                   `json:"time_period_hours"`
	Count           int                   `json:"count"`
	Actions         []models.ActionRecord `json:"actions"`
}

func (h *LedgerHandler) history(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultHours)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ledger.history")
	defer span.End()

	actions, err := h.learner.History(ctx, hours)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, historyResponse{TimePeriodHours: hours, Count: len(actions), Actions: actions})
}

func (h *LedgerHandler) stats(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultHours)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ledger.stats")
	defer span.End()

	stats, err := h.learner.Stats(ctx, hours)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, stats)
}

type recurringResponse struct {
	TimePeriodHours int                     `json:"time_period_hours"`
	MinCount        int                     `json:"min_count"`
	Issues          []ledger.RecurringIssue `json:"recurring_issues"`
}

func (h *LedgerHandler) recurring(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultHours)
	if err != nil {
		writeError(w, err)
		return
	}
	minCount, err := intParam(r, "min_count", defaultMinCount)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ledger.recurring")
	defer span.End()

	issues, err := h.learner.RecurringIssues(ctx, hours, minCount)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, recurringResponse{TimePeriodHours: hours, MinCount: minCount, Issues: issues})
}

func (h *LedgerHandler) summary(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", defaultHours)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ledger.summary")
	defer span.End()

	summary, err := h.learner.Summary(ctx, hours)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, summary)
}

type outcomeRequest struct {
	ActionID          uint64               `json:"action_id"`
	Outcome           models.OutcomeStatus `json:"outcome"`
	ResolutionSeconds float64              `json:"resolution_time_seconds"`
	Notes             string               `json:"notes"`
}

func (h *LedgerHandler) recordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "ledger.recordOutcome")
	defer span.End()

	rec, err := h.learner.RecordOutcome(ctx, models.ActionOutcome{
		ActionID:          req.ActionID,
		Outcome:           req.Outcome,
		ResolutionSeconds: req.ResolutionSeconds,
		Notes:             req.Notes,
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, rec)
}
