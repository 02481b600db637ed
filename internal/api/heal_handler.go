package api

import (
	"net/http"

	"github.com/moolen/sentinel/internal/healing"
	"github.com/moolen/sentinel/internal/models"
	"go.opentelemetry.io/otel/trace"
)

// healRequest is the union of every healing endpoint's body. DryRun
// defaults to true when omitted.
type healRequest struct {
	Namespace     string          `json:"namespace"`
	Pod           string          `json:"pod"`
	Deployment    string          `json:"deployment"`
	Node          string          `json:"node"`
	LabelSelector string          `json:"label_selector"`
	Replicas      *int32          `json:"replicas"`
	DryRun        *bool           `json:"dry_run"`
	Category      models.Category `json:"category"`
}

func (req healRequest) dryRun() bool {
	return req.DryRun == nil || *req.DryRun
}

// HealHandler serves the healing endpoints.
type HealHandler struct {
	healing *healing.Service
	tracer  trace.Tracer
}

func NewHealHandler(svc *healing.Service, tracer trace.Tracer) *HealHandler {
	return &HealHandler{healing: svc, tracer: tracer}
}

func (h *HealHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/heal/restart-pod", h.action(models.ActionRestartPod, func(req healRequest) models.Target {
		return models.Target{Namespace: req.Namespace, Name: req.Pod}
	}))
	mux.HandleFunc("POST /v1/heal/delete-failed-pods", h.action(models.ActionDeleteFailedPods, func(req healRequest) models.Target {
		return models.Target{Namespace: req.Namespace}
	}))
	mux.HandleFunc("POST /v1/heal/scale-deployment", h.action(models.ActionScaleDeployment, func(req healRequest) models.Target {
		return models.Target{Namespace: req.Namespace, Name: req.Deployment}
	}))
	mux.HandleFunc("POST /v1/heal/rollback-deployment", h.action(models.ActionRollbackDeployment, func(req healRequest) models.Target {
		return models.Target{Namespace: req.Namespace, Name: req.Deployment}
	}))
	mux.HandleFunc("POST /v1/heal/cordon-node", h.action(models.ActionCordonNode, func(req healRequest) models.Target {
		return models.Target{Name: req.Node}
	}))
	mux.HandleFunc("POST /v1/heal/uncordon-node", h.action(models.ActionUncordonNode, func(req healRequest) models.Target {
		return models.Target{Name: req.Node}
	}))
	mux.HandleFunc("GET /v1/heal/policy", h.policy)
}

// action builds a handler for one action type. Denials and failed
// executions are 200 with success=false; only requests that never reached
// the gate are errors.
func (h *HealHandler) action(typ models.ActionType, target func(healRequest) models.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "heal."+string(typ))
		defer span.End()

		var req healRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, err)
			return
		}

		resp, err := h.healing.Heal(ctx, models.HealingAction{
			Type:       typ,
			Target:     target(req),
			Parameters: models.ActionParameters{Replicas: req.Replicas, LabelSelector: req.LabelSelector},
			DryRun:     req.dryRun(),
			Category:   req.Category,
		})
		if err != nil {
			span.RecordError(err)
			writeError(w, err)
			return
		}
		_ = writeJSON(w, http.StatusOK, resp)
	}
}

func (h *HealHandler) policy(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, h.healing.Policy().Status())
}
