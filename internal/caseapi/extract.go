package caseapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/quarry/internal/cases"
)

type extractRequest struct {
	IncidentDescription string `json:"incident_description"`
	LLMModel            string `json:"llm_model,omitempty"`
	RetryBudget         int    `json:"retry_budget,omitempty"`
}

type extractResponse struct {
	RunID   string `json:"run_id"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleExtract(w http.ResponseWriter, r *http.Request) {
	id := caseID(r)
	var req extractRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}

	res, err := a.svc.Submit(r.Context(), id, cases.SubmitRequest{
		Narrative:   req.IncidentDescription,
		Model:       req.LLMModel,
		RetryBudget: req.RetryBudget,
	})
	if err != nil {
		a.fail(w, r, err, "failed to submit extraction", "case_id", id)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("quarry.run.id", res.ID),
		attribute.Bool("quarry.run.skipped", res.Skipped),
	)

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, extractResponse{RunID: res.ID, Skipped: res.Skipped, Reason: res.Reason})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("quarry.run.id", id))

	run, ok, err := a.svc.GetRun(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get run", "run_id", id)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	span.SetAttributes(attribute.String("quarry.run.status", string(run.Status)))
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleCaseData(w http.ResponseWriter, r *http.Request) {
	id := caseID(r)
	data, err := a.svc.CaseData(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to load case data", "case_id", id)
		return
	}
	writeJSON(w, http.StatusOK, data)
}
