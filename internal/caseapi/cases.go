package caseapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/quarry/internal/cases"
)

type createCaseRequest struct {
	Name string `json:"name"`
}

type updateCaseRequest struct {
	Name   string           `json:"name"`
	Status cases.CaseStatus `json:"status"`
}

type listCasesResponse struct {
	Cases []*cases.Case `json:"cases"`
}

func caseID(r *http.Request) string {
	id := chi.URLParam(r, "caseID")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("quarry.case.id", id))
	return id
}

func (a *API) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	c, err := a.svc.CreateCase(r.Context(), req.Name)
	if err != nil {
		a.fail(w, r, err, "failed to create case")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListCases(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListCases(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list cases")
		return
	}
	if list == nil {
		list = []*cases.Case{}
	}
	writeJSON(w, http.StatusOK, listCasesResponse{Cases: list})
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := caseID(r)
	c, ok, err := a.svc.GetCase(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get case", "case_id", id)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	id := caseID(r)
	var req updateCaseRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid payload"})
		return
	}
	c, err := a.svc.UpdateCase(r.Context(), id, req.Name, req.Status)
	if err != nil {
		a.fail(w, r, err, "failed to update case", "case_id", id)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	id := caseID(r)
	if err := a.svc.DeleteCase(r.Context(), id); err != nil {
		a.fail(w, r, err, "failed to delete case", "case_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
