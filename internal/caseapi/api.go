// Package caseapi exposes cases, extraction runs and stored records over HTTP.
package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/extract"
)

// CaseService defines the business operations caseapi needs.
type CaseService interface {
	CreateCase(ctx context.Context, name string) (*cases.Case, error)
	UpdateCase(ctx context.Context, id, name string, status cases.CaseStatus) (*cases.Case, error)
	GetCase(ctx context.Context, id string) (*cases.Case, bool, error)
	ListCases(ctx context.Context) ([]*cases.Case, error)
	DeleteCase(ctx context.Context, id string) error
	Submit(ctx context.Context, caseID string, req cases.SubmitRequest) (*cases.SubmitResult, error)
	GetRun(ctx context.Context, id string) (*cases.Run, bool, error)
	CaseData(ctx context.Context, caseID string) (*extract.WorkflowResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    CaseService
}

// New creates a new API handler.
func New(logger log.Logger, svc CaseService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("case service is required"))
	}
	return &API{logger: logger, svc: svc}
}

// RegisterRoutes attaches the /api/v1 endpoints to r. Authentication is applied by the caller.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cases", func(r chi.Router) {
			r.Post("/", a.handleCreateCase)
			r.Get("/", a.handleListCases)
			r.Route("/{caseID}", func(r chi.Router) {
				r.Get("/", a.handleGetCase)
				r.Patch("/", a.handleUpdateCase)
				r.Delete("/", a.handleDeleteCase)
				r.Post("/extract", a.handleExtract)
				r.Get("/data", a.handleCaseData)
			})
		})
		r.Get("/runs/{runID}", a.handleGetRun)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps service errors onto status codes. Only unexpected errors are logged.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, cases.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, cases.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, cases.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service unavailable"})
	case errors.Is(err, cases.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict"})
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
