package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/cases/memstore"
	"github.com/linnemanlabs/quarry/internal/extract"
)

type stubRunner struct{}

func (stubRunner) Run(_ context.Context, _ string, cfg extract.GenerationConfig) (*extract.RunResult, error) {
	return &extract.RunResult{
		WorkflowResult: extract.Aggregate(
			[]extract.HostIndicator{{
				SubmittedBy: "analyst", Source: "EDR", Status: "Confirmed", IndicatorID: "H-1",
				IndicatorType: "file", Indicator: "dropper.exe",
			}},
			nil, nil,
		),
		Model: cfg.Model,
	}, nil
}

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	svc := cases.NewService(memstore.New(), stubRunner{}, log.Nop(), nil, nil, cases.Options{
		Defaults: extract.GenerationConfig{Model: "test-model", RetryBudget: 3},
	})
	r := chi.NewRouter()
	New(log.Nop(), svc).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func createCase(t *testing.T, h http.Handler, name string) *cases.Case {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/cases", `{"name":"`+name+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create case status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[*cases.Case](t, rec)
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic")
		}
	}()
	New(nil, nil)
}

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	a := New(nil, &failingService{})
	if a.logger == nil {
		t.Fatal("expected Nop logger")
	}
}

func TestRegisterRoutes_NotFoundAndMethods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/", http.StatusNotFound},
		{http.MethodGet, "/api/v1", http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/v1/runs", http.StatusNotFound},
		{http.MethodGet, "/api/v1/cases/CAS-0000-AA/extract", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/cases/CAS-0000-AA", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/runs/abc", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if got := do(t, r, tt.method, tt.path, "").Code; got != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCaseCRUD(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	c := createCase(t, r, "Ransomware at branch office")
	if c.Status != cases.CaseOpen {
		t.Errorf("status = %q, want Open", c.Status)
	}

	rec := do(t, r, http.MethodGet, "/api/v1/cases/"+c.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodeBody[*cases.Case](t, rec); got.Name != "Ransomware at branch office" {
		t.Errorf("name = %q", got.Name)
	}

	rec = do(t, r, http.MethodPatch, "/api/v1/cases/"+c.ID, `{"status":"On Hold"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[*cases.Case](t, rec); got.Status != cases.CaseOnHold {
		t.Errorf("status after patch = %q", got.Status)
	}

	rec = do(t, r, http.MethodPatch, "/api/v1/cases/"+c.ID, `{"status":"Archived"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status patch = %d, want 400", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/cases", "")
	list := decodeBody[listCasesResponse](t, rec)
	if len(list.Cases) != 1 {
		t.Errorf("list length = %d, want 1", len(list.Cases))
	}

	if rec := do(t, r, http.MethodDelete, "/api/v1/cases/"+c.ID, ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/api/v1/cases/"+c.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/cases/"+c.ID, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestCreateCase_BadInput(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{bad`},
		{"empty name", `{"name":"  "}`},
		{"unknown field", `{"name":"x","owner":"y"}`},
		{"name too long", `{"name":"` + strings.Repeat("a", 257) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, r, http.MethodPost, "/api/v1/cases", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestExtract_RunCompletesAndDataIsStored(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	c := createCase(t, r, "Phishing")

	rec := do(t, r, http.MethodPost, "/api/v1/cases/"+c.ID+"/extract",
		`{"incident_description":"User opened dropper.exe from an email","retry_budget":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("extract status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[extractResponse](t, rec)
	if resp.RunID == "" || resp.Skipped {
		t.Fatalf("unexpected response %+v", resp)
	}

	var run *cases.Run
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec = do(t, r, http.MethodGet, "/api/v1/runs/"+resp.RunID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get run status = %d", rec.Code)
		}
		run = decodeBody[*cases.Run](t, rec)
		if !run.Status.Active() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if run.Status != cases.RunComplete {
		t.Fatalf("run status = %q, error %q", run.Status, run.Error)
	}
	if run.HostCount != 1 || run.RetryBudget != 2 || run.Model != "test-model" {
		t.Errorf("run = %+v", run)
	}

	rec = do(t, r, http.MethodGet, "/api/v1/cases/"+c.ID+"/data", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("data status = %d", rec.Code)
	}
	data := decodeBody[extract.WorkflowResult](t, rec)
	if len(data.HostIndicators) != 1 || data.HostIndicators[0].Indicator != "dropper.exe" {
		t.Errorf("host indicators = %+v", data.HostIndicators)
	}
	if data.NetworkIndicators == nil || data.TimelineEvents == nil {
		t.Error("empty lists must encode as [] not null")
	}
}

func TestExtract_Errors(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	c := createCase(t, r, "Errors")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown case", "/api/v1/cases/CAS-9999-ZZ/extract", `{"incident_description":"x"}`, http.StatusNotFound},
		{"empty narrative", "/api/v1/cases/" + c.ID + "/extract", `{"incident_description":"   "}`, http.StatusBadRequest},
		{"budget out of range", "/api/v1/cases/" + c.ID + "/extract", `{"incident_description":"x","retry_budget":11}`, http.StatusBadRequest},
		{"invalid json", "/api/v1/cases/" + c.ID + "/extract", `nope`, http.StatusBadRequest},
		{"data for unknown case", "/api/v1/cases/CAS-9999-ZZ/data", "", http.StatusNotFound},
		{"unknown run", "/api/v1/runs/01HZZZZZZZZZZZZZZZZZZZZZZZ", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method := http.MethodPost
			if tt.body == "" {
				method = http.MethodGet
			}
			rec := do(t, r, method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// failingService returns the same error from every method.
type failingService struct {
	err error
}

func (f *failingService) CreateCase(context.Context, string) (*cases.Case, error) { return nil, f.err }
func (f *failingService) UpdateCase(context.Context, string, string, cases.CaseStatus) (*cases.Case, error) {
	return nil, f.err
}
func (f *failingService) GetCase(context.Context, string) (*cases.Case, bool, error) {
	return nil, false, f.err
}
func (f *failingService) ListCases(context.Context) ([]*cases.Case, error) { return nil, f.err }
func (f *failingService) DeleteCase(context.Context, string) error       { return f.err }
func (f *failingService) Submit(context.Context, string, cases.SubmitRequest) (*cases.SubmitResult, error) {
	return nil, f.err
}
func (f *failingService) GetRun(context.Context, string) (*cases.Run, bool, error) {
	return nil, false, f.err
}
func (f *failingService) CaseData(context.Context, string) (*extract.WorkflowResult, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
		body string
	}{
		{"store failure", errors.New("connection refused"), http.StatusInternalServerError, `{"error":"internal error"}`},
		{"conflict", cases.ErrConflict, http.StatusConflict, `{"error":"conflict"}`},
		{"not found", cases.ErrNotFound, http.StatusNotFound, `{"error":"not found"}`},
		{"shutting down", cases.ErrUnavailable, http.StatusServiceUnavailable, `{"error":"service unavailable"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := chi.NewRouter()
			New(log.Nop(), &failingService{err: tt.err}).RegisterRoutes(r)

			rec := do(t, r, http.MethodGet, "/api/v1/cases", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.body {
				t.Errorf("body = %s, want %s", got, tt.body)
			}
		})
	}
}
