package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/cases/pgstore"
	"github.com/linnemanlabs/quarry/internal/extract"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("QUARRY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("QUARRY_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// newCase inserts a case with a per-test id and removes it on cleanup.
func newCase(t *testing.T, s *pgstore.Store) *cases.Case {
	t.Helper()
	now := time.Now().Truncate(time.Microsecond).UTC()
	c := &cases.Case{
		ID:        fmt.Sprintf("CAS-T%d", now.UnixNano()),
		Name:      t.Name(),
		Status:    cases.CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	t.Cleanup(func() { _, _ = s.DeleteCase(context.Background(), c.ID) })
	return c
}

func ptr[T any](v T) *T { return &v }

func TestCaseLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	c := newCase(t, s)

	if err := s.CreateCase(ctx, c); !errors.Is(err, cases.ErrConflict) {
		t.Errorf("duplicate CreateCase = %v, want ErrConflict", err)
	}

	got, ok, err := s.GetCase(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("GetCase: ok=%v err=%v", ok, err)
	}
	assertEqual(t, "Name", c.Name, got.Name)
	assertEqual(t, "Status", c.Status, got.Status)

	c.Name = "renamed"
	c.Status = cases.CaseOnHold
	c.UpdatedAt = c.UpdatedAt.Add(time.Minute)
	if err := s.UpdateCase(ctx, c); err != nil {
		t.Fatalf("UpdateCase: %v", err)
	}
	got, _, _ = s.GetCase(ctx, c.ID)
	assertEqual(t, "Name", "renamed", got.Name)
	assertEqual(t, "Status", cases.CaseOnHold, got.Status)

	if err := s.UpdateCase(ctx, &cases.Case{ID: "CAS-missing"}); !errors.Is(err, cases.ErrNotFound) {
		t.Errorf("UpdateCase missing = %v, want ErrNotFound", err)
	}

	list, err := s.ListCases(ctx)
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	found := false
	for _, l := range list {
		if l.ID == c.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("ListCases does not include %s", c.ID)
	}

	deleted, err := s.DeleteCase(ctx, c.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteCase: deleted=%v err=%v", deleted, err)
	}
	if _, ok, _ := s.GetCase(ctx, c.ID); ok {
		t.Error("case still present after delete")
	}
	deleted, _ = s.DeleteCase(ctx, c.ID)
	if deleted {
		t.Error("second DeleteCase reported true")
	}
}

func TestRunPutGetAndActive(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	c := newCase(t, s)

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := &cases.Run{
		ID:          "run-" + c.ID,
		CaseID:      c.ID,
		Status:      cases.RunPending,
		Model:       "claude-test",
		RetryBudget: 3,
		CreatedAt:   now,
	}
	if err := s.PutRun(ctx, r); err != nil {
		t.Fatalf("PutRun: %v", err)
	}

	active, ok, err := s.ActiveRun(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("ActiveRun: ok=%v err=%v", ok, err)
	}
	assertEqual(t, "ActiveRun.ID", r.ID, active.ID)

	r.Status = cases.RunComplete
	r.HostCount = 2
	r.InputTokens = 120
	r.LLMTime = 1.5
	r.CompletedAt = now.Add(time.Second)
	r.Branches = []extract.BranchReport{
		{Category: extract.CategoryHost, Decision: extract.DecisionAccepted, Attempts: 1, Records: 2},
	}
	if err := s.PutRun(ctx, r); err != nil {
		t.Fatalf("PutRun update: %v", err)
	}

	got, ok, err := s.GetRun(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	assertEqual(t, "Status", cases.RunComplete, got.Status)
	assertEqual(t, "HostCount", 2, got.HostCount)
	assertEqual(t, "InputTokens", 120, got.InputTokens)
	assertEqual(t, "LLMTime", 1.5, got.LLMTime)
	assertEqual(t, "CompletedAt", r.CompletedAt, got.CompletedAt.UTC())
	if len(got.Branches) != 1 || got.Branches[0].Decision != extract.DecisionAccepted {
		t.Errorf("Branches = %+v", got.Branches)
	}

	if _, ok, _ := s.ActiveRun(ctx, c.ID); ok {
		t.Error("completed run still reported active")
	}
}

func TestInsertResultAndCaseData(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	c := newCase(t, s)

	run := &cases.Run{ID: "run-" + c.ID, CaseID: c.ID, Status: cases.RunInProgress, CreatedAt: time.Now().UTC()}
	if err := s.PutRun(ctx, run); err != nil {
		t.Fatalf("PutRun: %v", err)
	}

	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	res := &extract.WorkflowResult{
		HostIndicators: []extract.HostIndicator{{
			SubmittedBy: "analyst", Source: "EDR", Status: "Confirmed", IndicatorID: "H-1",
			IndicatorType: "file", Indicator: "evil.exe", SHA256: ptr("ab12"), SizeBytes: ptr(int64(2048)),
		}},
		NetworkIndicators: []extract.NetworkIndicator{{
			SubmittedBy: "analyst", Source: "Proxy", Status: "Confirmed", IndicatorID: "N-1",
			IndicatorType: "domain", Indicator: "bad.example", EarliestEvidenceUTC: &seen,
		}},
		TimelineEvents: []extract.TimelineEvent{
			{SubmittedBy: "analyst", StatusTag: "Confirmed", SystemName: "WS01", TimestampUTC: seen.Add(time.Hour),
				TimestampType: "Execution", Activity: "second", EvidenceSource: "EDR"},
			{SubmittedBy: "analyst", StatusTag: "Confirmed", SystemName: "WS01", TimestampUTC: seen,
				TimestampType: "Execution", Activity: "first", EvidenceSource: "EDR"},
		},
	}
	if err := s.InsertResult(ctx, c.ID, run.ID, res); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}

	data, err := s.CaseData(ctx, c.ID)
	if err != nil {
		t.Fatalf("CaseData: %v", err)
	}
	if len(data.HostIndicators) != 1 || len(data.NetworkIndicators) != 1 || len(data.TimelineEvents) != 2 {
		t.Fatalf("counts = %d/%d/%d", len(data.HostIndicators), len(data.NetworkIndicators), len(data.TimelineEvents))
	}
	h := data.HostIndicators[0]
	if h.SHA256 == nil || *h.SHA256 != "ab12" || h.SizeBytes == nil || *h.SizeBytes != 2048 {
		t.Errorf("host optional fields not round-tripped: %+v", h)
	}
	if h.MD5 != nil {
		t.Errorf("MD5 = %v, want nil", *h.MD5)
	}
	if n := data.NetworkIndicators[0]; n.EarliestEvidenceUTC == nil || !n.EarliestEvidenceUTC.Equal(seen) {
		t.Errorf("EarliestEvidenceUTC = %v", n.EarliestEvidenceUTC)
	}
	assertEqual(t, "first timeline activity", "first", data.TimelineEvents[0].Activity)
}

func TestInsertResultUnknownCase(t *testing.T) {
	s := openStore(t)
	res := &extract.WorkflowResult{
		HostIndicators: []extract.HostIndicator{{
			SubmittedBy: "a", Source: "b", Status: "c", IndicatorID: "H-1", IndicatorType: "file", Indicator: "x",
		}},
	}
	err := s.InsertResult(context.Background(), "CAS-does-not-exist", "run-none", res)
	if !errors.Is(err, cases.ErrNotFound) {
		t.Errorf("InsertResult = %v, want ErrNotFound", err)
	}
}

func TestCaseDataEmpty(t *testing.T) {
	s := openStore(t)
	c := newCase(t, s)

	data, err := s.CaseData(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("CaseData: %v", err)
	}
	if data.HostIndicators == nil || data.NetworkIndicators == nil || data.TimelineEvents == nil {
		t.Error("CaseData lists must be non-nil")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", field, want, got)
	}
}
