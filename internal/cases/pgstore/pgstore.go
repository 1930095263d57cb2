// Package pgstore provides a PostgreSQL implementation of cases.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/extract"
)

var tracer = otel.Tracer("github.com/linnemanlabs/quarry/internal/cases/pgstore")

//go:embed schema.sql
var schema string

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// Store persists cases, runs and extracted records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CreateCase inserts a case. It fails with cases.ErrConflict if the id is taken.
func (s *Store) CreateCase(ctx context.Context, c *cases.Case) error {
	ctx, span := startSpan(ctx, "pgstore.CreateCase", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cases (case_id, name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (case_id) DO NOTHING`,
		c.ID, c.Name, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert case: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %s: %w", c.ID, cases.ErrConflict)
	}
	return nil
}

// UpdateCase replaces the mutable fields of an existing case.
func (s *Store) UpdateCase(ctx context.Context, c *cases.Case) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateCase", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET name = $2, status = $3, updated_at = $4 WHERE case_id = $1`,
		c.ID, c.Name, string(c.Status), c.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update case: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %s: %w", c.ID, cases.ErrNotFound)
	}
	return nil
}

const caseColumns = `case_id, name, status, created_at, updated_at`

// GetCase retrieves a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*cases.Case, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCase", "SELECT")
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

// ListCases returns every case, newest first.
func (s *Store) ListCases(ctx context.Context) ([]*cases.Case, error) {
	ctx, span := startSpan(ctx, "pgstore.ListCases", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY created_at DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query cases: %w", err))
	}
	defer rows.Close()

	out := []*cases.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate cases: %w", err))
	}
	return out, nil
}

// DeleteCase removes a case; runs and records go with it through ON DELETE CASCADE.
func (s *Store) DeleteCase(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteCase", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM cases WHERE case_id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete case: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// PutRun inserts or updates a run.
func (s *Store) PutRun(ctx context.Context, r *cases.Run) error {
	ctx, span := startSpan(ctx, "pgstore.PutRun", "UPSERT")
	defer span.End()

	branches, err := json.Marshal(r.Branches)
	if err != nil {
		return fail(span, fmt.Errorf("marshal branches: %w", err))
	}
	if r.Branches == nil {
		branches = []byte("[]")
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO extraction_runs (
		run_id, case_id, status, model, retry_budget, narrative_bytes,
		host_count, network_count, timeline_count, branches, error,
		input_tokens, output_tokens, llm_calls, llm_time_s, duration_s, created_at, completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT (run_id) DO UPDATE SET
		status         = EXCLUDED.status,
		model          = EXCLUDED.model,
		host_count     = EXCLUDED.host_count,
		network_count  = EXCLUDED.network_count,
		timeline_count = EXCLUDED.timeline_count,
		branches       = EXCLUDED.branches,
		error          = EXCLUDED.error,
		input_tokens   = EXCLUDED.input_tokens,
		output_tokens  = EXCLUDED.output_tokens,
		llm_calls      = EXCLUDED.llm_calls,
		llm_time_s     = EXCLUDED.llm_time_s,
		duration_s     = EXCLUDED.duration_s,
		completed_at   = EXCLUDED.completed_at`,
		r.ID, r.CaseID, string(r.Status), r.Model, r.RetryBudget, r.NarrativeBytes,
		r.HostCount, r.NetworkCount, r.TimelineCount, branches, r.Error,
		r.InputTokens, r.OutputTokens, r.LLMCalls, r.LLMTime, r.Duration, r.CreatedAt, completedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

const runColumns = `run_id, case_id, status, model, retry_budget, narrative_bytes,
	host_count, network_count, timeline_count, branches, error,
	input_tokens, output_tokens, llm_calls, llm_time_s, duration_s, created_at, completed_at`

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*cases.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetRun", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM extraction_runs WHERE run_id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// ActiveRun returns the newest pending or in-progress run for a case.
func (s *Store) ActiveRun(ctx context.Context, caseID string) (*cases.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ActiveRun", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM extraction_runs
		 WHERE case_id = $1 AND status IN ($2, $3)
		 ORDER BY created_at DESC LIMIT 1`,
		caseID, string(cases.RunPending), string(cases.RunInProgress),
	))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// InsertResult bulk-copies each non-empty record list into its table in one transaction.
func (s *Store) InsertResult(ctx context.Context, caseID, runID string, res *extract.WorkflowResult) error {
	ctx, span := startSpan(ctx, "pgstore.InsertResult", "COPY")
	defer span.End()
	span.SetAttributes(
		attribute.Int("quarry.host.records", len(res.HostIndicators)),
		attribute.Int("quarry.network.records", len(res.NetworkIndicators)),
		attribute.Int("quarry.timeline.records", len(res.TimelineEvents)),
	)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := copyHost(ctx, tx, caseID, runID, res.HostIndicators); err != nil {
		return fail(span, mapFK(caseID, err))
	}
	if err := copyNetwork(ctx, tx, caseID, runID, res.NetworkIndicators); err != nil {
		return fail(span, mapFK(caseID, err))
	}
	if err := copyTimeline(ctx, tx, caseID, runID, res.TimelineEvents); err != nil {
		return fail(span, mapFK(caseID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// CaseData returns every record stored for the case in insertion order.
func (s *Store) CaseData(ctx context.Context, caseID string) (*extract.WorkflowResult, error) {
	ctx, span := startSpan(ctx, "pgstore.CaseData", "SELECT")
	defer span.End()

	host, err := s.loadHost(ctx, caseID)
	if err != nil {
		return nil, fail(span, err)
	}
	network, err := s.loadNetwork(ctx, caseID)
	if err != nil {
		return nil, fail(span, err)
	}
	timeline, err := s.loadTimeline(ctx, caseID)
	if err != nil {
		return nil, fail(span, err)
	}
	res := extract.Aggregate(host, network, timeline)
	return &res, nil
}

func mapFK(caseID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("case %s: %w: %w", caseID, cases.ErrNotFound, err)
	}
	return err
}

// scanCase scans a single row. Returns (nil, nil) when no row is found.
func scanCase(row pgx.Row) (*cases.Case, error) {
	var (
		c      cases.Case
		status string
	)
	if err := row.Scan(&c.ID, &c.Name, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Status = cases.CaseStatus(status)
	return &c, nil
}

// scanRun scans a single row. Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*cases.Run, error) {
	var (
		r           cases.Run
		status      string
		branches    []byte
		completedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.CaseID, &status, &r.Model, &r.RetryBudget, &r.NarrativeBytes,
		&r.HostCount, &r.NetworkCount, &r.TimelineCount, &branches, &r.Error,
		&r.InputTokens, &r.OutputTokens, &r.LLMCalls, &r.LLMTime, &r.Duration, &r.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = cases.RunStatus(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(branches, &r.Branches); err != nil {
		return nil, fmt.Errorf("unmarshal branches: %w", err)
	}
	return &r, nil
}
