package cases

import (
	"context"
	"errors"

	"github.com/linnemanlabs/quarry/internal/extract"
)

var (
	// ErrNotFound means the referenced case or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid means the caller supplied unusable input.
	ErrInvalid = errors.New("invalid request")

	// ErrConflict means a case with the same id already exists.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable means the service is shutting down and takes no new runs.
	ErrUnavailable = errors.New("service unavailable")
)

// Store is the persistence interface for cases, runs and extracted records.
type Store interface {
	CreateCase(ctx context.Context, c *Case) error
	UpdateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, bool, error)
	ListCases(ctx context.Context) ([]*Case, error)
	DeleteCase(ctx context.Context, id string) (bool, error)

	PutRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, bool, error)
	ActiveRun(ctx context.Context, caseID string) (*Run, bool, error)

	// InsertResult stores each non-empty record list in its own table tagged
	// with the case and run ids. All lists are written or none are.
	InsertResult(ctx context.Context, caseID, runID string, res *extract.WorkflowResult) error

	// CaseData returns every record stored for the case.
	CaseData(ctx context.Context, caseID string) (*extract.WorkflowResult, error)
}

// Runner executes the extraction workflow; *extract.Engine implements it.
type Runner interface {
	Run(ctx context.Context, narrative string, cfg extract.GenerationConfig) (*extract.RunResult, error)
}

// Notifier is told about every finished run.
type Notifier interface {
	Send(ctx context.Context, c *Case, r *Run) error
}
