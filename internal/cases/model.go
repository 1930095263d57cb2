package cases

import (
	"time"

	"github.com/linnemanlabs/quarry/internal/extract"
)

// CaseStatus is the analyst-facing state of a case.
type CaseStatus string

const (
	CaseOpen   CaseStatus = "Open"
	CaseClosed CaseStatus = "Closed"
	CaseOnHold CaseStatus = "On Hold"
)

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	switch s {
	case CaseOpen, CaseClosed, CaseOnHold:
		return true
	}
	return false
}

// Case groups the records extracted from one incident.
type Case struct {
	ID        string     `json:"case_id"`
	Name      string     `json:"name" validate:"required,max=256"`
	Status    CaseStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunStatus tracks where an extraction run is in its lifecycle.
type RunStatus string

const (
	// RunPending means created, not yet started
	RunPending RunStatus = "pending"

	// RunInProgress means the engine is working on it
	RunInProgress RunStatus = "in_progress"

	// RunComplete means the result was produced and stored
	RunComplete RunStatus = "complete"

	// RunFailed means no result could be produced or stored
	RunFailed RunStatus = "failed"
)

// Active reports whether a run still holds its case.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunInProgress
}

// Run is one extraction over one narrative for a case.
type Run struct {
	ID             string                 `json:"run_id"`
	CaseID         string                 `json:"case_id"`
	Status         RunStatus              `json:"status"`
	Model          string                 `json:"model,omitempty"`
	RetryBudget    int                    `json:"retry_budget"`
	NarrativeBytes int                    `json:"narrative_bytes"`
	HostCount      int                    `json:"host_indicators"`
	NetworkCount   int                    `json:"network_indicators"`
	TimelineCount  int                    `json:"timeline_events"`
	Branches       []extract.BranchReport `json:"branches,omitempty"`
	Error          string                 `json:"error,omitempty"`
	InputTokens    int                    `json:"input_tokens,omitempty"`
	OutputTokens   int                    `json:"output_tokens,omitempty"`
	LLMCalls       int                    `json:"llm_calls,omitempty"`
	LLMTime        float64                `json:"llm_time_seconds,omitempty"`
	Duration       float64                `json:"duration_seconds,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    time.Time              `json:"completed_at,omitempty"`
}

// Clone returns a copy of r that shares no slices with it.
func (r *Run) Clone() *Run {
	cp := *r
	if r.Branches != nil {
		cp.Branches = append([]extract.BranchReport(nil), r.Branches...)
	}
	return &cp
}
