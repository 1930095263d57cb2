package extract

import "time"

// Category identifies one extraction branch.
type Category string

const (
	CategoryHost     Category = "host"
	CategoryNetwork  Category = "network"
	CategoryTimeline Category = "timeline"
)

// Categories lists every category in aggregation order.
var Categories = []Category{CategoryHost, CategoryNetwork, CategoryTimeline}

// Decision is the terminal outcome of a branch.
type Decision string

const (
	// DecisionAccepted means the evaluator approved the batch, or the batch was empty.
	DecisionAccepted Decision = "accepted"

	// DecisionEmptyByTriage means the triage gate skipped the category.
	DecisionEmptyByTriage Decision = "empty_by_triage"

	// DecisionEmptyByEvaluation means the evaluator reported no indicators.
	// It is accepted exactly like DecisionAccepted.
	DecisionEmptyByEvaluation Decision = "empty_by_evaluation"

	// DecisionExhaustedRetries means the attempt budget ran out (or the run was
	// cancelled) and the last generated batch was kept as is.
	DecisionExhaustedRetries Decision = "exhausted_retries"
)

// GateDecision is the routing outcome of a triage gate.
type GateDecision string

const (
	GateProceed GateDecision = "proceed"
	GateSkip    GateDecision = "skip"
)

// HostIndicator is a host-resident artifact: file, process, registry key and so on.
type HostIndicator struct {
	SubmittedBy   string  `json:"submitted_by" validate:"required,max=128"`
	Source        string  `json:"source" validate:"required,max=128"`
	Status        string  `json:"status" validate:"required,max=64"`
	IndicatorID   string  `json:"indicator_id" validate:"required,max=256"`
	IndicatorType string  `json:"indicator_type" validate:"required,max=64"`
	Indicator     string  `json:"indicator" validate:"required,max=512"`
	FullPath      *string `json:"full_path" validate:"omitempty,max=1024"`
	SHA256        *string `json:"sha256" validate:"omitempty,max=64"`
	SHA1          *string `json:"sha1" validate:"omitempty,max=40"`
	MD5           *string `json:"md5" validate:"omitempty,max=32"`
	TypePurpose   *string `json:"type_purpose" validate:"omitempty,max=128"`
	SizeBytes     *int64  `json:"size_bytes"`
	Notes         *string `json:"notes"`
}

// NetworkIndicator is a network-observable artifact: ip, domain, url, ja3 and so on.
type NetworkIndicator struct {
	SubmittedBy         string     `json:"submitted_by" validate:"required,max=128"`
	Source              string     `json:"source" validate:"required,max=128"`
	Status              string     `json:"status" validate:"required,max=64"`
	IndicatorID         string     `json:"indicator_id" validate:"required,max=256"`
	IndicatorType       string     `json:"indicator_type" validate:"required,max=64"`
	Indicator           string     `json:"indicator" validate:"required,max=512"`
	InitialLead         *string    `json:"initial_lead" validate:"omitempty,max=512"`
	DetailsComments     *string    `json:"details_comments"`
	EarliestEvidenceUTC *time.Time `json:"earliest_evidence_utc"`
	AttackAlignment     *string    `json:"attack_alignment" validate:"omitempty,max=128"`
	Notes               *string    `json:"notes"`
}

// TimelineEvent is one dated activity in the incident. Timeline events carry no indicator id.
type TimelineEvent struct {
	SubmittedBy     string    `json:"submitted_by" validate:"required,max=128"`
	StatusTag       string    `json:"status_tag" validate:"required,max=64"`
	SystemName      string    `json:"system_name" validate:"required,max=256"`
	TimestampUTC    time.Time `json:"timestamp_utc"`
	TimestampType   string    `json:"timestamp_type" validate:"required,max=64"`
	Activity        string    `json:"activity" validate:"required,max=512"`
	EvidenceSource  string    `json:"evidence_source" validate:"required,max=256"`
	DetailsComments *string   `json:"details_comments"`
	AttackAlignment *string   `json:"attack_alignment" validate:"omitempty,max=128"`
	SizeBytes       *int64    `json:"size_bytes"`
	Hash            *string   `json:"hash" validate:"omitempty,max=128"`
	Notes           *string   `json:"notes"`
}

// BranchState is the run state owned by exactly one branch goroutine.
type BranchState[T any] struct {
	Category     Category
	Attempts     int
	LastFeedback string
	Records      []T
	Decision     Decision
	Interrupted  bool
}

// Report summarizes a terminal branch state.
func (s *BranchState[T]) Report() BranchReport {
	return BranchReport{
		Category:     s.Category,
		Decision:     s.Decision,
		Attempts:     s.Attempts,
		LastFeedback: s.LastFeedback,
		Interrupted:  s.Interrupted,
		Records:      len(s.Records),
	}
}

// BranchReport is the read-only summary of one branch after it reached a terminal decision.
type BranchReport struct {
	Category     Category `json:"category"`
	Decision     Decision `json:"decision"`
	Attempts     int      `json:"attempts"`
	LastFeedback string   `json:"last_feedback,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	Records      int      `json:"records"`
}

// WorkflowResult is the aggregate of the three terminal record lists. Lists are never nil.
type WorkflowResult struct {
	HostIndicators    []HostIndicator    `json:"host_indicators"`
	NetworkIndicators []NetworkIndicator `json:"network_indicators"`
	TimelineEvents    []TimelineEvent    `json:"timeline_events"`
}

// RunResult is everything Engine.Run produces for one narrative.
type RunResult struct {
	WorkflowResult

	Branches     []BranchReport `json:"branches"`
	Model        string         `json:"model,omitempty"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LLMCalls     int            `json:"llm_calls"`
	LLMTime      float64        `json:"llm_time_seconds"`
	Duration     float64        `json:"duration_seconds"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// Branch returns the report for category c.
func (r *RunResult) Branch(c Category) (BranchReport, bool) {
	for _, b := range r.Branches {
		if b.Category == c {
			return b, true
		}
	}
	return BranchReport{}, false
}
