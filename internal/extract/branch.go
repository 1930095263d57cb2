package extract

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// categoryDef binds a record type to its category, its gate and its post-processing.
type categoryDef[T any] struct {
	category Category
	gated    bool
	post     func([]T)
}

func (e *Engine) hostDef() categoryDef[HostIndicator] {
	return categoryDef[HostIndicator]{
		category: CategoryHost,
		gated:    true,
		post: func(records []HostIndicator) {
			for i := range records {
				records[i].IndicatorID = "H-" + e.newID()
			}
		},
	}
}

func (e *Engine) networkDef() categoryDef[NetworkIndicator] {
	return categoryDef[NetworkIndicator]{
		category: CategoryNetwork,
		gated:    true,
		post: func(records []NetworkIndicator) {
			for i := range records {
				records[i].IndicatorID = "N-" + e.newID()
			}
		},
	}
}

func (e *Engine) timelineDef() categoryDef[TimelineEvent] {
	return categoryDef[TimelineEvent]{
		category: CategoryTimeline,
		post: func(records []TimelineEvent) {
			for i := range records {
				if records[i].SystemName == "" {
					records[i].SystemName = "Unknown"
				}
				records[i].TimestampUTC = records[i].TimestampUTC.UTC()
			}
		},
	}
}

// gatedBranch consults the triage gate for the category and runs the branch
// only when the gate proceeds.
func gatedBranch[T any](ctx context.Context, e *Engine, narrative string, cfg GenerationConfig, def categoryDef[T], L log.Logger) BranchState[T] {
	if def.gated && e.Triage(ctx, narrative, def.category, cfg) == GateSkip {
		st := BranchState[T]{
			Category: def.category,
			Records:  []T{},
			Decision: DecisionEmptyByTriage,
		}
		if ctx.Err() != nil {
			st.Decision = DecisionExhaustedRetries
			st.Interrupted = true
		}
		e.finishBranch(ctx, st.Report(), L)
		return st
	}
	return runBranch(ctx, e, narrative, cfg, def, L)
}

// runBranch drives one category through generate, evaluate and retry until it
// reaches a terminal decision. At most cfg.RetryBudget generations are issued.
func runBranch[T any](ctx context.Context, e *Engine, narrative string, cfg GenerationConfig, def categoryDef[T], L log.Logger) BranchState[T] {
	ctx, span := tracer.Start(ctx, "extract.branch", trace.WithAttributes(
		attribute.String("quarry.category", string(def.category)),
	))
	defer span.End()

	BL := L.With("category", def.category)
	st := BranchState[T]{Category: def.category, Records: []T{}}

	for st.Attempts < cfg.RetryBudget {
		if ctx.Err() != nil {
			st.Interrupted = true
			break
		}
		st.Attempts++

		records, err := extractBatch(ctx, e, narrative, cfg, def, st.LastFeedback)
		if err != nil {
			if ctx.Err() != nil {
				st.Interrupted = true
				break
			}
			BL.Warn(ctx, "extraction attempt failed", "attempt", st.Attempts, "err", err)
			st.LastFeedback = feedbackFromError(err)
			continue
		}
		st.Records = records

		if len(records) == 0 {
			st.Decision = DecisionAccepted
			break
		}
		if ctx.Err() != nil {
			st.Interrupted = true
			break
		}

		verdict, feedback, err := e.Evaluate(ctx, narrative, def.category, records, cfg)
		if err != nil {
			if ctx.Err() != nil {
				st.Interrupted = true
				break
			}
			BL.Warn(ctx, "evaluation failed", "attempt", st.Attempts, "err", err)
			st.LastFeedback = feedbackFromError(err)
			continue
		}

		switch verdict {
		case VerdictPerfect:
			st.Decision = DecisionAccepted
		case VerdictNoIndicators:
			st.Decision = DecisionEmptyByEvaluation
		default:
			st.LastFeedback = feedback
			BL.Info(ctx, "evaluator requested changes", "attempt", st.Attempts, "records", len(records))
		}
		if st.Decision != "" {
			break
		}
	}

	if st.Decision == "" {
		st.Decision = DecisionExhaustedRetries
	}

	span.SetAttributes(
		attribute.String("quarry.decision", string(st.Decision)),
		attribute.Int("quarry.attempts", st.Attempts),
		attribute.Int("quarry.records", len(st.Records)),
		attribute.Bool("quarry.interrupted", st.Interrupted),
	)
	if st.Interrupted {
		span.SetStatus(codes.Error, "branch interrupted")
	}

	e.finishBranch(ctx, st.Report(), L)
	return st
}

// extractBatch issues one extraction generation and validates its output.
func extractBatch[T any](ctx context.Context, e *Engine, narrative string, cfg GenerationConfig, def categoryDef[T], feedback string) ([]T, error) {
	resp, err := e.generate(ctx, &GenerateRequest{
		Model:       cfg.Model,
		System:      buildExtractionSystemPrompt(def.category, feedback),
		Prompt:      narrative,
		Schema:      SchemaFor(def.category),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Category:    def.category,
		Stage:       StageExtract,
	})
	if err != nil {
		return nil, err
	}
	return decodeRecords(e.validator, def.category, resp.Text, def.post)
}

func (e *Engine) finishBranch(ctx context.Context, r BranchReport, L log.Logger) {
	if e.hooks.OnBranch != nil {
		e.hooks.OnBranch(r)
	}
	L.Info(ctx, "branch finished",
		"category", r.Category,
		"decision", r.Decision,
		"attempts", r.Attempts,
		"records", r.Records,
		"interrupted", r.Interrupted,
	)
}
