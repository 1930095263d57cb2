package extract

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Triage asks the backend whether the narrative likely contains records of
// category c. Only host and network are gated; any other category proceeds.
// A failed call or an ambiguous answer skips the category.
func (e *Engine) Triage(ctx context.Context, narrative string, c Category, cfg GenerationConfig) GateDecision {
	system, gated := triageSystemPrompts[c]
	if !gated {
		return GateProceed
	}

	ctx, span := tracer.Start(ctx, "extract.triage", trace.WithAttributes(
		attribute.String("quarry.category", string(c)),
	))
	defer span.End()

	cfg = cfg.withDefaults()
	decision := GateSkip

	resp, err := e.generate(ctx, &GenerateRequest{
		Model:       cfg.Model,
		System:      system,
		Prompt:      narrative,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Category:    c,
		Stage:       StageTriage,
	})
	if err != nil {
		e.logger.Warn(ctx, "triage call failed, skipping category", "category", c, "err", err)
	} else if strings.Contains(strings.ToLower(strings.TrimSpace(resp.Text)), "continue") {
		decision = GateProceed
	}

	span.SetAttributes(attribute.String("quarry.gate", string(decision)))
	if e.hooks.OnTriage != nil {
		e.hooks.OnTriage(c, decision)
	}
	e.logger.Info(ctx, "triage decision", "category", c, "decision", decision)
	return decision
}
