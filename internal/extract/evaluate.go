package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the evaluator's classification of one batch.
type Verdict string

const (
	VerdictPerfect      Verdict = "perfect"
	VerdictNoIndicators Verdict = "no_iocs"
	VerdictFeedback     Verdict = "feedback"
)

const genericFeedback = "The previous output needs improvement. Re-check every record against the incident description and the schema."

// Evaluate asks the backend to judge a batch of records against the narrative.
// records must be a slice of one of the record types and is not modified.
// Anything other than an exact approval or an explicit no-indicators answer
// yields VerdictFeedback with the evaluator's text.
func (e *Engine) Evaluate(ctx context.Context, narrative string, c Category, records any, cfg GenerationConfig) (Verdict, string, error) {
	body, err := recordLines(records)
	if err != nil {
		return VerdictFeedback, "", fmt.Errorf("serialize %s records: %w", c, err)
	}

	cfg = cfg.withDefaults()
	resp, err := e.generate(ctx, &GenerateRequest{
		Model:       cfg.Model,
		System:      buildEvaluatorSystemPrompt(c, narrative),
		Prompt:      body,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Category:    c,
		Stage:       StageEvaluate,
	})
	if err != nil {
		return VerdictFeedback, "", err
	}

	text := strings.TrimSpace(resp.Text)
	switch normalizeVerdict(text) {
	case string(VerdictPerfect):
		return VerdictPerfect, "", nil
	case string(VerdictNoIndicators):
		return VerdictNoIndicators, "", nil
	}
	if text == "" {
		text = genericFeedback
	}
	return VerdictFeedback, text, nil
}

// recordLines serializes records one JSON object per line.
func recordLines(records any) (string, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", err
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = string(it)
	}
	return strings.Join(lines, "\n"), nil
}

// normalizeVerdict lowercases s and strips surrounding quotes and punctuation.
func normalizeVerdict(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, "\"'`.!,;: \n\t")
}
