package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/go-core/log"
)

func TestEvaluate_Verdicts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		text         string
		wantVerdict  Verdict
		wantFeedback string
	}{
		{"perfect", "perfect", VerdictPerfect, ""},
		{"perfect punctuated", "Perfect.", VerdictPerfect, ""},
		{"perfect quoted", `"perfect"`, VerdictPerfect, ""},
		{"no iocs", "no_iocs", VerdictNoIndicators, ""},
		{"no iocs padded", "  NO_IOCS\n", VerdictNoIndicators, ""},
		{"feedback", "Record 2 is missing the sha256 mentioned in the narrative.", VerdictFeedback, "Record 2 is missing the sha256 mentioned in the narrative."},
		{"perfect inside sentence", "Almost perfect, but fix the path.", VerdictFeedback, "Almost perfect, but fix the path."},
		{"empty", "", VerdictFeedback, genericFeedback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gen := newScripted().on(StageEvaluate, CategoryHost, say(tt.text))
			e := NewEngine(gen, log.Nop(), EngineHooks{})

			records := []HostIndicator{{Indicator: "a.exe"}}
			verdict, feedback, err := e.Evaluate(context.Background(), "narrative", CategoryHost, records, GenerationConfig{})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if verdict != tt.wantVerdict {
				t.Errorf("verdict = %q, want %q", verdict, tt.wantVerdict)
			}
			if feedback != tt.wantFeedback {
				t.Errorf("feedback = %q, want %q", feedback, tt.wantFeedback)
			}
		})
	}
}

func TestEvaluate_OneRecordPerLine(t *testing.T) {
	t.Parallel()

	gen := newScripted()
	e := NewEngine(gen, log.Nop(), EngineHooks{})

	records := []NetworkIndicator{
		{Indicator: "a.example", IndicatorType: "domain"},
		{Indicator: "10.0.0.5", IndicatorType: "ip"},
	}
	before := append([]NetworkIndicator(nil), records...)

	if _, _, err := e.Evaluate(context.Background(), "the narrative", CategoryNetwork, records, GenerationConfig{}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	calls := gen.callsFor(StageEvaluate, CategoryNetwork)
	if len(calls) != 1 {
		t.Fatalf("evaluate calls = %d, want 1", len(calls))
	}
	lines := strings.Split(calls[0].Prompt, "\n")
	if len(lines) != 2 {
		t.Fatalf("prompt lines = %d, want 2: %q", len(lines), calls[0].Prompt)
	}
	if !strings.Contains(lines[1], `"10.0.0.5"`) {
		t.Errorf("second line = %q, want the second record", lines[1])
	}
	if !strings.Contains(calls[0].System, "the narrative") {
		t.Error("evaluator instruction should embed the narrative")
	}
	if diff := cmp.Diff(before, records); diff != "" {
		t.Errorf("records mutated (-before +after):\n%s", diff)
	}
}

func TestEvaluate_TransportError(t *testing.T) {
	t.Parallel()

	boom := &TransportError{Op: "generate", Err: errors.New("timeout")}
	gen := newScripted().on(StageEvaluate, CategoryTimeline, reply{err: boom})
	e := NewEngine(gen, log.Nop(), EngineHooks{})

	verdict, _, err := e.Evaluate(context.Background(), "n", CategoryTimeline, []TimelineEvent{{Activity: "x"}}, GenerationConfig{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if verdict != VerdictFeedback {
		t.Errorf("verdict = %q, want feedback", verdict)
	}
}
