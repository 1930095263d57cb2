package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

func TestTriage_Decisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply reply
		want  GateDecision
	}{
		{"continue", say("continue"), GateProceed},
		{"continue with noise", say("  CONTINUE.\n"), GateProceed},
		{"skip", say("skip"), GateSkip},
		{"ambiguous", say("maybe, hard to say"), GateSkip},
		{"empty", say(""), GateSkip},
		{"transport error", reply{err: &TransportError{Op: "generate", Err: errors.New("connection refused")}}, GateSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gen := newScripted().on(StageTriage, CategoryHost, tt.reply)
			e := NewEngine(gen, log.Nop(), EngineHooks{})

			got := e.Triage(context.Background(), "narrative", CategoryHost, GenerationConfig{Model: testModel})
			if got != tt.want {
				t.Errorf("Triage = %q, want %q", got, tt.want)
			}
			calls := gen.callsFor(StageTriage, CategoryHost)
			if len(calls) != 1 {
				t.Fatalf("triage calls = %d, want 1", len(calls))
			}
			if calls[0].Schema != nil {
				t.Error("triage request should not carry a schema")
			}
			if calls[0].Prompt != "narrative" {
				t.Errorf("prompt = %q, want narrative", calls[0].Prompt)
			}
		})
	}
}

func TestTriage_TimelineIsNotGated(t *testing.T) {
	t.Parallel()

	gen := newScripted()
	e := NewEngine(gen, log.Nop(), EngineHooks{})

	if got := e.Triage(context.Background(), "narrative", CategoryTimeline, GenerationConfig{}); got != GateProceed {
		t.Errorf("Triage(timeline) = %q, want proceed", got)
	}
	if n := len(gen.callsFor(StageTriage, CategoryTimeline)); n != 0 {
		t.Errorf("timeline triage calls = %d, want 0", n)
	}
}

func TestTriage_HookCalled(t *testing.T) {
	t.Parallel()

	gen := newScripted().on(StageTriage, CategoryNetwork, say("continue"))
	var got []GateDecision
	e := NewEngine(gen, log.Nop(), EngineHooks{
		OnTriage: func(c Category, d GateDecision) {
			if c == CategoryNetwork {
				got = append(got, d)
			}
		},
	})

	e.Triage(context.Background(), "narrative", CategoryNetwork, GenerationConfig{})
	if len(got) != 1 || got[0] != GateProceed {
		t.Errorf("OnTriage decisions = %v, want [proceed]", got)
	}
}
