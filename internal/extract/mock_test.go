package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const testModel = "claude-sonnet-4-20250514"

type reply struct {
	text string
	err  error
}

type callKey struct {
	stage    Stage
	category Category
}

// scriptedGenerator answers each (stage, category) pair from its own queue so
// the concurrent branches see deterministic replies.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[callKey][]reply
	idx     map[callKey]int
	calls   []GenerateRequest

	// block makes calls for these categories wait for ctx cancellation.
	block   map[Category]bool
	started chan Category
}

func newScripted() *scriptedGenerator {
	return &scriptedGenerator{
		replies: make(map[callKey][]reply),
		idx:     make(map[callKey]int),
		block:   make(map[Category]bool),
	}
}

func (g *scriptedGenerator) on(stage Stage, c Category, replies ...reply) *scriptedGenerator {
	g.replies[callKey{stage, c}] = append(g.replies[callKey{stage, c}], replies...)
	return g
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, *req)
	key := callKey{req.Stage, req.Category}
	i := g.idx[key]
	g.idx[key]++
	queue := g.replies[key]
	blocked := g.block[req.Category]
	started := g.started
	g.mu.Unlock()

	if blocked {
		if started != nil {
			started <- req.Category
		}
		<-ctx.Done()
		return nil, &TransportError{Op: "generate", Err: ctx.Err()}
	}

	var r reply
	switch {
	case i < len(queue):
		r = queue[i]
	case len(queue) > 0:
		r = queue[len(queue)-1]
	default:
		r = fallbackReply(req.Stage)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &GenerateResponse{
		Text:  r.text,
		Model: testModel,
		Usage: Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func fallbackReply(stage Stage) reply {
	switch stage {
	case StageTriage:
		return reply{text: "skip"}
	case StageEvaluate:
		return reply{text: "perfect"}
	default:
		return reply{text: `{"iocs":[]}`}
	}
}

func (g *scriptedGenerator) callsFor(stage Stage, c Category) []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GenerateRequest
	for _, r := range g.calls {
		if r.Stage == stage && r.Category == c {
			out = append(out, r)
		}
	}
	return out
}

type failingChecker struct {
	*scriptedGenerator
	err error
}

func (f *failingChecker) Check(context.Context, string) error { return f.err }

// contextChecker fails the check with ctx's error once ctx is done, and
// rejects any model not in known.
type contextChecker struct {
	*scriptedGenerator
	known map[string]bool

	mu      sync.Mutex
	checked []string
}

func (c *contextChecker) Check(ctx context.Context, model string) error {
	c.mu.Lock()
	c.checked = append(c.checked, model)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if !c.known[model] {
		return ConfigError("model %q is not available", model)
	}
	return nil
}

func say(text string) reply { return reply{text: text} }

func hostBatch(indicators ...string) string {
	items := make([]string, len(indicators))
	for i, ind := range indicators {
		items[i] = fmt.Sprintf(`{"submitted_by":"analyst1","source":"EDR","status":"Confirmed","indicator_id":"H-001","indicator_type":"registry","indicator":%q,"full_path":null,"sha256":null,"sha1":null,"md5":null,"type_purpose":"persistence","size_bytes":null,"notes":null}`, ind)
	}
	return `{"iocs":[` + strings.Join(items, ",") + `]}`
}

func networkBatch(indicators ...string) string {
	items := make([]string, len(indicators))
	for i, ind := range indicators {
		items[i] = fmt.Sprintf(`{"submitted_by":"analyst1","source":"Proxy Logs","status":"Suspicious","indicator_id":"N-001","indicator_type":"domain","indicator":%q,"earliest_evidence_utc":"2024-03-01T10:00:00Z"}`, ind)
	}
	return `{"iocs":[` + strings.Join(items, ",") + `]}`
}

func timelineBatch(activities ...string) string {
	items := make([]string, len(activities))
	for i, a := range activities {
		items[i] = fmt.Sprintf(`{"submitted_by":"analyst1","status_tag":"Confirmed","system_name":null,"timestamp_utc":"2024-03-01T09:58:00Z","timestamp_type":"Execution Time","activity":%q,"evidence_source":"Sysmon"}`, a)
	}
	return `{"iocs":[` + strings.Join(items, ",") + `]}`
}
