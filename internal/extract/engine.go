package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

const (
	DefaultRetryBudget = 3
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 4096

	MaxRetryBudget = 10
)

var tracer = otel.Tracer("github.com/linnemanlabs/quarry/internal/extract")

// GenerationConfig holds the per-run generation settings. Zero values take the engine defaults.
type GenerationConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	RetryBudget int
}

func (c GenerationConfig) withDefaults() GenerationConfig {
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// Validate reports a configuration error for settings no run can honor.
func (c GenerationConfig) Validate() error {
	var errs []error
	if c.RetryBudget < 1 || c.RetryBudget > MaxRetryBudget {
		errs = append(errs, ConfigError("retry budget must be between 1 and %d, got %d", MaxRetryBudget, c.RetryBudget))
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		errs = append(errs, ConfigError("temperature must be between 0 and 1, got %g", c.Temperature))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, ConfigError("max tokens must not be negative, got %d", c.MaxTokens))
	}
	return errors.Join(errs...)
}

// CompleteEvent carries the metrics-relevant data from a finished run.
type CompleteEvent struct {
	Model        string
	Duration     float64
	LLMTime      float64
	LLMCalls     int
	InputTokens  int
	OutputTokens int
	Branches     []BranchReport
}

// EngineHooks are optional callbacks the engine invokes at key points. Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall  func(stage Stage, category Category, inputTokens, outputTokens int, duration float64, failed bool)
	OnTriage   func(category Category, decision GateDecision)
	OnBranch   func(report BranchReport)
	OnComplete func(e *CompleteEvent)
}

// Engine runs the extraction workflow for one narrative at a time; it holds
// no per-run state and is safe for concurrent use.
type Engine struct {
	gen       Generator
	validator *Validator
	logger    log.Logger
	hooks     EngineHooks
	newID     func() string
}

var compiledValidator = sync.OnceValues(NewValidator)

// NewEngine creates an engine on top of the given generator. A nil generator
// is reported by Run as a configuration error.
func NewEngine(gen Generator, logger log.Logger, hooks EngineHooks) *Engine {
	v, err := compiledValidator()
	if err != nil {
		panic(fmt.Sprintf("extract: compile schemas: %v", err))
	}
	return &Engine{
		gen:       gen,
		validator: v,
		logger:    logger,
		hooks:     hooks,
		newID:     uuid.NewString,
	}
}

// runStats accumulates generation usage across the concurrent branches of one run.
type runStats struct {
	mu           sync.Mutex
	model        string
	calls        int
	inputTokens  int
	outputTokens int
	llmTime      float64
}

func (s *runStats) add(model string, u Usage, d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != "" {
		s.model = model
	}
	s.calls++
	s.inputTokens += u.InputTokens
	s.outputTokens += u.OutputTokens
	s.llmTime += d
}

type statsKey struct{}

// generate issues one backend call and records its span, hooks and usage.
func (e *Engine) generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.generate", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.generate"),
		attribute.String("gen_ai.request.model", req.Model),
		attribute.String("quarry.stage", string(req.Stage)),
		attribute.String("quarry.category", string(req.Category)),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.gen.Generate(ctx, req)
	dur := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnLLMCall != nil {
			e.hooks.OnLLMCall(req.Stage, req.Category, 0, 0, dur, true)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(req.Stage, req.Category, resp.Usage.InputTokens, resp.Usage.OutputTokens, dur, false)
	}
	if st, ok := ctx.Value(statsKey{}).(*runStats); ok {
		st.add(resp.Model, resp.Usage, dur)
	}
	return resp, nil
}

// Run executes the full workflow for one narrative. It fails only with a
// configuration error; every per-branch failure is absorbed into the result.
func (e *Engine) Run(ctx context.Context, narrative string, cfg GenerationConfig) (*RunResult, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.gen == nil {
		return nil, ConfigError("no generation backend configured")
	}
	if c, ok := e.gen.(Checker); ok {
		if err := e.check(ctx, c, cfg.Model); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	stats := &runStats{model: cfg.Model}
	ctx = context.WithValue(ctx, statsKey{}, stats)

	ctx, span := tracer.Start(ctx, "extract.run", trace.WithAttributes(
		attribute.String("gen_ai.request.model", cfg.Model),
		attribute.Int("quarry.retry_budget", cfg.RetryBudget),
		attribute.Int("quarry.narrative.length", len(narrative)),
	))
	defer span.End()

	L := e.logger.With("model", cfg.Model, "retry_budget", cfg.RetryBudget)
	L.Info(ctx, "extraction run started", "narrative_bytes", len(narrative))

	var (
		host     BranchState[HostIndicator]
		network  BranchState[NetworkIndicator]
		timeline BranchState[TimelineEvent]
	)

	// Branches never return errors; the group only provides the join.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		host = gatedBranch(gctx, e, narrative, cfg, e.hostDef(), L)
		return nil
	})
	g.Go(func() error {
		network = gatedBranch(gctx, e, narrative, cfg, e.networkDef(), L)
		return nil
	})
	g.Go(func() error {
		timeline = runBranch(gctx, e, narrative, cfg, e.timelineDef(), L)
		return nil
	})
	_ = g.Wait()

	res := &RunResult{
		WorkflowResult: Aggregate(host.Records, network.Records, timeline.Records),
		Branches:       []BranchReport{host.Report(), network.Report(), timeline.Report()},
		CompletedAt:    time.Now(),
		Duration:       time.Since(start).Seconds(),
	}
	stats.mu.Lock()
	res.Model = stats.model
	res.LLMCalls = stats.calls
	res.InputTokens = stats.inputTokens
	res.OutputTokens = stats.outputTokens
	res.LLMTime = stats.llmTime
	stats.mu.Unlock()

	span.SetAttributes(
		attribute.Int("quarry.host.records", len(res.HostIndicators)),
		attribute.Int("quarry.network.records", len(res.NetworkIndicators)),
		attribute.Int("quarry.timeline.records", len(res.TimelineEvents)),
		attribute.Int("quarry.llm.calls", res.LLMCalls),
	)

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Model:        res.Model,
			Duration:     res.Duration,
			LLMTime:      res.LLMTime,
			LLMCalls:     res.LLMCalls,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			Branches:     res.Branches,
		})
	}

	L.Info(ctx, "extraction run complete",
		"duration", res.Duration,
		"llm_calls", res.LLMCalls,
		"host", len(res.HostIndicators),
		"network", len(res.NetworkIndicators),
		"timeline", len(res.TimelineEvents),
	)
	return res, nil
}

// check runs the backend check. A check cut short by cancellation is not a
// configuration problem; the branches then resolve as interrupted.
func (e *Engine) check(ctx context.Context, c Checker, model string) error {
	err := c.Check(ctx, model)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		e.logger.Warn(ctx, "backend check interrupted", "model", model, "err", err)
		return nil
	case errors.Is(err, ErrConfiguration):
		return err
	default:
		return ConfigError("backend check: %v", err)
	}
}

// Aggregate combines the three terminal record lists. Nil lists become empty
// lists and order is preserved.
func Aggregate(host []HostIndicator, network []NetworkIndicator, timeline []TimelineEvent) WorkflowResult {
	return WorkflowResult{
		HostIndicators:    nonNil(host),
		NetworkIndicators: nonNil(network),
		TimelineEvents:    nonNil(timeline),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
