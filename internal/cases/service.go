package cases

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/quarry/internal/extract"
)

const caseIDAttempts = 10

// SubmitRequest asks for one extraction run on a case.
type SubmitRequest struct {
	Narrative   string `validate:"required"`
	Model       string `validate:"max=128"`
	RetryBudget int    `validate:"omitempty,min=1,max=10"`
}

// SubmitResult is the outcome of submitting a narrative for extraction.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Options carries the run defaults owned by the service.
type Options struct {
	// Defaults is used for every field a SubmitRequest leaves empty.
	Defaults extract.GenerationConfig

	// RunTimeout bounds one extraction run. Zero means no bound.
	RunTimeout time.Duration
}

// Service is the business boundary for case and extraction operations.
type Service struct {
	store    Store
	runner   Runner
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	opts     Options
	validate *validator.Validate
	newID    func() string
	now      func() time.Time

	// stopping is cancelled by Shutdown; in-flight runs derive their context from it.
	stopping context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewService creates a new case service. metrics and notifier may be nil.
func NewService(store Store, runner Runner, logger log.Logger, metrics *Metrics, notifier Notifier, opts Options) *Service {
	stopping, stop := context.WithCancel(context.Background())
	return &Service{
		stopping: stopping,
		stop:     stop,
		store:    store,
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		opts:     opts,
		validate: validator.New(),
		newID:    func() string { return ulid.Make().String() },
		now:      time.Now,
	}
}

// CreateCase creates an open case with a fresh CAS-NNNN-XX id.
func (s *Service) CreateCase(ctx context.Context, name string) (*Case, error) {
	now := s.now().UTC()
	c := &Case{
		Name:      strings.TrimSpace(name),
		Status:    CaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: case name: %v", ErrInvalid, err)
	}

	for range caseIDAttempts {
		c.ID = newCaseID()
		err := s.store.CreateCase(ctx, c)
		if err == nil {
			s.logger.Info(ctx, "case created", "case_id", c.ID)
			return c, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("allocate case id: %w after %d attempts", ErrConflict, caseIDAttempts)
}

// UpdateCase changes the name and/or status of a case. Empty values are left unchanged.
func (s *Service) UpdateCase(ctx context.Context, id, name string, status CaseStatus) (*Case, error) {
	c, ok, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	if name = strings.TrimSpace(name); name != "" {
		c.Name = name
	}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown case status %q", ErrInvalid, status)
		}
		c.Status = status
	}
	if err := s.validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: case name: %v", ErrInvalid, err)
	}
	c.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCase retrieves a case by id.
func (s *Service) GetCase(ctx context.Context, id string) (*Case, bool, error) {
	return s.store.GetCase(ctx, id)
}

// ListCases returns every case, newest first.
func (s *Service) ListCases(ctx context.Context) ([]*Case, error) {
	list, err := s.store.ListCases(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// DeleteCase removes a case together with its runs and records.
func (s *Service) DeleteCase(ctx context.Context, id string) error {
	ok, err := s.store.DeleteCase(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	s.logger.Info(ctx, "case deleted", "case_id", id)
	return nil
}

// GetRun retrieves a run by id.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.GetRun(ctx, id)
}

// CaseData returns every record stored for an existing case.
func (s *Service) CaseData(ctx context.Context, caseID string) (*extract.WorkflowResult, error) {
	if _, ok, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}
	return s.store.CaseData(ctx, caseID)
}

// Submit accepts a narrative for extraction on a case, handling dedup and lifecycle.
func (s *Service) Submit(ctx context.Context, caseID string, req SubmitRequest) (*SubmitResult, error) {
	req.Narrative = strings.TrimSpace(req.Narrative)
	if err := s.validate.Struct(&req); err != nil {
		s.countSubmit("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if s.stopping.Err() != nil {
		s.countSubmit("error")
		return nil, ErrUnavailable
	}

	if _, ok, err := s.store.GetCase(ctx, caseID); err != nil {
		s.countSubmit("error")
		return nil, err
	} else if !ok {
		s.countSubmit("invalid")
		return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
	}

	// dedup: one active run per case
	if existing, ok, err := s.store.ActiveRun(ctx, caseID); err != nil {
		s.countSubmit("error")
		return nil, err
	} else if ok {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: existing.ID, Skipped: true, Reason: "run already active for case"}, nil
	}

	cfg := s.opts.Defaults
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.RetryBudget != 0 {
		cfg.RetryBudget = req.RetryBudget
	}

	id := s.newID()
	run := &Run{
		ID:             id,
		CaseID:         caseID,
		Status:         RunPending,
		Model:          cfg.Model,
		RetryBudget:    cfg.RetryBudget,
		NarrativeBytes: len(req.Narrative),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.PutRun(ctx, run); err != nil {
		s.countSubmit("error")
		return nil, err
	}

	// kick off async extraction - pass only the ID to avoid sharing the Run pointer.
	if !s.track() {
		s.countSubmit("error")
		run.Status = RunFailed
		run.Error = ErrUnavailable.Error()
		run.CompletedAt = s.now().UTC()
		if err := s.store.PutRun(ctx, run); err != nil {
			s.logger.Error(ctx, err, "failed to mark run failed on shutdown", "run_id", id)
		}
		return nil, ErrUnavailable
	}
	s.countSubmit("accepted")
	go func() {
		defer s.inflight.Done()
		s.runExtraction(context.WithoutCancel(ctx), id, req.Narrative, cfg)
	}()

	return &SubmitResult{ID: id}, nil
}

func (s *Service) runExtraction(ctx context.Context, id, narrative string, cfg extract.GenerationConfig) {
	L := s.logger.With("run_id", id)

	run, ok, err := s.store.GetRun(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch run for extraction")
		return
	}
	L = L.With("case_id", run.CaseID)

	run.Status = RunInProgress
	if err := s.store.PutRun(ctx, run); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		return
	}

	// the engine sees Shutdown and the run timeout; store writes below use ctx and still land.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stopping, cancel)()
	if s.opts.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.opts.RunTimeout)
		defer cancelTimeout()
	}

	start := s.now()
	rr, err := s.runner.Run(runCtx, narrative, cfg)
	if err == nil {
		err = s.store.InsertResult(ctx, run.CaseID, run.ID, &rr.WorkflowResult)
		if err != nil {
			err = fmt.Errorf("store result: %w", err)
		}
	}

	if rr != nil {
		run.Model = rr.Model
		run.Branches = rr.Branches
		run.InputTokens = rr.InputTokens
		run.OutputTokens = rr.OutputTokens
		run.LLMCalls = rr.LLMCalls
		run.LLMTime = rr.LLMTime
	}
	run.Duration = s.now().Sub(start).Seconds()
	run.CompletedAt = s.now().UTC()

	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		L.Error(ctx, err, "extraction run failed")
	} else {
		run.Status = RunComplete
		run.HostCount = len(rr.HostIndicators)
		run.NetworkCount = len(rr.NetworkIndicators)
		run.TimelineCount = len(rr.TimelineEvents)
	}

	if err := s.store.PutRun(ctx, run); err != nil {
		L.Error(ctx, err, "failed to persist run")
	}

	if s.metrics != nil {
		s.metrics.RecordsStored.WithLabelValues(string(extract.CategoryHost)).Add(float64(run.HostCount))
		s.metrics.RecordsStored.WithLabelValues(string(extract.CategoryNetwork)).Add(float64(run.NetworkCount))
		s.metrics.RecordsStored.WithLabelValues(string(extract.CategoryTimeline)).Add(float64(run.TimelineCount))
		s.metrics.RunDuration.WithLabelValues(string(run.Status)).Observe(run.Duration)
		s.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	}

	if s.notifier != nil {
		c, ok, err := s.store.GetCase(ctx, run.CaseID)
		switch {
		case err != nil:
			L.Error(ctx, err, "failed to load case for notification")
		case !ok:
			L.Warn(ctx, "case vanished before notification")
		default:
			if err := s.notifier.Send(ctx, c, run); err != nil {
				L.Error(ctx, err, "failed to send notification")
			}
		}
	}

	L.Info(ctx, "extraction run finished",
		"status", run.Status,
		"duration", run.Duration,
		"host", run.HostCount,
		"network", run.NetworkCount,
		"timeline", run.TimelineCount,
		"llm_calls", run.LLMCalls,
	)
}

// Shutdown stops accepting submissions, interrupts in-flight runs and waits
// for them to record their partial results, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight runs: %w", ctx.Err())
	}
}

// track registers one in-flight run unless Shutdown has begun.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) countSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}

const caseLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// newCaseID returns an id of the form CAS-NNNN-XX.
func newCaseID() string {
	return fmt.Sprintf("CAS-%04d-%c%c",
		rand.IntN(10000),
		caseLetters[rand.IntN(len(caseLetters))],
		caseLetters[rand.IntN(len(caseLetters))],
	)
}
