// Package memstore provides an in-memory implementation of cases.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/extract"
)

type caseRecords struct {
	host     []extract.HostIndicator
	network  []extract.NetworkIndicator
	timeline []extract.TimelineEvent
}

// Store holds cases, runs and records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	cases   map[string]*cases.Case  // case ID -> case
	runs    map[string]*cases.Run   // run ID -> run
	records map[string]*caseRecords // case ID -> extracted records
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		cases:   make(map[string]*cases.Case),
		runs:    make(map[string]*cases.Run),
		records: make(map[string]*caseRecords),
	}
}

// CreateCase stores a copy of c. It fails with cases.ErrConflict if the id is taken.
func (s *Store) CreateCase(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; ok {
		return fmt.Errorf("case %s: %w", c.ID, cases.ErrConflict)
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

// UpdateCase replaces an existing case.
func (s *Store) UpdateCase(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.ID]; !ok {
		return fmt.Errorf("case %s: %w", c.ID, cases.ErrNotFound)
	}
	cp := *c
	s.cases[c.ID] = &cp
	return nil
}

// GetCase retrieves a case by id. Returns a copy.
func (s *Store) GetCase(_ context.Context, id string) (*cases.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// ListCases returns copies of every case in no particular order.
func (s *Store) ListCases(_ context.Context) ([]*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cases.Case, 0, len(s.cases))
	for _, c := range s.cases {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteCase removes a case with its runs and records.
func (s *Store) DeleteCase(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[id]; !ok {
		return false, nil
	}
	delete(s.cases, id)
	delete(s.records, id)
	for rid, r := range s.runs {
		if r.CaseID == id {
			delete(s.runs, rid)
		}
	}
	return true, nil
}

// PutRun stores a copy of the run.
func (s *Store) PutRun(_ context.Context, r *cases.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r.Clone()
	return nil
}

// GetRun retrieves a run by id. Returns a copy.
func (s *Store) GetRun(_ context.Context, id string) (*cases.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// ActiveRun returns the pending or in-progress run for a case, if any.
func (s *Store) ActiveRun(_ context.Context, caseID string) (*cases.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.runs {
		if r.CaseID == caseID && r.Status.Active() {
			return r.Clone(), true, nil
		}
	}
	return nil, false, nil
}

// InsertResult appends the non-empty record lists to the case.
func (s *Store) InsertResult(_ context.Context, caseID, _ string, res *extract.WorkflowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return fmt.Errorf("case %s: %w", caseID, cases.ErrNotFound)
	}
	rec, ok := s.records[caseID]
	if !ok {
		rec = &caseRecords{}
		s.records[caseID] = rec
	}
	rec.host = append(rec.host, res.HostIndicators...)
	rec.network = append(rec.network, res.NetworkIndicators...)
	rec.timeline = append(rec.timeline, res.TimelineEvents...)
	return nil
}

// CaseData returns copies of every record stored for the case.
func (s *Store) CaseData(_ context.Context, caseID string) (*extract.WorkflowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := extract.Aggregate(nil, nil, nil)
	if rec, ok := s.records[caseID]; ok {
		res.HostIndicators = append(res.HostIndicators, rec.host...)
		res.NetworkIndicators = append(res.NetworkIndicators, rec.network...)
		res.TimelineEvents = append(res.TimelineEvents, rec.timeline...)
	}
	return &res, nil
}
