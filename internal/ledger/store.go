// Package ledger is the append-only record of every healing request and the
// learner that reads it back.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/sentinel/internal/models"
)

// Store persists action records. Records are immutable once appended except
// for a single outcome. IDs are assigned by the store, strictly increasing.
type Store interface {
	Append(ctx context.Context, rec models.ActionRecord) (models.ActionRecord, error)
	AttachOutcome(ctx context.Context, outcome models.ActionOutcome) (models.ActionRecord, error)
	// Since returns records with Timestamp >= since in id order.
	Since(ctx context.Context, since time.Time) ([]models.ActionRecord, error)
	Get(ctx context.Context, id uint64) (models.ActionRecord, error)
	Close() error
}

// MemoryStore keeps the ledger in memory. It is also the index behind
// FileStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.ActionRecord
	byID    map[uint64]int
	lastID  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uint64]int)}
}

func (s *MemoryStore) Append(ctx context.Context, rec models.ActionRecord) (models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.lastID + 1
	s.insert(rec)
	return clone(rec), nil
}

// insert adds a record with a pre-assigned id. Callers hold s.mu.
func (s *MemoryStore) insert(rec models.ActionRecord) {
	rec.Outcome = nil
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, clone(rec))
	if rec.ID > s.lastID {
		s.lastID = rec.ID
	}
}

func (s *MemoryStore) AttachOutcome(ctx context.Context, outcome models.ActionOutcome) (models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOutcome(outcome); err != nil {
		return models.ActionRecord{}, err
	}
	return s.attach(outcome), nil
}

// checkOutcome reports whether outcome may be attached. Callers hold s.mu.
func (s *MemoryStore) checkOutcome(outcome models.ActionOutcome) error {
	idx, ok := s.byID[outcome.ActionID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrActionNotFound, outcome.ActionID)
	}
	if s.records[idx].Outcome != nil {
		return fmt.Errorf("%w: action %d", models.ErrOutcomeExists, outcome.ActionID)
	}
	return nil
}

// attach sets the outcome of a checked record. Callers hold s.mu.
func (s *MemoryStore) attach(outcome models.ActionOutcome) models.ActionRecord {
	idx := s.byID[outcome.ActionID]
	o := outcome
	s.records[idx].Outcome = &o
	return clone(s.records[idx])
}

func (s *MemoryStore) Since(ctx context.Context, since time.Time) ([]models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ActionRecord
	for _, r := range s.records {
		if !r.Timestamp.Before(since) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uint64) (models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return models.ActionRecord{}, fmt.Errorf("%w: %d", models.ErrActionNotFound, id)
	}
	return clone(s.records[idx]), nil
}

func (s *MemoryStore) Close() error { return nil }

// clone copies the slices and outcome so callers cannot mutate stored state.
func clone(r models.ActionRecord) models.ActionRecord {
	r.Decision.Executed = append([]string(nil), r.Decision.Executed...)
	r.Decision.Skipped = append([]string(nil), r.Decision.Skipped...)
	r.Result.Affected = append([]string(nil), r.Result.Affected...)
	r.Result.Failed = append([]string(nil), r.Result.Failed...)
	if r.Action.Parameters.Replicas != nil {
		v := *r.Action.Parameters.Replicas
		r.Action.Parameters.Replicas = &v
	}
	if r.Outcome != nil {
		o := *r.Outcome
		r.Outcome = &o
	}
	return r
}
