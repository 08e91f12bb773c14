package nonce

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps records in a plain map. Consume holds the write lock for
// the whole check-and-set, which is what makes replay a strict one-winner
// race. Sweep copies the expired keys out under a read lock first so the
// table stays available to concurrent issue/consume traffic.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	totalIssued   int64
	totalConsumed int64
}

// NewMemoryStore returns the default single-process Store.
func NewMemoryStore() Store {
	return &memoryStore{records: make(map[string]*Record)}
}

func (s *memoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Value] = &rec
	s.totalIssued++
	return nil
}

func (s *memoryStore) Consume(_ context.Context, value string, now time.Time) (ConsumeStatus, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[value]
	if !ok {
		return ConsumeNotFound, Record{}, nil
	}
	if now.After(rec.ExpiresAt) {
		return ConsumeExpired, Record{}, nil
	}
	if rec.Consumed {
		return ConsumeAlreadyUsed, Record{}, nil
	}
	rec.Consumed = true
	s.totalConsumed++
	return ConsumeOK, *rec, nil
}

func (s *memoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var stale []string
	for value, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			stale = append(stale, value)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, value := range stale {
		rec, ok := s.records[value]
		if ok && now.After(rec.ExpiresAt) {
			delete(s.records, value)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active int64
	for _, rec := range s.records {
		if !rec.Consumed && !now.After(rec.ExpiresAt) {
			active++
		}
	}
	return Stats{
		Total:    s.totalIssued,
		Active:   active,
		Consumed: s.totalConsumed,
		Expired:  s.totalIssued - s.totalConsumed - active,
	}, nil
}
