package cache

import (
	"context"
	"sync"
	"time"

	"remittance_back/models"

	"github.com/sirupsen/logrus"
)

type memoryEntry struct {
	quote   models.Quote
	reads   int
	evictAt time.Time
}

// MemoryQuoteStore keeps quotes in process. Expiry is checked lazily on read and
// expired entries are dropped by Sweep once their grace period has passed.
type MemoryQuoteStore struct {
	mu       sync.Mutex
	items    map[string]*memoryEntry
	maxReads int
	grace    time.Duration
	now      func() time.Time
}

func NewMemoryQuoteStore(maxReads int, grace time.Duration) *MemoryQuoteStore {
	return &MemoryQuoteStore{
		items:    make(map[string]*memoryEntry),
		maxReads: maxReads,
		grace:    grace,
		now:      time.Now,
	}
}

// WithClock replaces the time source, used by tests.
func (s *MemoryQuoteStore) WithClock(now func() time.Time) *MemoryQuoteStore {
	s.now = now
	return s
}

func (s *MemoryQuoteStore) Put(_ context.Context, q models.Quote, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[q.ID]; ok {
		return ErrQuoteExists
	}
	s.items[q.ID] = &memoryEntry{
		quote:   q,
		evictAt: s.now().Add(ttl + s.grace),
	}
	return nil
}

func (s *MemoryQuoteStore) Get(_ context.Context, id string) (models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.items[id]
	if !ok {
		return models.Quote{}, ErrQuoteNotFound
	}
	if now.After(e.evictAt) {
		delete(s.items, id)
		return models.Quote{}, ErrQuoteNotFound
	}
	if e.quote.Expired(now) {
		return models.Quote{}, ErrQuoteExpired
	}
	e.reads++
	if s.maxReads > 0 && e.reads > s.maxReads {
		return models.Quote{}, ErrQuoteNotFound
	}
	return e.quote, nil
}

// Sweep drops entries whose grace period has passed and returns how many were removed.
func (s *MemoryQuoteStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, e := range s.items {
		if now.After(e.evictAt) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (s *MemoryQuoteStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logrus.WithField("component", "quote_store").Debugf("evicted %d quotes", n)
			}
		}
	}
}
