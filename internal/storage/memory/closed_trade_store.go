package memory

import (
	"context"
	"sort"
	"sync"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// ClosedTradeStore is an in-memory implementation of storage.ClosedTradeStore.
type ClosedTradeStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.ClosedTrade // keyed by position id
}

// NewClosedTradeStore creates a new in-memory closed trade store.
func NewClosedTradeStore() *ClosedTradeStore {
	return &ClosedTradeStore{
		data: make(map[int64]*domain.ClosedTrade),
	}
}

// Insert appends a closed trade. Returns ErrDuplicateKey if a record for
// the same position id already exists.
func (s *ClosedTradeStore) Insert(_ context.Context, t *domain.ClosedTrade) error {
	if t == nil || t.PositionID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.PositionID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *t
	s.data[t.PositionID] = &copy
	return nil
}

// GetByPositionID retrieves the close record for a position.
func (s *ClosedTradeStore) GetByPositionID(_ context.Context, positionID int64) (*domain.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[positionID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *t
	return &copy, nil
}

// ListByDay retrieves all trades closed on the given trading day.
func (s *ClosedTradeStore) ListByDay(_ context.Context, day string) ([]*domain.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ClosedTrade
	for _, t := range s.data {
		if domain.DayKey(t.ClosedAt) == day {
			copy := *t
			result = append(result, &copy)
		}
	}

	sortByClosedAt(result)
	return result, nil
}

// ListAll retrieves every closed trade ordered by closed_at ASC.
func (s *ClosedTradeStore) ListAll(_ context.Context) ([]*domain.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ClosedTrade
	for _, t := range s.data {
		copy := *t
		result = append(result, &copy)
	}

	sortByClosedAt(result)
	return result, nil
}

func sortByClosedAt(trades []*domain.ClosedTrade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].ClosedAt.Equal(trades[j].ClosedAt) {
			return trades[i].PositionID < trades[j].PositionID
		}
		return trades[i].ClosedAt.Before(trades[j].ClosedAt)
	})
}

var _ storage.ClosedTradeStore = (*ClosedTradeStore)(nil)
