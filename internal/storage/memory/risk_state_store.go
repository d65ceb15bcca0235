package memory

import (
	"context"
	"sync"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// RiskStateStore is an in-memory implementation of storage.RiskStateStore.
type RiskStateStore struct {
	mu   sync.RWMutex
	data map[string]*domain.RiskState // keyed by trading day
}

// NewRiskStateStore creates a new in-memory risk state store.
func NewRiskStateStore() *RiskStateStore {
	return &RiskStateStore{
		data: make(map[string]*domain.RiskState),
	}
}

// Get retrieves the risk state for a trading day.
func (s *RiskStateStore) Get(_ context.Context, day string) (*domain.RiskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.data[day]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *st
	return &copy, nil
}

// Upsert inserts or overwrites the risk state row for its trading day.
func (s *RiskStateStore) Upsert(_ context.Context, st *domain.RiskState) error {
	if st == nil || st.TradingDay == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *st
	s.data[st.TradingDay] = &copy
	return nil
}

var _ storage.RiskStateStore = (*RiskStateStore)(nil)
