package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

func TestRiskStateStore_UpsertAndGet(t *testing.T) {
	store := NewRiskStateStore()
	ctx := context.Background()

	state := &domain.RiskState{
		TradingDay:        "2026-03-02",
		DailyPnL:          -120.5,
		ConsecutiveLosses: 2,
		ATRBaseline:       0.0021,
		UpdatedAt:         time.Unix(1700000000, 0).UTC(),
	}

	if err := store.Upsert(ctx, state); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DailyPnL != -120.5 || got.ConsecutiveLosses != 2 {
		t.Errorf("State mismatch: %+v", got)
	}
}

func TestRiskStateStore_UpsertOverwrites(t *testing.T) {
	store := NewRiskStateStore()
	ctx := context.Background()

	state := &domain.RiskState{TradingDay: "2026-03-02", ConsecutiveLosses: 1}
	if err := store.Upsert(ctx, state); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	state.ConsecutiveLosses = 3
	state.Triggered = true
	state.PauseUntil = time.Unix(1800000000, 0).UTC()
	if err := store.Upsert(ctx, state); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	got, _ := store.Get(ctx, "2026-03-02")
	if !got.Triggered || got.ConsecutiveLosses != 3 {
		t.Errorf("Overwrite not applied: %+v", got)
	}
}

func TestRiskStateStore_NotFound(t *testing.T) {
	store := NewRiskStateStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "1999-01-01")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRiskStateStore_InvalidInput(t *testing.T) {
	store := NewRiskStateStore()
	ctx := context.Background()

	if err := store.Upsert(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}
	if err := store.Upsert(ctx, &domain.RiskState{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty day, got %v", err)
	}
}
