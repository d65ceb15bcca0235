package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

func testPosition(id int64, openedAt time.Time) *domain.Position {
	return &domain.Position{
		ID:         id,
		SymbolID:   1,
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Volume:     0.1,
		EntryPrice: 1.07,
		StopLoss:   1.06,
		TakeProfit: 1.08,
		OpenedAt:   openedAt,
		Status:     domain.PositionOpen,
	}
}

func TestPositionStore_InsertAndGet(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	pos := testPosition(1, time.Unix(1700000000, 0).UTC())
	if err := store.Insert(ctx, pos); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, 1)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.EntryPrice != 1.07 {
		t.Errorf("EntryPrice mismatch: got %f, want %f", got.EntryPrice, 1.07)
	}

	// Mutating the returned copy must not affect the store.
	got.Volume = 99
	again, _ := store.GetByID(ctx, 1)
	if again.Volume != 0.1 {
		t.Errorf("store leaked internal pointer: Volume = %f", again.Volume)
	}
}

func TestPositionStore_DuplicateKey(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	pos := testPosition(1, time.Unix(1700000000, 0).UTC())
	if err := store.Insert(ctx, pos); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.Insert(ctx, pos)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestPositionStore_UpdateAndDelete(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	pos := testPosition(1, time.Unix(1700000000, 0).UTC())
	if err := store.Insert(ctx, pos); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	pos.Status = domain.PositionClosing
	pos.TrailingStop = 1.065
	if err := store.Update(ctx, pos); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.GetByID(ctx, 1)
	if got.Status != domain.PositionClosing || got.TrailingStop != 1.065 {
		t.Errorf("Update not applied: %+v", got)
	}

	if err := store.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := store.GetByID(ctx, 1)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestPositionStore_UpdateMissing(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	err := store.Update(ctx, testPosition(5, time.Unix(1700000000, 0).UTC()))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	err = store.Delete(ctx, 5)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPositionStore_ListOpenOrdered(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	base := time.Unix(1700000000, 0).UTC()
	for _, p := range []*domain.Position{
		testPosition(3, base.Add(2*time.Second)),
		testPosition(1, base),
		testPosition(2, base.Add(time.Second)),
	} {
		if err := store.Insert(ctx, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 positions, got %d", len(got))
	}
	for i, wantID := range []int64{1, 2, 3} {
		if got[i].ID != wantID {
			t.Errorf("position %d: got id %d, want %d", i, got[i].ID, wantID)
		}
	}
}
