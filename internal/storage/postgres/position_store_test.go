package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
	"spotbot/internal/storage/postgres"
)

func TestPositionStore_Postgres(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewPositionStore(pool)
	ctx := context.Background()

	opened := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	pos := &domain.Position{
		ID:         1001,
		SymbolID:   1,
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Volume:     0.1,
		EntryPrice: 1.07,
		StopLoss:   1.06,
		TakeProfit: 1.08,
		Label:      "lbl-1001",
		OpenedAt:   opened,
		Status:     domain.PositionOpen,
	}

	t.Run("insert and get", func(t *testing.T) {
		require.NoError(t, store.Insert(ctx, pos))

		got, err := store.GetByID(ctx, 1001)
		require.NoError(t, err)
		require.Equal(t, domain.SideBuy, got.Side)
		require.Equal(t, 1.07, got.EntryPrice)
		require.True(t, got.OpenedAt.Equal(opened))
	})

	t.Run("duplicate insert", func(t *testing.T) {
		err := store.Insert(ctx, pos)
		require.ErrorIs(t, err, storage.ErrDuplicateKey)
	})

	t.Run("update", func(t *testing.T) {
		pos.Status = domain.PositionClosing
		pos.TrailingStop = 1.072
		require.NoError(t, store.Update(ctx, pos))

		got, err := store.GetByID(ctx, 1001)
		require.NoError(t, err)
		require.Equal(t, domain.PositionClosing, got.Status)
		require.Equal(t, 1.072, got.TrailingStop)
	})

	t.Run("list open ordered", func(t *testing.T) {
		second := *pos
		second.ID = 1000
		second.OpenedAt = opened.Add(-time.Hour)
		require.NoError(t, store.Insert(ctx, &second))

		list, err := store.ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, int64(1000), list[0].ID)
		require.Equal(t, int64(1001), list[1].ID)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, 1001))

		_, err := store.GetByID(ctx, 1001)
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.ErrorIs(t, store.Delete(ctx, 1001), storage.ErrNotFound)
		require.ErrorIs(t, store.Update(ctx, pos), storage.ErrNotFound)
	})
}
