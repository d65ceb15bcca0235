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

func TestClosedTradeStore_Postgres(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewClosedTradeStore(pool)
	ctx := context.Background()

	closed := time.Date(2026, 3, 2, 15, 45, 0, 0, time.UTC)
	trade := &domain.ClosedTrade{
		PositionID:  2001,
		Symbol:      "EURUSD",
		Side:        domain.SideSell,
		Volume:      0.2,
		EntryPrice:  1.08,
		ExitPrice:   1.075,
		RealizedPnL: 0.001,
		PnLKnown:    true,
		CloseReason: domain.CloseReasonTakeProfit,
		OpenedAt:    closed.Add(-2 * time.Hour),
		ClosedAt:    closed,
	}

	t.Run("insert and get", func(t *testing.T) {
		require.NoError(t, store.Insert(ctx, trade))

		got, err := store.GetByPositionID(ctx, 2001)
		require.NoError(t, err)
		require.Equal(t, domain.CloseReasonTakeProfit, got.CloseReason)
		require.True(t, got.PnLKnown)
	})

	t.Run("append only", func(t *testing.T) {
		require.ErrorIs(t, store.Insert(ctx, trade), storage.ErrDuplicateKey)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetByPositionID(ctx, 404)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("list by day", func(t *testing.T) {
		other := *trade
		other.PositionID = 2002
		other.ClosedAt = closed.AddDate(0, 0, 1)
		require.NoError(t, store.Insert(ctx, &other))

		sameDay, err := store.ListByDay(ctx, "2026-03-02")
		require.NoError(t, err)
		require.Len(t, sameDay, 1)
		require.Equal(t, int64(2001), sameDay[0].PositionID)

		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
	})
}

func TestRiskStateStore_Postgres(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewRiskStateStore(pool)
	ctx := context.Background()

	state := &domain.RiskState{
		TradingDay:        "2026-03-02",
		DailyPnL:          -47.25,
		ConsecutiveLosses: 2,
		ATRBaseline:       0.0018,
		PauseUntil:        time.Unix(0, 0).UTC(),
		UpdatedAt:         time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC),
	}

	t.Run("upsert and get", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, state))

		got, err := store.Get(ctx, "2026-03-02")
		require.NoError(t, err)
		require.Equal(t, -47.25, got.DailyPnL)
		require.Equal(t, 2, got.ConsecutiveLosses)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		state.Triggered = true
		state.PauseUntil = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.Upsert(ctx, state))

		got, err := store.Get(ctx, "2026-03-02")
		require.NoError(t, err)
		require.True(t, got.Triggered)
		require.True(t, got.PauseUntil.Equal(state.PauseUntil))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(ctx, "1999-01-01")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}
