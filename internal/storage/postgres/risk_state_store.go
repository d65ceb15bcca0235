package postgres

import (
	"context"
	"fmt"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// RiskStateStore implements storage.RiskStateStore using PostgreSQL.
type RiskStateStore struct {
	pool *Pool
}

// NewRiskStateStore creates a new RiskStateStore.
func NewRiskStateStore(pool *Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RiskStateStore = (*RiskStateStore)(nil)

// Get retrieves the risk state for a trading day.
func (s *RiskStateStore) Get(ctx context.Context, day string) (_ *domain.RiskState, err error) {
	defer func(start time.Time) { track("risk_state_get", start, err) }(time.Now())

	query := `
		SELECT trading_day, daily_pnl, consecutive_losses, triggered,
		       pause_until, atr_baseline, updated_at
		FROM risk_states
		WHERE trading_day = $1
	`

	var st domain.RiskState
	err = s.pool.QueryRow(ctx, query, day).Scan(
		&st.TradingDay, &st.DailyPnL, &st.ConsecutiveLosses, &st.Triggered,
		&st.PauseUntil, &st.ATRBaseline, &st.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get risk state: %w", err)
	}
	return &st, nil
}

// Upsert inserts or overwrites the risk state row for its trading day.
func (s *RiskStateStore) Upsert(ctx context.Context, st *domain.RiskState) (err error) {
	defer func(start time.Time) { track("risk_state_upsert", start, err) }(time.Now())

	if st == nil || st.TradingDay == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO risk_states (
			trading_day, daily_pnl, consecutive_losses, triggered,
			pause_until, atr_baseline, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trading_day) DO UPDATE SET
			daily_pnl = EXCLUDED.daily_pnl,
			consecutive_losses = EXCLUDED.consecutive_losses,
			triggered = EXCLUDED.triggered,
			pause_until = EXCLUDED.pause_until,
			atr_baseline = EXCLUDED.atr_baseline,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.pool.Exec(ctx, query,
		st.TradingDay, st.DailyPnL, st.ConsecutiveLosses, st.Triggered,
		st.PauseUntil, st.ATRBaseline, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert risk state: %w", err)
	}
	return nil
}
