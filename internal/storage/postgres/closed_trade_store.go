package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// ClosedTradeStore implements storage.ClosedTradeStore using PostgreSQL.
// The closed_trades table is append-only; there is no update path.
type ClosedTradeStore struct {
	pool *Pool
}

// NewClosedTradeStore creates a new ClosedTradeStore.
func NewClosedTradeStore(pool *Pool) *ClosedTradeStore {
	return &ClosedTradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ClosedTradeStore = (*ClosedTradeStore)(nil)

const closedTradeColumns = `
	position_id, symbol, side, volume, entry_price, exit_price,
	realized_pnl, pnl_known, close_reason, opened_at, closed_at
`

// Insert appends a closed trade. Returns ErrDuplicateKey if a record for
// the same position id already exists.
func (s *ClosedTradeStore) Insert(ctx context.Context, t *domain.ClosedTrade) (err error) {
	defer func(start time.Time) { track("trade_insert", start, err) }(time.Now())

	query := `
		INSERT INTO closed_trades (` + closedTradeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.pool.Exec(ctx, query,
		t.PositionID, t.Symbol, string(t.Side), t.Volume, t.EntryPrice, t.ExitPrice,
		t.RealizedPnL, t.PnLKnown, string(t.CloseReason), t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert closed trade: %w", err)
	}
	return nil
}

// GetByPositionID retrieves the close record for a position.
func (s *ClosedTradeStore) GetByPositionID(ctx context.Context, positionID int64) (_ *domain.ClosedTrade, err error) {
	defer func(start time.Time) { track("trade_get", start, err) }(time.Now())

	query := `SELECT ` + closedTradeColumns + ` FROM closed_trades WHERE position_id = $1`

	t, err := scanClosedTrade(s.pool.QueryRow(ctx, query, positionID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get closed trade by position id: %w", err)
	}
	return t, nil
}

// ListByDay retrieves all trades closed on the given trading day.
func (s *ClosedTradeStore) ListByDay(ctx context.Context, day string) (_ []*domain.ClosedTrade, err error) {
	defer func(start time.Time) { track("trade_list_day", start, err) }(time.Now())

	query := `
		SELECT ` + closedTradeColumns + `
		FROM closed_trades
		WHERE to_char(closed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') = $1
		ORDER BY closed_at ASC, position_id ASC
	`

	rows, err := s.pool.Query(ctx, query, day)
	if err != nil {
		return nil, fmt.Errorf("list closed trades by day: %w", err)
	}
	defer rows.Close()

	return scanClosedTrades(rows)
}

// ListAll retrieves every closed trade ordered by closed_at ASC.
func (s *ClosedTradeStore) ListAll(ctx context.Context) (_ []*domain.ClosedTrade, err error) {
	defer func(start time.Time) { track("trade_list_all", start, err) }(time.Now())

	query := `
		SELECT ` + closedTradeColumns + `
		FROM closed_trades
		ORDER BY closed_at ASC, position_id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all closed trades: %w", err)
	}
	defer rows.Close()

	return scanClosedTrades(rows)
}

// scanClosedTrade scans a single row into a ClosedTrade.
func scanClosedTrade(row pgx.Row) (*domain.ClosedTrade, error) {
	var t domain.ClosedTrade
	var side, reason string

	err := row.Scan(
		&t.PositionID, &t.Symbol, &side, &t.Volume, &t.EntryPrice, &t.ExitPrice,
		&t.RealizedPnL, &t.PnLKnown, &reason, &t.OpenedAt, &t.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Side = domain.Side(side)
	t.CloseReason = domain.CloseReason(reason)
	return &t, nil
}

// scanClosedTrades scans multiple rows into a slice of ClosedTrade.
func scanClosedTrades(rows pgx.Rows) ([]*domain.ClosedTrade, error) {
	var trades []*domain.ClosedTrade

	for rows.Next() {
		var t domain.ClosedTrade
		var side, reason string

		err := rows.Scan(
			&t.PositionID, &t.Symbol, &side, &t.Volume, &t.EntryPrice, &t.ExitPrice,
			&t.RealizedPnL, &t.PnLKnown, &reason, &t.OpenedAt, &t.ClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan closed trade row: %w", err)
		}

		t.Side = domain.Side(side)
		t.CloseReason = domain.CloseReason(reason)
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate closed trade rows: %w", err)
	}

	return trades, nil
}
