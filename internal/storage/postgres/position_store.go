package postgres

import (
	"context"
	"fmt"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	id, symbol_id, symbol, side, volume, entry_price,
	stop_loss, take_profit, trailing_stop, label, opened_at, status
`

// Insert adds a new open position. Returns ErrDuplicateKey if the id exists.
func (s *PositionStore) Insert(ctx context.Context, p *domain.Position) (err error) {
	defer func(start time.Time) { track("position_insert", start, err) }(time.Now())

	query := `
		INSERT INTO open_positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.SymbolID, p.Symbol, string(p.Side), p.Volume, p.EntryPrice,
		p.StopLoss, p.TakeProfit, p.TrailingStop, p.Label, p.OpenedAt, string(p.Status),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// Update overwrites an existing position. Returns ErrNotFound if not exists.
func (s *PositionStore) Update(ctx context.Context, p *domain.Position) (err error) {
	defer func(start time.Time) { track("position_update", start, err) }(time.Now())

	query := `
		UPDATE open_positions
		SET symbol_id = $2, symbol = $3, side = $4, volume = $5, entry_price = $6,
		    stop_loss = $7, take_profit = $8, trailing_stop = $9, label = $10,
		    opened_at = $11, status = $12
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.SymbolID, p.Symbol, string(p.Side), p.Volume, p.EntryPrice,
		p.StopLoss, p.TakeProfit, p.TrailingStop, p.Label, p.OpenedAt, string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a position row. Returns ErrNotFound if not exists.
func (s *PositionStore) Delete(ctx context.Context, id int64) (err error) {
	defer func(start time.Time) { track("position_delete", start, err) }(time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM open_positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a position by id. Returns ErrNotFound if not exists.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (_ *domain.Position, err error) {
	defer func(start time.Time) { track("position_get", start, err) }(time.Now())

	query := `SELECT ` + positionColumns + ` FROM open_positions WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)

	var p domain.Position
	var side, status string
	err = row.Scan(
		&p.ID, &p.SymbolID, &p.Symbol, &side, &p.Volume, &p.EntryPrice,
		&p.StopLoss, &p.TakeProfit, &p.TrailingStop, &p.Label, &p.OpenedAt, &status,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position by id: %w", err)
	}

	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return &p, nil
}

// ListOpen retrieves all stored positions ordered by opened_at ASC.
func (s *PositionStore) ListOpen(ctx context.Context) (_ []*domain.Position, err error) {
	defer func(start time.Time) { track("position_list_open", start, err) }(time.Now())

	query := `SELECT ` + positionColumns + ` FROM open_positions ORDER BY opened_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Position
	for rows.Next() {
		var p domain.Position
		var side, status string
		err := rows.Scan(
			&p.ID, &p.SymbolID, &p.Symbol, &side, &p.Volume, &p.EntryPrice,
			&p.StopLoss, &p.TakeProfit, &p.TrailingStop, &p.Label, &p.OpenedAt, &status,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}
		p.Side = domain.Side(side)
		p.Status = domain.PositionStatus(status)
		result = append(result, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}

	return result, nil
}
