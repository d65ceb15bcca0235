package storage

import (
	"context"

	"spotbot/internal/domain"
)

// PositionStore provides access to the open-positions table. One row per
// live position; rows are deleted when the position is archived. Callers
// must serialize writes per position id (one logical writer at a time).
type PositionStore interface {
	// Insert adds a new open position. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, p *domain.Position) error

	// Update overwrites an existing position. Returns ErrNotFound if the id
	// does not exist.
	Update(ctx context.Context, p *domain.Position) error

	// Delete removes a position row. Returns ErrNotFound if the id does not exist.
	Delete(ctx context.Context, id int64) error

	// GetByID retrieves a position by id. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.Position, error)

	// ListOpen retrieves all stored positions ordered by opened_at ASC.
	// Runs once at startup before any trading activity.
	ListOpen(ctx context.Context) ([]*domain.Position, error)
}

// ClosedTradeStore provides access to the append-only closed-trades audit
// log. Records are never mutated after insert.
type ClosedTradeStore interface {
	// Insert appends a closed trade. Returns ErrDuplicateKey if a record
	// for the same position id already exists.
	Insert(ctx context.Context, t *domain.ClosedTrade) error

	// GetByPositionID retrieves the close record for a position.
	// Returns ErrNotFound if not exists.
	GetByPositionID(ctx context.Context, positionID int64) (*domain.ClosedTrade, error)

	// ListByDay retrieves all trades closed on the given trading day
	// (YYYY-MM-DD, UTC), ordered by closed_at ASC.
	ListByDay(ctx context.Context, day string) ([]*domain.ClosedTrade, error)

	// ListAll retrieves every closed trade ordered by closed_at ASC.
	ListAll(ctx context.Context) ([]*domain.ClosedTrade, error)
}

// RiskStateStore provides access to the daily risk counters, keyed by
// trading day.
type RiskStateStore interface {
	// Get retrieves the risk state for a trading day. Returns ErrNotFound
	// if no row exists for that day.
	Get(ctx context.Context, day string) (*domain.RiskState, error)

	// Upsert inserts or overwrites the risk state row for its trading day.
	Upsert(ctx context.Context, s *domain.RiskState) error
}
