package domain

import "time"

// Side is the direction of a position or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells, the multiplier applied to
// price moves when computing PnL.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionOpen PositionStatus = "OPEN"

	// PositionClosing marks a position whose close request is in flight.
	// A second close attempt on a CLOSING position is a no-op.
	PositionClosing PositionStatus = "CLOSING"

	PositionClosed PositionStatus = "CLOSED"
)

// Position is an open (or closing) position keyed by the broker's id.
// The broker is authoritative for id, volume and entry price; stop loss,
// take profit and the trailing flag are local management state.
type Position struct {
	ID       int64
	SymbolID int64
	Symbol   string
	Side     Side
	Volume   float64

	EntryPrice float64
	StopLoss   float64
	TakeProfit float64

	// TrailingStop is the current tighten-only trailing stop level.
	// Zero means trailing is disabled for this position.
	TrailingStop float64

	Label    string
	OpenedAt time.Time
	Status   PositionStatus
}
