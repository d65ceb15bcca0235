package domain

import "time"

// CloseReason identifies why a position was closed.
type CloseReason string

const (
	CloseReasonTakeProfit   CloseReason = "TAKE_PROFIT"
	CloseReasonTrailingStop CloseReason = "TRAILING_STOP"
	CloseReasonStopLoss     CloseReason = "STOP_LOSS"
	CloseReasonSignal       CloseReason = "SIGNAL"
	CloseReasonShutdown     CloseReason = "SHUTDOWN"

	// CloseReasonBroker marks a close initiated on the broker side
	// (server-side SL/TP hit, margin call) observed via execution event.
	CloseReasonBroker CloseReason = "BROKER"

	// CloseReasonOrphaned marks a local position archived by reconciliation
	// because the broker no longer reports it. Its PnL is broker-unknown.
	CloseReasonOrphaned CloseReason = "ORPHANED"
)

// ClosedTrade is the append-only audit record of a closed position.
// Never mutated after insert.
type ClosedTrade struct {
	PositionID  int64
	Symbol      string
	Side        Side
	Volume      float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64

	// PnLKnown is false when the real outcome could not be determined
	// locally (orphan closes); RealizedPnL is zero in that case.
	PnLKnown bool

	CloseReason CloseReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}
