package domain

// Signal is the abstract intent emitted by the external strategy.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// OrderTicket is a fully prepared market order ready for transmission.
//
// For immediate-execution orders the broker rejects absolute SL/TP values,
// so only the relative distances (PricePrecision units from entry) are ever
// sent; the absolute fields exist for local bookkeeping only.
type OrderTicket struct {
	SymbolID int64
	Side     Side
	Volume   float64

	AbsoluteStopLoss   float64
	AbsoluteTakeProfit float64

	RelativeStopLoss   int64
	RelativeTakeProfit int64

	ClientLabel string
}
