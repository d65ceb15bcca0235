package domain

import "time"

// PricePrecision is the fixed scaling factor for relative SL/TP distances
// carried on the wire: one price unit equals 100000 distance units.
const PricePrecision = 100000

// SymbolMeta describes a tradable symbol as reported by the broker.
// Immutable once fetched; cached for the process lifetime.
type SymbolMeta struct {
	ID     int64
	Name   string
	Digits uint8

	// MinTPDistance and MinSLDistance are the broker-enforced minimum
	// distances between entry and TP/SL, in PricePrecision units.
	MinTPDistance int64
	MinSLDistance int64
}

// MinTP returns the minimum take-profit distance in price units.
func (m SymbolMeta) MinTP() float64 {
	return float64(m.MinTPDistance) / PricePrecision
}

// MinSL returns the minimum stop-loss distance in price units.
func (m SymbolMeta) MinSL() float64 {
	return float64(m.MinSLDistance) / PricePrecision
}

// Price is the latest bid/ask for a symbol. Overwritten in place on each
// spot event; last write wins, no history retained.
type Price struct {
	SymbolID  int64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint.
func (p Price) Mid() float64 {
	return (p.Bid + p.Ask) / 2
}
