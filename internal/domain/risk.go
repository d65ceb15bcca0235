package domain

import "time"

// RiskState holds the daily risk counters gating trade execution.
// One row per trading day; persisted on every mutation so a crash
// mid-cooldown does not erase a pause or reset loss counters.
type RiskState struct {
	TradingDay        string // YYYY-MM-DD, UTC
	DailyPnL          float64
	ConsecutiveLosses int
	Triggered         bool
	PauseUntil        time.Time
	ATRBaseline       float64
	UpdatedAt         time.Time
}

// DayKey formats t as a trading-day key in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
