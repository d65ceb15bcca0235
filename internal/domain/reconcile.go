package domain

// BrokerPosition is a position as reported by the broker's authoritative
// position list.
type BrokerPosition struct {
	ID         int64
	SymbolID   int64
	Side       Side
	Volume     float64
	EntryPrice float64
}

// VolumeMismatch records a position present on both sides with differing
// volume.
type VolumeMismatch struct {
	PositionID   int64
	LocalVolume  float64
	BrokerVolume float64
}

// ReconciliationReport is the outcome of diffing local state against the
// broker's position list. Produced and consumed once per reconnect cycle.
type ReconciliationReport struct {
	// Orphaned are local position ids the broker no longer reports.
	Orphaned []int64

	// Missing are broker positions with no local counterpart.
	Missing []BrokerPosition

	// Mismatched are positions on both sides with differing volume.
	Mismatched []VolumeMismatch
}

// Empty reports whether the reconciliation found no discrepancies.
func (r ReconciliationReport) Empty() bool {
	return len(r.Orphaned) == 0 && len(r.Missing) == 0 && len(r.Mismatched) == 0
}
