// Package lifecycle manages the order and position lifecycle: ticket
// preparation with SL/TP normalization, exit evaluation, closes with
// realized PnL, and archival of finished trades.
package lifecycle

import (
	"errors"
	"fmt"
	"math"

	"spotbot/internal/domain"
)

// ErrZeroDistance rejects a target equal to the entry price: a relative
// distance of zero would strip the position of its protective level.
var ErrZeroDistance = errors.New("lifecycle: target equals entry, zero distance")

// RelativeDistance converts an absolute target price into the broker's
// relative distance from entry, in domain.PricePrecision units. Direction
// is carried by the order side, so the distance is always positive.
// Non-finite inputs and zero distances are hard errors, never sent.
func RelativeDistance(entry, target float64) (int64, error) {
	if math.IsNaN(entry) || math.IsInf(entry, 0) || math.IsNaN(target) || math.IsInf(target, 0) {
		return 0, fmt.Errorf("lifecycle: non-finite price (entry=%v target=%v)", entry, target)
	}

	d := math.Round(math.Abs(target-entry) * domain.PricePrecision)
	if d == 0 {
		return 0, ErrZeroDistance
	}
	if d > math.MaxInt64 {
		return 0, fmt.Errorf("lifecycle: distance overflow (entry=%v target=%v)", entry, target)
	}
	return int64(d), nil
}

// NormalizeTPSL clamps take-profit and stop-loss to the broker's minimum
// distances for the symbol. Adjustment only ever moves a level further
// from entry in the safe direction: a long's TP is raised and its SL
// lowered, a short mirrored. Never closer to entry.
func NormalizeTPSL(side domain.Side, entry, tp, sl float64, meta domain.SymbolMeta) (float64, float64) {
	minTP := meta.MinTP()
	minSL := meta.MinSL()

	if side == domain.SideBuy {
		if tp-entry < minTP {
			tp = entry + minTP
		}
		if entry-sl < minSL {
			sl = entry - minSL
		}
		return tp, sl
	}

	if entry-tp < minTP {
		tp = entry - minTP
	}
	if sl-entry < minSL {
		sl = entry + minSL
	}
	return tp, sl
}
