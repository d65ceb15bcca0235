package lifecycle

import (
	"errors"
	"math"
	"testing"

	"spotbot/internal/domain"
)

func TestRelativeDistanceScaling(t *testing.T) {
	// entry 4200 with TP 4300 and SL 4100: both legs are 100 price units
	// from entry, i.e. 10,000,000 in precision units.
	tp, err := RelativeDistance(4200, 4300)
	if err != nil {
		t.Fatalf("RelativeDistance(4200, 4300): %v", err)
	}
	sl, err := RelativeDistance(4200, 4100)
	if err != nil {
		t.Fatalf("RelativeDistance(4200, 4100): %v", err)
	}
	if tp != 10_000_000 || sl != 10_000_000 {
		t.Errorf("distances = %d, %d, want 10000000, 10000000", tp, sl)
	}
}

func TestRelativeDistanceRejectsZero(t *testing.T) {
	if _, err := RelativeDistance(1.065, 1.065); !errors.Is(err, ErrZeroDistance) {
		t.Errorf("equal prices: err = %v, want ErrZeroDistance", err)
	}
	// Sub-precision difference rounds to zero distance.
	if _, err := RelativeDistance(1.065, 1.065+1e-9); !errors.Is(err, ErrZeroDistance) {
		t.Errorf("sub-precision difference: err = %v, want ErrZeroDistance", err)
	}
}

func TestRelativeDistanceRejectsNonFinite(t *testing.T) {
	for _, c := range []struct{ entry, target float64 }{
		{math.NaN(), 100},
		{100, math.NaN()},
		{math.Inf(1), 100},
		{100, math.Inf(-1)},
	} {
		if _, err := RelativeDistance(c.entry, c.target); err == nil {
			t.Errorf("RelativeDistance(%v, %v) accepted non-finite input", c.entry, c.target)
		}
	}
}

func TestNormalizeTPSLClampsLong(t *testing.T) {
	meta := domain.SymbolMeta{MinTPDistance: 100_000, MinSLDistance: 50_000} // 1.0 and 0.5 price units

	tp, sl := NormalizeTPSL(domain.SideBuy, 100, 100.2, 99.9, meta)
	if tp != 101 {
		t.Errorf("tp = %v, want 101 (raised to min distance)", tp)
	}
	if sl != 99.5 {
		t.Errorf("sl = %v, want 99.5 (lowered to min distance)", sl)
	}

	// Already beyond the minimums: untouched.
	tp, sl = NormalizeTPSL(domain.SideBuy, 100, 104, 98, meta)
	if tp != 104 || sl != 98 {
		t.Errorf("tp, sl = %v, %v, want 104, 98 unchanged", tp, sl)
	}
}

func TestNormalizeTPSLClampsShort(t *testing.T) {
	meta := domain.SymbolMeta{MinTPDistance: 100_000, MinSLDistance: 50_000}

	tp, sl := NormalizeTPSL(domain.SideSell, 100, 99.8, 100.1, meta)
	if tp != 99 {
		t.Errorf("tp = %v, want 99 (lowered to min distance)", tp)
	}
	if sl != 100.5 {
		t.Errorf("sl = %v, want 100.5 (raised to min distance)", sl)
	}
}

func TestNormalizeTPSLOnlyMovesAwayFromEntry(t *testing.T) {
	meta := domain.SymbolMeta{MinTPDistance: 100_000, MinSLDistance: 100_000}

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		entry := 500.0
		rawTP, rawSL := 500.3, 499.7
		if side == domain.SideSell {
			rawTP, rawSL = 499.7, 500.3
		}
		tp, sl := NormalizeTPSL(side, entry, rawTP, rawSL, meta)

		if math.Abs(tp-entry) < meta.MinTP() {
			t.Errorf("%s: tp %v closer than min distance", side, tp)
		}
		if math.Abs(sl-entry) < meta.MinSL() {
			t.Errorf("%s: sl %v closer than min distance", side, sl)
		}
		if math.Abs(tp-entry) < math.Abs(rawTP-entry) || math.Abs(sl-entry) < math.Abs(rawSL-entry) {
			t.Errorf("%s: normalization moved a level toward entry", side)
		}
	}
}
