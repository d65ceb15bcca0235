// Package risk implements the circuit breakers that gate order
// placement: daily loss limit, consecutive loss cooldown, volatility
// pause, a reconciliation hold, and the open position cap. Every state
// mutation is persisted so a restart mid-cooldown changes nothing.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// Gate denial reasons, matchable with errors.Is.
var (
	ErrDailyLossLimit     = errors.New("risk: daily loss limit reached")
	ErrLossStreakCooldown = errors.New("risk: consecutive loss cooldown active")
	ErrVolatilityPause    = errors.New("risk: volatility pause active")
	ErrPaused             = errors.New("risk: trading paused")
	ErrMaxPositions       = errors.New("risk: max open positions reached")
	ErrHeld               = errors.New("risk: gate held")
)

// EWMA smoothing factor for the volatility baseline.
const baselineAlpha = 0.1

// Options configures a Gate. Zero thresholds fall back to defaults.
type Options struct {
	Store           storage.RiskStateStore
	StartingBalance float64

	MaxDailyLossPct      float64       // default 0.05
	MaxConsecutiveLosses int           // default 3
	LossCooldown         time.Duration // default 1h
	VolatilityMultiplier float64       // default 2.0
	VolatilityPause      time.Duration // default 15m
	MaxPositions         int           // default 5

	// Clock overrides time.Now in tests.
	Clock  func() time.Time
	Logger *log.Logger
}

// Gate is the risk circuit breaker. Safe for concurrent use.
type Gate struct {
	store   storage.RiskStateStore
	balance float64

	maxDailyLossPct float64
	maxLossStreak   int
	lossCooldown    time.Duration
	volMultiplier   float64
	volPause        time.Duration
	maxPositions    int

	clock  func() time.Time
	logger *log.Logger

	mu         sync.Mutex
	state      domain.RiskState
	holdReason string
	pauseCause error
}

// NewGate creates a Gate. Call Load before trading to pick up any
// persisted counters for the current day.
func NewGate(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, errors.New("risk: store is required")
	}
	if opts.StartingBalance <= 0 {
		return nil, errors.New("risk: starting balance must be positive")
	}
	if opts.MaxDailyLossPct <= 0 {
		opts.MaxDailyLossPct = 0.05
	}
	if opts.MaxConsecutiveLosses <= 0 {
		opts.MaxConsecutiveLosses = 3
	}
	if opts.LossCooldown <= 0 {
		opts.LossCooldown = time.Hour
	}
	if opts.VolatilityMultiplier <= 0 {
		opts.VolatilityMultiplier = 2.0
	}
	if opts.VolatilityPause <= 0 {
		opts.VolatilityPause = 15 * time.Minute
	}
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Gate{
		store:           opts.Store,
		balance:         opts.StartingBalance,
		maxDailyLossPct: opts.MaxDailyLossPct,
		maxLossStreak:   opts.MaxConsecutiveLosses,
		lossCooldown:    opts.LossCooldown,
		volMultiplier:   opts.VolatilityMultiplier,
		volPause:        opts.VolatilityPause,
		maxPositions:    opts.MaxPositions,
		clock:           opts.Clock,
		logger:          opts.Logger,
	}, nil
}

// Load restores the persisted counters for the current trading day. A
// missing row starts a fresh day.
func (g *Gate) Load(ctx context.Context) error {
	day := domain.DayKey(g.clock())

	st, err := g.store.Get(ctx, day)
	if errors.Is(err, storage.ErrNotFound) {
		g.mu.Lock()
		g.state = domain.RiskState{TradingDay: day}
		g.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: load state for %s: %w", day, err)
	}

	g.mu.Lock()
	g.state = *st
	if g.clock().Before(st.PauseUntil) {
		// The specific trigger is not persisted; a reloaded pause is
		// reported generically until it expires.
		g.pauseCause = ErrPaused
	}
	g.mu.Unlock()
	return nil
}

// Check returns nil when a new order may be placed. The error names the
// active trigger.
func (g *Gate) Check(openPositions int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holdReason != "" {
		return fmt.Errorf("%w (%s)", ErrHeld, g.holdReason)
	}
	if g.state.Triggered {
		return fmt.Errorf("%w (daily pnl %.2f)", ErrDailyLossLimit, g.state.DailyPnL)
	}
	if g.clock().Before(g.state.PauseUntil) {
		cause := g.pauseCause
		if cause == nil {
			cause = ErrPaused
		}
		return fmt.Errorf("%w (until %s)", cause, g.state.PauseUntil.Format(time.RFC3339))
	}
	if openPositions >= g.maxPositions {
		return fmt.Errorf("%w (%d/%d)", ErrMaxPositions, openPositions, g.maxPositions)
	}
	return nil
}

// IsTradingAllowed reports whether Check would pass.
func (g *Gate) IsTradingAllowed(openPositions int) bool {
	return g.Check(openPositions) == nil
}

// RecordClose feeds a realized PnL into the daily counters. A loss
// extends the streak; hitting the streak threshold starts the cooldown.
// A win resets the streak. Crossing the daily loss limit trips the gate
// until ResetDaily.
func (g *Gate) RecordClose(ctx context.Context, pnl float64) error {
	g.mu.Lock()
	g.state.DailyPnL += pnl

	switch {
	case pnl < 0:
		g.state.ConsecutiveLosses++
		if g.state.ConsecutiveLosses >= g.maxLossStreak {
			g.state.PauseUntil = g.clock().Add(g.lossCooldown)
			g.pauseCause = ErrLossStreakCooldown
			g.logger.Printf("risk: %d consecutive losses, cooling down until %s",
				g.state.ConsecutiveLosses, g.state.PauseUntil.Format(time.RFC3339))
		}
	case pnl > 0:
		g.state.ConsecutiveLosses = 0
	}

	if !g.state.Triggered && g.state.DailyPnL <= -g.maxDailyLossPct*g.balance {
		g.state.Triggered = true
		g.logger.Printf("risk: daily loss limit tripped (pnl %.2f, limit %.2f)",
			g.state.DailyPnL, -g.maxDailyLossPct*g.balance)
	}
	g.mu.Unlock()

	return g.persist(ctx)
}

// ObserveVolatility feeds a volatility sample (e.g. an ATR reading) into
// the EWMA baseline. A sample spiking past the multiplier starts a short
// pause.
func (g *Gate) ObserveVolatility(ctx context.Context, v float64) error {
	if v <= 0 {
		return nil
	}

	g.mu.Lock()
	if g.state.ATRBaseline == 0 {
		g.state.ATRBaseline = v
	} else {
		if v/g.state.ATRBaseline > g.volMultiplier {
			until := g.clock().Add(g.volPause)
			if until.After(g.state.PauseUntil) {
				g.state.PauseUntil = until
				g.pauseCause = ErrVolatilityPause
			}
			g.logger.Printf("risk: volatility spike %.4f vs baseline %.4f, pausing until %s",
				v, g.state.ATRBaseline, g.state.PauseUntil.Format(time.RFC3339))
		}
		g.state.ATRBaseline = baselineAlpha*v + (1-baselineAlpha)*g.state.ATRBaseline
	}
	g.mu.Unlock()

	return g.persist(ctx)
}

// Hold closes the gate unconditionally, e.g. while reconciliation runs.
func (g *Gate) Hold(reason string) {
	g.mu.Lock()
	g.holdReason = reason
	g.mu.Unlock()
}

// Release lifts a Hold. Persistent triggers remain in effect.
func (g *Gate) Release() {
	g.mu.Lock()
	g.holdReason = ""
	g.mu.Unlock()
}

// ResetDaily rolls the counters over to a new trading day. The
// volatility baseline carries across days.
func (g *Gate) ResetDaily(ctx context.Context, day string) error {
	g.mu.Lock()
	baseline := g.state.ATRBaseline
	g.state = domain.RiskState{TradingDay: day, ATRBaseline: baseline}
	g.pauseCause = nil
	g.mu.Unlock()

	g.logger.Printf("risk: trading day rolled over to %s", day)
	return g.persist(ctx)
}

// Snapshot returns a copy of the current risk state.
func (g *Gate) Snapshot() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) persist(ctx context.Context) error {
	g.mu.Lock()
	st := g.state
	st.UpdatedAt = g.clock()
	g.state.UpdatedAt = st.UpdatedAt
	g.mu.Unlock()

	if err := g.store.Upsert(ctx, &st); err != nil {
		return fmt.Errorf("risk: persist state for %s: %w", st.TradingDay, err)
	}
	return nil
}
