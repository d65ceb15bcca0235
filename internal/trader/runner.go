// Package trader runs the steady-state loop: spot-driven exit checks,
// periodic strategy polling, day rollover and shutdown handling.
package trader

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/lifecycle"
	"spotbot/internal/observability"
	"spotbot/internal/risk"
	"spotbot/internal/session"
	"spotbot/internal/wire"
)

// SignalSource produces trading intents. HOLD means no action.
type SignalSource interface {
	Next(ctx context.Context) domain.Signal
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func(ctx context.Context) domain.Signal

// Next implements SignalSource.
func (f SignalFunc) Next(ctx context.Context) domain.Signal { return f(ctx) }

// Connection is the session surface the runner consumes.
type Connection interface {
	SpotUpdates() <-chan domain.Price
	Executions() <-chan *wire.ExecutionEvent
	Fatal() <-chan error
	State() session.State
}

// Positions is the lifecycle surface the runner drives.
type Positions interface {
	PlaceOrder(ctx context.Context, sig domain.Signal) (*domain.Position, error)
	CheckExits(ctx context.Context, pos *domain.Position, price domain.Price) (domain.CloseReason, bool)
	ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) (*domain.ClosedTrade, error)
	HandleExecution(ctx context.Context, evt *wire.ExecutionEvent) error
	OpenPositions() []*domain.Position
	OpenCount() int
}

// Gate is the risk surface the runner drives.
type Gate interface {
	ResetDaily(ctx context.Context, day string) error
	ObserveVolatility(ctx context.Context, v float64) error
	Snapshot() domain.RiskState
}

// Options configures a Runner.
type Options struct {
	Session Connection
	Manager Positions
	Gate    Gate
	Signals SignalSource

	// SignalInterval is how often the strategy is polled.
	SignalInterval time.Duration // default 30s

	// VolatilityInterval batches spot-derived volatility samples into
	// the risk gate.
	VolatilityInterval time.Duration // default 1m

	// RolloverInterval is how often the trading-day boundary is checked.
	RolloverInterval time.Duration // default 30s

	// CloseOnExit closes every open position at market during shutdown.
	CloseOnExit bool

	Clock  func() time.Time
	Logger *log.Logger
}

// Runner is the steady-state event loop.
type Runner struct {
	session Connection
	manager Positions
	gate    Gate
	signals SignalSource

	signalInterval   time.Duration
	volInterval      time.Duration
	rolloverInterval time.Duration
	closeOnExit      bool

	clock  func() time.Time
	logger *log.Logger

	currentDay string
	lastMid    map[int64]float64
	volMax     float64
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Session == nil || opts.Manager == nil || opts.Gate == nil || opts.Signals == nil {
		return nil, errors.New("trader: session, manager, gate and signals are required")
	}
	if opts.SignalInterval <= 0 {
		opts.SignalInterval = 30 * time.Second
	}
	if opts.VolatilityInterval <= 0 {
		opts.VolatilityInterval = time.Minute
	}
	if opts.RolloverInterval <= 0 {
		opts.RolloverInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Runner{
		session:          opts.Session,
		manager:          opts.Manager,
		gate:             opts.Gate,
		signals:          opts.Signals,
		signalInterval:   opts.SignalInterval,
		volInterval:      opts.VolatilityInterval,
		rolloverInterval: opts.RolloverInterval,
		closeOnExit:      opts.CloseOnExit,
		clock:            opts.Clock,
		logger:           opts.Logger,
		lastMid:          make(map[int64]float64),
	}, nil
}

// Run drives the loop until ctx is cancelled or the session goes fatal.
// Cancellation is the graceful path: in-flight persistence completes and
// the loop drains, in-flight network requests are abandoned.
func (r *Runner) Run(ctx context.Context) error {
	r.currentDay = domain.DayKey(r.clock())

	signalTicker := time.NewTicker(r.signalInterval)
	defer signalTicker.Stop()
	volTicker := time.NewTicker(r.volInterval)
	defer volTicker.Stop()
	dayTicker := time.NewTicker(r.rolloverInterval)
	defer dayTicker.Stop()

	r.logger.Printf("trader: running (day %s)", r.currentDay)
	for {
		select {
		case <-ctx.Done():
			return r.shutdown()

		case err := <-r.session.Fatal():
			return err

		case p := <-r.session.SpotUpdates():
			r.handleSpot(ctx, p)

		case evt := <-r.session.Executions():
			if err := r.manager.HandleExecution(ctx, evt); err != nil {
				r.logger.Printf("trader: handle execution for %d: %v", evt.PositionID, err)
			}

		case <-signalTicker.C:
			r.pollSignal(ctx)

		case <-volTicker.C:
			r.flushVolatility(ctx)

		case <-dayTicker.C:
			r.maybeRollover(ctx)
		}

		observability.UpdateOpenPositions(r.manager.OpenCount())
		observability.UpdateSessionState(int(r.session.State()))
		st := r.gate.Snapshot()
		observability.UpdateDailyPnL(st.DailyPnL, st.Triggered)
	}
}

// handleSpot runs exit checks for every open position on the symbol and
// feeds the volatility sampler.
func (r *Runner) handleSpot(ctx context.Context, p domain.Price) {
	if r.session.State() == session.StateReady {
		for _, pos := range r.manager.OpenPositions() {
			if pos.SymbolID != p.SymbolID {
				continue
			}
			reason, exit := r.manager.CheckExits(ctx, pos, p)
			if !exit {
				continue
			}
			trade, err := r.manager.ClosePosition(ctx, pos, reason)
			if err != nil {
				r.logger.Printf("trader: close %d (%s): %v", pos.ID, reason, err)
				continue
			}
			if trade != nil {
				observability.RecordTradeClosed(string(reason), trade.RealizedPnL)
			}
		}
	}

	mid := p.Mid()
	if last := r.lastMid[p.SymbolID]; last > 0 && mid > 0 {
		move := math.Abs(mid-last) / last
		if move > r.volMax {
			r.volMax = move
		}
	}
	r.lastMid[p.SymbolID] = mid
}

func (r *Runner) pollSignal(ctx context.Context) {
	if r.session.State() != session.StateReady {
		return
	}

	sig := r.signals.Next(ctx)
	if sig == domain.SignalHold || sig == "" {
		return
	}

	pos, err := r.manager.PlaceOrder(ctx, sig)
	if err != nil {
		if trigger, denied := riskTrigger(err); denied {
			observability.RecordRiskDenial(trigger)
			r.logger.Printf("trader: %s signal denied: %v", sig, err)
			return
		}
		observability.RecordOrderFailure(failureReason(err))
		r.logger.Printf("trader: place order for %s signal: %v", sig, err)
		return
	}
	observability.RecordOrderPlaced(string(pos.Side))
}

func (r *Runner) flushVolatility(ctx context.Context) {
	if r.volMax <= 0 {
		return
	}
	if err := r.gate.ObserveVolatility(ctx, r.volMax); err != nil {
		r.logger.Printf("trader: observe volatility: %v", err)
	}
	r.volMax = 0
}

func (r *Runner) maybeRollover(ctx context.Context) {
	day := domain.DayKey(r.clock())
	if day == r.currentDay {
		return
	}
	if err := r.gate.ResetDaily(ctx, day); err != nil {
		r.logger.Printf("trader: reset trading day: %v", err)
		return
	}
	r.currentDay = day
}

// shutdown optionally flattens the book, then returns.
func (r *Runner) shutdown() error {
	if !r.closeOnExit {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, pos := range r.manager.OpenPositions() {
		trade, err := r.manager.ClosePosition(ctx, pos, domain.CloseReasonShutdown)
		if err != nil {
			r.logger.Printf("trader: shutdown close %d: %v", pos.ID, err)
			continue
		}
		if trade != nil {
			observability.RecordTradeClosed(string(domain.CloseReasonShutdown), trade.RealizedPnL)
		}
	}
	return nil
}

func riskTrigger(err error) (string, bool) {
	switch {
	case errors.Is(err, risk.ErrDailyLossLimit):
		return "daily_loss", true
	case errors.Is(err, risk.ErrLossStreakCooldown):
		return "loss_streak", true
	case errors.Is(err, risk.ErrVolatilityPause):
		return "volatility", true
	case errors.Is(err, risk.ErrMaxPositions):
		return "max_positions", true
	case errors.Is(err, risk.ErrHeld):
		return "held", true
	case errors.Is(err, risk.ErrPaused):
		return "paused", true
	default:
		return "", false
	}
}

func failureReason(err error) string {
	var rejected *lifecycle.OrderRejectedError
	switch {
	case errors.As(err, &rejected):
		return "broker_rejected"
	case errors.Is(err, lifecycle.ErrNoPrice):
		return "no_price"
	case errors.Is(err, lifecycle.ErrOrderInFlight):
		return "in_flight"
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrDisconnected):
		return "disconnected"
	default:
		return "other"
	}
}
