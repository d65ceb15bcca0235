package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
	"spotbot/internal/wire"
)

// Broker is the session surface the manager needs. Satisfied by
// *session.Session; faked in tests.
type Broker interface {
	SendAndAwait(ctx context.Context, p wire.Payload, timeout time.Duration) (wire.Payload, error)
	CurrentPrice(symbolID int64) (domain.Price, bool)
}

// RiskGate gates order placement and consumes close outcomes.
type RiskGate interface {
	// Check returns nil when trading is allowed given the current open
	// position count. The returned error names the active trigger.
	Check(openPositions int) error

	// RecordClose feeds a realized PnL into the daily counters.
	RecordClose(ctx context.Context, pnl float64) error
}

// Lifecycle errors.
var (
	ErrNoPrice       = errors.New("lifecycle: no cached price for symbol")
	ErrOrderInFlight = errors.New("lifecycle: an order for this symbol is already in flight")
	ErrNotActionable = errors.New("lifecycle: signal is not actionable")
)

// OrderRejectedError reports a broker-side order rejection.
type OrderRejectedError struct {
	Label  string
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("lifecycle: order %s rejected by broker: %s", e.Label, e.Reason)
}

// Options configures a Manager for one symbol.
type Options struct {
	Broker    Broker
	Positions storage.PositionStore
	Trades    storage.ClosedTradeStore
	Gate      RiskGate

	Symbol domain.SymbolMeta
	Volume float64

	// StopLossPct and TakeProfitPct are fractions of the entry price,
	// e.g. 0.02 places the stop 2% from entry.
	StopLossPct   float64
	TakeProfitPct float64

	// TrailingPct enables the tighten-only trailing stop when > 0.
	TrailingPct float64

	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Manager owns the order and position lifecycle for one symbol. It keeps
// an in-memory view of open positions backed by the position store; one
// logical writer mutates a given position at a time.
type Manager struct {
	broker    Broker
	positions storage.PositionStore
	trades    storage.ClosedTradeStore
	gate      RiskGate

	symbol   domain.SymbolMeta
	volume   float64
	slPct    float64
	tpPct    float64
	trailPct float64

	reqTimeout time.Duration
	logger     *log.Logger

	mu       sync.Mutex
	open     map[int64]*domain.Position
	inFlight bool
}

// New creates a Manager. Call LoadOpen before trading to hydrate the
// in-memory view from the store.
func New(opts Options) (*Manager, error) {
	if opts.Broker == nil || opts.Positions == nil || opts.Trades == nil || opts.Gate == nil {
		return nil, errors.New("lifecycle: broker, stores and gate are required")
	}
	if opts.Volume <= 0 {
		return nil, errors.New("lifecycle: volume must be positive")
	}
	if opts.StopLossPct <= 0 || opts.TakeProfitPct <= 0 {
		return nil, errors.New("lifecycle: stop-loss and take-profit percentages must be positive")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Manager{
		broker:     opts.Broker,
		positions:  opts.Positions,
		trades:     opts.Trades,
		gate:       opts.Gate,
		symbol:     opts.Symbol,
		volume:     opts.Volume,
		slPct:      opts.StopLossPct,
		tpPct:      opts.TakeProfitPct,
		trailPct:   opts.TrailingPct,
		reqTimeout: opts.RequestTimeout,
		logger:     opts.Logger,
		open:       make(map[int64]*domain.Position),
	}, nil
}

// LoadOpen hydrates the in-memory position view from the store. Runs at
// startup and again after reconciliation mutates the store.
func (m *Manager) LoadOpen(ctx context.Context) error {
	list, err := m.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: load open positions: %w", err)
	}

	m.mu.Lock()
	m.open = make(map[int64]*domain.Position, len(list))
	for _, p := range list {
		m.open[p.ID] = p
	}
	m.mu.Unlock()
	return nil
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// OpenPositions returns a snapshot of the open positions.
func (m *Manager) OpenPositions() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Position, 0, len(m.open))
	for _, p := range m.open {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// PlaceOrder turns a buy/sell signal into a filled, persisted position.
// The risk gate is consulted before anything touches the network.
func (m *Manager) PlaceOrder(ctx context.Context, sig domain.Signal) (*domain.Position, error) {
	var side domain.Side
	switch sig {
	case domain.SignalBuy:
		side = domain.SideBuy
	case domain.SignalSell:
		side = domain.SideSell
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotActionable, sig)
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil, ErrOrderInFlight
	}
	openCount := len(m.open)
	m.inFlight = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	if err := m.gate.Check(openCount); err != nil {
		return nil, err
	}

	price, ok := m.broker.CurrentPrice(m.symbol.ID)
	if !ok {
		return nil, fmt.Errorf("%w (symbol %s)", ErrNoPrice, m.symbol.Name)
	}
	entry := price.Ask
	if side == domain.SideSell {
		entry = price.Bid
	}

	ticket, err := m.buildTicket(side, entry)
	if err != nil {
		return nil, err
	}

	res, err := m.broker.SendAndAwait(ctx, &wire.NewOrderReq{
		SymbolID:    ticket.SymbolID,
		Side:        wireSide(ticket.Side),
		Volume:      ticket.Volume,
		RelativeSL:  ticket.RelativeStopLoss,
		RelativeTP:  ticket.RelativeTakeProfit,
		ClientLabel: ticket.ClientLabel,
	}, m.reqTimeout)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: place order %s: %w", ticket.ClientLabel, err)
	}

	evt, ok := res.(*wire.ExecutionEvent)
	if !ok {
		return nil, fmt.Errorf("lifecycle: unexpected order response %T", res)
	}
	if evt.Type == wire.ExecTypeRejected {
		return nil, &OrderRejectedError{Label: ticket.ClientLabel, Reason: evt.Label}
	}
	if evt.Type != wire.ExecTypeFilled {
		return nil, fmt.Errorf("lifecycle: unexpected execution type %d for order %s", evt.Type, ticket.ClientLabel)
	}

	// The broker applies the relative distances to the actual fill price,
	// so the local absolute levels are recomputed from it.
	fill := evt.Price
	dTP := float64(ticket.RelativeTakeProfit) / domain.PricePrecision
	dSL := float64(ticket.RelativeStopLoss) / domain.PricePrecision
	tp, sl := fill+dTP, fill-dSL
	if side == domain.SideSell {
		tp, sl = fill-dTP, fill+dSL
	}

	pos := &domain.Position{
		ID:         evt.PositionID,
		SymbolID:   m.symbol.ID,
		Symbol:     m.symbol.Name,
		Side:       side,
		Volume:     evt.Volume,
		EntryPrice: fill,
		StopLoss:   sl,
		TakeProfit: tp,
		Label:      ticket.ClientLabel,
		OpenedAt:   time.UnixMilli(evt.TimestampMs).UTC(),
		Status:     domain.PositionOpen,
	}
	if err := m.positions.Insert(ctx, pos); err != nil {
		// The position is live at the broker; reconciliation will adopt
		// it if this insert never lands.
		return nil, fmt.Errorf("lifecycle: persist position %d: %w", pos.ID, err)
	}

	m.mu.Lock()
	m.open[pos.ID] = pos
	m.mu.Unlock()

	m.logger.Printf("lifecycle: opened %s %s %.2f @ %.5f (sl %.5f tp %.5f, id %d)",
		side, m.symbol.Name, pos.Volume, fill, sl, tp, pos.ID)
	return pos, nil
}

// buildTicket prepares a market order at the given entry price: protective
// levels from the configured percentages, clamped to the symbol minimums,
// converted to the relative distances the broker requires.
func (m *Manager) buildTicket(side domain.Side, entry float64) (domain.OrderTicket, error) {
	tp := entry * (1 + m.tpPct)
	sl := entry * (1 - m.slPct)
	if side == domain.SideSell {
		tp = entry * (1 - m.tpPct)
		sl = entry * (1 + m.slPct)
	}
	tp, sl = NormalizeTPSL(side, entry, tp, sl, m.symbol)

	relTP, err := RelativeDistance(entry, tp)
	if err != nil {
		return domain.OrderTicket{}, err
	}
	relSL, err := RelativeDistance(entry, sl)
	if err != nil {
		return domain.OrderTicket{}, err
	}

	return domain.OrderTicket{
		SymbolID:           m.symbol.ID,
		Side:               side,
		Volume:             m.volume,
		AbsoluteStopLoss:   sl,
		AbsoluteTakeProfit: tp,
		RelativeStopLoss:   relSL,
		RelativeTakeProfit: relTP,
		ClientLabel:        uuid.NewString(),
	}, nil
}

// CheckExits evaluates a position against a fresh price. Priority order:
// take-profit, trailing stop, stop-loss. A tightened trailing level is
// persisted before the verdict is returned.
func (m *Manager) CheckExits(ctx context.Context, pos *domain.Position, price domain.Price) (domain.CloseReason, bool) {
	// Longs exit at the bid, shorts at the ask.
	current := price.Bid
	if pos.Side == domain.SideSell {
		current = price.Ask
	}

	if pos.Side == domain.SideBuy {
		if current >= pos.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
	} else if current <= pos.TakeProfit {
		return domain.CloseReasonTakeProfit, true
	}

	if m.trailPct > 0 {
		m.advanceTrailing(ctx, pos, current)
		if pos.TrailingStop != 0 {
			if pos.Side == domain.SideBuy && current <= pos.TrailingStop {
				return domain.CloseReasonTrailingStop, true
			}
			if pos.Side == domain.SideSell && current >= pos.TrailingStop {
				return domain.CloseReasonTrailingStop, true
			}
		}
	}

	if pos.Side == domain.SideBuy {
		if current <= pos.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
	} else if current >= pos.StopLoss {
		return domain.CloseReasonStopLoss, true
	}

	return "", false
}

// advanceTrailing moves the trailing stop toward the price, never away.
func (m *Manager) advanceTrailing(ctx context.Context, pos *domain.Position, current float64) {
	var candidate float64
	if pos.Side == domain.SideBuy {
		candidate = current * (1 - m.trailPct)
		if candidate <= pos.TrailingStop {
			return
		}
	} else {
		candidate = current * (1 + m.trailPct)
		if pos.TrailingStop != 0 && candidate >= pos.TrailingStop {
			return
		}
	}

	pos.TrailingStop = candidate
	if err := m.positions.Update(ctx, pos); err != nil {
		m.logger.Printf("lifecycle: persist trailing stop for %d: %v", pos.ID, err)
	}
	m.mu.Lock()
	if cached, ok := m.open[pos.ID]; ok {
		cached.TrailingStop = candidate
	}
	m.mu.Unlock()
}

// ClosePosition closes a position at market and archives the trade.
// A position already in CLOSING is left alone (nil, nil).
func (m *Manager) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) (*domain.ClosedTrade, error) {
	m.mu.Lock()
	cached, ok := m.open[pos.ID]
	if ok && cached.Status == domain.PositionClosing {
		m.mu.Unlock()
		return nil, nil
	}
	if ok {
		cached.Status = domain.PositionClosing
	}
	m.mu.Unlock()

	pos.Status = domain.PositionClosing
	if err := m.positions.Update(ctx, pos); err != nil {
		return nil, fmt.Errorf("lifecycle: mark position %d closing: %w", pos.ID, err)
	}

	res, err := m.broker.SendAndAwait(ctx, &wire.ClosePositionReq{
		PositionID: pos.ID,
		Volume:     pos.Volume,
	}, m.reqTimeout)
	if err != nil {
		// Status stays CLOSING; reconciliation settles it if the close
		// actually landed broker-side.
		return nil, fmt.Errorf("lifecycle: close position %d: %w", pos.ID, err)
	}

	evt, ok := res.(*wire.ExecutionEvent)
	if !ok {
		return nil, fmt.Errorf("lifecycle: unexpected close response %T", res)
	}
	if evt.Type != wire.ExecTypeClosed {
		return nil, fmt.Errorf("lifecycle: unexpected execution type %d closing %d", evt.Type, pos.ID)
	}

	return m.archive(ctx, pos, evt.Price, time.UnixMilli(evt.TimestampMs).UTC(), reason, true)
}

// HandleExecution processes an unsolicited execution event. A broker-side
// close (server SL/TP hit, margin call) archives the local position; a
// fill for an untracked position is adopted, which settles orders whose
// response outlived its request timeout.
func (m *Manager) HandleExecution(ctx context.Context, evt *wire.ExecutionEvent) error {
	switch evt.Type {
	case wire.ExecTypeFilled:
		return m.adoptFill(ctx, evt)
	case wire.ExecTypeClosed:
	default:
		return nil
	}

	m.mu.Lock()
	pos, ok := m.open[evt.PositionID]
	m.mu.Unlock()
	if !ok {
		// Already archived (our own close raced the event), or a position
		// this process never tracked. Either way nothing to do.
		m.logger.Printf("lifecycle: broker close for untracked position %d ignored", evt.PositionID)
		return nil
	}

	_, err := m.archive(ctx, pos, evt.Price, time.UnixMilli(evt.TimestampMs).UTC(), domain.CloseReasonBroker, true)
	return err
}

// adoptFill records a fill whose correlated response never reached its
// waiter (request timeout, connection drop between send and reply). The
// position is live at the broker, so it is persisted immediately with
// protective levels derived from the configured percentages rather than
// left for the next reconciliation.
func (m *Manager) adoptFill(ctx context.Context, evt *wire.ExecutionEvent) error {
	m.mu.Lock()
	_, tracked := m.open[evt.PositionID]
	m.mu.Unlock()
	if tracked {
		return nil
	}

	side := domain.SideBuy
	if evt.Side == wire.SideSell {
		side = domain.SideSell
	}
	entry := evt.Price
	tp := entry * (1 + m.tpPct)
	sl := entry * (1 - m.slPct)
	if side == domain.SideSell {
		tp = entry * (1 - m.tpPct)
		sl = entry * (1 + m.slPct)
	}

	name := m.symbol.Name
	if evt.SymbolID != m.symbol.ID {
		name = fmt.Sprintf("symbol-%d", evt.SymbolID)
	}

	pos := &domain.Position{
		ID:         evt.PositionID,
		SymbolID:   evt.SymbolID,
		Symbol:     name,
		Side:       side,
		Volume:     evt.Volume,
		EntryPrice: entry,
		StopLoss:   sl,
		TakeProfit: tp,
		Label:      evt.Label,
		OpenedAt:   time.UnixMilli(evt.TimestampMs).UTC(),
		Status:     domain.PositionOpen,
	}
	if err := m.positions.Insert(ctx, pos); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Persisted by the request path after all; just refresh the view.
			return m.LoadOpen(ctx)
		}
		return fmt.Errorf("lifecycle: adopt fill %d: %w", pos.ID, err)
	}

	m.mu.Lock()
	m.open[pos.ID] = pos
	m.mu.Unlock()

	m.logger.Printf("lifecycle: adopted late fill %d (%s %s %.2f @ %.5f)",
		pos.ID, side, name, pos.Volume, entry)
	return nil
}

// archive writes the ClosedTrade record, drops the open row and reports
// the realized PnL to the risk gate.
func (m *Manager) archive(ctx context.Context, pos *domain.Position, exit float64, closedAt time.Time, reason domain.CloseReason, pnlKnown bool) (*domain.ClosedTrade, error) {
	pnl := (exit - pos.EntryPrice) * pos.Volume * pos.Side.Sign()
	if !pnlKnown {
		pnl = 0
	}

	trade := &domain.ClosedTrade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Volume:      pos.Volume,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: pnl,
		PnLKnown:    pnlKnown,
		CloseReason: reason,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    closedAt,
	}

	if err := m.trades.Insert(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			// Already archived by a concurrent path; finish the cleanup.
			m.logger.Printf("lifecycle: trade %d already archived", pos.ID)
		} else {
			return nil, fmt.Errorf("lifecycle: archive trade %d: %w", pos.ID, err)
		}
	}

	if err := m.positions.Delete(ctx, pos.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lifecycle: drop open position %d: %w", pos.ID, err)
	}

	m.mu.Lock()
	delete(m.open, pos.ID)
	m.mu.Unlock()

	if pnlKnown {
		if err := m.gate.RecordClose(ctx, pnl); err != nil {
			m.logger.Printf("lifecycle: record close pnl for %d: %v", pos.ID, err)
		}
	}

	m.logger.Printf("lifecycle: closed %d (%s) @ %.5f, pnl %.2f", pos.ID, reason, exit, pnl)
	return trade, nil
}

func wireSide(s domain.Side) uint8 {
	if s == domain.SideSell {
		return wire.SideSell
	}
	return wire.SideBuy
}
