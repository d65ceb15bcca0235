// Package reconcile settles differences between the local position store
// and the broker's authoritative position list. It runs at startup and
// after every reconnect, before the risk gate reopens.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/storage"
)

// Broker is the session surface the engine needs.
type Broker interface {
	BrokerPositions(ctx context.Context) ([]domain.BrokerPosition, error)
}

// Options configures an Engine.
type Options struct {
	Broker    Broker
	Positions storage.PositionStore
	Trades    storage.ClosedTradeStore

	// Symbols resolves symbol ids to metadata for adopted positions.
	Symbols map[int64]domain.SymbolMeta

	// StopLossPct and TakeProfitPct derive protective levels for adopted
	// positions, which arrive without local management state.
	StopLossPct   float64 // default 0.02
	TakeProfitPct float64 // default 0.04

	// LogOnlyMismatch disables the broker-wins volume correction and only
	// logs volume mismatches. The broker is trusted by default.
	LogOnlyMismatch bool

	Clock  func() time.Time
	Logger *log.Logger
}

// Engine reconciles local state against the broker.
type Engine struct {
	broker    Broker
	positions storage.PositionStore
	trades    storage.ClosedTradeStore
	symbols   map[int64]domain.SymbolMeta

	slPct       float64
	tpPct       float64
	logMismatch bool

	clock  func() time.Time
	logger *log.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Broker == nil || opts.Positions == nil || opts.Trades == nil {
		return nil, errors.New("reconcile: broker and stores are required")
	}
	if opts.StopLossPct <= 0 {
		opts.StopLossPct = 0.02
	}
	if opts.TakeProfitPct <= 0 {
		opts.TakeProfitPct = 0.04
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Engine{
		broker:      opts.Broker,
		positions:   opts.Positions,
		trades:      opts.Trades,
		symbols:     opts.Symbols,
		slPct:       opts.StopLossPct,
		tpPct:       opts.TakeProfitPct,
		logMismatch: opts.LogOnlyMismatch,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}, nil
}

// Diff compares local positions against the broker's list. Pure and
// idempotent: equal inputs always produce the same report, and a report
// applied once produces an empty report on the next pass.
func Diff(local []*domain.Position, broker []domain.BrokerPosition) domain.ReconciliationReport {
	brokerByID := make(map[int64]domain.BrokerPosition, len(broker))
	for _, b := range broker {
		brokerByID[b.ID] = b
	}
	localByID := make(map[int64]*domain.Position, len(local))
	for _, p := range local {
		localByID[p.ID] = p
	}

	var report domain.ReconciliationReport
	for _, p := range local {
		b, ok := brokerByID[p.ID]
		if !ok {
			report.Orphaned = append(report.Orphaned, p.ID)
			continue
		}
		if b.Volume != p.Volume {
			report.Mismatched = append(report.Mismatched, domain.VolumeMismatch{
				PositionID:   p.ID,
				LocalVolume:  p.Volume,
				BrokerVolume: b.Volume,
			})
		}
	}
	for _, b := range broker {
		if _, ok := localByID[b.ID]; !ok {
			report.Missing = append(report.Missing, b)
		}
	}

	sort.Slice(report.Orphaned, func(i, j int) bool { return report.Orphaned[i] < report.Orphaned[j] })
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i].ID < report.Missing[j].ID })
	sort.Slice(report.Mismatched, func(i, j int) bool {
		return report.Mismatched[i].PositionID < report.Mismatched[j].PositionID
	})
	return report
}

// Apply settles a report against the stores. Orphans are archived with an
// unknown PnL and removed, never silently dropped; missing positions are
// adopted under local management; mismatched volumes take the broker's
// value unless mismatch handling is log-only.
func (e *Engine) Apply(ctx context.Context, report domain.ReconciliationReport) error {
	for _, id := range report.Orphaned {
		if err := e.archiveOrphan(ctx, id); err != nil {
			return err
		}
	}
	for _, b := range report.Missing {
		if err := e.adopt(ctx, b); err != nil {
			return err
		}
	}
	for _, m := range report.Mismatched {
		if e.logMismatch {
			e.logger.Printf("reconcile: volume mismatch on %d (local %.2f, broker %.2f), log-only",
				m.PositionID, m.LocalVolume, m.BrokerVolume)
			continue
		}
		if err := e.correctVolume(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Run fetches both sides, diffs and applies. Returns the report that was
// applied.
func (e *Engine) Run(ctx context.Context) (domain.ReconciliationReport, error) {
	broker, err := e.broker.BrokerPositions(ctx)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("reconcile: fetch broker positions: %w", err)
	}
	local, err := e.positions.ListOpen(ctx)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("reconcile: load local positions: %w", err)
	}

	report := Diff(local, broker)
	if report.Empty() {
		return report, nil
	}

	e.logger.Printf("reconcile: %d orphaned, %d missing, %d mismatched",
		len(report.Orphaned), len(report.Missing), len(report.Mismatched))
	if err := e.Apply(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) archiveOrphan(ctx context.Context, id int64) error {
	pos, err := e.positions.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: load orphan %d: %w", id, err)
	}

	trade := &domain.ClosedTrade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Volume:      pos.Volume,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   0,
		RealizedPnL: 0,
		PnLKnown:    false,
		CloseReason: domain.CloseReasonOrphaned,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    e.clock().UTC(),
	}
	if err := e.trades.Insert(ctx, trade); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("reconcile: archive orphan %d: %w", id, err)
	}
	if err := e.positions.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reconcile: drop orphan %d: %w", id, err)
	}

	e.logger.Printf("reconcile: archived orphaned position %d (%s %s, pnl unknown)",
		pos.ID, pos.Side, pos.Symbol)
	return nil
}

func (e *Engine) adopt(ctx context.Context, b domain.BrokerPosition) error {
	meta, ok := e.symbols[b.SymbolID]
	if !ok {
		meta = domain.SymbolMeta{ID: b.SymbolID, Name: fmt.Sprintf("symbol-%d", b.SymbolID)}
	}

	sl := b.EntryPrice * (1 - e.slPct)
	tp := b.EntryPrice * (1 + e.tpPct)
	if b.Side == domain.SideSell {
		sl = b.EntryPrice * (1 + e.slPct)
		tp = b.EntryPrice * (1 - e.tpPct)
	}

	pos := &domain.Position{
		ID:         b.ID,
		SymbolID:   b.SymbolID,
		Symbol:     meta.Name,
		Side:       b.Side,
		Volume:     b.Volume,
		EntryPrice: b.EntryPrice,
		StopLoss:   sl,
		TakeProfit: tp,
		Label:      "adopted",
		OpenedAt:   e.clock().UTC(),
		Status:     domain.PositionOpen,
	}
	if err := e.positions.Insert(ctx, pos); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("reconcile: adopt position %d: %w", b.ID, err)
	}

	e.logger.Printf("reconcile: adopted broker position %d (%s %s %.2f @ %.5f)",
		b.ID, b.Side, meta.Name, b.Volume, b.EntryPrice)
	return nil
}

func (e *Engine) correctVolume(ctx context.Context, m domain.VolumeMismatch) error {
	pos, err := e.positions.GetByID(ctx, m.PositionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: load mismatched %d: %w", m.PositionID, err)
	}

	pos.Volume = m.BrokerVolume
	if err := e.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: correct volume on %d: %w", m.PositionID, err)
	}

	e.logger.Printf("reconcile: corrected volume on %d: %.2f -> %.2f (broker wins)",
		m.PositionID, m.LocalVolume, m.BrokerVolume)
	return nil
}
