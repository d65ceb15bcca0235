package trader

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/session"
	"spotbot/internal/wire"
)

type fakeConn struct {
	spots chan domain.Price
	execs chan *wire.ExecutionEvent
	fatal chan error
	state atomic.Int32
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		spots: make(chan domain.Price, 16),
		execs: make(chan *wire.ExecutionEvent, 16),
		fatal: make(chan error, 1),
	}
	c.state.Store(int32(session.StateReady))
	return c
}

func (c *fakeConn) SpotUpdates() <-chan domain.Price        { return c.spots }
func (c *fakeConn) Executions() <-chan *wire.ExecutionEvent { return c.execs }
func (c *fakeConn) Fatal() <-chan error                     { return c.fatal }
func (c *fakeConn) State() session.State                    { return session.State(c.state.Load()) }

type closeCall struct {
	positionID int64
	reason     domain.CloseReason
}

type fakeManager struct {
	mu        sync.Mutex
	positions []*domain.Position
	exitWhen  func(pos *domain.Position, p domain.Price) (domain.CloseReason, bool)

	placed     []domain.Signal
	placeErr   error
	closes     []closeCall
	executions []int64
}

func (m *fakeManager) PlaceOrder(_ context.Context, sig domain.Signal) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, sig)
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	return &domain.Position{ID: 1, Side: domain.SideBuy}, nil
}

func (m *fakeManager) CheckExits(_ context.Context, pos *domain.Position, p domain.Price) (domain.CloseReason, bool) {
	if m.exitWhen == nil {
		return "", false
	}
	return m.exitWhen(pos, p)
}

func (m *fakeManager) ClosePosition(_ context.Context, pos *domain.Position, reason domain.CloseReason) (*domain.ClosedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, closeCall{positionID: pos.ID, reason: reason})
	for i, p := range m.positions {
		if p.ID == pos.ID {
			m.positions = append(m.positions[:i], m.positions[i+1:]...)
			break
		}
	}
	return &domain.ClosedTrade{PositionID: pos.ID, CloseReason: reason, PnLKnown: true}, nil
}

func (m *fakeManager) HandleExecution(_ context.Context, evt *wire.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, evt.PositionID)
	return nil
}

func (m *fakeManager) OpenPositions() []*domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Position, len(m.positions))
	copy(out, m.positions)
	return out
}

func (m *fakeManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

func (m *fakeManager) closeCalls() []closeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]closeCall, len(m.closes))
	copy(out, m.closes)
	return out
}

func (m *fakeManager) placedSignals() []domain.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Signal, len(m.placed))
	copy(out, m.placed)
	return out
}

type fakeGate struct {
	mu       sync.Mutex
	resets   []string
	volumes  []float64
	snapshot domain.RiskState
}

func (g *fakeGate) ResetDaily(_ context.Context, day string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets = append(g.resets, day)
	return nil
}

func (g *fakeGate) ObserveVolatility(_ context.Context, v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.volumes = append(g.volumes, v)
	return nil
}

func (g *fakeGate) Snapshot() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshot
}

func (g *fakeGate) resetDays() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.resets))
	copy(out, g.resets)
	return out
}

func (g *fakeGate) samples() []float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]float64, len(g.volumes))
	copy(out, g.volumes)
	return out
}

type fakeSignals struct {
	mu    sync.Mutex
	queue []domain.Signal
}

func (s *fakeSignals) Next(context.Context) domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.SignalHold
	}
	sig := s.queue[0]
	s.queue = s.queue[1:]
	return sig
}

func runRunner(t *testing.T, r *Runner) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- r.Run(ctx) }()
	t.Cleanup(stop)
	return stop, ch
}

func testRunner(t *testing.T, conn *fakeConn, m *fakeManager, g *fakeGate, sig *fakeSignals, mut func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		Session:            conn,
		Manager:            m,
		Gate:               g,
		Signals:            sig,
		SignalInterval:     time.Hour, // quiet unless a test shortens it
		VolatilityInterval: time.Hour,
		RolloverInterval:   time.Hour,
		Logger:             log.New(io.Discard, "", 0),
	}
	if mut != nil {
		mut(&opts)
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSpotTriggersExitClose(t *testing.T) {
	conn := newFakeConn()
	m := &fakeManager{
		positions: []*domain.Position{{ID: 9, SymbolID: 7, Side: domain.SideBuy, TakeProfit: 104}},
		exitWhen: func(pos *domain.Position, p domain.Price) (domain.CloseReason, bool) {
			if p.Bid >= pos.TakeProfit {
				return domain.CloseReasonTakeProfit, true
			}
			return "", false
		},
	}
	r := testRunner(t, conn, m, &fakeGate{}, &fakeSignals{}, nil)
	runRunner(t, r)

	conn.spots <- domain.Price{SymbolID: 7, Bid: 103, Ask: 103.1} // no exit
	conn.spots <- domain.Price{SymbolID: 7, Bid: 104.5, Ask: 104.6}

	waitFor(t, func() bool { return len(m.closeCalls()) == 1 }, "position not closed on take-profit")
	call := m.closeCalls()[0]
	if call.positionID != 9 || call.reason != domain.CloseReasonTakeProfit {
		t.Errorf("close = %+v", call)
	}
}

func TestSignalPollPlacesOrder(t *testing.T) {
	conn := newFakeConn()
	m := &fakeManager{}
	sig := &fakeSignals{queue: []domain.Signal{domain.SignalBuy}}
	r := testRunner(t, conn, m, &fakeGate{}, sig, func(o *Options) {
		o.SignalInterval = 5 * time.Millisecond
	})
	runRunner(t, r)

	waitFor(t, func() bool { return len(m.placedSignals()) >= 1 }, "signal never placed")
	if got := m.placedSignals()[0]; got != domain.SignalBuy {
		t.Errorf("placed %v, want BUY", got)
	}
}

func TestSignalSkippedWhenNotReady(t *testing.T) {
	conn := newFakeConn()
	conn.state.Store(int32(session.StateReconnecting))
	m := &fakeManager{}
	sig := &fakeSignals{queue: []domain.Signal{domain.SignalBuy}}
	r := testRunner(t, conn, m, &fakeGate{}, sig, func(o *Options) {
		o.SignalInterval = 5 * time.Millisecond
	})
	runRunner(t, r)

	time.Sleep(50 * time.Millisecond)
	if got := m.placedSignals(); len(got) != 0 {
		t.Errorf("placed %v during reconnect, want none", got)
	}
}

func TestExecutionEventForwarded(t *testing.T) {
	conn := newFakeConn()
	m := &fakeManager{}
	r := testRunner(t, conn, m, &fakeGate{}, &fakeSignals{}, nil)
	runRunner(t, r)

	conn.execs <- &wire.ExecutionEvent{Type: wire.ExecTypeClosed, PositionID: 77}

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.executions) == 1 && m.executions[0] == 77
	}, "execution event not forwarded")
}

func TestDayRollover(t *testing.T) {
	conn := newFakeConn()
	g := &fakeGate{}
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := testRunner(t, conn, &fakeManager{}, g, &fakeSignals{}, func(o *Options) {
		o.RolloverInterval = 5 * time.Millisecond
		o.Clock = clock
	})
	runRunner(t, r)

	time.Sleep(20 * time.Millisecond)
	if got := g.resetDays(); len(got) != 0 {
		t.Fatalf("rollover before midnight: %v", got)
	}

	mu.Lock()
	now = time.Date(2024, 3, 2, 0, 0, 5, 0, time.UTC)
	mu.Unlock()

	waitFor(t, func() bool { return len(g.resetDays()) == 1 }, "day never rolled over")
	if got := g.resetDays()[0]; got != "2024-03-02" {
		t.Errorf("rolled to %q, want 2024-03-02", got)
	}
}

func TestVolatilitySampleFlushed(t *testing.T) {
	conn := newFakeConn()
	g := &fakeGate{}
	r := testRunner(t, conn, &fakeManager{}, g, &fakeSignals{}, func(o *Options) {
		o.VolatilityInterval = 10 * time.Millisecond
	})
	runRunner(t, r)

	conn.spots <- domain.Price{SymbolID: 7, Bid: 100, Ask: 100}
	conn.spots <- domain.Price{SymbolID: 7, Bid: 101, Ask: 101} // 1% move

	waitFor(t, func() bool { return len(g.samples()) >= 1 }, "volatility sample never flushed")
	if got := g.samples()[0]; got < 0.009 || got > 0.011 {
		t.Errorf("sample = %v, want ~0.01", got)
	}
}

func TestFatalSessionStopsRunner(t *testing.T) {
	conn := newFakeConn()
	r := testRunner(t, conn, &fakeManager{}, &fakeGate{}, &fakeSignals{}, nil)
	_, done := runRunner(t, r)

	fatalErr := errors.New("reconnect attempts exhausted")
	conn.fatal <- fatalErr

	select {
	case err := <-done:
		if !errors.Is(err, fatalErr) {
			t.Errorf("Run returned %v, want %v", err, fatalErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on fatal session error")
	}
}

func TestShutdownFlattensBook(t *testing.T) {
	conn := newFakeConn()
	m := &fakeManager{positions: []*domain.Position{
		{ID: 1, SymbolID: 7, Side: domain.SideBuy},
		{ID: 2, SymbolID: 7, Side: domain.SideSell},
	}}
	r := testRunner(t, conn, m, &fakeGate{}, &fakeSignals{}, func(o *Options) {
		o.CloseOnExit = true
	})
	cancel, done := runRunner(t, r)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	calls := m.closeCalls()
	if len(calls) != 2 {
		t.Fatalf("closed %d positions on shutdown, want 2", len(calls))
	}
	for _, c := range calls {
		if c.reason != domain.CloseReasonShutdown {
			t.Errorf("close reason = %v, want %v", c.reason, domain.CloseReasonShutdown)
		}
	}
}
