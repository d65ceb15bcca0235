// Package session maintains the authenticated broker connection: framing,
// correlation of requests to responses, heartbeats, the spot price cache,
// and automatic reconnection with re-authentication and re-subscription.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"spotbot/internal/domain"
	"spotbot/internal/observability"
	"spotbot/internal/wire"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticatingApp
	StateAuthenticatingAccount
	StateSubscribing
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticatingApp:
		return "authenticating_app"
	case StateAuthenticatingAccount:
		return "authenticating_account"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Credentials authenticate the application and then the trading account.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccountID    int64
	AccessToken  string
}

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	Dialer      Dialer
	Credentials Credentials
	Backoff     BackoffPolicy

	// HeartbeatInterval is the idle gap after which a heartbeat is sent.
	HeartbeatInterval time.Duration

	// ActivityTimeout is the silence after which the connection is
	// declared dead and torn down.
	ActivityTimeout time.Duration

	// RequestTimeout bounds each correlated request.
	RequestTimeout time.Duration

	// SpotBuffer sizes the spot update channel. Spot notifications
	// coalesce: the cache always holds the latest price, so a dropped
	// notification never loses data.
	SpotBuffer int

	Logger *log.Logger
}

// consecutive undecodable frames tolerated before forcing a reconnect.
const maxProtocolErrors = 5

type pendingResult struct {
	frame wire.Frame
	err   error
}

// Session is the broker connection. All methods are safe for concurrent
// use. One reader goroutine per connection demultiplexes frames into
// correlation waiters, the price cache and the execution channel.
type Session struct {
	dialer  Dialer
	creds   Credentials
	backoff BackoffPolicy

	hbInterval time.Duration
	deadAfter  time.Duration
	reqTimeout time.Duration

	logger *log.Logger

	state        atomic.Int32
	nextCorrID   atomic.Uint64
	lastActivity atomic.Int64 // unix nanos of last inbound frame

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	transportMu sync.Mutex
	transport   Transport
	epoch       uint64

	subsMu sync.Mutex
	subs   map[int64]struct{}

	prices *PriceCache
	spotCh chan domain.Price
	execCh chan *wire.ExecutionEvent

	hookMu      sync.Mutex
	onReconnect func(context.Context) error

	fatalCh   chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Session. It does not connect; call Connect.
func New(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.SpotBuffer <= 0 {
		opts.SpotBuffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	s := &Session{
		dialer:     opts.Dialer,
		creds:      opts.Credentials,
		backoff:    opts.Backoff,
		hbInterval: opts.HeartbeatInterval,
		deadAfter:  opts.ActivityTimeout,
		reqTimeout: opts.RequestTimeout,
		logger:     opts.Logger,
		pending:    make(map[uint64]chan pendingResult),
		subs:       make(map[int64]struct{}),
		prices:     NewPriceCache(),
		spotCh:     make(chan domain.Price, opts.SpotBuffer),
		execCh:     make(chan *wire.ExecutionEvent, 64),
		fatalCh:    make(chan error, 1),
		done:       make(chan struct{}),
	}
	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Prices returns the spot price cache.
func (s *Session) Prices() *PriceCache {
	return s.prices
}

// CurrentPrice returns the latest cached price for a symbol.
func (s *Session) CurrentPrice(symbolID int64) (domain.Price, bool) {
	return s.prices.Get(symbolID)
}

// SpotUpdates delivers spot price notifications. Updates coalesce under
// backpressure; read the cache for the authoritative latest price.
func (s *Session) SpotUpdates() <-chan domain.Price {
	return s.spotCh
}

// Executions delivers unsolicited execution events (broker-side closes,
// margin calls). Never dropped; consume promptly.
func (s *Session) Executions() <-chan *wire.ExecutionEvent {
	return s.execCh
}

// Fatal delivers at most one unrecoverable session error (auth rejection
// during reconnect, reconnect attempts exhausted).
func (s *Session) Fatal() <-chan error {
	return s.fatalCh
}

// OnReconnect registers a hook invoked after re-authentication and
// re-subscription on every reconnect, before the session is marked ready.
// Used for position reconciliation. Safe to call at any time, including
// after Connect; the reconnect loop reads the hook when it reestablishes.
func (s *Session) OnReconnect(fn func(context.Context) error) {
	s.hookMu.Lock()
	s.onReconnect = fn
	s.hookMu.Unlock()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Connect dials the broker and starts the connection goroutines. The
// caller proceeds with Authenticate.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.setState(StateConnecting)

	t, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("session: connect: %w", err)
	}

	s.transportMu.Lock()
	s.epoch++
	epoch := s.epoch
	s.transport = t
	s.transportMu.Unlock()

	s.touch()
	s.wg.Add(2)
	go s.readLoop(t, epoch)
	go s.heartbeatLoop(epoch)

	s.setState(StateAuthenticatingApp)
	return nil
}

// Authenticate runs the two-phase handshake: application credentials,
// then the account bearer token. An AlreadyAuthenticated status from the
// broker counts as success.
func (s *Session) Authenticate(ctx context.Context) error {
	s.setState(StateAuthenticatingApp)
	res, err := s.Request(ctx, &wire.AppAuthReq{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
	})
	if err != nil {
		return err
	}
	appRes, ok := res.(*wire.AppAuthRes)
	if !ok {
		return &UnexpectedPayloadError{Got: res}
	}
	if appRes.Status == wire.AuthStatusRejected {
		return &AuthError{Stage: "app", Reason: appRes.Reason}
	}

	s.setState(StateAuthenticatingAccount)
	res, err = s.Request(ctx, &wire.AccountAuthReq{
		AccountID:   s.creds.AccountID,
		AccessToken: s.creds.AccessToken,
	})
	if err != nil {
		return err
	}
	accRes, ok := res.(*wire.AccountAuthRes)
	if !ok {
		return &UnexpectedPayloadError{Got: res}
	}
	if accRes.Status == wire.AuthStatusRejected {
		return &AuthError{Stage: "account", Reason: accRes.Reason}
	}

	s.setState(StateSubscribing)
	return nil
}

// Subscribe requests spot events for a symbol. The symbol is tracked and
// automatically re-subscribed after every reconnect.
func (s *Session) Subscribe(ctx context.Context, symbolID int64) error {
	s.subsMu.Lock()
	s.subs[symbolID] = struct{}{}
	s.subsMu.Unlock()

	res, err := s.Request(ctx, &wire.SubscribeSpotsReq{SymbolID: symbolID})
	if err != nil {
		return err
	}
	if _, ok := res.(*wire.SubscribeSpotsRes); !ok {
		return &UnexpectedPayloadError{Got: res}
	}
	return nil
}

// MarkReady transitions the session to the steady state. Called once
// startup reconciliation has completed; the reconnect loop calls it
// automatically after the reconnect hook succeeds.
func (s *Session) MarkReady() {
	s.setState(StateReady)
}

// SymbolList fetches the broker's tradable symbol metadata.
func (s *Session) SymbolList(ctx context.Context) ([]domain.SymbolMeta, error) {
	res, err := s.Request(ctx, &wire.SymbolListReq{})
	if err != nil {
		return nil, err
	}
	listRes, ok := res.(*wire.SymbolListRes)
	if !ok {
		return nil, &UnexpectedPayloadError{Got: res}
	}

	out := make([]domain.SymbolMeta, 0, len(listRes.Symbols))
	for _, e := range listRes.Symbols {
		out = append(out, domain.SymbolMeta{
			ID:            e.ID,
			Name:          e.Name,
			Digits:        e.Digits,
			MinTPDistance: e.MinTPDistance,
			MinSLDistance: e.MinSLDistance,
		})
	}
	return out, nil
}

// BrokerPositions fetches the broker's authoritative open position list.
func (s *Session) BrokerPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	res, err := s.Request(ctx, &wire.PositionListReq{})
	if err != nil {
		return nil, err
	}
	listRes, ok := res.(*wire.PositionListRes)
	if !ok {
		return nil, &UnexpectedPayloadError{Got: res}
	}

	out := make([]domain.BrokerPosition, 0, len(listRes.Positions))
	for _, e := range listRes.Positions {
		out = append(out, domain.BrokerPosition{
			ID:         e.ID,
			SymbolID:   e.SymbolID,
			Side:       DomainSide(e.Side),
			Volume:     e.Volume,
			EntryPrice: e.EntryPrice,
		})
	}
	return out, nil
}

// Request sends a correlated request and waits for its response frame
// using the session's default request timeout. An ErrorRes response is
// surfaced as *RejectionError.
func (s *Session) Request(ctx context.Context, p wire.Payload) (wire.Payload, error) {
	return s.SendAndAwait(ctx, p, s.reqTimeout)
}

// SendAndAwait sends a correlated request with an explicit timeout.
func (s *Session) SendAndAwait(ctx context.Context, p wire.Payload, timeout time.Duration) (wire.Payload, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	corrID := s.nextCorrID.Add(1)
	f, err := wire.Marshal(corrID, p)
	if err != nil {
		return nil, err
	}

	ch := make(chan pendingResult, 1)
	s.pendingMu.Lock()
	s.pending[corrID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, corrID)
		s.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := s.send(f); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		observability.ObserveRequestLatency(fmt.Sprintf("%T", p), time.Since(start))
		payload, err := wire.Unmarshal(res.frame)
		if err != nil {
			return nil, err
		}
		if errRes, ok := payload.(*wire.ErrorRes); ok {
			return nil, &RejectionError{Code: errRes.Code, Description: errRes.Description}
		}
		return payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w (%T after %v)", ErrTimeout, p, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// send writes one frame on the current transport. A write failure tears
// the connection down and starts the reconnect loop.
func (s *Session) send(f wire.Frame) error {
	s.transportMu.Lock()
	t := s.transport
	epoch := s.epoch
	s.transportMu.Unlock()

	if t == nil {
		return ErrNotConnected
	}
	if err := t.WriteFrame(f); err != nil {
		s.dropConnection(epoch, fmt.Errorf("write failed: %w", err))
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	observability.RecordFrameWritten()
	return nil
}

// Close shuts the session down. Pending requests fail with ErrClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.transportMu.Lock()
		t := s.transport
		s.transport = nil
		s.epoch++
		s.transportMu.Unlock()
		if t != nil {
			t.Close()
		}

		s.failPending(ErrClosed)
		s.setState(StateDisconnected)
	})
	s.wg.Wait()
	return nil
}

func (s *Session) readLoop(t Transport, epoch uint64) {
	defer s.wg.Done()

	protoErrs := 0
	for {
		f, err := t.ReadFrame()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.dropConnection(epoch, fmt.Errorf("read failed: %w", err))
			return
		}
		s.touch()
		observability.RecordFrameRead()

		if ok := s.dispatch(f); !ok {
			observability.RecordProtocolError()
			protoErrs++
			if protoErrs >= maxProtocolErrors {
				s.dropConnection(epoch, fmt.Errorf("%d consecutive protocol errors", protoErrs))
				return
			}
			continue
		}
		protoErrs = 0
	}
}

// dispatch routes one inbound frame. Returns false on a protocol error.
func (s *Session) dispatch(f wire.Frame) bool {
	if f.CorrelationID != 0 {
		s.pendingMu.Lock()
		ch, ok := s.pending[f.CorrelationID]
		if ok {
			delete(s.pending, f.CorrelationID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- pendingResult{frame: f}
			return true
		}
		// Late response after timeout, or a server-initiated request
		// (heartbeat probes carry correlation ids too). Fall through.
	}

	switch f.Type {
	case wire.TypeSpotEvent:
		payload, err := wire.Unmarshal(f)
		if err != nil {
			s.logger.Printf("session: bad spot event: %v", err)
			return false
		}
		spot := payload.(*wire.SpotEvent)
		p := domain.Price{
			SymbolID:  spot.SymbolID,
			Bid:       spot.Bid,
			Ask:       spot.Ask,
			Timestamp: time.UnixMilli(spot.TimestampMs).UTC(),
		}
		s.prices.Set(p)
		select {
		case s.spotCh <- p:
			observability.RecordSpotEvent(false)
		default:
			// Consumer lagging; the cache already has the latest.
			observability.RecordSpotEvent(true)
		}
		return true

	case wire.TypeHeartbeat:
		reply, err := wire.Marshal(f.CorrelationID, &wire.Heartbeat{})
		if err == nil {
			if sendErr := s.send(reply); sendErr != nil {
				s.logger.Printf("session: heartbeat reply failed: %v", sendErr)
			}
		}
		return true

	case wire.TypeExecutionEvent:
		payload, err := wire.Unmarshal(f)
		if err != nil {
			s.logger.Printf("session: bad execution event: %v", err)
			return false
		}
		select {
		case s.execCh <- payload.(*wire.ExecutionEvent):
		case <-s.done:
		}
		return true

	case wire.TypeErrorRes:
		payload, err := wire.Unmarshal(f)
		if err != nil {
			return false
		}
		errRes := payload.(*wire.ErrorRes)
		s.logger.Printf("session: uncorrelated broker error %d: %s", errRes.Code, errRes.Description)
		return true

	case wire.TypeAppAuthRes, wire.TypeAccountAuthRes, wire.TypeSymbolListRes,
		wire.TypeSubscribeSpotsRes, wire.TypePositionListRes:
		// A reply whose waiter already timed out. Stale, not malformed;
		// dropping it must not count toward the protocol-error run.
		s.logger.Printf("session: dropping late response type 0x%02x (corr %d)",
			uint16(f.Type), f.CorrelationID)
		return true

	default:
		s.logger.Printf("session: dropping unexpected frame type 0x%02x (corr %d)",
			uint16(f.Type), f.CorrelationID)
		return false
	}
}

func (s *Session) heartbeatLoop(epoch uint64) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastBeat := time.Now()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.transportMu.Lock()
		stale := epoch != s.epoch
		s.transportMu.Unlock()
		if stale {
			return
		}

		idle := time.Since(time.Unix(0, s.lastActivity.Load()))
		if idle >= s.deadAfter {
			s.dropConnection(epoch, fmt.Errorf("no traffic for %v", idle.Round(time.Second)))
			return
		}

		if idle >= s.hbInterval && time.Since(lastBeat) >= s.hbInterval {
			f, err := wire.Marshal(0, &wire.Heartbeat{})
			if err == nil {
				if sendErr := s.send(f); sendErr != nil {
					return
				}
				observability.RecordHeartbeatSent()
			}
			lastBeat = time.Now()
		}
	}
}

// dropConnection tears down the connection for the given epoch and starts
// the reconnect loop. A stale epoch is a no-op, so concurrent failure
// reports collapse into one reconnect.
func (s *Session) dropConnection(epoch uint64, cause error) {
	s.transportMu.Lock()
	if s.isClosed() || epoch != s.epoch {
		s.transportMu.Unlock()
		return
	}
	s.epoch++
	t := s.transport
	s.transport = nil
	s.transportMu.Unlock()

	if t != nil {
		t.Close()
	}
	s.failPending(ErrDisconnected)
	s.setState(StateReconnecting)
	s.logger.Printf("session: connection lost (%v), reconnecting", cause)

	s.wg.Add(1)
	go s.reconnectLoop()
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	for corrID, ch := range s.pending {
		ch <- pendingResult{err: err}
		delete(s.pending, corrID)
	}
	s.pendingMu.Unlock()
}

// reconnectLoop re-dials with backoff, then replays the full handshake:
// authenticate, re-subscribe every tracked symbol, run the reconnect hook
// (reconciliation), and only then mark the session ready.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	for attempt := 1; attempt <= s.backoff.MaxAttempts; attempt++ {
		delay := s.backoff.Delay(attempt)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		err := s.reestablish()
		if err == nil {
			observability.RecordReconnect()
			s.logger.Printf("session: reconnected after %d attempt(s)", attempt)
			return
		}
		if s.isClosed() {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.setState(StateDisconnected)
			s.fatal(err)
			return
		}
		s.logger.Printf("session: reconnect attempt %d/%d failed: %v",
			attempt, s.backoff.MaxAttempts, err)
	}

	s.setState(StateDisconnected)
	s.fatal(fmt.Errorf("%w (%d attempts)", ErrReconnectFailed, s.backoff.MaxAttempts))
}

func (s *Session) reestablish() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Connect(ctx); err != nil {
		return err
	}

	fail := func(err error) error {
		s.transportMu.Lock()
		t := s.transport
		s.transport = nil
		s.epoch++
		s.transportMu.Unlock()
		if t != nil {
			t.Close()
		}
		return err
	}

	if err := s.Authenticate(ctx); err != nil {
		return fail(err)
	}

	s.subsMu.Lock()
	symbols := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		symbols = append(symbols, id)
	}
	s.subsMu.Unlock()
	for _, id := range symbols {
		if err := s.Subscribe(ctx, id); err != nil {
			return fail(fmt.Errorf("resubscribe symbol %d: %w", id, err))
		}
	}

	s.hookMu.Lock()
	hook := s.onReconnect
	s.hookMu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return fail(fmt.Errorf("reconnect hook: %w", err))
		}
	}

	s.MarkReady()
	return nil
}

func (s *Session) fatal(err error) {
	select {
	case s.fatalCh <- err:
	default:
	}
}

// WireSide converts a domain side to its wire code.
func WireSide(s domain.Side) uint8 {
	if s == domain.SideSell {
		return wire.SideSell
	}
	return wire.SideBuy
}

// DomainSide converts a wire side code to the domain side.
func DomainSide(b uint8) domain.Side {
	if b == wire.SideSell {
		return domain.SideSell
	}
	return domain.SideBuy
}
