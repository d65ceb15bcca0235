package wire

import "fmt"

// Payload is a typed frame body.
type Payload interface {
	// PayloadType returns the wire tag for this payload.
	PayloadType() PayloadType

	encode(e *encoder)
	decode(d *decoder)
}

// Side codes on the wire.
const (
	SideBuy  uint8 = 1
	SideSell uint8 = 2
)

// Auth status codes.
const (
	AuthStatusOK                   uint8 = 0
	AuthStatusAlreadyAuthenticated uint8 = 1
	AuthStatusRejected             uint8 = 2
)

// Execution event types.
const (
	ExecTypeFilled   uint8 = 1
	ExecTypeClosed   uint8 = 2
	ExecTypeRejected uint8 = 3
)

// AppAuthReq authenticates the application.
type AppAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (*AppAuthReq) PayloadType() PayloadType { return TypeAppAuthReq }

func (p *AppAuthReq) encode(e *encoder) {
	e.str(p.ClientID)
	e.str(p.ClientSecret)
}

func (p *AppAuthReq) decode(d *decoder) {
	p.ClientID = d.str()
	p.ClientSecret = d.str()
}

// AppAuthRes acknowledges application authentication.
type AppAuthRes struct {
	Status uint8
	Reason string
}

func (*AppAuthRes) PayloadType() PayloadType { return TypeAppAuthRes }

func (p *AppAuthRes) encode(e *encoder) {
	e.u8(p.Status)
	e.str(p.Reason)
}

func (p *AppAuthRes) decode(d *decoder) {
	p.Status = d.u8()
	p.Reason = d.str()
}

// AccountAuthReq authenticates a trading account with a bearer token.
type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (*AccountAuthReq) PayloadType() PayloadType { return TypeAccountAuthReq }

func (p *AccountAuthReq) encode(e *encoder) {
	e.i64(p.AccountID)
	e.str(p.AccessToken)
}

func (p *AccountAuthReq) decode(d *decoder) {
	p.AccountID = d.i64()
	p.AccessToken = d.str()
}

// AccountAuthRes acknowledges account authentication.
type AccountAuthRes struct {
	AccountID int64
	Status    uint8
	Reason    string
}

func (*AccountAuthRes) PayloadType() PayloadType { return TypeAccountAuthRes }

func (p *AccountAuthRes) encode(e *encoder) {
	e.i64(p.AccountID)
	e.u8(p.Status)
	e.str(p.Reason)
}

func (p *AccountAuthRes) decode(d *decoder) {
	p.AccountID = d.i64()
	p.Status = d.u8()
	p.Reason = d.str()
}

// SymbolListReq requests the tradable symbol list.
type SymbolListReq struct{}

func (*SymbolListReq) PayloadType() PayloadType { return TypeSymbolListReq }
func (*SymbolListReq) encode(*encoder)          {}
func (*SymbolListReq) decode(*decoder)          {}

// SymbolEntry is one symbol in a SymbolListRes.
type SymbolEntry struct {
	ID            int64
	Name          string
	Digits        uint8
	MinTPDistance int64
	MinSLDistance int64
}

// SymbolListRes carries the broker's symbol metadata.
type SymbolListRes struct {
	Symbols []SymbolEntry
}

func (*SymbolListRes) PayloadType() PayloadType { return TypeSymbolListRes }

func (p *SymbolListRes) encode(e *encoder) {
	e.u16(uint16(len(p.Symbols)))
	for _, s := range p.Symbols {
		e.i64(s.ID)
		e.str(s.Name)
		e.u8(s.Digits)
		e.i64(s.MinTPDistance)
		e.i64(s.MinSLDistance)
	}
}

func (p *SymbolListRes) decode(d *decoder) {
	n := int(d.u16())
	for i := 0; i < n && d.err == nil; i++ {
		var s SymbolEntry
		s.ID = d.i64()
		s.Name = d.str()
		s.Digits = d.u8()
		s.MinTPDistance = d.i64()
		s.MinSLDistance = d.i64()
		p.Symbols = append(p.Symbols, s)
	}
}

// SubscribeSpotsReq subscribes to spot events for one symbol.
type SubscribeSpotsReq struct {
	SymbolID int64
}

func (*SubscribeSpotsReq) PayloadType() PayloadType { return TypeSubscribeSpotsReq }
func (p *SubscribeSpotsReq) encode(e *encoder)      { e.i64(p.SymbolID) }
func (p *SubscribeSpotsReq) decode(d *decoder)      { p.SymbolID = d.i64() }

// SubscribeSpotsRes acknowledges a spot subscription.
type SubscribeSpotsRes struct {
	SymbolID int64
}

func (*SubscribeSpotsRes) PayloadType() PayloadType { return TypeSubscribeSpotsRes }
func (p *SubscribeSpotsRes) encode(e *encoder)      { e.i64(p.SymbolID) }
func (p *SubscribeSpotsRes) decode(d *decoder)      { p.SymbolID = d.i64() }

// SpotEvent is an unsolicited live bid/ask update.
type SpotEvent struct {
	SymbolID    int64
	Bid         float64
	Ask         float64
	TimestampMs int64
}

func (*SpotEvent) PayloadType() PayloadType { return TypeSpotEvent }

func (p *SpotEvent) encode(e *encoder) {
	e.i64(p.SymbolID)
	e.f64(p.Bid)
	e.f64(p.Ask)
	e.i64(p.TimestampMs)
}

func (p *SpotEvent) decode(d *decoder) {
	p.SymbolID = d.i64()
	p.Bid = d.f64()
	p.Ask = d.f64()
	p.TimestampMs = d.i64()
}

// NewOrderReq submits an immediate-execution market order. SL/TP travel
// only as relative distances in PricePrecision units; the broker rejects
// absolute values for this order type.
type NewOrderReq struct {
	SymbolID    int64
	Side        uint8
	Volume      float64
	RelativeSL  int64
	RelativeTP  int64
	ClientLabel string
}

func (*NewOrderReq) PayloadType() PayloadType { return TypeNewOrderReq }

func (p *NewOrderReq) encode(e *encoder) {
	e.i64(p.SymbolID)
	e.u8(p.Side)
	e.f64(p.Volume)
	e.i64(p.RelativeSL)
	e.i64(p.RelativeTP)
	e.str(p.ClientLabel)
}

func (p *NewOrderReq) decode(d *decoder) {
	p.SymbolID = d.i64()
	p.Side = d.u8()
	p.Volume = d.f64()
	p.RelativeSL = d.i64()
	p.RelativeTP = d.i64()
	p.ClientLabel = d.str()
}

// ExecutionEvent reports order fills, closes, and rejections. For
// ExecTypeRejected, Price is zero and Label carries the broker reason.
type ExecutionEvent struct {
	Type        uint8
	PositionID  int64
	SymbolID    int64
	Side        uint8
	Volume      float64
	Price       float64
	TimestampMs int64
	Label       string
}

func (*ExecutionEvent) PayloadType() PayloadType { return TypeExecutionEvent }

func (p *ExecutionEvent) encode(e *encoder) {
	e.u8(p.Type)
	e.i64(p.PositionID)
	e.i64(p.SymbolID)
	e.u8(p.Side)
	e.f64(p.Volume)
	e.f64(p.Price)
	e.i64(p.TimestampMs)
	e.str(p.Label)
}

func (p *ExecutionEvent) decode(d *decoder) {
	p.Type = d.u8()
	p.PositionID = d.i64()
	p.SymbolID = d.i64()
	p.Side = d.u8()
	p.Volume = d.f64()
	p.Price = d.f64()
	p.TimestampMs = d.i64()
	p.Label = d.str()
}

// ClosePositionReq closes volume of an open position at market.
type ClosePositionReq struct {
	PositionID int64
	Volume     float64
}

func (*ClosePositionReq) PayloadType() PayloadType { return TypeClosePositionReq }

func (p *ClosePositionReq) encode(e *encoder) {
	e.i64(p.PositionID)
	e.f64(p.Volume)
}

func (p *ClosePositionReq) decode(d *decoder) {
	p.PositionID = d.i64()
	p.Volume = d.f64()
}

// PositionListReq requests the broker's authoritative open position list.
type PositionListReq struct{}

func (*PositionListReq) PayloadType() PayloadType { return TypePositionListReq }
func (*PositionListReq) encode(*encoder)          {}
func (*PositionListReq) decode(*decoder)          {}

// PositionEntry is one position in a PositionListRes.
type PositionEntry struct {
	ID         int64
	SymbolID   int64
	Side       uint8
	Volume     float64
	EntryPrice float64
}

// PositionListRes carries the broker's open positions.
type PositionListRes struct {
	Positions []PositionEntry
}

func (*PositionListRes) PayloadType() PayloadType { return TypePositionListRes }

func (p *PositionListRes) encode(e *encoder) {
	e.u16(uint16(len(p.Positions)))
	for _, pos := range p.Positions {
		e.i64(pos.ID)
		e.i64(pos.SymbolID)
		e.u8(pos.Side)
		e.f64(pos.Volume)
		e.f64(pos.EntryPrice)
	}
}

func (p *PositionListRes) decode(d *decoder) {
	n := int(d.u16())
	for i := 0; i < n && d.err == nil; i++ {
		var pos PositionEntry
		pos.ID = d.i64()
		pos.SymbolID = d.i64()
		pos.Side = d.u8()
		pos.Volume = d.f64()
		pos.EntryPrice = d.f64()
		p.Positions = append(p.Positions, pos)
	}
}

// Heartbeat keeps the session alive in both directions.
type Heartbeat struct{}

func (*Heartbeat) PayloadType() PayloadType { return TypeHeartbeat }
func (*Heartbeat) encode(*encoder)          {}
func (*Heartbeat) decode(*decoder)          {}

// ErrorRes is a protocol-level rejection correlated to a request.
type ErrorRes struct {
	Code        uint32
	Description string
}

func (*ErrorRes) PayloadType() PayloadType { return TypeErrorRes }

func (p *ErrorRes) encode(e *encoder) {
	e.u32(p.Code)
	e.str(p.Description)
}

func (p *ErrorRes) decode(d *decoder) {
	p.Code = d.u32()
	p.Description = d.str()
}

// Marshal builds a frame from a payload and correlation id.
func Marshal(correlationID uint64, p Payload) (Frame, error) {
	var e encoder
	p.encode(&e)

	f := Frame{
		Type:          p.PayloadType(),
		CorrelationID: correlationID,
		Body:          e.buf,
	}
	if headerSize+len(f.Body) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	return f, nil
}

// Unmarshal decodes a frame body into its typed payload.
func Unmarshal(f Frame) (Payload, error) {
	var p Payload
	switch f.Type {
	case TypeAppAuthReq:
		p = &AppAuthReq{}
	case TypeAppAuthRes:
		p = &AppAuthRes{}
	case TypeAccountAuthReq:
		p = &AccountAuthReq{}
	case TypeAccountAuthRes:
		p = &AccountAuthRes{}
	case TypeSymbolListReq:
		p = &SymbolListReq{}
	case TypeSymbolListRes:
		p = &SymbolListRes{}
	case TypeSubscribeSpotsReq:
		p = &SubscribeSpotsReq{}
	case TypeSubscribeSpotsRes:
		p = &SubscribeSpotsRes{}
	case TypeSpotEvent:
		p = &SpotEvent{}
	case TypeNewOrderReq:
		p = &NewOrderReq{}
	case TypeExecutionEvent:
		p = &ExecutionEvent{}
	case TypeClosePositionReq:
		p = &ClosePositionReq{}
	case TypePositionListReq:
		p = &PositionListReq{}
	case TypePositionListRes:
		p = &PositionListRes{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	case TypeErrorRes:
		p = &ErrorRes{}
	default:
		return nil, fmt.Errorf("wire: unknown payload type 0x%02x", uint16(f.Type))
	}

	d := decoder{buf: f.Body}
	p.decode(&d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("wire: decode %T: %w", p, err)
	}
	return p, nil
}
