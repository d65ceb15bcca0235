package wire

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestFrame_EncodeReadRoundTrip(t *testing.T) {
	f := Frame{
		Type:          TypeSpotEvent,
		CorrelationID: 0,
		Body:          []byte{1, 2, 3, 4},
	}

	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	if got.Type != f.Type || got.CorrelationID != f.CorrelationID || !bytes.Equal(got.Body, f.Body) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	f := Frame{Type: TypeHeartbeat, CorrelationID: 7}
	buf, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Cut the frame short after the length prefix.
	_, err = ReadFrame(bytes.NewReader(buf[:6]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrame_Oversized(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(buf))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_ShorterThanHeader(t *testing.T) {
	buf := []byte{0, 0, 0, 2, 0, 1}
	_, err := ReadFrame(bytes.NewReader(buf))
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}

func TestMarshalUnmarshal_AllPayloads(t *testing.T) {
	payloads := []Payload{
		&AppAuthReq{ClientID: "client", ClientSecret: "secret"},
		&AppAuthRes{Status: AuthStatusAlreadyAuthenticated, Reason: "already authenticated"},
		&AccountAuthReq{AccountID: 42, AccessToken: "token"},
		&AccountAuthRes{AccountID: 42, Status: AuthStatusOK},
		&SymbolListReq{},
		&SymbolListRes{Symbols: []SymbolEntry{
			{ID: 1, Name: "EURUSD", Digits: 5, MinTPDistance: 100, MinSLDistance: 100},
			{ID: 2, Name: "XAUUSD", Digits: 2, MinTPDistance: 5000, MinSLDistance: 5000},
		}},
		&SubscribeSpotsReq{SymbolID: 1},
		&SubscribeSpotsRes{SymbolID: 1},
		&SpotEvent{SymbolID: 1, Bid: 1.07001, Ask: 1.07013, TimestampMs: 1700000000000},
		&NewOrderReq{SymbolID: 1, Side: SideBuy, Volume: 0.1, RelativeSL: 10000000, RelativeTP: 10000000, ClientLabel: "lbl-1"},
		&ExecutionEvent{Type: ExecTypeFilled, PositionID: 99, SymbolID: 1, Side: SideBuy, Volume: 0.1, Price: 1.07, TimestampMs: 1700000000000, Label: "lbl-1"},
		&ClosePositionReq{PositionID: 99, Volume: 0.1},
		&PositionListReq{},
		&PositionListRes{Positions: []PositionEntry{
			{ID: 99, SymbolID: 1, Side: SideSell, Volume: 0.2, EntryPrice: 1.08},
		}},
		&Heartbeat{},
		&ErrorRes{Code: 40013, Description: "distance too small"},
	}

	for _, p := range payloads {
		f, err := Marshal(17, p)
		if err != nil {
			t.Fatalf("Marshal %T failed: %v", p, err)
		}
		if f.Type != p.PayloadType() {
			t.Errorf("%T: frame type %#x, want %#x", p, f.Type, p.PayloadType())
		}
		if f.CorrelationID != 17 {
			t.Errorf("%T: correlation id %d, want 17", p, f.CorrelationID)
		}

		got, err := Unmarshal(f)
		if err != nil {
			t.Fatalf("Unmarshal %T failed: %v", p, err)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("%T round trip mismatch:\n got %+v\nwant %+v", p, got, p)
		}
	}
}

func TestUnmarshal_TruncatedBody(t *testing.T) {
	f, err := Marshal(1, &SpotEvent{SymbolID: 1, Bid: 1.0, Ask: 1.1, TimestampMs: 5})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	f.Body = f.Body[:len(f.Body)-3]

	_, err = Unmarshal(f)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestUnmarshal_TrailingBytes(t *testing.T) {
	f, err := Marshal(1, &Heartbeat{})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	f.Body = append(f.Body, 0xAB)

	_, err = Unmarshal(f)
	if !errors.Is(err, ErrTrailingBytes) {
		t.Errorf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal(Frame{Type: 0xFFF0})
	if err == nil {
		t.Error("expected error for unknown payload type")
	}
}

func TestDecodeFrame_ShortData(t *testing.T) {
	_, err := DecodeFrame([]byte{0, 1})
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}

func TestWriteFrame_MultipleSequential(t *testing.T) {
	var buf bytes.Buffer

	frames := []Frame{
		{Type: TypeHeartbeat, CorrelationID: 0},
		{Type: TypeSpotEvent, CorrelationID: 0, Body: []byte{9, 9}},
		{Type: TypeErrorRes, CorrelationID: 3, Body: []byte{0, 0, 0, 1, 0, 0}},
	}

	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got.Type != want.Type || got.CorrelationID != want.CorrelationID {
			t.Errorf("frame %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
}
