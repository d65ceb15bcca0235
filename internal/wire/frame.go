// Package wire implements the broker's length-prefixed binary framing and
// the typed payloads carried inside frames. All integers are big endian.
//
// Frame layout:
//
//	u32 length         (bytes following this field)
//	u16 payload type
//	u64 correlation id (0 on unsolicited events)
//	body               (payload-specific fixed layout)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PayloadType tags the body carried by a frame.
type PayloadType uint16

const (
	TypeAppAuthReq        PayloadType = 0x01
	TypeAppAuthRes        PayloadType = 0x02
	TypeAccountAuthReq    PayloadType = 0x03
	TypeAccountAuthRes    PayloadType = 0x04
	TypeSymbolListReq     PayloadType = 0x05
	TypeSymbolListRes     PayloadType = 0x06
	TypeSubscribeSpotsReq PayloadType = 0x07
	TypeSubscribeSpotsRes PayloadType = 0x08
	TypeSpotEvent         PayloadType = 0x09
	TypeNewOrderReq       PayloadType = 0x0A
	TypeExecutionEvent    PayloadType = 0x0B
	TypeClosePositionReq  PayloadType = 0x0C
	TypePositionListReq   PayloadType = 0x0D
	TypePositionListRes   PayloadType = 0x0E
	TypeHeartbeat         PayloadType = 0x0F
	TypeErrorRes          PayloadType = 0x10
)

// MaxFrameSize bounds a single frame (length field value). Anything larger
// is treated as a protocol violation, not an allocation request.
const MaxFrameSize = 1 << 20

// frame header past the length field: u16 type + u64 correlation id.
const headerSize = 10

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	ErrShortFrame    = errors.New("wire: frame shorter than header")
	ErrTruncated     = errors.New("wire: truncated payload")
	ErrTrailingBytes = errors.New("wire: trailing bytes after payload")
)

// Frame is a decoded frame envelope. Body is the raw payload bytes.
type Frame struct {
	Type          PayloadType
	CorrelationID uint64
	Body          []byte
}

// Encode serializes the frame including the length prefix.
func (f Frame) Encode() ([]byte, error) {
	n := headerSize + len(f.Body)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, 4+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Type))
	binary.BigEndian.PutUint64(buf[6:14], f.CorrelationID)
	copy(buf[14:], f.Body)
	return buf, nil
}

// EncodeBody serializes the frame without the length prefix, for
// transports whose message boundaries already delimit frames.
func (f Frame) EncodeBody() ([]byte, error) {
	n := headerSize + len(f.Body)
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, n)
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Type))
	binary.BigEndian.PutUint64(buf[2:10], f.CorrelationID)
	copy(buf[10:], f.Body)
	return buf, nil
}

// DecodeFrame parses a frame from data that carries exactly one frame
// without the length prefix (the WebSocket transport delivers frames as
// whole messages, message boundaries replacing the prefix).
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, ErrShortFrame
	}
	if len(data) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	f := Frame{
		Type:          PayloadType(binary.BigEndian.Uint16(data[0:2])),
		CorrelationID: binary.BigEndian.Uint64(data[2:10]),
	}
	f.Body = make([]byte, len(data)-headerSize)
	copy(f.Body, data[headerSize:])
	return f, nil
}

// ReadFrame reads one length-prefixed frame from r (the TCP transport).
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if n < headerSize {
		return Frame{}, ErrShortFrame
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	return DecodeFrame(data)
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
