package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spotbot/internal/wire"
)

// Transport carries framed messages to and from the broker. Frame
// semantics are identical across implementations; only the carrier
// differs. ReadFrame is called by a single goroutine, WriteFrame by a
// single goroutine.
type Transport interface {
	ReadFrame() (wire.Frame, error)
	WriteFrame(wire.Frame) error
	Close() error
}

// Dialer opens a fresh Transport. The session dials once at startup and
// again on every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// TCPDialer connects to the broker's raw TLS endpoint. Frames travel
// length-prefixed on the stream.
type TCPDialer struct {
	Addr      string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := &net.Dialer{}
	raw, err := nd.DialContext(dialCtx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}

	cfg := d.TLSConfig
	if cfg == nil {
		host, _, splitErr := net.SplitHostPort(d.Addr)
		if splitErr != nil {
			host = d.Addr
		}
		cfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(dialCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", d.Addr, err)
	}
	return &tcpTransport{conn: conn}, nil
}

type tcpTransport struct {
	conn *tls.Conn

	writeMu sync.Mutex
}

func (t *tcpTransport) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(t.conn)
}

func (t *tcpTransport) WriteFrame(f wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteFrame(t.conn, f)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// WSDialer connects to the broker's websocket endpoint. Each websocket
// binary message carries exactly one frame, without the length prefix
// (the websocket layer already delimits messages).
type WSDialer struct {
	URL     string
	Timeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (t *wsTransport) ReadFrame() (wire.Frame, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return wire.Frame{}, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return wire.DecodeFrame(data)
	}
}

func (t *wsTransport) WriteFrame(f wire.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	data, err := f.EncodeBody()
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

var (
	_ Transport = (*tcpTransport)(nil)
	_ Transport = (*wsTransport)(nil)
	_ Dialer    = (*TCPDialer)(nil)
	_ Dialer    = (*WSDialer)(nil)
)
