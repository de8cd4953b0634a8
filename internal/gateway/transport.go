package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live upstream connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives, the connection
	// fails, or ctx ends.
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Transport dials upstream stream endpoints. The engine only requires that
// a transport deliver ordered frames and support reconnection; the wire
// protocol behind it is the producer's concern.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

const (
	handshakeTimeout = 10 * time.Second
	readDeadline     = 60 * time.Second
	maxFrameSize     = 512 * 1024
)

// WSTransport is the WebSocket transport used in production.
type WSTransport struct {
	dialer *websocket.Dialer
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (t *WSTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway: dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway: dial %s: %w", endpoint, err)
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	// Unblock the read when ctx ends; gorilla reads have no ctx parameter.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.Close()
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	return data, nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// Compile-time assertion.
var _ Transport = (*WSTransport)(nil)
