package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 5 * time.Minute
	maxMessageSize = 512 * 1024 // 512 KB
)

// Conn is a live bidirectional connection carrying JSON frames.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(*Frame) error
	Close() error
}

// Dialer establishes a Conn for an authenticated session. The token is
// supplied at dial time and again via the explicit authenticate frame.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WSDialer dials the server's WebSocket endpoint.
type WSDialer struct {
	BaseURL          string // http(s) server base URL
	Path             string // websocket endpoint path
	HandshakeTimeout time.Duration
}

// Dial connects and returns the frame-level connection.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	wsURL, err := d.buildURL(token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}, nil
}

// buildURL converts the HTTP(S) base URL to WS(S) and injects the token as a
// query parameter.
func (d *WSDialer) buildURL(token string) (string, error) {
	parsed, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch parsed.Scheme {
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = d.Path

	q := parsed.Query()
	q.Set("token", token)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() (*Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		return nil, err
	}
	return &f, nil
}

func (c *wsConn) WriteFrame(f *Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
