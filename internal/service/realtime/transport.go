package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Conn operations after Close.
var ErrConnClosed = errors.New("realtime connection closed")

// Conn 是一条已建立的实时连接。
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	// Recv blocks until the next inbound frame, ctx is done or the connection fails.
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Transport 负责建立某一种实时连接。
type Transport interface {
	Name() string
	Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error)
}

// WebSocketOptions 控制 websocket 传输的超时与心跳。
type WebSocketOptions struct {
	HandshakeTimeout time.Duration // 握手超时时间
	ReadTimeout      time.Duration // 读取超时时间
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔
}

// DefaultWebSocketOptions 默认 websocket 选项
func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingInterval:     25 * time.Second,
	}
}

// WebSocketTransport dials the streaming endpoint at <socket path>/websocket.
type WebSocketTransport struct {
	options WebSocketOptions
	dialer  *websocket.Dialer
}

// NewWebSocketTransport 创建 websocket 传输
func NewWebSocketTransport(options WebSocketOptions) *WebSocketTransport {
	defaults := DefaultWebSocketOptions()
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = defaults.ReadTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = defaults.WriteTimeout
	}
	if options.PingInterval <= 0 {
		options.PingInterval = defaults.PingInterval
	}
	return &WebSocketTransport{
		options: options,
		dialer: &websocket.Dialer{
			HandshakeTimeout: options.HandshakeTimeout,
		},
	}
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, endpoint *url.URL, header http.Header) (Conn, error) {
	wsURL := *endpoint
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	case "http":
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/websocket"

	conn, resp, err := t.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &wsConn{
		conn:    conn,
		options: t.options,
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(t.options.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.options.ReadTimeout))
		return nil
	})

	go c.pingLoop()

	return c, nil
}

type wsConn struct {
	conn    *websocket.Conn
	options WebSocketOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	deadline := time.Now().Add(c.options.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Recv(ctx context.Context) (Envelope, error) {
	// gorilla 的读取不接受 context，关闭连接即可打断阻塞的 ReadJSON。
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		select {
		case <-c.done:
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, ErrConnClosed
		default:
		}
		return Envelope{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	return env, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// pingLoop 定期发送ping消息
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsCloseError reports whether err ended a session normally.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
