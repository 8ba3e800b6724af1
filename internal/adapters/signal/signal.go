// Package signal is the WebSocket client for the relay's signaling channel.
package signal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voice-client/internal/core"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// URL is the relay base, e.g. ws://relay:8080.
	URL          string
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	Header       http.Header
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

// pongWait is how long the read side tolerates silence.
func (o Options) pongWait() time.Duration { return o.PingPeriod * 10 / 9 }

type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
}

func NewDialer(opts Options) *Dialer {
	return &Dialer{
		opts: opts.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SessionURL renders <relay>/ws?roomId=<sid>.
func SessionURL(base string, sid domain.SessionID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("roomId", string(sid))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) Dial(ctx context.Context, sid domain.SessionID, h core.SignalHandler) (core.SignalConnection, error) {
	target, err := SessionURL(d.opts.URL, sid)
	if err != nil {
		return nil, err
	}
	ws, resp, err := d.dialer.DialContext(ctx, target, d.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("url", target).Msg("connected")

	c := &WsSignalConn{
		conn:    ws,
		send:    make(chan core.Frame, d.opts.SendBuffer),
		handler: h,
		opts:    d.opts,
		sid:     sid,
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// WsSignalConn is one open signaling channel.
type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan core.Frame
	handler core.SignalHandler
	opts    Options
	sid     domain.SessionID

	mu     sync.RWMutex
	closed bool
	local  bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close ends the channel. The handler then sees OnClosed(nil).
func (c *WsSignalConn) Close() {
	c.shutdown(true)
}

func (c *WsSignalConn) shutdown(local bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.local = local
	close(c.send)
}

func (c *WsSignalConn) closedLocally() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}
