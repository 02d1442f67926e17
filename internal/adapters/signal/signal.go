// Package signal is the client side of the conferencing signaling socket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Handler receives every inbound envelope with its type already decoded.
type Handler func(typ string, data []byte)

type Options struct {
	URL        string
	Token      string
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
	Handle     Handler
	// OnClose runs once when the socket goes away; err is nil after a local Close.
	OnClose func(err error)
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
}

// Conn is a signaling socket with a buffered writer. It satisfies
// core.SignalConnection.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	opts Options
	log  zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*Conn)(nil)

// Dial connects to the signaling endpoint, passing the access token as a
// query parameter, and starts the pumps.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.defaults()
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", u.Host, err)
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := &Conn{
		ws:   ws,
		send: make(chan core.Frame, opts.SendBuffer),
		opts: opts,
		log:  log.With().Str("module", "signal").Str("host", u.Host).Logger(),
	}
	go c.writePump()
	go c.readPump()
	c.log.Info().Msg("connected")
	return c, nil
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// SendJSON marshals v and queues it.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signal: marshal: %w", err)
	}
	return c.TrySend(b)
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
