package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/app/orch"
	"github.com/dkeye/televisit/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var _ core.SignalConnection = (*viewConn)(nil)

// viewConn streams view snapshots to one UI.
type viewConn struct {
	ws   *websocket.Conn
	send chan core.Frame
	once sync.Once
}

func (c *viewConn) TrySend(f core.Frame) error {
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *viewConn) Close() {
	c.once.Do(func() { _ = c.ws.Close() })
}

// hub fans view changes out to every connected UI.
type hub struct {
	readLimit  int64
	pingPeriod time.Duration

	mu    sync.RWMutex
	conns map[*viewConn]struct{}
}

func newHub(readLimit int64, pingPeriod time.Duration) *hub {
	if readLimit <= 0 {
		readLimit = 4096
	}
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &hub{readLimit: readLimit, pingPeriod: pingPeriod, conns: make(map[*viewConn]struct{})}
}

// broadcast drops the frame for a UI that is not keeping up; the next change
// carries the full state again.
func (h *hub) broadcast(v orch.View) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("marshal view")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if err := c.TrySend(b); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("view frame dropped")
		}
	}
}

func (h *hub) serve(ctx context.Context, c *gin.Context, initial orch.View) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(h.readLimit)

	vc := &viewConn{ws: ws, send: make(chan core.Frame, 16)}
	if b, err := json.Marshal(initial); err == nil {
		_ = vc.TrySend(b)
	}
	h.mu.Lock()
	h.conns[vc] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "adapters.http").Str("remote", c.Request.RemoteAddr).Msg("events stream opened")

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, vc)
	go h.readPump(cancel, vc)
}

func (h *hub) drop(vc *viewConn) {
	h.mu.Lock()
	delete(h.conns, vc)
	h.mu.Unlock()
	vc.Close()
}

func (h *hub) writePump(ctx context.Context, vc *viewConn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(vc)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-vc.send:
			_ = vc.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := vc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := vc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the UI going away.
func (h *hub) readPump(cancel context.CancelFunc, vc *viewConn) {
	defer cancel()
	for {
		if _, _, err := vc.ws.ReadMessage(); err != nil {
			return
		}
	}
}
