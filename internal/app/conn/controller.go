package conn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

const DefaultConnectTimeout = 30 * time.Second

// StatusChecker answers the out-of-band room status query.
type StatusChecker interface {
	RoomDetails(ctx context.Context, roomSID string) (domain.RoomDetails, error)
}

type ConnectRequest struct {
	Token    string
	RoomName string
	// RoomSID keys the completed-room precheck; the room name is used until
	// the SID is known.
	RoomSID  string
	Identity string
	Tracks   []core.LocalTrack
	Sink     core.EventSink
}

type Options struct {
	Connector core.Connector
	Status    StatusChecker
	Timeout   time.Duration
	// OnRoomCompleted runs the full cleanup when the precheck finds the room over.
	OnRoomCompleted func(ctx context.Context)
	// ReleaseHardware stops raw sources not covered by a track stop.
	ReleaseHardware func()
	Now             func() time.Time
}

type Controller struct {
	opts Options

	mu        sync.Mutex
	state     State
	room      core.Room
	attempt   uint64
	listeners []func(State)
}

func NewController(opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{opts: opts}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the attached room, nil when not connected.
func (c *Controller) Room() core.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// OnStateChange registers a listener called after every transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Connect joins the room. A second call while connecting or connected is a
// no-op returning ErrConnectInProgress. The connect is abandoned after the
// configured timeout; a late result is disconnected and ignored.
func (c *Controller) Connect(ctx context.Context, req ConnectRequest) (core.Room, error) {
	logger := log.With().Str("module", "app.conn").Str("room", req.RoomName).Str("identity", req.Identity).Logger()

	c.mu.Lock()
	if c.state.Busy() {
		c.mu.Unlock()
		logger.Info().Msg("connect suppressed, already connecting")
		return nil, ErrConnectInProgress
	}
	c.attempt++
	id := c.attempt
	notify := c.moveLocked(Connecting, nil)
	c.mu.Unlock()
	notify()

	statusKey := req.RoomSID
	if statusKey == "" {
		statusKey = req.RoomName
	}
	if statusKey != "" && c.opts.Status != nil {
		details, err := c.opts.Status.RoomDetails(ctx, statusKey)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("room status check failed, connecting anyway")
		case details.Status.Terminal():
			logger.Info().Str("status", string(details.Status)).Msg("room already over, skipping connect")
			ce := &ConnectError{Kind: KindRoomCompleted, Err: ErrRoomCompleted}
			c.fail(id, ce)
			if c.opts.OnRoomCompleted != nil {
				c.opts.OnRoomCompleted(ctx)
			}
			return nil, ce
		}
	}

	if err := CheckToken(req.Token, c.opts.Now()); err != nil {
		ce := Classify(err)
		c.fail(id, ce)
		return nil, ce
	}

	done := make(chan connectResult, 1)
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		room, err := c.opts.Connector.Connect(connectCtx, core.ConnectOptions{
			Token:    req.Token,
			RoomName: req.RoomName,
			Identity: req.Identity,
			Tracks:   req.Tracks,
		}, req.Sink)
		done <- connectResult{room: room, err: err}
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			ce := Classify(res.err)
			logger.Warn().Err(res.err).Str("kind", string(ce.Kind)).Msg("connect failed")
			c.fail(id, ce)
			return nil, ce
		}
		return c.attach(id, res.room, &logger)
	case <-timer.C:
		logger.Warn().Dur("timeout", c.opts.Timeout).Msg("connect timed out")
		ce := &ConnectError{Kind: KindNetwork, Code: core.CodeSignalingTimeout, Err: ErrConnectTimeout}
		c.fail(id, ce)
		go discardLate(done, &logger)
		return nil, ce
	case <-ctx.Done():
		ce := Classify(ctx.Err())
		c.fail(id, ce)
		go discardLate(done, &logger)
		return nil, ce
	}
}

func (c *Controller) attach(id uint64, room core.Room, logger *zerolog.Logger) (core.Room, error) {
	c.mu.Lock()
	if c.attempt != id || c.state.Phase != Connecting {
		c.mu.Unlock()
		logger.Info().Msg("connect resolved after being abandoned, disconnecting")
		_ = room.Disconnect()
		return nil, ErrAbandoned
	}
	c.room = room
	notify := c.moveLocked(Connected, nil)
	c.mu.Unlock()
	notify()
	logger.Info().Str("room_sid", room.SID()).Msg("connected")
	return room, nil
}

type connectResult struct {
	room core.Room
	err  error
}

// discardLate waits for an abandoned connect and releases whatever it produced.
func discardLate(done <-chan connectResult, logger *zerolog.Logger) {
	res := <-done
	if res.room != nil {
		logger.Info().Str("room_sid", res.room.SID()).Msg("late connect ignored")
		_ = res.room.Disconnect()
	}
}

func (c *Controller) fail(id uint64, ce *ConnectError) {
	c.mu.Lock()
	if c.attempt != id || c.state.Phase != Connecting {
		c.mu.Unlock()
		return
	}
	notify := c.moveLocked(Disconnected, ce.Reason())
	c.mu.Unlock()
	notify()
}

// Disconnect unpublishes every local media track, then stops each of them,
// then releases remaining hardware, then disconnects the room. Safe to call
// when nothing is attached.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.attempt++
	notify := func() {}
	if c.state.Busy() {
		notify = c.moveLocked(Disconnected, &Reason{Kind: KindLeft, Message: UserMessage(KindLeft, false)})
	}
	c.mu.Unlock()
	notify()

	if room == nil {
		return nil
	}
	teardown(room, c.opts.ReleaseHardware)
	log.Info().Str("module", "app.conn").Str("room_sid", room.SID()).Msg("disconnected")
	return nil
}

func teardown(room core.Room, release func()) {
	var media []core.LocalTrack
	if local := room.Local(); local != nil {
		for _, t := range local.Published() {
			if t.Kind() != core.KindData {
				media = append(media, t)
			}
		}
		for _, t := range media {
			if err := local.Unpublish(t); err != nil {
				log.Warn().Err(err).Str("module", "app.conn").Str("track", t.ID()).Msg("unpublish")
			}
		}
	}
	for _, t := range media {
		t.Stop()
	}
	if release != nil {
		release()
	}
	if err := room.Disconnect(); err != nil {
		log.Warn().Err(err).Str("module", "app.conn").Msg("room disconnect")
	}
}

// HandleEvent folds room-level connection events into the state. It returns
// the reason when the event ended the connection.
func (c *Controller) HandleEvent(ev core.Event) *Reason {
	c.mu.Lock()
	var (
		notify = func() {}
		reason *Reason
		room   core.Room
	)
	switch ev.Type {
	case core.EventReconnecting:
		if c.state.Phase == Connected {
			notify = c.moveLocked(Reconnecting, nil)
		}
	case core.EventReconnected:
		if c.state.Phase == Reconnecting {
			notify = c.moveLocked(Connected, nil)
		}
	case core.EventDisconnected:
		if c.state.Phase == Connected || c.state.Phase == Reconnecting {
			reason = disconnectReason(ev.Err)
			room = c.room
			c.room = nil
			c.attempt++
			notify = c.moveLocked(Disconnected, reason)
		}
	}
	c.mu.Unlock()
	notify()

	if room != nil {
		log.Info().Str("module", "app.conn").Str("kind", string(reason.Kind)).Msg("room disconnected remotely")
		teardown(room, c.opts.ReleaseHardware)
	}
	return reason
}

func disconnectReason(err error) *Reason {
	if err == nil {
		return &Reason{Kind: KindLeft, Message: UserMessage(KindLeft, false)}
	}
	ce := Classify(err)
	r := ce.Reason()
	if ce.Kind == KindSessionExpired {
		r.Message = UserMessage(KindSessionExpired, false)
	}
	return r
}

// Reset returns a Disconnected controller to Idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	notify := func() {}
	if c.state.Phase == Disconnected {
		notify = c.moveLocked(Idle, nil)
	}
	c.mu.Unlock()
	notify()
}

// moveLocked changes state under c.mu and returns the listener fan-out to run
// after unlocking.
func (c *Controller) moveLocked(to Phase, reason *Reason) func() {
	next, err := c.state.Next(to, reason)
	if err != nil {
		log.Error().Err(err).Str("module", "app.conn").Msg("state")
		return func() {}
	}
	c.state = next
	listeners := append([]func(State){}, c.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(next)
		}
	}
}

