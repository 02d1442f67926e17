package rtc

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/core"
)

type Config struct {
	SignalURL     string
	ICEServers    []string
	MTU           int
	AnswerTimeout time.Duration
	SendBuffer    int
	ReadLimit     int64
	PingPeriod    time.Duration
}

// Connector opens rooms through the signaling service.
type Connector struct {
	cfg Config
}

var _ core.Connector = (*Connector)(nil)

func NewConnector(cfg Config) *Connector {
	if cfg.MTU <= 0 {
		cfg.MTU = 1200
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 10 * time.Second
	}
	return &Connector{cfg: cfg}
}

// Connect dials signaling, publishes opts.Tracks with the first offer and
// returns once the answer is applied and the room state arrived.
func (c *Connector) Connect(ctx context.Context, opts core.ConnectOptions, sink core.EventSink) (core.Room, error) {
	logger := log.With().Str("module", "rtc").Str("room", opts.RoomName).Logger()

	pc, err := NewConnection(WebRTCConfig(c.cfg.ICEServers), logger)
	if err != nil {
		return nil, err
	}
	r := newRoom(pc, sink, opts.Identity, c.cfg.MTU, c.cfg.AnswerTimeout, logger)

	sig, err := signal.Dial(ctx, signal.Options{
		URL:        c.cfg.SignalURL,
		Token:      opts.Token,
		SendBuffer: c.cfg.SendBuffer,
		ReadLimit:  c.cfg.ReadLimit,
		PingPeriod: c.cfg.PingPeriod,
		Handle:     r.handle,
		OnClose:    r.signalClosed,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}
	r.sig = sig

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) { r.sendCandidate(ci) })
	pc.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		drainRemote(ctx, track, &r.log)
	})
	pc.OnDataChannel(r.onDataChannel)
	pc.OnFailed(func() {
		r.transportLost(&core.RoomError{Code: core.CodeSignalingDisconnected, Message: "media connection failed"})
	})
	pc.Start()

	fail := func(err error) (core.Room, error) {
		_ = r.Disconnect()
		return nil, err
	}

	dc, err := pc.CreateDataChannel("data")
	if err != nil {
		return fail(err)
	}
	r.local.mu.Lock()
	r.local.data = dc
	r.local.mu.Unlock()

	join := signal.Join{Type: signal.TypeJoin, Room: opts.RoomName, Identity: opts.Identity}
	for _, t := range opts.Tracks {
		if _, err := r.local.attach(t); err != nil {
			return fail(err)
		}
		join.Tracks = append(join.Tracks, describe(t))
	}
	if err := sig.SendJSON(join); err != nil {
		return fail(err)
	}
	if err := r.negotiate(ctx); err != nil {
		return fail(err)
	}

	select {
	case <-r.joined:
	case err := <-r.failed:
		return fail(err)
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-r.done:
		return nil, ErrRoomClosed
	}

	r.markReady()
	for _, t := range opts.Tracks {
		r.local.startPump(t.ID())
	}
	logger.Info().
		Str("room_sid", r.SID()).
		Str("local_sid", r.local.SID()).
		Int("participants", len(r.Participants())).
		Msg("joined room")
	return r, nil
}

func (r *Room) sendCandidate(ci webrtc.ICECandidateInit) {
	msg := signal.Candidate{Type: signal.TypeCandidate, Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		msg.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *ci.SDPMLineIndex
	}
	if err := r.sig.SendJSON(msg); err != nil {
		r.log.Debug().Err(err).Msg("send candidate")
	}
}

func (r *Room) signalClosed(err error) {
	if err == nil {
		return
	}
	r.transportLost(&core.RoomError{Code: core.CodeSignalingDisconnected, Message: err.Error()})
}

// transportLost fails a pending join, or reports a disconnect once joined.
func (r *Room) transportLost(err error) {
	select {
	case <-r.done:
		return
	default:
	}
	r.mu.Lock()
	ready := r.ready
	lost := r.lost
	r.lost = true
	r.mu.Unlock()

	if !ready {
		select {
		case r.failed <- err:
		default:
		}
		return
	}
	if !lost {
		r.sink(core.Event{Type: core.EventDisconnected, Err: err})
	}
}

// drainRemote reads a subscribed track so its buffers keep moving. Rendering
// is left to whatever UI consumes the agent.
func drainRemote(ctx context.Context, track *webrtc.TrackRemote, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
			}
			return
		}
	}
}
