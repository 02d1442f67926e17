package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/core"
)

type LocalParticipant struct {
	room *Room

	mu       sync.Mutex
	sid      string
	identity string
	tracks   []*outTrack
	data     *webrtc.DataChannel
}

var _ core.LocalParticipant = (*LocalParticipant)(nil)

func (l *LocalParticipant) SID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sid
}

func (l *LocalParticipant) setSID(sid string) {
	l.mu.Lock()
	l.sid = sid
	l.mu.Unlock()
}

func (l *LocalParticipant) Identity() string { return l.identity }

func (l *LocalParticipant) Published() []core.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.LocalTrack, 0, len(l.tracks))
	for _, ot := range l.tracks {
		out = append(out, ot.src)
	}
	return out
}

// Publish adds the track to the peer connection and renegotiates.
func (l *LocalParticipant) Publish(ctx context.Context, t core.LocalTrack) error {
	if _, err := l.attach(t); err != nil {
		return err
	}
	r := l.room
	if err := r.sig.SendJSON(signal.Publication{Type: signal.TypePublish, Track: describe(t)}); err != nil {
		return fmt.Errorf("rtc: announce %s: %w", t.ID(), err)
	}
	if err := r.negotiate(ctx); err != nil {
		return err
	}
	l.startPump(t.ID())
	return nil
}

// attach binds a track to the peer connection without negotiating.
func (l *LocalParticipant) attach(t core.LocalTrack) (*outTrack, error) {
	ot, err := newOutTrack(t)
	if err != nil {
		return nil, fmt.Errorf("rtc: local track %s: %w", t.ID(), err)
	}
	sender, err := l.room.conn.AddLocalTrack(ot.rtp)
	if err != nil {
		return nil, fmt.Errorf("rtc: add track %s: %w", t.ID(), err)
	}
	ot.sender = sender
	ot.ctx, ot.cancel = context.WithCancel(l.room.conn.ctx)
	go drainRTCP(sender)

	l.mu.Lock()
	l.tracks = append(l.tracks, ot)
	l.mu.Unlock()
	return ot, nil
}

func (l *LocalParticipant) startPump(id string) {
	l.mu.Lock()
	var ot *outTrack
	for _, t := range l.tracks {
		if t.src.ID() == id {
			ot = t
		}
	}
	l.mu.Unlock()
	if ot == nil || !ot.started.CompareAndSwap(false, true) {
		return
	}

	r := l.room
	logger := r.log.With().Str("track", id).Logger()
	go ot.pump(ot.ctx, r.mtu, &logger, func(enabled bool) {
		desc := describe(ot.src)
		desc.Enabled = enabled
		if err := r.sig.SendJSON(signal.Publication{Type: signal.TypeTrackState, Track: desc}); err != nil {
			logger.Warn().Err(err).Msg("send track state")
		}
	})
}

// Unpublish removes the track from the peer connection. The source keeps
// running until its owner stops it.
func (l *LocalParticipant) Unpublish(t core.LocalTrack) error {
	l.mu.Lock()
	idx := -1
	for i, ot := range l.tracks {
		if ot.src.ID() == t.ID() {
			idx = i
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return ErrNotPublished
	}
	ot := l.tracks[idx]
	l.tracks = append(l.tracks[:idx], l.tracks[idx+1:]...)
	l.mu.Unlock()

	ot.stop()
	r := l.room
	select {
	case <-r.done:
		return nil
	default:
	}
	if err := r.conn.RemoveSender(ot.sender); err != nil {
		r.log.Warn().Err(err).Str("track", t.ID()).Msg("remove sender")
	}
	if err := r.sig.SendJSON(signal.Publication{Type: signal.TypeUnpublish, Track: describe(t)}); err != nil {
		return fmt.Errorf("rtc: announce unpublish %s: %w", t.ID(), err)
	}
	// Teardown unpublishes right before leaving; do not hold it on the answer.
	r.goBackground(func(ctx context.Context) {
		err := r.negotiate(ctx)
		if err != nil && !errors.Is(err, ErrRoomClosed) && !errors.Is(err, context.Canceled) {
			r.log.Warn().Err(err).Str("track", t.ID()).Msg("renegotiate after unpublish")
		}
	})
	return nil
}

func (l *LocalParticipant) SendData(data []byte) error {
	l.mu.Lock()
	dc := l.data
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataNotOpen
	}
	return dc.Send(data)
}

func (l *LocalParticipant) stopAll() {
	l.mu.Lock()
	tracks := l.tracks
	l.mu.Unlock()
	for _, ot := range tracks {
		ot.stop()
	}
}

func describe(t core.LocalTrack) signal.TrackDesc {
	d := signal.TrackDesc{ID: t.ID(), Name: t.Name(), Kind: t.Kind(), Enabled: t.IsEnabled()}
	if t.Kind() == core.KindVideo && strings.Contains(strings.ToLower(t.Name()), core.ScreenTrackMarker) {
		d.Surface = "monitor"
	}
	return d
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}
