package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/televisit/internal/adapters/signal"
	"github.com/dkeye/televisit/internal/core"
)

var (
	ErrRoomClosed    = errors.New("rtc: room closed")
	ErrDataNotOpen   = errors.New("rtc: data channel not open")
	ErrNotPublished  = errors.New("rtc: track not published")
	ErrAnswerTimeout = errors.New("rtc: no answer from signaling")
)

// sender is the part of the signaling socket a room writes to.
type sender interface {
	SendJSON(v any) error
	Close()
}

type Room struct {
	conn *Connection
	sig  sender
	sink core.EventSink
	log  zerolog.Logger
	mtu  int
	wait time.Duration

	negMu   sync.Mutex
	answers chan string

	joined    chan struct{}
	joinOnce  sync.Once
	failed    chan error
	done      chan struct{}
	closeOnce sync.Once

	// ctx scopes background work of the room; Disconnect cancels it and waits on bg.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu           sync.RWMutex
	closing      bool
	ready        bool
	lost         bool
	sid, name    string
	participants map[string]*core.ParticipantInfo
	channels     map[string]*dataTrack
	local        *LocalParticipant
}

var _ core.Room = (*Room)(nil)

func newRoom(conn *Connection, sink core.EventSink, identity string, mtu int, wait time.Duration, logger zerolog.Logger) *Room {
	r := &Room{
		conn:         conn,
		sink:         sink,
		log:          logger,
		mtu:          mtu,
		wait:         wait,
		answers:      make(chan string, 1),
		joined:       make(chan struct{}),
		failed:       make(chan error, 1),
		done:         make(chan struct{}),
		participants: make(map[string]*core.ParticipantInfo),
		channels:     make(map[string]*dataTrack),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.local = &LocalParticipant{room: r, identity: identity}
	return r
}

// goBackground runs fn on the room's context unless the room is closing.
func (r *Room) goBackground(fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		fn(r.ctx)
	}()
	return true
}

func (r *Room) SID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sid
}

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) Local() core.LocalParticipant { return r.local }

// Participants lists the remote participants ordered by SID.
func (r *Room) Participants() []core.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		cp.Tracks = append([]core.TrackInfo(nil), p.Tracks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Disconnect leaves the room and closes the transport. Published sources are
// left running; their owner stops them.
func (r *Room) Disconnect() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		r.mu.Unlock()
		r.cancel()

		_ = r.sig.SendJSON(struct {
			Type string `json:"type"`
		}{Type: signal.TypeLeave})
		r.local.stopAll()
		r.conn.Close()
		r.sig.Close()
		close(r.done)
		r.bg.Wait()
		r.log.Info().Str("room_sid", r.SID()).Msg("room disconnected")
	})
	return nil
}

// markReady starts forwarding room events to the sink.
func (r *Room) markReady() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
}

// negotiate sends a fresh offer and applies the answer. Offers are serialized.
func (r *Room) negotiate(ctx context.Context) error {
	r.negMu.Lock()
	defer r.negMu.Unlock()
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}

	offer, err := r.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := r.sig.SendJSON(signal.SessionDescription{Type: signal.TypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("rtc: send offer: %w", err)
	}

	timer := time.NewTimer(r.wait)
	defer timer.Stop()
	select {
	case sdp := <-r.answers:
		if err := r.conn.ApplyAnswer(sdp); err != nil {
			return fmt.Errorf("rtc: apply answer: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.failed:
		return err
	case <-r.done:
		return ErrRoomClosed
	case <-timer.C:
		return ErrAnswerTimeout
	}
}

// handle is the signaling handler. It runs on the socket's read goroutine.
func (r *Room) handle(typ string, data []byte) {
	switch typ {
	case signal.TypeAnswer:
		var sd signal.SessionDescription
		if err := json.Unmarshal(data, &sd); err != nil {
			r.log.Error().Err(err).Msg("bad answer payload")
			return
		}
		select {
		case r.answers <- sd.SDP:
		default:
			r.log.Warn().Msg("unexpected answer dropped")
		}

	case signal.TypeCandidate:
		var c signal.Candidate
		if err := json.Unmarshal(data, &c); err != nil {
			r.log.Error().Err(err).Msg("bad candidate payload")
			return
		}
		ci := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &c.SDPMLineIndex}
		if c.SDPMid != "" {
			ci.SDPMid = &c.SDPMid
		}
		if err := r.conn.AddICECandidate(ci); err != nil {
			r.log.Warn().Err(err).Msg("add candidate")
		}

	case signal.TypeRoomState:
		var rs signal.RoomState
		if err := json.Unmarshal(data, &rs); err != nil {
			r.log.Error().Err(err).Msg("bad room state payload")
			return
		}
		r.applyRoomState(rs)
		r.joinOnce.Do(func() { close(r.joined) })

	default:
		r.roomEvent(typ, data)
	}
}

func (r *Room) applyRoomState(rs signal.RoomState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sid, r.name = rs.RoomSID, rs.RoomName
	r.local.setSID(rs.LocalSID)
	r.participants = make(map[string]*core.ParticipantInfo, len(rs.Participants))
	for _, p := range rs.Participants {
		if p.SID == rs.LocalSID {
			continue
		}
		cp := p
		cp.Tracks = append([]core.TrackInfo(nil), p.Tracks...)
		r.bindDataLocked(&cp)
		r.participants[p.SID] = &cp
	}
}

func (r *Room) roomEvent(typ string, data []byte) {
	ev, ok, err := signal.ToEvent(typ, data)
	if err != nil {
		r.log.Error().Err(err).Msg("bad room event")
		return
	}
	if !ok {
		r.log.Warn().Str("type", typ).Msg("unknown signal")
		return
	}

	r.mu.Lock()
	ready := r.ready
	emit := r.trackLocked(&ev)
	if ev.Type == core.EventDisconnected {
		emit = emit && !r.lost
		r.lost = true
	}
	r.mu.Unlock()

	if ev.Type == core.EventDisconnected && !ready {
		if ev.Err == nil {
			ev.Err = &core.RoomError{Code: core.CodeSignalingDisconnected, Message: "disconnected while joining"}
		}
		select {
		case r.failed <- ev.Err:
		default:
		}
		return
	}
	if ready && emit {
		r.sink(ev)
	}
}

// trackLocked mirrors the event into the participant table. It returns false
// for events that must wait, e.g. a data track whose channel is not open yet.
func (r *Room) trackLocked(ev *core.Event) bool {
	switch ev.Type {
	case core.EventParticipantConnected:
		p := ev.Participant
		p.Tracks = append([]core.TrackInfo(nil), p.Tracks...)
		r.bindDataLocked(&p)
		r.participants[p.SID] = &p
		ev.Participant = p
		ev.ParticipantSID = p.SID

	case core.EventParticipantDisconnected:
		if p, ok := r.participants[ev.SID()]; ok {
			ev.Participant = *p
			for _, t := range p.Tracks {
				delete(r.channels, t.SID)
			}
		}
		delete(r.participants, ev.SID())

	case core.EventTrackSubscribed:
		p := r.participantLocked(ev.SID())
		if ev.Track.Kind == core.KindData {
			if dt, ok := r.channels[ev.Track.SID]; ok {
				ev.Track.Data = dt
			}
		}
		p.Tracks = upsertTrack(p.Tracks, ev.Track)
		if ev.Track.Kind == core.KindData && ev.Track.Data == nil {
			return false
		}

	case core.EventTrackUnsubscribed:
		if p, ok := r.participants[ev.SID()]; ok {
			fillTrack(&ev.Track, p.Tracks)
			p.Tracks = removeTrack(p.Tracks, ev.Track.SID)
		}
		delete(r.channels, ev.Track.SID)

	case core.EventTrackEnabled, core.EventTrackDisabled:
		if p, ok := r.participants[ev.SID()]; ok {
			fillTrack(&ev.Track, p.Tracks)
			for i := range p.Tracks {
				if p.Tracks[i].SID == ev.Track.SID {
					p.Tracks[i].Enabled = ev.Type == core.EventTrackEnabled
				}
			}
		}
	}
	return true
}

func (r *Room) participantLocked(sid string) *core.ParticipantInfo {
	p, ok := r.participants[sid]
	if !ok {
		p = &core.ParticipantInfo{SID: sid}
		r.participants[sid] = p
	}
	return p
}

func (r *Room) bindDataLocked(p *core.ParticipantInfo) {
	for i, t := range p.Tracks {
		if t.Kind != core.KindData || t.Data != nil {
			continue
		}
		if dt, ok := r.channels[t.SID]; ok {
			p.Tracks[i].Data = dt
		}
	}
}

// onDataChannel binds a remote data channel, labelled with its track SID, to
// the publication it carries.
func (r *Room) onDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	dt := newDataTrack(label, dc)
	r.mu.Lock()
	r.channels[label] = dt
	var (
		ev    core.Event
		found bool
	)
	for _, p := range r.participants {
		for i, t := range p.Tracks {
			if t.SID != label || t.Kind != core.KindData {
				continue
			}
			p.Tracks[i].Data = dt
			ev = core.Event{Type: core.EventTrackSubscribed, ParticipantSID: p.SID, Track: p.Tracks[i]}
			found = true
		}
	}
	ready := r.ready
	r.mu.Unlock()

	r.log.Debug().Str("label", label).Bool("known", found).Msg("data channel")
	if found && ready {
		r.sink(ev)
	}
}

func upsertTrack(tracks []core.TrackInfo, t core.TrackInfo) []core.TrackInfo {
	for i := range tracks {
		if tracks[i].SID == t.SID {
			tracks[i] = t
			return tracks
		}
	}
	return append(tracks, t)
}

// fillTrack completes a track referenced by SID only from the publication.
func fillTrack(t *core.TrackInfo, tracks []core.TrackInfo) {
	for _, known := range tracks {
		if known.SID != t.SID {
			continue
		}
		if t.Kind == "" {
			t.Kind = known.Kind
		}
		if t.Name == "" {
			t.Name = known.Name
		}
		if t.Surface == "" {
			t.Surface = known.Surface
		}
		return
	}
}

func removeTrack(tracks []core.TrackInfo, sid string) []core.TrackInfo {
	out := tracks[:0]
	for _, t := range tracks {
		if t.SID != sid {
			out = append(out, t)
		}
	}
	return out
}
