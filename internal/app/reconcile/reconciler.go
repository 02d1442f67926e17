// Package reconcile folds room events into the observable call state.
package reconcile

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

const maxNotices = 20

// Notice is a transient message for the UI ("toast").
type Notice struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// LocalFlags are the media flags of the local participant.
type LocalFlags struct {
	IsMuted         bool `json:"isMuted"`
	IsVideoEnabled  bool `json:"isVideoEnabled"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

// Snapshot is a copy of the reconciled state, safe to hand out.
type Snapshot struct {
	LocalSID        string                    `json:"localSid"`
	Local           LocalFlags                `json:"local"`
	Participants    []domain.ParticipantState `json:"participants"`
	HandsRaised     []string                  `json:"handsRaised"`
	Pinned          string                    `json:"pinned,omitempty"`
	DominantSpeaker string                    `json:"dominantSpeaker,omitempty"`
	Messages        []Chat                    `json:"messages"`
	Notices         []Notice                  `json:"notices"`
}

type pinCause int

const (
	pinNone pinCause = iota
	pinHost
	pinScreen
)

// Reconciler owns the participants map, the hand-raise set and the pinned
// participant. Apply is the only writer of remote state.
type Reconciler struct {
	sink core.EventSink
	now  func() time.Time

	mu           sync.RWMutex
	localSID     string
	local        LocalFlags
	participants map[string]*domain.ParticipantState
	dataTracks   map[string]map[string]core.DataTrack // participant SID -> track ID
	wired        map[string]core.DataTrack        // track ID -> channel the handler is on
	screens      map[string]string                // screen-share track SID -> participant SID
	hands        map[string]struct{}
	pinned       string
	pinnedBy     pinCause
	dominant     string
	messages     []Chat
	notices      []Notice
	listeners    []func(Snapshot)
}

// New builds a reconciler. Data track messages are pushed into sink as
// EventDataMessage so they reach Apply through the same bus as every other event.
func New(sink core.EventSink) *Reconciler {
	r := &Reconciler{sink: sink, now: time.Now}
	r.resetLocked("")
	return r
}

func (r *Reconciler) resetLocked(localSID string) {
	r.localSID = localSID
	r.local = LocalFlags{IsMuted: true}
	r.participants = make(map[string]*domain.ParticipantState)
	r.dataTracks = make(map[string]map[string]core.DataTrack)
	r.wired = make(map[string]core.DataTrack)
	r.screens = make(map[string]string)
	r.hands = make(map[string]struct{})
	r.pinned, r.pinnedBy = "", pinNone
	r.dominant = ""
	r.messages = nil
	r.notices = nil
}

// Reset drops all state; used on connect and after cleanup.
func (r *Reconciler) Reset(localSID string) {
	r.mu.Lock()
	r.resetLocked(localSID)
	notify := r.notifierLocked()
	r.mu.Unlock()
	notify()
}

// Sync synthesizes participantConnected for everyone already in the room.
func (r *Reconciler) Sync(room core.Room) {
	r.Reset(room.Local().SID())
	for _, p := range room.Participants() {
		r.Apply(core.Event{Type: core.EventParticipantConnected, Participant: p, ParticipantSID: p.SID})
	}
}

// OnChange registers a listener called with a snapshot after every change.
func (r *Reconciler) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Apply folds one event into the state. Duplicate deliveries are harmless.
func (r *Reconciler) Apply(ev core.Event) {
	r.mu.Lock()
	changed := r.applyLocked(ev)
	notify := func() {}
	if changed {
		notify = r.notifierLocked()
	}
	r.mu.Unlock()
	notify()
}

func (r *Reconciler) applyLocked(ev core.Event) bool {
	sid := ev.SID()
	if sid != "" && sid == r.localSID && ev.Type != core.EventDominantSpeaker && ev.Type != core.EventDataMessage {
		return false
	}

	switch ev.Type {
	case core.EventParticipantConnected:
		return r.participantConnected(ev.Participant, sid)
	case core.EventParticipantDisconnected:
		return r.participantDisconnected(sid)
	case core.EventTrackSubscribed:
		return r.trackSubscribed(sid, ev.Track)
	case core.EventTrackUnsubscribed:
		return r.trackOff(sid, ev.Track, true)
	case core.EventTrackEnabled:
		return r.setTrackFlag(sid, ev.Track, true)
	case core.EventTrackDisabled:
		return r.setTrackFlag(sid, ev.Track, false)
	case core.EventDominantSpeaker:
		if r.dominant == sid {
			return false
		}
		r.dominant = sid
		return true
	case core.EventNetworkQuality:
		p := r.participants[sid]
		if p == nil {
			return false
		}
		q := domain.NetworkQuality(ev.Quality)
		if q < domain.NetworkQualityUnknown {
			q = domain.NetworkQualityUnknown
		}
		if q > domain.NetworkQualityMax {
			q = domain.NetworkQualityMax
		}
		p.NetworkQuality = q
		return true
	case core.EventDataMessage:
		return r.dataMessage(sid, ev.Data)
	}
	return false
}

func (r *Reconciler) ensure(sid, identity string) *domain.ParticipantState {
	p := r.participants[sid]
	if p == nil {
		p = domain.NewParticipantState(sid, identity)
		r.participants[sid] = p
	}
	if p.Identity == "" && identity != "" {
		p.Identity = identity
		p.Name = domain.ParseIdentity(identity).DisplayName()
	}
	return p
}

func (r *Reconciler) participantConnected(info core.ParticipantInfo, sid string) bool {
	if sid == "" {
		return false
	}
	// A track event may have created the entry before the join arrived.
	prev, ok := r.participants[sid]
	announced := ok && prev.Identity != ""
	p := r.ensure(sid, info.Identity)
	for _, t := range info.Tracks {
		r.applyTrack(p, t, t.Enabled)
	}
	if !announced {
		r.notice(p.Name + " joined the appointment")
	}
	if domain.ParseIdentity(info.Identity).IsTherapistHost() && r.pinnedBy == pinNone {
		r.pin(sid, pinHost)
	}
	// Listeners for the new participant go up before anyone's existing data
	// tracks are read, in both directions.
	r.rescanLocked()
	return true
}

func (r *Reconciler) participantDisconnected(sid string) bool {
	p := r.participants[sid]
	if p == nil {
		return false
	}
	delete(r.participants, sid)
	delete(r.hands, sid)
	for id := range r.dataTracks[sid] {
		delete(r.wired, id)
	}
	delete(r.dataTracks, sid)
	for track, owner := range r.screens {
		if owner == sid {
			delete(r.screens, track)
		}
	}
	if r.dominant == sid {
		r.dominant = ""
	}
	if r.pinned == sid {
		r.repin()
	}
	r.notice(p.Name + " left the appointment")
	return true
}

func (r *Reconciler) trackSubscribed(sid string, t core.TrackInfo) bool {
	if sid == "" {
		return false
	}
	p := r.ensure(sid, "")
	r.applyTrack(p, t, t.Enabled)
	if t.Kind == core.KindData {
		r.rescanLocked()
	}
	return true
}

// applyTrack routes a track onto the flag it owns. Screen shares never touch
// IsVideoEnabled.
func (r *Reconciler) applyTrack(p *domain.ParticipantState, t core.TrackInfo, enabled bool) {
	switch t.Kind {
	case core.KindAudio:
		p.IsMuted = !enabled
	case core.KindVideo:
		if r.isScreen(p.SID, t) {
			p.IsScreenSharing = enabled
			if enabled {
				r.pin(p.SID, pinScreen)
			} else if r.pinned == p.SID && r.pinnedBy == pinScreen {
				r.repin()
			}
			return
		}
		p.IsVideoEnabled = enabled
	case core.KindData:
		if t.Data == nil {
			return
		}
		tracks := r.dataTracks[p.SID]
		if tracks == nil {
			tracks = make(map[string]core.DataTrack)
			r.dataTracks[p.SID] = tracks
		}
		tracks[t.Data.ID()] = t.Data
	}
}

// isScreen classifies a video track. Events that carry only the track SID
// fall back to what the subscription said.
func (r *Reconciler) isScreen(owner string, t core.TrackInfo) bool {
	if t.IsScreenShare() {
		if t.SID != "" {
			r.screens[t.SID] = owner
		}
		return true
	}
	_, ok := r.screens[t.SID]
	return ok
}

func (r *Reconciler) trackOff(sid string, t core.TrackInfo, unsubscribed bool) bool {
	p := r.participants[sid]
	if p == nil {
		return false
	}
	if t.Kind == core.KindData {
		if !unsubscribed {
			return false
		}
		id := t.SID
		if t.Data != nil {
			id = t.Data.ID()
		}
		delete(r.wired, id)
		delete(r.dataTracks[sid], id)
		return true
	}
	r.applyTrack(p, t, false)
	if unsubscribed {
		delete(r.screens, t.SID)
	}
	return true
}

func (r *Reconciler) setTrackFlag(sid string, t core.TrackInfo, enabled bool) bool {
	if !enabled {
		return r.trackOff(sid, t, false)
	}
	p := r.participants[sid]
	if p == nil || t.Kind == core.KindData {
		return false
	}
	r.applyTrack(p, t, true)
	return true
}

// rescanLocked wires every known data track that is not wired yet.
func (r *Reconciler) rescanLocked() {
	for sid, tracks := range r.dataTracks {
		for id, dt := range tracks {
			if w, ok := r.wired[id]; ok && w == dt {
				continue
			}
			r.wired[id] = dt
			from := sid
			dt.OnMessage(func(f core.Frame) {
				if r.sink != nil {
					r.sink(core.Event{Type: core.EventDataMessage, ParticipantSID: from, Data: f})
				}
			})
			log.Debug().Str("module", "app.reconcile").Str("participant", from).Str("track", id).Msg("data track wired")
		}
	}
}

func (r *Reconciler) dataMessage(from string, data core.Frame) bool {
	typ, err := decodeType(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.reconcile").Str("participant", from).Msg("data message")
		return false
	}
	switch typ {
	case TypeHandRaise:
		var m HandRaise
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "app.reconcile").Msg("hand raise")
			return false
		}
		sid := m.ParticipantSID
		if sid == "" {
			sid = from
		}
		return r.setHandLocked(sid, m.Raised)
	case TypeChat:
		var m Chat
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "app.reconcile").Msg("chat")
			return false
		}
		if m.ParticipantSID == "" {
			m.ParticipantSID = from
		}
		r.messages = append(r.messages, m)
		return true
	}
	log.Debug().Str("module", "app.reconcile").Str("type", typ).Msg("unknown data message ignored")
	return false
}

// SetHand toggles a hand-raise entry directly; used for the local participant.
func (r *Reconciler) SetHand(sid string, raised bool) {
	r.mu.Lock()
	changed := r.setHandLocked(sid, raised)
	notify := func() {}
	if changed {
		notify = r.notifierLocked()
	}
	r.mu.Unlock()
	notify()
}

func (r *Reconciler) setHandLocked(sid string, raised bool) bool {
	_, up := r.hands[sid]
	if up == raised {
		return false
	}
	if raised {
		r.hands[sid] = struct{}{}
	} else {
		delete(r.hands, sid)
	}
	return true
}

// AddLocalMessage records a chat message sent by the local participant.
func (r *Reconciler) AddLocalMessage(m Chat) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	notify := r.notifierLocked()
	r.mu.Unlock()
	notify()
}

// SetLocal replaces the local media flags.
func (r *Reconciler) SetLocal(flags LocalFlags) {
	r.mu.Lock()
	if r.local == flags {
		r.mu.Unlock()
		return
	}
	r.local = flags
	notify := r.notifierLocked()
	r.mu.Unlock()
	notify()
}

func (r *Reconciler) pin(sid string, cause pinCause) {
	if sid == "" || sid == r.localSID {
		return
	}
	if cause < r.pinnedBy && r.pinned != "" {
		return
	}
	r.pinned, r.pinnedBy = sid, cause
}

// repin falls back to another remote screen sharer, then to a remote host.
func (r *Reconciler) repin() {
	prev := r.pinned
	r.pinned, r.pinnedBy = "", pinNone
	for _, sid := range r.sortedSIDs() {
		if sid != prev && r.participants[sid].IsScreenSharing {
			r.pin(sid, pinScreen)
			return
		}
	}
	for _, sid := range r.sortedSIDs() {
		p := r.participants[sid]
		if domain.ParseIdentity(p.Identity).IsTherapistHost() {
			r.pin(sid, pinHost)
			return
		}
	}
}

func (r *Reconciler) notice(text string) {
	r.notices = append(r.notices, Notice{ID: uuid.NewString(), Text: text, At: r.now()})
	if len(r.notices) > maxNotices {
		r.notices = r.notices[len(r.notices)-maxNotices:]
	}
}

func (r *Reconciler) sortedSIDs() []string {
	sids := make([]string, 0, len(r.participants))
	for sid := range r.participants {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	return sids
}

// Snapshot copies the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	s := Snapshot{
		LocalSID:        r.localSID,
		Local:           r.local,
		Participants:    make([]domain.ParticipantState, 0, len(r.participants)),
		HandsRaised:     make([]string, 0, len(r.hands)),
		Pinned:          r.pinned,
		DominantSpeaker: r.dominant,
		Messages:        append([]Chat{}, r.messages...),
		Notices:         append([]Notice{}, r.notices...),
	}
	for _, sid := range r.sortedSIDs() {
		s.Participants = append(s.Participants, *r.participants[sid])
	}
	for sid := range r.hands {
		s.HandsRaised = append(s.HandsRaised, sid)
	}
	sort.Strings(s.HandsRaised)
	return s
}

// Participant returns one participant by SID.
func (r *Reconciler) Participant(sid string) (domain.ParticipantState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[sid]
	if !ok {
		return domain.ParticipantState{}, false
	}
	return *p, true
}

// Wired reports whether a data track already has its handler.
func (r *Reconciler) Wired(trackID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.wired[trackID]
	return ok
}

func (r *Reconciler) notifierLocked() func() {
	if len(r.listeners) == 0 {
		return func() {}
	}
	snap := r.snapshotLocked()
	listeners := append([]func(Snapshot){}, r.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(snap)
		}
	}
}
