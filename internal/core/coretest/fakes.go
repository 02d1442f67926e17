// Package coretest provides recording fakes of the core ports for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/televisit/internal/core"
)

// Recorder keeps the order of interesting calls across fakes.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *Recorder) Add(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Track is a fake local track.
type Track struct {
	Rec *Recorder

	mu        sync.Mutex
	id        string
	name      string
	kind      core.TrackKind
	device    string
	enabled   bool
	stopped   bool
	restarts  int
	onEnded   func()
	processor core.FrameProcessor
}

func NewTrack(rec *Recorder, id string, kind core.TrackKind, device string) *Track {
	return &Track{Rec: rec, id: id, name: id, kind: kind, device: device, enabled: true}
}

func (t *Track) ID() string           { return t.id }
func (t *Track) Name() string         { return t.name }
func (t *Track) Kind() core.TrackKind { return t.kind }

func (t *Track) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}

func (t *Track) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Restart(_ context.Context, deviceID string) error {
	t.mu.Lock()
	t.device = deviceID
	t.restarts++
	t.mu.Unlock()
	t.Rec.Add("restart %s %s", t.id, deviceID)
	return nil
}

func (t *Track) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.Rec.Add("stop %s", t.id)
}

func (t *Track) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End simulates capture ending outside the application.
func (t *Track) End() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Track) SetProcessor(p core.FrameProcessor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processor = p
}

func (t *Track) Processor() core.FrameProcessor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processor
}

// Provider is a fake device provider.
type Provider struct {
	Rec        *Recorder
	DeviceList []core.DeviceInfo
	// Denied kinds fail CheckAccess and OpenTrack.
	Denied map[core.TrackKind]bool

	mu       sync.Mutex
	seq      int
	opened   []*Track
	display  *Track
	released int
}

func (p *Provider) Devices(context.Context) ([]core.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.DeviceInfo(nil), p.DeviceList...), nil
}

func (p *Provider) CheckAccess(_ context.Context, kind core.TrackKind) error {
	p.Rec.Add("request %s", kind)
	if p.Denied[kind] {
		return errors.New("permission denied")
	}
	return nil
}

func (p *Provider) OpenTrack(_ context.Context, kind core.TrackKind, deviceID string) (core.LocalTrack, error) {
	if p.Denied[kind] {
		return nil, errors.New("permission denied")
	}
	p.mu.Lock()
	p.seq++
	t := NewTrack(p.Rec, fmt.Sprintf("%s-%d", kind, p.seq), kind, deviceID)
	p.opened = append(p.opened, t)
	p.mu.Unlock()
	p.Rec.Add("open %s %s", t.id, deviceID)
	return t, nil
}

func (p *Provider) OpenDisplay(context.Context) (core.LocalTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	t := NewTrack(p.Rec, fmt.Sprintf("screen-%d", p.seq), core.KindVideo, "display")
	p.display = t
	return t, nil
}

func (p *Provider) ReleaseAll() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
	p.Rec.Add("release-all")
}

// Opened lists every track opened so far.
func (p *Provider) Opened() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.opened...)
}

func (p *Provider) Display() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.display
}

// ActiveByKind counts opened tracks of kind that were not stopped.
func (p *Provider) ActiveByKind(kind core.TrackKind) int {
	n := 0
	for _, t := range p.Opened() {
		if t.Kind() == kind && !t.IsStopped() {
			n++
		}
	}
	return n
}

// LocalParticipant is a fake local participant.
type LocalParticipant struct {
	Rec                 *Recorder
	ParticipantSID      string
	ParticipantIdentity string
	SendErr             error

	mu        sync.Mutex
	published []core.LocalTrack
	sent      [][]byte
}

func (l *LocalParticipant) SID() string      { return l.ParticipantSID }
func (l *LocalParticipant) Identity() string { return l.ParticipantIdentity }

func (l *LocalParticipant) Publish(_ context.Context, t core.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, t)
	l.Rec.Add("publish %s", t.ID())
	return nil
}

func (l *LocalParticipant) Unpublish(t core.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.published {
		if p.ID() == t.ID() {
			l.published = append(l.published[:i], l.published[i+1:]...)
			break
		}
	}
	l.Rec.Add("unpublish %s", t.ID())
	return nil
}

func (l *LocalParticipant) Published() []core.LocalTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.LocalTrack(nil), l.published...)
}

func (l *LocalParticipant) SendData(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, append([]byte(nil), data...))
	return nil
}

func (l *LocalParticipant) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent...)
}

// Room is a fake connected room.
type Room struct {
	Rec      *Recorder
	RoomSID  string
	RoomName string
	LocalP   *LocalParticipant

	mu           sync.Mutex
	participants []core.ParticipantInfo
	disconnects  int
}

func (r *Room) SID() string                  { return r.RoomSID }
func (r *Room) Name() string                 { return r.RoomName }
func (r *Room) Local() core.LocalParticipant { return r.LocalP }

func (r *Room) SetParticipants(ps ...core.ParticipantInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = ps
}

func (r *Room) Participants() []core.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.ParticipantInfo(nil), r.participants...)
}

func (r *Room) Disconnect() error {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
	r.Rec.Add("room-disconnect %s", r.RoomSID)
	return nil
}

func (r *Room) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

// Connector hands out Room, or blocks until Release when Block is set.
type Connector struct {
	Room  *Room
	Err   error
	Block bool

	mu      sync.Mutex
	calls   int
	release chan struct{}
	sink    core.EventSink
	opts    core.ConnectOptions
}

func (c *Connector) Connect(ctx context.Context, opts core.ConnectOptions, sink core.EventSink) (core.Room, error) {
	c.mu.Lock()
	c.calls++
	c.sink = sink
	c.opts = opts
	if c.Block && c.release == nil {
		c.release = make(chan struct{})
	}
	release := c.release
	c.mu.Unlock()

	if release != nil {
		<-release
	}
	if c.Err != nil {
		return nil, c.Err
	}
	for _, t := range opts.Tracks {
		_ = c.Room.LocalP.Publish(ctx, t)
	}
	return c.Room, nil
}

// Release lets a blocked Connect return.
func (c *Connector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.release != nil {
		close(c.release)
		c.release = nil
	}
}

func (c *Connector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Connector) Sink() core.EventSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *Connector) Options() core.ConnectOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// DataTrack is a fake remote data track.
type DataTrack struct {
	TrackID string

	mu      sync.Mutex
	handler func(core.Frame)
	sets    int
}

func (d *DataTrack) ID() string { return d.TrackID }

func (d *DataTrack) OnMessage(fn func(core.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
	d.sets++
}

// Deliver simulates an incoming message.
func (d *DataTrack) Deliver(msg []byte) {
	d.mu.Lock()
	fn := d.handler
	d.mu.Unlock()
	if fn != nil {
		fn(core.Frame(msg))
	}
}

// HandlerSets counts OnMessage registrations.
func (d *DataTrack) HandlerSets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sets
}
