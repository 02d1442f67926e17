package mediadev

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/televisit/internal/adapters/rtc"
	"github.com/dkeye/televisit/internal/core"
)

var (
	ErrTrackStopped = errors.New("mediadev: track stopped")
	ErrSourceLost   = errors.New("mediadev: capture source lost")
)

// rtpReader is the part of mediadevices.RTPReadCloser the publisher needs.
type rtpReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// source is one open capture device.
type source interface {
	ID() string
	Close() error
	OnEnded(func(error))
	OpenRTP(codec string, ssrc uint32, mtu int) (rtpReader, error)
}

type opener func(ctx context.Context, deviceID string) (source, error)

// Track is a capture track. Restart swaps the device underneath without
// touching the publication; readers pick up the new source on their next read.
// The previous device is always released before the next one is opened.
type Track struct {
	id   string
	name string
	kind core.TrackKind
	open opener
	proc *switchProcessor

	restartMu sync.Mutex

	mu  sync.Mutex
	src source
	// swapping is closed once a restart has installed its source (or given up).
	swapping chan struct{}
	gen      uint64
	device   string
	enabled  bool
	stopped  bool
	onEnded  func()
	released func(*Track)
}

var (
	_ core.LocalTrack  = (*Track)(nil)
	_ rtc.PacketSource = (*Track)(nil)
)

func newTrack(id, name string, kind core.TrackKind, device string, src source, open opener, proc *switchProcessor) *Track {
	t := &Track{id: id, name: name, kind: kind, device: device, open: open, proc: proc, enabled: true, src: src}
	t.watch(src, 0)
	return t
}

func (t *Track) watch(src source, gen uint64) {
	src.OnEnded(func(error) { t.ended(gen) })
}

// ended fires OnEnded for capture that stopped outside the application.
func (t *Track) ended(gen uint64) {
	t.mu.Lock()
	if t.stopped || t.gen != gen {
		t.mu.Unlock()
		return
	}
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
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
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Restart(ctx context.Context, deviceID string) error {
	if t.open == nil {
		return errors.New("mediadev: track cannot be restarted")
	}
	t.restartMu.Lock()
	defer t.restartMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTrackStopped
	}
	old, prev := t.src, t.device
	ch := make(chan struct{})
	t.src = nil
	t.swapping = ch
	t.gen++
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	src, err := t.open(ctx, deviceID)
	device := deviceID
	if err != nil && prev != "" {
		var rerr error
		if src, rerr = t.open(ctx, prev); rerr == nil {
			device = prev
		}
	}

	t.mu.Lock()
	if t.swapping == ch {
		t.swapping = nil
		close(ch)
	}
	if t.stopped {
		t.mu.Unlock()
		if src != nil {
			_ = src.Close()
		}
		return ErrTrackStopped
	}
	if src == nil {
		fn := t.onEnded
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
		return err
	}
	t.gen++
	gen := t.gen
	t.src = src
	t.device = device
	t.mu.Unlock()

	t.watch(src, gen)
	return err
}

func (t *Track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	src := t.src
	if t.swapping != nil {
		close(t.swapping)
		t.swapping = nil
	}
	released := t.released
	t.mu.Unlock()

	if src != nil {
		_ = src.Close()
	}
	if t.proc != nil {
		t.proc.Set(nil)
	}
	if released != nil {
		released(t)
	}
}

func (t *Track) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *Track) SetProcessor(p core.FrameProcessor) {
	if t.proc == nil {
		return
	}
	t.proc.Set(p)
}

func (t *Track) Codec() webrtc.RTPCodecCapability {
	if t.kind == core.KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (t *Track) NewPacketReader(ssrc uint32, mtu int) (rtc.PacketReader, error) {
	parts := strings.SplitN(t.Codec().MimeType, "/", 2)
	return &packetReader{t: t, codec: parts[1], ssrc: ssrc, mtu: mtu}, nil
}

func (t *Track) current() (source, uint64, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.src, t.gen, t.stopped, t.swapping
}

// packetReader follows the track across restarts.
type packetReader struct {
	t     *Track
	codec string
	ssrc  uint32
	mtu   int

	r       rtpReader
	gen     uint64
	release func()
}

func (p *packetReader) ReadPackets() ([]*rtp.Packet, error) {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	for {
		src, gen, stopped, swapping := p.t.current()
		if stopped {
			p.closeReader()
			return nil, ErrTrackStopped
		}
		if src == nil {
			p.closeReader()
			if swapping == nil {
				return nil, ErrSourceLost
			}
			<-swapping
			continue
		}
		if p.r == nil || gen != p.gen {
			p.closeReader()
			r, err := src.OpenRTP(p.codec, p.ssrc, p.mtu)
			if err != nil {
				return nil, err
			}
			p.r, p.gen = r, gen
		}
		pkts, release, err := p.r.Read()
		if err != nil {
			if _, now, stopped, _ := p.t.current(); now != p.gen && !stopped {
				continue
			}
			return nil, err
		}
		p.release = release
		return pkts, nil
	}
}

func (p *packetReader) closeReader() {
	if p.r != nil {
		_ = p.r.Close()
		p.r = nil
	}
}

func (p *packetReader) Close() error {
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.closeReader()
	return nil
}
