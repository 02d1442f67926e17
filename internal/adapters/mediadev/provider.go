// Package mediadev is the desktop media layer on top of pion/mediadevices.
// Drivers and codecs are registered by the binary.
package mediadev

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
)

var ErrNoSource = errors.New("mediadev: no track in stream")

type Config struct {
	Codecs *mediadevices.CodecSelector
	Width  int
	Height int
}

type Provider struct {
	cfg Config

	enumerate    func() []mediadevices.MediaDeviceInfo
	userMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	displayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)

	mu   sync.Mutex
	seq  int
	live map[*Track]struct{}
}

var _ core.DeviceProvider = (*Provider)(nil)

func NewProvider(cfg Config) *Provider {
	return &Provider{
		cfg:          cfg,
		enumerate:    mediadevices.EnumerateDevices,
		userMedia:    mediadevices.GetUserMedia,
		displayMedia: mediadevices.GetDisplayMedia,
		live:         make(map[*Track]struct{}),
	}
}

func (p *Provider) Devices(_ context.Context) ([]core.DeviceInfo, error) {
	var (
		out     []core.DeviceInfo
		outputs int
	)
	for _, d := range p.enumerate() {
		var kind core.DeviceKind
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = core.DeviceVideoInput
		case mediadevices.AudioInput:
			kind = core.DeviceAudioInput
		case mediadevices.AudioOutput:
			kind = core.DeviceAudioOutput
			outputs++
		default:
			continue
		}
		out = append(out, core.DeviceInfo{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	if outputs == 0 {
		out = append(out, core.DeviceInfo{ID: core.DefaultDeviceID, Label: "System default", Kind: core.DeviceAudioOutput})
	}
	return out, nil
}

// CheckAccess opens the default device of the kind and closes it straight away.
func (p *Provider) CheckAccess(ctx context.Context, kind core.TrackKind) error {
	src, err := p.openSource(ctx, kind, core.DefaultDeviceID, nil)
	if err != nil {
		return err
	}
	return src.Close()
}

func (p *Provider) OpenTrack(ctx context.Context, kind core.TrackKind, deviceID string) (core.LocalTrack, error) {
	var proc *switchProcessor
	if kind == core.KindVideo {
		proc = &switchProcessor{}
	}
	src, err := p.openSource(ctx, kind, deviceID, proc)
	if err != nil {
		return nil, err
	}
	open := func(ctx context.Context, id string) (source, error) {
		return p.openSource(ctx, kind, id, proc)
	}
	id := p.nextID(string(kind))
	return p.track(newTrack(id, id, kind, deviceID, src, open, proc)), nil
}

// OpenDisplay captures the screen. The track name carries the screen marker
// so remote peers tell it apart from the camera.
func (p *Provider) OpenDisplay(_ context.Context) (core.LocalTrack, error) {
	stream, err := p.displayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: p.cfg.Codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("mediadev: display capture: %w", err)
	}
	src, err := pick(stream, core.KindVideo, nil)
	if err != nil {
		return nil, err
	}
	id := p.nextID(core.ScreenTrackMarker)
	return p.track(newTrack(id, id, core.KindVideo, "display", src, nil, nil)), nil
}

// ReleaseAll stops every track the provider handed out and has not seen stopped.
func (p *Provider) ReleaseAll() {
	p.mu.Lock()
	tracks := make([]*Track, 0, len(p.live))
	for t := range p.live {
		tracks = append(tracks, t)
	}
	p.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	if len(tracks) > 0 {
		log.Info().Str("module", "adapters.mediadev").Int("tracks", len(tracks)).Msg("released hardware")
	}
}

func (p *Provider) track(t *Track) *Track {
	t.released = p.forget
	p.mu.Lock()
	p.live[t] = struct{}{}
	p.mu.Unlock()
	return t
}

func (p *Provider) forget(t *Track) {
	p.mu.Lock()
	delete(p.live, t)
	p.mu.Unlock()
}

func (p *Provider) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) openSource(_ context.Context, kind core.TrackKind, deviceID string, proc *switchProcessor) (source, error) {
	constrain := func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" && deviceID != core.DefaultDeviceID {
			c.DeviceID = prop.String(deviceID)
		}
		if kind == core.KindVideo && p.cfg.Width > 0 && p.cfg.Height > 0 {
			c.Width = prop.Int(p.cfg.Width)
			c.Height = prop.Int(p.cfg.Height)
		}
	}
	cons := mediadevices.MediaStreamConstraints{Codec: p.cfg.Codecs}
	switch kind {
	case core.KindAudio:
		cons.Audio = constrain
	case core.KindVideo:
		cons.Video = constrain
	default:
		return nil, fmt.Errorf("mediadev: cannot capture %s", kind)
	}

	stream, err := p.userMedia(cons)
	if err != nil {
		return nil, fmt.Errorf("mediadev: open %s %q: %w", kind, deviceID, err)
	}
	return pick(stream, kind, proc)
}

func pick(stream mediadevices.MediaStream, kind core.TrackKind, proc *switchProcessor) (source, error) {
	var tracks []mediadevices.Track
	if kind == core.KindAudio {
		tracks = stream.GetAudioTracks()
	} else {
		tracks = stream.GetVideoTracks()
	}
	if len(tracks) == 0 {
		return nil, ErrNoSource
	}
	t := tracks[0]
	if vt, ok := t.(*mediadevices.VideoTrack); ok && proc != nil {
		vt.Transform(proc.transform)
	}
	return mdSource{Track: t}, nil
}

// mdSource adapts a mediadevices track to source.
type mdSource struct {
	mediadevices.Track
}

func (s mdSource) OpenRTP(codec string, ssrc uint32, mtu int) (rtpReader, error) {
	return s.Track.NewRTPReader(codec, ssrc, mtu)
}
