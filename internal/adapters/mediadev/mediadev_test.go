package mediadev

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
)

type fakeSource struct {
	id string

	mu      sync.Mutex
	closed  bool
	ended   func(error)
	readers int
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSource) OnEnded(fn func(error)) { s.ended = fn }

func (s *fakeSource) OpenRTP(string, uint32, int) (rtpReader, error) {
	s.mu.Lock()
	s.readers++
	s.mu.Unlock()
	return &fakeRTP{src: s}, nil
}

type fakeRTP struct{ src *fakeSource }

func (r *fakeRTP) Read() ([]*rtp.Packet, func(), error) {
	if r.src.isClosed() {
		return nil, nil, io.EOF
	}
	return []*rtp.Packet{{Header: rtp.Header{SSRC: 1}, Payload: []byte(r.src.id)}}, func() {}, nil
}

func (r *fakeRTP) Close() error { return nil }

func newFakeTrack(kind core.TrackKind) (*Track, map[string]*fakeSource) {
	opened := map[string]*fakeSource{}
	open := func(_ context.Context, id string) (source, error) {
		if id == "broken" {
			return nil, errors.New("device busy")
		}
		s := &fakeSource{id: id}
		opened[id] = s
		return s, nil
	}
	first, _ := open(context.Background(), "cam-a")
	return newTrack("video-1", "video-1", kind, "cam-a", first, open, &switchProcessor{}), opened
}

func TestRestartSwapsSourceUnderReader(t *testing.T) {
	tr, opened := newFakeTrack(core.KindVideo)
	reader, err := tr.NewPacketReader(1, 1200)
	require.NoError(t, err)

	pkts, err := reader.ReadPackets()
	require.NoError(t, err)
	assert.Equal(t, "cam-a", string(pkts[0].Payload))

	open := tr.open
	var heldWhileOpening []string
	tr.open = func(ctx context.Context, id string) (source, error) {
		for dev, s := range opened {
			if !s.isClosed() {
				heldWhileOpening = append(heldWhileOpening, dev)
			}
		}
		return open(ctx, id)
	}

	require.NoError(t, tr.Restart(context.Background(), "cam-b"))
	assert.Empty(t, heldWhileOpening, "previous device must be released before opening the next")
	assert.Equal(t, "cam-b", tr.DeviceID())
	assert.True(t, opened["cam-a"].isClosed())

	pkts, err = reader.ReadPackets()
	require.NoError(t, err)
	assert.Equal(t, "cam-b", string(pkts[0].Payload))

	// A failed switch falls back to the device in use.
	require.Error(t, tr.Restart(context.Background(), "broken"))
	assert.Empty(t, heldWhileOpening)
	assert.Equal(t, "cam-b", tr.DeviceID())
	assert.False(t, opened["cam-b"].isClosed())

	pkts, err = reader.ReadPackets()
	require.NoError(t, err)
	assert.Equal(t, "cam-b", string(pkts[0].Payload))
	require.NoError(t, reader.Close())
}

func TestReaderWaitsOutRestart(t *testing.T) {
	tr, opened := newFakeTrack(core.KindVideo)
	reader, err := tr.NewPacketReader(1, 1200)
	require.NoError(t, err)
	_, err = reader.ReadPackets()
	require.NoError(t, err)

	open := tr.open
	entered := make(chan struct{})
	proceed := make(chan struct{})
	tr.open = func(ctx context.Context, id string) (source, error) {
		close(entered)
		<-proceed
		return open(ctx, id)
	}

	done := make(chan error, 1)
	go func() { done <- tr.Restart(context.Background(), "cam-b") }()
	<-entered
	require.True(t, opened["cam-a"].isClosed())

	got := make(chan string, 1)
	go func() {
		pkts, err := reader.ReadPackets()
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(pkts[0].Payload)
	}()

	close(proceed)
	require.NoError(t, <-done)
	assert.Equal(t, "cam-b", <-got)
}

func TestRestartWithNoDeviceEndsTrack(t *testing.T) {
	tr, _ := newFakeTrack(core.KindVideo)
	fired := 0
	tr.OnEnded(func() { fired++ })
	reader, err := tr.NewPacketReader(1, 1200)
	require.NoError(t, err)

	tr.open = func(context.Context, string) (source, error) { return nil, errors.New("device gone") }
	require.Error(t, tr.Restart(context.Background(), "cam-b"))
	assert.Equal(t, 1, fired)

	_, err = reader.ReadPackets()
	assert.ErrorIs(t, err, ErrSourceLost)

	tr.Stop()
	assert.True(t, tr.IsStopped())
}

func TestStopIsIdempotentAndEndsReaders(t *testing.T) {
	tr, opened := newFakeTrack(core.KindAudio)
	released := 0
	tr.released = func(*Track) { released++ }
	reader, err := tr.NewPacketReader(1, 1200)
	require.NoError(t, err)

	tr.Stop()
	tr.Stop()
	assert.True(t, tr.IsStopped())
	assert.True(t, opened["cam-a"].isClosed())
	assert.Equal(t, 1, released)

	_, err = reader.ReadPackets()
	assert.ErrorIs(t, err, ErrTrackStopped)
	assert.ErrorIs(t, tr.Restart(context.Background(), "cam-b"), ErrTrackStopped)
}

func TestOnEndedIgnoresReplacedSource(t *testing.T) {
	tr, opened := newFakeTrack(core.KindVideo)
	fired := 0
	tr.OnEnded(func() { fired++ })

	old := opened["cam-a"]
	require.NoError(t, tr.Restart(context.Background(), "cam-b"))
	old.ended(io.EOF)
	assert.Zero(t, fired)

	opened["cam-b"].ended(io.EOF)
	assert.Equal(t, 1, fired)

	tr.Stop()
	opened["cam-b"].ended(io.EOF)
	assert.Equal(t, 1, fired)
}

func TestCodecFollowsKind(t *testing.T) {
	v, _ := newFakeTrack(core.KindVideo)
	assert.Equal(t, "video/VP8", v.Codec().MimeType)
	a, _ := newFakeTrack(core.KindAudio)
	assert.Equal(t, "audio/opus", a.Codec().MimeType)
	assert.Equal(t, uint16(2), a.Codec().Channels)
}

type invert struct{ closed bool }

func (invert) Process(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out.SetGray(x, y, color.Gray{Y: 255 - g.Y})
		}
	}
	return out
}

func (p *invert) Close() { p.closed = true }

func TestSwitchProcessor(t *testing.T) {
	frame := image.NewGray(image.Rect(0, 0, 2, 2))
	released := 0
	src := video.ReaderFunc(func() (image.Image, func(), error) {
		return frame, func() { released++ }, nil
	})
	sw := &switchProcessor{}
	r := sw.transform(src)

	img, release, err := r.Read()
	require.NoError(t, err)
	assert.Same(t, frame, img)
	release()
	assert.Equal(t, 1, released)

	sw.Set(&invert{})
	img, release, err = r.Read()
	require.NoError(t, err)
	release()
	assert.Equal(t, uint8(255), img.(*image.Gray).GrayAt(0, 0).Y)
	assert.Equal(t, 2, released)

	sw.Set(nil)
	img, _, err = r.Read()
	require.NoError(t, err)
	assert.Same(t, frame, img)
}

func TestDevicesMapsKinds(t *testing.T) {
	p := NewProvider(Config{})
	p.enumerate = func() []mediadevices.MediaDeviceInfo {
		return []mediadevices.MediaDeviceInfo{
			{DeviceID: "cam-a", Label: "FaceTime HD", Kind: mediadevices.VideoInput},
			{DeviceID: "mic-a", Label: "USB Mic", Kind: mediadevices.AudioInput},
		}
	}
	got, err := p.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.DeviceInfo{
		{ID: "cam-a", Label: "FaceTime HD", Kind: core.DeviceVideoInput},
		{ID: "mic-a", Label: "USB Mic", Kind: core.DeviceAudioInput},
		{ID: core.DefaultDeviceID, Label: "System default", Kind: core.DeviceAudioOutput},
	}, got)
}

func TestOpenTrackErrorsAreWrapped(t *testing.T) {
	p := NewProvider(Config{})
	denied := errors.New("permission denied")
	p.userMedia = func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		return nil, denied
	}
	_, err := p.OpenTrack(context.Background(), core.KindVideo, "cam-a")
	assert.ErrorIs(t, err, denied)
	assert.ErrorIs(t, p.CheckAccess(context.Background(), core.KindAudio), denied)

	_, err = p.OpenTrack(context.Background(), core.KindData, "x")
	assert.Error(t, err)
}

func TestReleaseAllStopsLiveTracks(t *testing.T) {
	p := NewProvider(Config{})
	a, _ := newFakeTrack(core.KindAudio)
	b, _ := newFakeTrack(core.KindVideo)
	p.track(a)
	p.track(b)
	b.Stop()

	p.ReleaseAll()
	assert.True(t, a.IsStopped())
	p.mu.Lock()
	assert.Empty(t, p.live)
	p.mu.Unlock()
}
