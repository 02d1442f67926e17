package devices

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/core/coretest"
	"github.com/dkeye/televisit/internal/domain"
)

type memPrefs struct {
	mu  sync.Mutex
	rec domain.SessionRecord
}

func (p *memPrefs) Merge(_ context.Context, patch domain.SessionPatch) (domain.SessionRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec = patch.Apply(p.rec)
	return p.rec, nil
}

type fakeProcessor struct{ closed bool }

func (f *fakeProcessor) Process(img image.Image) image.Image { return img }
func (f *fakeProcessor) Close()                              { f.closed = true }

type fakeLoader struct {
	err    error
	loaded []*fakeProcessor
}

func (l *fakeLoader) Load(_ context.Context, _ core.BackgroundMode) (core.FrameProcessor, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcessor{}
	l.loaded = append(l.loaded, p)
	return p, nil
}

func devicesFixture() []core.DeviceInfo {
	return []core.DeviceInfo{
		{ID: "mic-1", Kind: core.DeviceAudioInput},
		{ID: "mic-2", Kind: core.DeviceAudioInput},
		{ID: "cam-1", Kind: core.DeviceVideoInput},
		{ID: "cam-2", Kind: core.DeviceVideoInput},
		{ID: "spk-1", Kind: core.DeviceAudioOutput},
	}
}

func TestEnumerateDevices(t *testing.T) {
	m := NewManager(&coretest.Provider{DeviceList: devicesFixture()}, nil, nil)
	list, err := m.EnumerateDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, list.AudioInputs, 2)
	assert.Len(t, list.VideoInputs, 2)
	assert.Len(t, list.AudioOutputs, 1)
}

func TestRequestPermissions(t *testing.T) {
	t.Run("denied audio does not block video", func(t *testing.T) {
		p := &coretest.Provider{DeviceList: devicesFixture(), Denied: map[core.TrackKind]bool{core.KindAudio: true}}
		got := NewManager(p, nil, nil).RequestPermissions(context.Background())
		assert.Equal(t, Permissions{Audio: false, Video: true}, got)
	})
	t.Run("missing kind is not requested", func(t *testing.T) {
		rec := &coretest.Recorder{}
		p := &coretest.Provider{Rec: rec, DeviceList: []core.DeviceInfo{{ID: "mic-1", Kind: core.DeviceAudioInput}}}
		got := NewManager(p, nil, nil).RequestPermissions(context.Background())
		assert.Equal(t, Permissions{Audio: true, Video: false}, got)
		assert.Equal(t, []string{"request audio"}, rec.Calls())
	})
}

func TestCreateUsesDefaultDevice(t *testing.T) {
	p := &coretest.Provider{DeviceList: devicesFixture()}
	m := NewManager(p, nil, nil)
	a, err := m.CreateAudioTrack(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultDeviceID, a.DeviceID())
}

func TestTrackExclusivity(t *testing.T) {
	ctx := context.Background()
	p := &coretest.Provider{DeviceList: devicesFixture()}
	prefs := &memPrefs{}
	m := NewManager(p, nil, prefs)

	_, err := m.CreateAudioTrack(ctx, "mic-1")
	require.NoError(t, err)
	_, err = m.CreateVideoTrack(ctx, "cam-1")
	require.NoError(t, err)

	steps := []struct {
		kind core.DeviceKind
		id   string
	}{
		{core.DeviceVideoInput, "cam-2"},
		{core.DeviceAudioInput, "mic-2"},
		{core.DeviceVideoInput, "cam-1"},
		{core.DeviceVideoInput, "default"},
		{core.DeviceAudioInput, "mic-1"},
	}
	for _, s := range steps {
		require.NoError(t, m.SwitchDevice(ctx, s.kind, s.id))
		assert.Equal(t, 1, p.ActiveByKind(core.KindAudio), "after %s %s", s.kind, s.id)
		assert.Equal(t, 1, p.ActiveByKind(core.KindVideo), "after %s %s", s.kind, s.id)
	}
	assert.Equal(t, "mic-1", m.Audio().DeviceID())
	assert.Equal(t, "default", m.Video().DeviceID())
	assert.Equal(t, "mic-1", prefs.rec.Devices.AudioInputID)
	assert.Equal(t, "default", prefs.rec.Devices.VideoInputID)
}

func TestSwitchPublishedRestartsInPlace(t *testing.T) {
	ctx := context.Background()
	rec := &coretest.Recorder{}
	p := &coretest.Provider{Rec: rec, DeviceList: devicesFixture()}
	m := NewManager(p, nil, &memPrefs{})

	cam, err := m.CreateVideoTrack(ctx, "cam-1")
	require.NoError(t, err)
	local := &coretest.LocalParticipant{Rec: rec}
	require.NoError(t, local.Publish(ctx, cam))
	m.Attach(local)

	require.NoError(t, m.SwitchDevice(ctx, core.DeviceVideoInput, "cam-2"))
	assert.Same(t, cam, m.Video(), "published track is kept")
	assert.Equal(t, "cam-2", cam.DeviceID())
	assert.False(t, cam.IsStopped())
	assert.Len(t, p.Opened(), 1)
	assert.NotContains(t, rec.Calls(), "unpublish "+cam.ID())
}

func TestSwitchInCallWithoutTrackPublishes(t *testing.T) {
	ctx := context.Background()
	rec := &coretest.Recorder{}
	p := &coretest.Provider{Rec: rec, DeviceList: devicesFixture()}
	m := NewManager(p, nil, &memPrefs{})
	local := &coretest.LocalParticipant{Rec: rec}
	m.Attach(local)

	require.NoError(t, m.SwitchDevice(ctx, core.DeviceVideoInput, "cam-2"))
	cam := m.Video()
	require.NotNil(t, cam)
	assert.Equal(t, "cam-2", cam.DeviceID())
	require.Len(t, local.Published(), 1)
	assert.Same(t, cam, local.Published()[0])
	assert.Contains(t, rec.Calls(), "publish "+cam.ID())

	m.Attach(nil)
	require.NoError(t, m.SwitchDevice(ctx, core.DeviceAudioInput, "mic-2"))
	require.NotNil(t, m.Audio())
	assert.Len(t, local.Published(), 1, "no call attached")
}

func TestSwitchAudioOutputPersists(t *testing.T) {
	prefs := &memPrefs{}
	m := NewManager(&coretest.Provider{}, nil, prefs)
	require.NoError(t, m.SwitchDevice(context.Background(), core.DeviceAudioOutput, "spk-1"))
	assert.Equal(t, "spk-1", m.AudioOutput())
	assert.Equal(t, "spk-1", prefs.rec.Devices.AudioOutputID)

	assert.ErrorIs(t, m.SwitchDevice(context.Background(), core.DeviceKind("bogus"), "x"), ErrUnknownKind)
}

func TestScreenShareIndependentOfCamera(t *testing.T) {
	ctx := context.Background()
	p := &coretest.Provider{DeviceList: devicesFixture()}
	m := NewManager(p, nil, nil)

	cam, err := m.CreateVideoTrack(ctx, "cam-1")
	require.NoError(t, err)

	var ended core.LocalTrack
	screen, err := m.StartScreenShare(ctx, func(t core.LocalTrack) { ended = t })
	require.NoError(t, err)
	assert.False(t, cam.IsStopped())
	assert.Same(t, screen, m.Screen())

	p.Display().End()
	assert.Same(t, screen, ended)
	assert.True(t, screen.IsStopped())
	assert.Nil(t, m.Screen())
	assert.ErrorIs(t, m.StopScreenShare(), ErrNoScreenShare)
}

func TestApplyBackgroundEffect(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{}
	m := NewManager(&coretest.Provider{DeviceList: devicesFixture()}, loader, nil)

	assert.ErrorIs(t, m.ApplyBackgroundEffect(ctx, core.BackgroundLightBlur), ErrNoVideoTrack)

	v, err := m.CreateVideoTrack(ctx, "cam-1")
	require.NoError(t, err)
	cam := v.(*coretest.Track)

	require.NoError(t, m.ApplyBackgroundEffect(ctx, core.BackgroundLightBlur))
	require.Len(t, loader.loaded, 1)
	assert.Same(t, loader.loaded[0], cam.Processor())

	require.NoError(t, m.ApplyBackgroundEffect(ctx, core.BackgroundFullBlur))
	assert.True(t, loader.loaded[0].closed, "previous processor removed first")
	assert.Same(t, loader.loaded[1], cam.Processor())
	mode, applying := m.Background()
	assert.Equal(t, core.BackgroundFullBlur, mode)
	assert.False(t, applying)

	loader.err = errors.New("model download failed")
	assert.Error(t, m.ApplyBackgroundEffect(ctx, core.BackgroundLightBlur))
	mode, applying = m.Background()
	assert.Equal(t, core.BackgroundNone, mode)
	assert.False(t, applying, "flag cleared on failure")
	assert.Nil(t, cam.Processor())

	loader.err = nil
	require.NoError(t, m.ApplyBackgroundEffect(ctx, core.BackgroundLightBlur))
	require.NoError(t, m.ApplyBackgroundEffect(ctx, core.BackgroundNone))
	assert.Nil(t, cam.Processor())
}

func TestStopAll(t *testing.T) {
	ctx := context.Background()
	rec := &coretest.Recorder{}
	p := &coretest.Provider{Rec: rec, DeviceList: devicesFixture()}
	m := NewManager(p, nil, nil)
	_, _ = m.CreateAudioTrack(ctx, "mic-1")
	_, _ = m.CreateVideoTrack(ctx, "cam-1")
	_, _ = m.StartScreenShare(ctx, nil)

	m.StopAll()
	m.StopAll()
	assert.Equal(t, 0, p.ActiveByKind(core.KindAudio))
	assert.Equal(t, 0, p.ActiveByKind(core.KindVideo))
	assert.True(t, p.Display().IsStopped())
	assert.Empty(t, m.Tracks())
	assert.Contains(t, rec.Calls(), "release-all")
}
