// Package devices owns the local capture tracks of a session.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

var (
	ErrNoVideoTrack   = errors.New("no video track")
	ErrEffectBusy     = errors.New("background effect already being applied")
	ErrUnknownKind    = errors.New("unknown device kind")
	ErrNoScreenShare  = errors.New("no screen share active")
	ErrEffectsMissing = errors.New("background effects unavailable")
)

// PrefStore persists device choices.
type PrefStore interface {
	Merge(ctx context.Context, patch domain.SessionPatch) (domain.SessionRecord, error)
}

type DeviceList struct {
	AudioInputs  []core.DeviceInfo `json:"audioInputs"`
	VideoInputs  []core.DeviceInfo `json:"videoInputs"`
	AudioOutputs []core.DeviceInfo `json:"audioOutputs"`
}

type Permissions struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Manager keeps at most one capture track per kind, plus an independent
// screen-share track.
type Manager struct {
	provider core.DeviceProvider
	effects  core.EffectLoader
	prefs    PrefStore

	mu         sync.Mutex
	audio      core.LocalTrack
	video      core.LocalTrack
	screen     core.LocalTrack
	local      core.LocalParticipant
	background core.BackgroundMode
	processor  core.FrameProcessor
	applying   bool
	output     string
}

func NewManager(provider core.DeviceProvider, effects core.EffectLoader, prefs PrefStore) *Manager {
	return &Manager{
		provider:   provider,
		effects:    effects,
		prefs:      prefs,
		background: core.BackgroundNone,
	}
}

// EnumerateDevices groups the available devices by kind. Labels stay empty
// until a request for the kind succeeded; enumerate again after RequestPermissions.
func (m *Manager) EnumerateDevices(ctx context.Context) (DeviceList, error) {
	all, err := m.provider.Devices(ctx)
	if err != nil {
		return DeviceList{}, fmt.Errorf("enumerate devices: %w", err)
	}
	var out DeviceList
	for _, d := range all {
		switch d.Kind {
		case core.DeviceAudioInput:
			out.AudioInputs = append(out.AudioInputs, d)
		case core.DeviceVideoInput:
			out.VideoInputs = append(out.VideoInputs, d)
		case core.DeviceAudioOutput:
			out.AudioOutputs = append(out.AudioOutputs, d)
		}
	}
	return out, nil
}

// RequestPermissions asks for each kind on its own. A kind with no device is
// false without a request; a denial of one kind does not affect the other.
func (m *Manager) RequestPermissions(ctx context.Context) Permissions {
	list, err := m.EnumerateDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.devices").Msg("permissions: enumerate")
		return Permissions{}
	}
	request := func(kind core.TrackKind, available bool) bool {
		if !available {
			return false
		}
		if err := m.provider.CheckAccess(ctx, kind); err != nil {
			log.Warn().Err(err).Str("module", "app.devices").Str("kind", string(kind)).Msg("permission denied")
			return false
		}
		return true
	}
	return Permissions{
		Audio: request(core.KindAudio, len(list.AudioInputs) > 0),
		Video: request(core.KindVideo, len(list.VideoInputs) > 0),
	}
}

func normalizeDevice(id string) string {
	if id == "" {
		return core.DefaultDeviceID
	}
	return id
}

func (m *Manager) CreateAudioTrack(ctx context.Context, deviceID string) (core.LocalTrack, error) {
	return m.create(ctx, core.KindAudio, deviceID)
}

func (m *Manager) CreateVideoTrack(ctx context.Context, deviceID string) (core.LocalTrack, error) {
	return m.create(ctx, core.KindVideo, deviceID)
}

// create stops the prior track of kind before opening its replacement.
func (m *Manager) create(ctx context.Context, kind core.TrackKind, deviceID string) (core.LocalTrack, error) {
	deviceID = normalizeDevice(deviceID)

	m.mu.Lock()
	slot := m.slot(kind)
	prev := *slot
	*slot = nil
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	t, err := m.provider.OpenTrack(ctx, kind, deviceID)
	if err != nil {
		return nil, fmt.Errorf("open %s track on %q: %w", kind, deviceID, err)
	}

	m.mu.Lock()
	if cur := *slot; cur != nil {
		// A concurrent create won; keep the newest.
		cur.Stop()
	}
	*slot = t
	if kind == core.KindVideo && m.processor != nil {
		t.SetProcessor(m.processor)
	}
	m.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("kind", string(kind)).Str("device", deviceID).Msg("track created")
	return t, nil
}

func (m *Manager) slot(kind core.TrackKind) *core.LocalTrack {
	if kind == core.KindAudio {
		return &m.audio
	}
	return &m.video
}

func (m *Manager) Audio() core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio
}

func (m *Manager) Video() core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video
}

func (m *Manager) Screen() core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// Tracks returns the camera and microphone tracks to publish on connect.
func (m *Manager) Tracks() []core.LocalTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.LocalTrack
	for _, t := range []core.LocalTrack{m.audio, m.video} {
		if t != nil && !t.IsStopped() {
			out = append(out, t)
		}
	}
	return out
}

// Attach tells the manager which local participant publishes its tracks;
// nil detaches.
func (m *Manager) Attach(local core.LocalParticipant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = local
}

func (m *Manager) publishedLocked(t core.LocalTrack) bool {
	if m.local == nil || t == nil {
		return false
	}
	for _, p := range m.local.Published() {
		if p.ID() == t.ID() {
			return true
		}
	}
	return false
}

// SwitchDevice moves a kind to another device. A published track restarts
// in place; otherwise the old track is stopped and a new one created, and
// published when a call is attached. The choice is persisted either way.
func (m *Manager) SwitchDevice(ctx context.Context, kind core.DeviceKind, deviceID string) error {
	deviceID = normalizeDevice(deviceID)
	var patch domain.SessionPatch

	switch kind {
	case core.DeviceAudioOutput:
		m.mu.Lock()
		m.output = deviceID
		m.mu.Unlock()
		patch.AudioOutputID = domain.Ptr(deviceID)
	case core.DeviceAudioInput, core.DeviceVideoInput:
		tk := core.KindAudio
		patch.AudioInputID = domain.Ptr(deviceID)
		if kind == core.DeviceVideoInput {
			tk = core.KindVideo
			patch = domain.SessionPatch{VideoInputID: domain.Ptr(deviceID)}
		}

		m.mu.Lock()
		cur := *m.slot(tk)
		inPlace := m.publishedLocked(cur)
		local := m.local
		m.mu.Unlock()

		if inPlace {
			if err := cur.Restart(ctx, deviceID); err != nil {
				return fmt.Errorf("restart %s on %q: %w", tk, deviceID, err)
			}
			log.Info().Str("module", "app.devices").Str("kind", string(tk)).Str("device", deviceID).Msg("track restarted in place")
			break
		}
		t, err := m.create(ctx, tk, deviceID)
		if err != nil {
			return err
		}
		// In a call the new track goes out right away.
		if local != nil {
			if err := local.Publish(ctx, t); err != nil {
				return fmt.Errorf("publish %s on %q: %w", tk, deviceID, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if m.prefs != nil {
		if _, err := m.prefs.Merge(ctx, patch); err != nil {
			log.Warn().Err(err).Str("module", "app.devices").Msg("persist device choice")
		}
	}
	return nil
}

func (m *Manager) AudioOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output
}

// StartScreenShare opens a display capture next to the camera track.
// onEnded runs when capture is stopped outside the application.
func (m *Manager) StartScreenShare(ctx context.Context, onEnded func(core.LocalTrack)) (core.LocalTrack, error) {
	m.mu.Lock()
	prev := m.screen
	m.screen = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	t, err := m.provider.OpenDisplay(ctx)
	if err != nil {
		return nil, fmt.Errorf("open display: %w", err)
	}
	t.OnEnded(func() {
		m.mu.Lock()
		owned := m.screen == t
		if owned {
			m.screen = nil
		}
		m.mu.Unlock()
		if !owned {
			return
		}
		log.Info().Str("module", "app.devices").Str("track", t.ID()).Msg("screen share ended externally")
		if onEnded != nil {
			onEnded(t)
		}
		t.Stop()
	})

	m.mu.Lock()
	m.screen = t
	m.mu.Unlock()
	return t, nil
}

// StopScreenShare stops the display capture. Callers unpublish it first.
func (m *Manager) StopScreenShare() error {
	m.mu.Lock()
	t := m.screen
	m.screen = nil
	m.mu.Unlock()
	if t == nil {
		return ErrNoScreenShare
	}
	t.Stop()
	return nil
}

// ApplyBackgroundEffect swaps the video processor. The previous processor is
// always removed first; the applying flag is cleared on every path.
func (m *Manager) ApplyBackgroundEffect(ctx context.Context, mode core.BackgroundMode) (err error) {
	m.mu.Lock()
	if m.applying {
		m.mu.Unlock()
		return ErrEffectBusy
	}
	m.applying = true
	video := m.video
	old := m.processor
	m.processor = nil
	m.background = core.BackgroundNone
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.applying = false
		m.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.devices").Str("mode", string(mode)).Msg("background effect")
		}
	}()

	if video != nil {
		video.SetProcessor(nil)
	}
	if old != nil {
		old.Close()
	}
	if mode == core.BackgroundNone || mode == "" {
		return nil
	}
	if video == nil {
		return ErrNoVideoTrack
	}
	if m.effects == nil {
		return ErrEffectsMissing
	}

	p, err := m.effects.Load(ctx, mode)
	if err != nil {
		return fmt.Errorf("load %s: %w", mode, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != video {
		// The camera changed while loading; the new track gets the processor.
		video = m.video
	}
	if video == nil {
		p.Close()
		return ErrNoVideoTrack
	}
	video.SetProcessor(p)
	m.processor = p
	m.background = mode
	return nil
}

func (m *Manager) Background() (mode core.BackgroundMode, applying bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background, m.applying
}

// StopAll stops every local track and releases the hardware. Safe to call
// more than once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tracks := []core.LocalTrack{m.screen, m.video, m.audio}
	m.audio, m.video, m.screen = nil, nil, nil
	proc := m.processor
	m.processor = nil
	m.background = core.BackgroundNone
	m.local = nil
	m.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
	if proc != nil {
		proc.Close()
	}
	m.provider.ReleaseAll()
}
