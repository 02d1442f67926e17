package core

import (
	"context"
	"image"
)

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
	KindData  TrackKind = "data"
)

// ScreenTrackMarker is carried in the name of every screen-share video track.
const ScreenTrackMarker = "screen"

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceVideoInput  DeviceKind = "videoinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo describes one capture or playback device.
// Label may be empty until a permission check for its kind succeeded.
type DeviceInfo struct {
	ID    string     `json:"deviceId"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// DefaultDeviceID selects the system default device.
const DefaultDeviceID = "default"

type BackgroundMode string

const (
	BackgroundNone      BackgroundMode = "none"
	BackgroundLightBlur BackgroundMode = "light-blur"
	BackgroundFullBlur  BackgroundMode = "full-blur"
)

// FrameProcessor transforms captured video frames before encoding.
type FrameProcessor interface {
	Process(img image.Image) image.Image
	Close()
}

// LocalTrack is a capture track owned by the local session.
type LocalTrack interface {
	ID() string
	Name() string
	Kind() TrackKind
	DeviceID() string
	IsEnabled() bool
	SetEnabled(enabled bool)
	// Restart rebinds the track to another device in place, without a republish.
	Restart(ctx context.Context, deviceID string) error
	// Stop releases the SDK-level track and the hardware source behind it.
	// Safe to call more than once.
	Stop()
	IsStopped() bool
	// OnEnded is invoked when capture ends outside the application,
	// e.g. the user stops a screen share from the system UI.
	OnEnded(fn func())
	// SetProcessor installs a frame processor; nil removes it. Audio tracks ignore it.
	SetProcessor(p FrameProcessor)
}

// DeviceProvider is the platform media layer.
type DeviceProvider interface {
	Devices(ctx context.Context) ([]DeviceInfo, error)
	// CheckAccess opens and immediately releases a source of the kind, the
	// desktop equivalent of a permission prompt.
	CheckAccess(ctx context.Context, kind TrackKind) error
	OpenTrack(ctx context.Context, kind TrackKind, deviceID string) (LocalTrack, error)
	OpenDisplay(ctx context.Context) (LocalTrack, error)
	// ReleaseAll stops every hardware source still held by the provider.
	ReleaseAll()
}

// EffectLoader loads the background effect model for a mode.
type EffectLoader interface {
	Load(ctx context.Context, mode BackgroundMode) (FrameProcessor, error)
}
