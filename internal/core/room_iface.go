package core

import (
	"context"
	"strings"
)

// TrackInfo describes a remote track publication.
type TrackInfo struct {
	SID     string    `json:"sid"`
	Name    string    `json:"name"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
	// Surface is the capture-surface hint ("monitor", "window", "browser") sent
	// with display captures; empty for cameras.
	Surface string `json:"surface,omitempty"`
	// Data is set for subscribed data tracks only.
	Data DataTrack `json:"-"`
}

// IsScreenShare tells a screen-share video track from a camera track.
func (t TrackInfo) IsScreenShare() bool {
	if t.Kind != KindVideo {
		return false
	}
	return t.Surface != "" || strings.Contains(strings.ToLower(t.Name), ScreenTrackMarker)
}

type ParticipantInfo struct {
	SID      string      `json:"sid"`
	Identity string      `json:"identity"`
	Tracks   []TrackInfo `json:"tracks"`
}

type LocalParticipant interface {
	SID() string
	Identity() string
	Publish(ctx context.Context, t LocalTrack) error
	Unpublish(t LocalTrack) error
	Published() []LocalTrack
	// SendData writes to the local data track.
	SendData(data []byte) error
}

// Room is a live connection to a conferencing room.
type Room interface {
	SID() string
	Name() string
	Local() LocalParticipant
	Participants() []ParticipantInfo
	Disconnect() error
}

type ConnectOptions struct {
	Token    string
	RoomName string
	Identity string
	Tracks   []LocalTrack
}

// Connector opens rooms. Every room-level and participant-level callback
// is normalized into an Event and handed to sink.
type Connector interface {
	Connect(ctx context.Context, opts ConnectOptions, sink EventSink) (Room, error)
}
