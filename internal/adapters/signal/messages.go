package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/televisit/internal/core"
)

const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeCandidate        = "candidate"
	TypePublish          = "publish"
	TypeUnpublish        = "unpublish"
	TypeRoomState        = "room_state"
	TypeMemberJoined     = "member_joined"
	TypeMemberLeft       = "member_left"
	TypeTrackPublished   = "track_published"
	TypeTrackUnpublished = "track_unpublished"
	TypeTrackState       = "track_state"
	TypeDominantSpeaker  = "dominant_speaker"
	TypeNetworkQuality   = "network_quality"
	TypeReconnecting     = "reconnecting"
	TypeReconnected      = "reconnected"
	TypeDisconnected     = "disconnected"
	TypeError            = "error"
)

// TrackDesc announces a local publication.
type TrackDesc struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Kind    core.TrackKind `json:"kind"`
	Enabled bool           `json:"enabled"`
	Surface string         `json:"surface,omitempty"`
}

type Join struct {
	Type     string      `json:"type"`
	Room     string      `json:"room"`
	Identity string      `json:"identity"`
	Tracks   []TrackDesc `json:"tracks"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Type          string `json:"type"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Publication is sent for publish, unpublish and local track_state.
type Publication struct {
	Type  string    `json:"type"`
	Track TrackDesc `json:"track"`
}

type RoomState struct {
	Type         string                 `json:"type"`
	RoomSID      string                 `json:"roomSid"`
	RoomName     string                 `json:"roomName"`
	LocalSID     string                 `json:"localSid"`
	Participants []core.ParticipantInfo `json:"participants"`
}

type MemberJoined struct {
	Type        string               `json:"type"`
	Participant core.ParticipantInfo `json:"participant"`
}

// ParticipantEvent carries member_left, dominant_speaker and network_quality.
type ParticipantEvent struct {
	Type           string `json:"type"`
	ParticipantSID string `json:"participantSid"`
	Level          int    `json:"level,omitempty"`
}

// TrackEvent carries track_published, track_unpublished and track_state.
type TrackEvent struct {
	Type           string         `json:"type"`
	ParticipantSID string         `json:"participantSid"`
	Track          core.TrackInfo `json:"track"`
}

// Failure carries error and disconnected. A zero code on disconnected
// means the room was left normally.
type Failure struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f Failure) Err() error {
	if f.Code == 0 && f.Message == "" {
		return nil
	}
	return &core.RoomError{Code: f.Code, Message: f.Message}
}

// ToEvent maps a room envelope to a normalized event. ok is false for
// envelopes that are not room events.
func ToEvent(typ string, data []byte) (ev core.Event, ok bool, err error) {
	switch typ {
	case TypeMemberJoined:
		var m MemberJoined
		if err := json.Unmarshal(data, &m); err != nil {
			return ev, false, fmt.Errorf("signal: %s: %w", typ, err)
		}
		return core.Event{Type: core.EventParticipantConnected, Participant: m.Participant}, true, nil

	case TypeMemberLeft, TypeDominantSpeaker, TypeNetworkQuality:
		var p ParticipantEvent
		if err := json.Unmarshal(data, &p); err != nil {
			return ev, false, fmt.Errorf("signal: %s: %w", typ, err)
		}
		ev = core.Event{ParticipantSID: p.ParticipantSID}
		switch typ {
		case TypeMemberLeft:
			ev.Type = core.EventParticipantDisconnected
			ev.Participant = core.ParticipantInfo{SID: p.ParticipantSID}
		case TypeDominantSpeaker:
			ev.Type = core.EventDominantSpeaker
		default:
			ev.Type = core.EventNetworkQuality
			ev.Quality = p.Level
		}
		return ev, true, nil

	case TypeTrackPublished, TypeTrackUnpublished, TypeTrackState:
		var t TrackEvent
		if err := json.Unmarshal(data, &t); err != nil {
			return ev, false, fmt.Errorf("signal: %s: %w", typ, err)
		}
		ev = core.Event{ParticipantSID: t.ParticipantSID, Track: t.Track}
		switch {
		case typ == TypeTrackPublished:
			ev.Type = core.EventTrackSubscribed
		case typ == TypeTrackUnpublished:
			ev.Type = core.EventTrackUnsubscribed
		case t.Track.Enabled:
			ev.Type = core.EventTrackEnabled
		default:
			ev.Type = core.EventTrackDisabled
		}
		return ev, true, nil

	case TypeReconnecting:
		return core.Event{Type: core.EventReconnecting}, true, nil
	case TypeReconnected:
		return core.Event{Type: core.EventReconnected}, true, nil

	case TypeDisconnected, TypeError:
		var f Failure
		if err := json.Unmarshal(data, &f); err != nil {
			return ev, false, fmt.Errorf("signal: %s: %w", typ, err)
		}
		return core.Event{Type: core.EventDisconnected, Err: f.Err()}, true, nil
	}
	return ev, false, nil
}
