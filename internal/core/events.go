package core

import "fmt"

type EventType string

const (
	EventParticipantConnected    EventType = "participantConnected"
	EventParticipantDisconnected EventType = "participantDisconnected"
	EventTrackSubscribed         EventType = "trackSubscribed"
	EventTrackUnsubscribed       EventType = "trackUnsubscribed"
	EventTrackEnabled            EventType = "trackEnabled"
	EventTrackDisabled           EventType = "trackDisabled"
	EventDominantSpeaker         EventType = "dominantSpeakerChanged"
	EventNetworkQuality          EventType = "networkQualityLevelChanged"
	EventDataMessage             EventType = "message"
	EventReconnecting            EventType = "reconnecting"
	EventReconnected             EventType = "reconnected"
	EventDisconnected            EventType = "disconnected"
)

// Event is a normalized room or participant callback.
type Event struct {
	Type EventType
	// Participant is filled for connect/disconnect; other events only set ParticipantSID.
	Participant    ParticipantInfo
	ParticipantSID string
	Track          TrackInfo
	Quality        int
	Data           Frame
	// Err carries the disconnect reason, usually a *RoomError.
	Err error
}

func (e Event) SID() string {
	if e.ParticipantSID != "" {
		return e.ParticipantSID
	}
	return e.Participant.SID
}

type EventSink func(Event)

// Room error codes sent by the signaling service.
const (
	CodeInvalidToken          = 20101
	CodeTokenExpired          = 20104
	CodeSignalingError        = 53000
	CodeSignalingDisconnected = 53001
	CodeSignalingTimeout      = 53002
	CodeRoomCompleted         = 53118
	CodeDuplicateIdentity     = 53205
	CodeSessionLengthExceeded = 53216
)

// RoomError is an error reported by the conferencing service.
type RoomError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("room error %d: %s", e.Code, e.Message)
}
