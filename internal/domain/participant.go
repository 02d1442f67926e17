package domain

// NetworkQuality is the ordinal quality level reported for a participant, 0..5.
type NetworkQuality int

const (
	NetworkQualityUnknown NetworkQuality = 0
	NetworkQualityMax     NetworkQuality = 5
)

// ParticipantState is the reconciled view of one remote participant.
// Flags default to off; a participant without an audio track is muted.
type ParticipantState struct {
	SID             string         `json:"sid"`
	Identity        string         `json:"identity"`
	Name            string         `json:"name"`
	IsMuted         bool           `json:"isMuted"`
	IsVideoEnabled  bool           `json:"isVideoEnabled"`
	IsScreenSharing bool           `json:"isScreenSharing"`
	NetworkQuality  NetworkQuality `json:"networkQuality"`
}

// NewParticipantState builds a participant with every media flag at its default.
func NewParticipantState(sid, identity string) *ParticipantState {
	return &ParticipantState{
		SID:      sid,
		Identity: identity,
		Name:     ParseIdentity(identity).DisplayName(),
		IsMuted:  true,
	}
}

// ChatMessage is a record returned by the chat history endpoint.
type ChatMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}
