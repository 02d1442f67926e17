package reconcile

import (
	"encoding/json"
	"fmt"
)

// Data track message types.
const (
	TypeHandRaise = "handRaise"
	TypeChat      = "chat"
)

// envelope peeks at the type of a data track message.
type envelope struct {
	Type string `json:"type"`
}

// HandRaise is sent on the data track when a hand goes up or down.
type HandRaise struct {
	Type           string `json:"type"`
	Raised         bool   `json:"raised"`
	ParticipantSID string `json:"participantSid"`
	Timestamp      int64  `json:"timestamp"`
}

// Chat is an in-call text message sent on the data track.
type Chat struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	ParticipantSID string `json:"participantSid"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
}

func decodeType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}
