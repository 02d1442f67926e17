// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type Role string

const (
	RoleTherapist Role = "THERAPIST"
	RoleClient    Role = "CLIENT"
	RoleAdmin     Role = "ADMIN"
)

// role tags as they appear inside an identity string
const (
	therapistTag = "tp"
	clientTag    = "cl"
	adminTag     = "ad"
	hostMarker   = "host"
	guestMarker  = "guest"
)

// Identity is the parsed form of a participant identity such as
// "Dr Jane-TP-u7-host" or "tp-u1-host": an optional display prefix,
// a role tag, the user id and a host/guest marker.
type Identity struct {
	Raw    string
	Name   string
	Role   Role
	UserID string
	Host   bool
}

func ParseIdentity(raw string) Identity {
	id := Identity{Raw: raw}
	parts := strings.Split(raw, "-")
	tagAt := -1
scan:
	for i := len(parts) - 1; i >= 0; i-- {
		switch strings.ToLower(strings.TrimSpace(parts[i])) {
		case therapistTag:
			id.Role = RoleTherapist
		case clientTag:
			id.Role = RoleClient
		case adminTag:
			id.Role = RoleAdmin
		default:
			continue
		}
		tagAt = i
		break scan
	}
	if n := len(parts); n > 1 {
		switch strings.ToLower(parts[n-1]) {
		case hostMarker:
			id.Host = true
			parts = parts[:n-1]
		case guestMarker:
			parts = parts[:n-1]
		}
	}
	if tagAt < 0 {
		id.Name = strings.Join(parts, "-")
		return id
	}
	id.Name = strings.TrimSpace(strings.Join(parts[:tagAt], "-"))
	if tagAt+1 < len(parts) {
		id.UserID = strings.Join(parts[tagAt+1:], "-")
	}
	return id
}

func (i Identity) IsTherapist() bool { return i.Role == RoleTherapist }

// IsTherapistHost reports whether the identity may end the session for everyone.
func (i Identity) IsTherapistHost() bool { return i.IsTherapist() && i.Host }

// DisplayName falls back to the raw identity when no name prefix was encoded.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Raw
}

func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}
