package domain

// DeviceInputs holds the last hardware devices picked by the user.
type DeviceInputs struct {
	AudioInputID  string `json:"audioInputId,omitempty"`
	VideoInputID  string `json:"videoInputId,omitempty"`
	AudioOutputID string `json:"audioOutputId,omitempty"`
}

// SessionRecord is the persisted state of one participant session.
type SessionRecord struct {
	Token           string       `json:"token,omitempty"`
	Identity        string       `json:"identity,omitempty"`
	DisplayName     string       `json:"displayName,omitempty"`
	Room            string       `json:"room,omitempty"`
	RoomSID         string       `json:"roomSid,omitempty"`
	Devices         DeviceInputs `json:"deviceInputIds"`
	Role            Role         `json:"role,omitempty"`
	ParticipantType string       `json:"participantType,omitempty"`
	UserID          string       `json:"userId,omitempty"`
}

func (r SessionRecord) IsEmpty() bool { return r == SessionRecord{} }

// CanResume reports whether the record carries enough to reconnect without prompting.
func (r SessionRecord) CanResume() bool {
	return r.Token != "" && r.Identity != "" && r.Room != ""
}

// IdentityRemnant keeps only what a rejoin flow needs to know who the user was.
func (r SessionRecord) IdentityRemnant() SessionRecord {
	return SessionRecord{
		Identity:        r.Identity,
		DisplayName:     r.DisplayName,
		Role:            r.Role,
		ParticipantType: r.ParticipantType,
		UserID:          r.UserID,
	}
}

// SessionPatch is a partial update; nil fields are left untouched.
type SessionPatch struct {
	Token           *string
	Identity        *string
	DisplayName     *string
	Room            *string
	RoomSID         *string
	AudioInputID    *string
	VideoInputID    *string
	AudioOutputID   *string
	Role            *Role
	ParticipantType *string
	UserID          *string
}

func (p SessionPatch) Apply(r SessionRecord) SessionRecord {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&r.Token, p.Token)
	set(&r.Identity, p.Identity)
	set(&r.DisplayName, p.DisplayName)
	set(&r.Room, p.Room)
	set(&r.RoomSID, p.RoomSID)
	set(&r.Devices.AudioInputID, p.AudioInputID)
	set(&r.Devices.VideoInputID, p.VideoInputID)
	set(&r.Devices.AudioOutputID, p.AudioOutputID)
	set(&r.ParticipantType, p.ParticipantType)
	set(&r.UserID, p.UserID)
	if p.Role != nil {
		r.Role = *p.Role
	}
	return r
}

// Ptr is a tiny helper for building patches.
func Ptr[T any](v T) *T { return &v }

// ConnectionDetails is the transient fallback copy of token and identity.
type ConnectionDetails struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
	Room     string `json:"room"`
	RoomSID  string `json:"roomSid,omitempty"`
}
