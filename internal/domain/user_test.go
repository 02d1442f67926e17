package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIdentity(t *testing.T) {
	cases := map[string]Identity{
		"tp-u1-host": {Raw: "tp-u1-host", Role: RoleTherapist, UserID: "u1", Host: true},
		"Dr Jane-TP-u7-host": {
			Raw: "Dr Jane-TP-u7-host", Name: "Dr Jane", Role: RoleTherapist, UserID: "u7", Host: true,
		},
		"Ad-CL-u2-guest": {Raw: "Ad-CL-u2-guest", Name: "Ad", Role: RoleClient, UserID: "u2"},
		"plain":          {Raw: "plain", Name: "plain"},
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			assert.Equal(t, want, ParseIdentity(raw))
		})
	}
}

func TestIdentityPrivileges(t *testing.T) {
	assert.True(t, ParseIdentity("Dr Jane-TP-u7-host").IsTherapistHost())
	assert.False(t, ParseIdentity("Dr Jane-TP-u7-guest").IsTherapistHost())
	assert.False(t, ParseIdentity("Sam-CL-u3-host").IsTherapistHost())
	assert.Equal(t, "tp-u1-host", ParseIdentity("tp-u1-host").DisplayName())
}

func TestValidateDisplayName(t *testing.T) {
	assert.ErrorIs(t, ValidateDisplayName("  "), ErrDisplayNameEmpty)
	assert.NoError(t, ValidateDisplayName("Sam"))
}

func TestSessionPatchApply(t *testing.T) {
	rec := SessionRecord{Token: "t0", Identity: "id", Devices: DeviceInputs{AudioInputID: "mic-1"}}
	out := SessionPatch{Token: Ptr("t1"), VideoInputID: Ptr("cam-2")}.Apply(rec)

	assert.Equal(t, "t1", out.Token)
	assert.Equal(t, "id", out.Identity)
	assert.Equal(t, "mic-1", out.Devices.AudioInputID)
	assert.Equal(t, "cam-2", out.Devices.VideoInputID)
}

func TestIdentityRemnantDropsCredentials(t *testing.T) {
	rec := SessionRecord{Token: "t", Identity: "id", DisplayName: "Sam", Room: "r", RoomSID: "RM1", UserID: "u"}
	rem := rec.IdentityRemnant()
	assert.Empty(t, rem.Token)
	assert.Empty(t, rem.Room)
	assert.Equal(t, "id", rem.Identity)
	assert.Equal(t, "Sam", rem.DisplayName)
	assert.False(t, rem.CanResume())
}
