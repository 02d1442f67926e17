package rtc

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
)

func TestTrackEventsCompletedFromPublication(t *testing.T) {
	r := newRoom(nil, nil, "me", 1200, time.Second, zerolog.Nop())
	r.participants["PA1"] = &core.ParticipantInfo{SID: "PA1", Tracks: []core.TrackInfo{
		{SID: "TR-cam", Name: "camera", Kind: core.KindVideo, Enabled: true},
		{SID: "TR-scr", Name: "screen", Kind: core.KindVideo, Surface: "monitor", Enabled: true},
	}}

	off := core.Event{Type: core.EventTrackDisabled, ParticipantSID: "PA1", Track: core.TrackInfo{SID: "TR-scr"}}
	require.True(t, r.trackLocked(&off))
	assert.Equal(t, core.KindVideo, off.Track.Kind)
	assert.Equal(t, "monitor", off.Track.Surface)
	assert.True(t, off.Track.IsScreenShare())
	assert.False(t, r.participants["PA1"].Tracks[1].Enabled)

	gone := core.Event{Type: core.EventTrackUnsubscribed, ParticipantSID: "PA1", Track: core.TrackInfo{SID: "TR-scr"}}
	require.True(t, r.trackLocked(&gone))
	assert.True(t, gone.Track.IsScreenShare())
	require.Len(t, r.participants["PA1"].Tracks, 1)
	assert.Equal(t, "TR-cam", r.participants["PA1"].Tracks[0].SID)

	cam := core.Event{Type: core.EventTrackUnsubscribed, ParticipantSID: "PA1", Track: core.TrackInfo{SID: "TR-cam"}}
	require.True(t, r.trackLocked(&cam))
	assert.Equal(t, "camera", cam.Track.Name)
	assert.False(t, cam.Track.IsScreenShare())
}
