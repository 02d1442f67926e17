package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/core/coretest"
	"github.com/dkeye/televisit/internal/domain"
)

type fakeStatus struct {
	status domain.RoomStatus
	err    error
	calls  int
}

func (f *fakeStatus) RoomDetails(_ context.Context, sid string) (domain.RoomDetails, error) {
	f.calls++
	return domain.RoomDetails{SID: sid, Status: f.status}, f.err
}

func newRoom(rec *coretest.Recorder) *coretest.Room {
	return &coretest.Room{
		Rec:      rec,
		RoomSID:  "RM1",
		RoomName: "consult-1",
		LocalP:   &coretest.LocalParticipant{Rec: rec, ParticipantSID: "PA-local", ParticipantIdentity: "ann-cl-u1"},
	}
}

func TestConnectAndDisconnectOrder(t *testing.T) {
	rec := &coretest.Recorder{}
	room := newRoom(rec)
	released := false
	c := NewController(Options{
		Connector:       &coretest.Connector{Room: room},
		ReleaseHardware: func() { released = true; rec.Add("release") },
	})

	audio := coretest.NewTrack(rec, "mic", core.KindAudio, "default")
	video := coretest.NewTrack(rec, "cam", core.KindVideo, "default")
	data := coretest.NewTrack(rec, "data", core.KindData, "")

	got, err := c.Connect(context.Background(), ConnectRequest{
		Token: "tok", RoomName: "consult-1", Identity: "ann-cl-u1",
		Tracks: []core.LocalTrack{audio, video, data},
	})
	require.NoError(t, err)
	assert.Equal(t, room, got)
	assert.Equal(t, Connected, c.State().Phase)

	require.NoError(t, c.Disconnect())
	assert.True(t, released)
	assert.Nil(t, c.Room())
	assert.Equal(t, Disconnected, c.State().Phase)
	assert.Equal(t, KindLeft, c.State().Reason.Kind)

	calls := rec.Calls()
	index := func(prefix string) (first, last int) {
		first, last = -1, -1
		for i, call := range calls {
			if strings.HasPrefix(call, prefix) {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		return first, last
	}
	_, lastUnpub := index("unpublish ")
	firstStop, lastStop := index("stop ")
	rel, _ := index("release")
	disc, _ := index("room-disconnect ")

	require.GreaterOrEqual(t, lastUnpub, 0)
	assert.Less(t, lastUnpub, firstStop, "every unpublish precedes any stop: %v", calls)
	assert.Less(t, lastStop, rel)
	assert.Less(t, rel, disc)
	assert.NotContains(t, calls, "unpublish data")
	assert.False(t, data.IsStopped(), "data track is not media")
	assert.True(t, audio.IsStopped())
	assert.True(t, video.IsStopped())
}

func TestConnectSuppressedWhileBusy(t *testing.T) {
	rec := &coretest.Recorder{}
	connector := &coretest.Connector{Room: newRoom(rec), Block: true}
	c := NewController(Options{Connector: connector, Timeout: time.Second})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	}()

	require.Eventually(t, func() bool { return connector.Calls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	assert.ErrorIs(t, err, ErrConnectInProgress)
	assert.Equal(t, 1, connector.Calls())

	connector.Release()
	wg.Wait()
	assert.Equal(t, Connected, c.State().Phase)

	_, err = c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	assert.ErrorIs(t, err, ErrConnectInProgress, "connected also suppresses")
}

func TestConnectTimeoutIgnoresLateRoom(t *testing.T) {
	rec := &coretest.Recorder{}
	room := newRoom(rec)
	connector := &coretest.Connector{Room: room, Block: true}
	c := NewController(Options{Connector: connector, Timeout: 40 * time.Millisecond})

	var transitions []Phase
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s.Phase)
	})

	start := time.Now()
	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindNetwork, ce.Kind)
	assert.False(t, c.State().Busy())

	connector.Release()
	require.Eventually(t, func() bool { return room.Disconnects() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, Disconnected, c.State().Phase)
	assert.Nil(t, c.Room())
	mu.Lock()
	assert.Equal(t, []Phase{Connecting, Disconnected}, transitions)
	mu.Unlock()
}

func TestConnectRoomCompletedPrecheck(t *testing.T) {
	rec := &coretest.Recorder{}
	connector := &coretest.Connector{Room: newRoom(rec)}
	status := &fakeStatus{status: domain.RoomCompleted}
	cleaned := false
	c := NewController(Options{
		Connector:       connector,
		Status:          status,
		OnRoomCompleted: func(context.Context) { cleaned = true },
	})

	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1", RoomSID: "RM1"})
	assert.ErrorIs(t, err, ErrRoomCompleted)
	assert.True(t, cleaned)
	assert.Equal(t, 0, connector.Calls())
	assert.Equal(t, KindRoomCompleted, c.State().Reason.Kind)
}

func TestConnectStatusErrorStillConnects(t *testing.T) {
	rec := &coretest.Recorder{}
	connector := &coretest.Connector{Room: newRoom(rec)}
	c := NewController(Options{Connector: connector, Status: &fakeStatus{err: errors.New("503")}})

	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1", RoomSID: "RM1"})
	require.NoError(t, err)
	assert.Equal(t, 1, connector.Calls())
}

func TestConnectExpiredToken(t *testing.T) {
	rec := &coretest.Recorder{}
	connector := &coretest.Connector{Room: newRoom(rec)}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewController(Options{Connector: connector, Now: func() time.Time { return now }})

	_, err := c.Connect(context.Background(), ConnectRequest{Token: signed(t, now.Add(-time.Second)), RoomName: "consult-1"})
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindCredential, ce.Kind)
	assert.Equal(t, 0, connector.Calls())
	assert.False(t, c.State().Busy())
}

func TestConnectFailureClassified(t *testing.T) {
	connector := &coretest.Connector{Err: &core.RoomError{Code: core.CodeDuplicateIdentity, Message: "duplicate identity"}}
	c := NewController(Options{Connector: connector})

	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindIdentityConflict, ce.Kind)
	assert.Equal(t, core.CodeDuplicateIdentity, c.State().Reason.Code)

	c.Reset()
	assert.Equal(t, Idle, c.State().Phase)
}

func TestHandleEvents(t *testing.T) {
	rec := &coretest.Recorder{}
	room := newRoom(rec)
	c := NewController(Options{Connector: &coretest.Connector{Room: room}})
	_, err := c.Connect(context.Background(), ConnectRequest{Token: "tok", RoomName: "consult-1"})
	require.NoError(t, err)

	assert.Nil(t, c.HandleEvent(core.Event{Type: core.EventReconnecting}))
	assert.Equal(t, Reconnecting, c.State().Phase)
	assert.Equal(t, room, c.Room(), "room kept while reconnecting")

	assert.Nil(t, c.HandleEvent(core.Event{Type: core.EventReconnected}))
	assert.Equal(t, Connected, c.State().Phase)

	reason := c.HandleEvent(core.Event{
		Type: core.EventDisconnected,
		Err:  &core.RoomError{Code: core.CodeSessionLengthExceeded, Message: "max duration"},
	})
	require.NotNil(t, reason)
	assert.Equal(t, KindSessionExpired, reason.Kind)
	assert.Equal(t, UserMessage(KindSessionExpired, false), reason.Message)
	assert.Equal(t, Disconnected, c.State().Phase)
	assert.Nil(t, c.Room())
	assert.Equal(t, 1, room.Disconnects())

	assert.Nil(t, c.HandleEvent(core.Event{Type: core.EventDisconnected}), "second disconnect is ignored")
}
