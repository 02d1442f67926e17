package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
)

type server struct {
	*httptest.Server
	token chan string
	conns chan *websocket.Conn
}

func newServer(t *testing.T) *server {
	s := &server{token: make(chan string, 1), conns: make(chan *websocket.Conn, 1)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.token <- r.URL.Query().Get("token")
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") + "/signal" }

func (s *server) accept(t *testing.T) *websocket.Conn {
	select {
	case ws := <-s.conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

type inbound struct {
	typ  string
	data []byte
}

func TestDialSendAndReceive(t *testing.T) {
	srv := newServer(t)
	got := make(chan inbound, 4)
	c, err := Dial(context.Background(), Options{
		URL:    srv.wsURL(),
		Token:  "jwt-abc",
		Handle: func(typ string, data []byte) { got <- inbound{typ, data} },
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "jwt-abc", <-srv.token)
	ws := srv.accept(t)

	require.NoError(t, c.SendJSON(Join{Type: TypeJoin, Room: "consult-1", Identity: "Ann-PA-u1"}))
	var join Join
	require.NoError(t, ws.ReadJSON(&join))
	assert.Equal(t, "consult-1", join.Room)
	assert.Equal(t, "Ann-PA-u1", join.Identity)

	require.NoError(t, ws.WriteJSON(ParticipantEvent{Type: TypeDominantSpeaker, ParticipantSID: "PA2"}))
	select {
	case in := <-got:
		assert.Equal(t, TypeDominantSpeaker, in.typ)
		assert.Contains(t, string(in.data), "PA2")
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	srv := newServer(t)
	c, err := Dial(context.Background(), Options{URL: srv.wsURL(), Token: "t"})
	require.NoError(t, err)
	defer c.Close()
	<-srv.token
	ws := srv.accept(t)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": TypePing}))
	var resp map[string]string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, TypePong, resp["type"])
}

func TestRemoteCloseReportsError(t *testing.T) {
	srv := newServer(t)
	closed := make(chan error, 1)
	c, err := Dial(context.Background(), Options{
		URL:     srv.wsURL(),
		Token:   "t",
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)
	<-srv.token
	ws := srv.accept(t)
	_ = ws.Close()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
	assert.ErrorIs(t, c.TrySend([]byte("{}")), ErrClosed)
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	srv := newServer(t)
	closed := make(chan error, 1)
	c, err := Dial(context.Background(), Options{
		URL:     srv.wsURL(),
		Token:   "t",
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)
	<-srv.token
	srv.accept(t)

	c.Close()
	c.Close()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}
}

func TestTrySendBackpressure(t *testing.T) {
	c := &Conn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend([]byte("a")))
	assert.ErrorIs(t, c.TrySend([]byte("b")), ErrBackpressure)
}

func TestToEvent(t *testing.T) {
	cases := []struct {
		name  string
		typ   string
		data  string
		check func(t *testing.T, ev core.Event)
	}{
		{"member joined", TypeMemberJoined, `{"participant":{"sid":"PA2","identity":"Dr Lee-TP-u9-host"}}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventParticipantConnected, ev.Type)
			assert.Equal(t, "Dr Lee-TP-u9-host", ev.Participant.Identity)
			assert.Equal(t, "PA2", ev.SID())
		}},
		{"member left", TypeMemberLeft, `{"participantSid":"PA2"}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventParticipantDisconnected, ev.Type)
			assert.Equal(t, "PA2", ev.SID())
		}},
		{"published", TypeTrackPublished, `{"participantSid":"PA2","track":{"sid":"MT1","name":"screen-1","kind":"video","enabled":true}}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventTrackSubscribed, ev.Type)
			assert.True(t, ev.Track.IsScreenShare())
		}},
		{"unpublished", TypeTrackUnpublished, `{"participantSid":"PA2","track":{"sid":"MT1","kind":"audio"}}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventTrackUnsubscribed, ev.Type)
		}},
		{"disabled", TypeTrackState, `{"participantSid":"PA2","track":{"sid":"MT1","kind":"audio","enabled":false}}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventTrackDisabled, ev.Type)
		}},
		{"enabled", TypeTrackState, `{"participantSid":"PA2","track":{"sid":"MT1","kind":"audio","enabled":true}}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventTrackEnabled, ev.Type)
		}},
		{"quality", TypeNetworkQuality, `{"participantSid":"PA2","level":4}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventNetworkQuality, ev.Type)
			assert.Equal(t, 4, ev.Quality)
		}},
		{"expired", TypeDisconnected, `{"code":53216,"message":"session length exceeded"}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventDisconnected, ev.Type)
			var re *core.RoomError
			require.ErrorAs(t, ev.Err, &re)
			assert.Equal(t, core.CodeSessionLengthExceeded, re.Code)
		}},
		{"left", TypeDisconnected, `{}`, func(t *testing.T, ev core.Event) {
			assert.NoError(t, ev.Err)
		}},
		{"reconnecting", TypeReconnecting, `{}`, func(t *testing.T, ev core.Event) {
			assert.Equal(t, core.EventReconnecting, ev.Type)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok, err := ToEvent(tc.typ, []byte(tc.data))
			require.NoError(t, err)
			require.True(t, ok)
			tc.check(t, ev)
		})
	}

	_, ok, err := ToEvent(TypeAnswer, []byte(`{"sdp":"x"}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ToEvent(TypeMemberJoined, []byte(`{`))
	assert.Error(t, err)
}
