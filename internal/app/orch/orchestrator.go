// Package orch drives one participant session: lobby, join, in-call
// controls and teardown.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/adapters/api"
	"github.com/dkeye/televisit/internal/app/conn"
	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/app/reconcile"
	"github.com/dkeye/televisit/internal/app/session"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

var (
	ErrNotConnected    = errors.New("not connected to a room")
	ErrNotHost         = errors.New("only the therapist host can end the session for everyone")
	ErrNothingToResume = errors.New("no session to resume")
	ErrNoAudioTrack    = errors.New("no microphone track")
	ErrNoVideoTrack    = errors.New("no camera track")
	ErrEmptyMessage    = errors.New("empty chat message")
	ErrRoomRequired    = errors.New("room is required")
)

// Backend is the telehealth REST API.
type Backend interface {
	FetchToken(ctx context.Context, req api.TokenRequest) (api.TokenResponse, error)
	ChatHistory(ctx context.Context, sessionID string) []domain.ChatMessage
	RoomDetails(ctx context.Context, roomSID string) (domain.RoomDetails, error)
	CompleteRoom(ctx context.Context, roomSID string) error
}

// SyncDoc is the shared "has the therapist joined" document of a room.
type SyncDoc interface {
	MarkTherapistJoined(ctx context.Context, room string) error
	TherapistJoined(ctx context.Context, room string) (bool, error)
	Clear(ctx context.Context, room string) error
	// Watch calls fn with the current value and on every change until ctx is done.
	Watch(ctx context.Context, room string, fn func(joined bool)) error
}

type Deps struct {
	SessionKV core.KeyValue
	// LocalKV holds longer-lived keys, vendor keys included. Defaults to SessionKV.
	LocalKV   core.KeyValue
	Provider  core.DeviceProvider
	Effects   core.EffectLoader
	Connector core.Connector
	Backend   Backend
	Sync      SyncDoc
	Policy    conn.Policy
}

type Settings struct {
	ConnectTimeout     time.Duration
	HandLowerDelay     time.Duration
	HandRaiseLimit     int
	HandRaiseWindow    time.Duration
	StatusPollInterval time.Duration
	TokenTTLMinutes    int
	BusSize            int
}

func (s *Settings) defaults() {
	if s.StatusPollInterval <= 0 {
		s.StatusPollInterval = 15 * time.Second
	}
	if s.TokenTTLMinutes <= 0 {
		s.TokenTTLMinutes = 60
	}
	if s.BusSize <= 0 {
		s.BusSize = 256
	}
	if s.HandRaiseWindow <= 0 {
		s.HandRaiseWindow = time.Minute
	}
}

type Orchestrator struct {
	Store   *session.Store
	Devices *devices.Manager
	Conn    *conn.Controller
	Calls   *reconcile.Reconciler
	Hands   *reconcile.HandRaiser
	Bus     *core.EventBus
	Backend Backend
	Sync    SyncDoc
	Policy  conn.Policy

	settings Settings

	mu          sync.Mutex
	root        context.Context
	screen      Screen
	lastErr     *conn.Reason
	perms       devices.Permissions
	chatOpen    bool
	chat        []domain.ChatMessage
	waiting     bool
	joining     bool
	watchCancel context.CancelFunc
	listeners   []func(View)
}

func New(deps Deps, settings Settings) *Orchestrator {
	settings.defaults()
	if deps.Policy == nil {
		deps.Policy = conn.SimplePolicy{}
	}

	o := &Orchestrator{
		Store:    session.NewStore(deps.SessionKV, deps.LocalKV),
		Bus:      core.NewEventBus(settings.BusSize),
		Backend:  deps.Backend,
		Sync:     deps.Sync,
		Policy:   deps.Policy,
		settings: settings,
		root:     context.Background(),
		screen:   ScreenHome,
	}
	o.Devices = devices.NewManager(deps.Provider, deps.Effects, o.Store)
	o.Calls = reconcile.New(o.Bus.Sink())
	o.Hands = reconcile.NewHandRaiser(o.Calls, settings.HandLowerDelay,
		reconcile.NewRateLimiter(settings.HandRaiseLimit, settings.HandRaiseWindow))

	var status conn.StatusChecker
	if deps.Backend != nil {
		status = deps.Backend
	}
	o.Conn = conn.NewController(conn.Options{
		Connector:       deps.Connector,
		Status:          status,
		Timeout:         settings.ConnectTimeout,
		OnRoomCompleted: o.endedRemotely,
		ReleaseHardware: o.Devices.StopAll,
	})

	o.Conn.OnStateChange(func(conn.State) { o.changed() })
	o.Calls.OnChange(func(reconcile.Snapshot) { o.changed() })
	return o
}

// Run consumes the event bus until ctx is done. Every room callback and
// data track message passes through here, one at a time.
func (o *Orchestrator) Run(ctx context.Context) {
	o.Bind(ctx)

	log.Info().Str("module", "app.orch").Msg("event loop started")
	o.Bus.Run(ctx, func(ev core.Event) { o.HandleEvent(ctx, ev) })
	log.Info().Str("module", "app.orch").Msg("event loop stopped")
}

// HandleEvent feeds one event to the connection controller and the reconciler,
// then applies the disconnect policy when the event ended the connection.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev core.Event) {
	reason := o.Conn.HandleEvent(ev)
	o.Calls.Apply(ev)
	if reason == nil {
		return
	}
	log.Info().Str("module", "app.orch").Str("kind", string(reason.Kind)).Int("code", reason.Code).Msg("room disconnected")
	o.applyPolicy(ctx, reason)
}

// applyPolicy maps a disconnect reason to cleanup and a screen.
func (o *Orchestrator) applyPolicy(ctx context.Context, reason *conn.Reason) {
	switch o.Policy.OnDisconnect(*reason) {
	case conn.ClearAndHome:
		_ = o.FullCleanup(ctx, false)
		o.route(ScreenHome, reason)
	case conn.KeepIdentity:
		_ = o.FullCleanup(ctx, true)
		o.route(ScreenHome, reason)
	case conn.EndSession:
		_ = o.FullCleanup(ctx, false)
		if reason.Kind == conn.KindSessionExpired {
			o.route(ScreenExpired, reason)
		} else {
			o.route(ScreenSessionEnded, reason)
		}
	case conn.RetryConnect:
		o.stopWatch()
		o.Hands.Stop()
		o.Devices.Attach(nil)
		o.Calls.Reset("")
		o.route(ScreenLobby, reason)
	case conn.NoAction:
	}
}

func (o *Orchestrator) route(screen Screen, reason *conn.Reason) {
	o.mu.Lock()
	o.screen = screen
	o.lastErr = reason
	o.mu.Unlock()
	o.changed()
}

// OnChange registers a listener receiving a fresh View after every change.
func (o *Orchestrator) OnChange(fn func(View)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) changed() {
	o.mu.Lock()
	listeners := append([]func(View){}, o.listeners...)
	o.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	v := o.View(context.Background())
	for _, fn := range listeners {
		fn(v)
	}
}

// beginJoin claims the single join slot; the caller must endJoin.
func (o *Orchestrator) beginJoin() bool {
	if o.Conn.State().Busy() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.joining {
		return false
	}
	o.joining = true
	return true
}

func (o *Orchestrator) endJoin() {
	o.mu.Lock()
	o.joining = false
	o.mu.Unlock()
	o.changed()
}

// Bind sets the context background watchers derive from.
func (o *Orchestrator) Bind(ctx context.Context) {
	o.mu.Lock()
	o.root = ctx
	o.mu.Unlock()
}

func (o *Orchestrator) rootCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.root
}

// syncLocalFlags publishes the local media flags read from the current tracks.
func (o *Orchestrator) syncLocalFlags() {
	a, v := o.Devices.Audio(), o.Devices.Video()
	o.Calls.SetLocal(reconcile.LocalFlags{
		IsMuted:         a == nil || !a.IsEnabled(),
		IsVideoEnabled:  v != nil && v.IsEnabled(),
		IsScreenSharing: o.Devices.Screen() != nil,
	})
}
