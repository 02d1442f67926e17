package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/app/conn"
	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/app/reconcile"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

type Screen string

const (
	ScreenHome         Screen = "home"
	ScreenLobby        Screen = "lobby"
	ScreenInCall       Screen = "in-call"
	ScreenSessionEnded Screen = "session-ended"
	ScreenExpired      Screen = "expired"
)

// View is everything a UI needs to render the session.
type View struct {
	Screen              Screen               `json:"screen"`
	Conn                conn.State           `json:"conn"`
	Connecting          bool                 `json:"connecting"`
	Error               *conn.Reason         `json:"error,omitempty"`
	Identity            string               `json:"identity,omitempty"`
	DisplayName         string               `json:"displayName,omitempty"`
	Role                domain.Role          `json:"role,omitempty"`
	Room                string               `json:"room,omitempty"`
	RoomSID             string               `json:"roomSid,omitempty"`
	IsHost              bool                 `json:"isHost"`
	CanEndForAll        bool                 `json:"canEndForAll"`
	// WaitingForTherapist is set for clients until a therapist is present.
	WaitingForTherapist bool                 `json:"waitingForTherapist"`
	Permissions         devices.Permissions  `json:"permissions"`
	Background          core.BackgroundMode  `json:"background"`
	ApplyingBackground  bool                 `json:"applyingBackground"`
	ChatOpen            bool                 `json:"chatOpen"`
	ChatHistory         []domain.ChatMessage `json:"chatHistory"`
	Call                reconcile.Snapshot   `json:"call"`
}

// View derives the render state from the current components.
func (o *Orchestrator) View(ctx context.Context) View {
	rec, err := o.Store.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("view: read session")
	}
	id := domain.ParseIdentity(rec.Identity)
	state := o.Conn.State()
	call := o.Calls.Snapshot()
	bg, applying := o.Devices.Background()

	o.mu.Lock()
	v := View{
		Screen:       o.screen,
		Conn:         state,
		Connecting:   o.joining || state.Phase == conn.Connecting || state.Phase == conn.Reconnecting,
		Error:        o.lastErr,
		Identity:     rec.Identity,
		DisplayName:  rec.DisplayName,
		Role:         rec.Role,
		Room:         rec.Room,
		RoomSID:      rec.RoomSID,
		IsHost:       id.Host,
		CanEndForAll: id.IsTherapistHost() && state.Phase == conn.Connected,
		Permissions:  o.perms,
		Background:   bg,
		ChatOpen:     o.chatOpen,
		Call:         call,
	}
	waiting := o.waiting
	o.mu.Unlock()

	v.ChatHistory = o.chatHistory()
	v.ApplyingBackground = applying
	v.WaitingForTherapist = waiting && !therapistPresent(call)
	return v
}

func therapistPresent(s reconcile.Snapshot) bool {
	for _, p := range s.Participants {
		if domain.ParseIdentity(p.Identity).IsTherapist() {
			return true
		}
	}
	return false
}
