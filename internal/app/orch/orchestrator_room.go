package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/adapters/api"
	"github.com/dkeye/televisit/internal/app/conn"
	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

type Lobby struct {
	Devices     devices.DeviceList  `json:"devices"`
	Permissions devices.Permissions `json:"permissions"`
	DisplayName string              `json:"displayName,omitempty"`
}

// Preview opens the lobby: requests permissions, re-enumerates to get labels
// and starts local preview tracks on the stored devices. Device failures only
// disable the affected control.
func (o *Orchestrator) Preview(ctx context.Context) (Lobby, error) {
	perms := o.Devices.RequestPermissions(ctx)
	list, err := o.Devices.EnumerateDevices(ctx)
	if err != nil {
		return Lobby{}, err
	}
	rec, err := o.Store.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("lobby: read session")
	}

	if perms.Audio && o.Devices.Audio() == nil {
		if _, err := o.Devices.CreateAudioTrack(ctx, rec.Devices.AudioInputID); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("lobby: microphone unavailable")
			perms.Audio = false
		}
	}
	if perms.Video && o.Devices.Video() == nil {
		if _, err := o.Devices.CreateVideoTrack(ctx, rec.Devices.VideoInputID); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("lobby: camera unavailable")
			perms.Video = false
		}
	}

	o.mu.Lock()
	o.perms = perms
	o.screen = ScreenLobby
	o.lastErr = nil
	o.mu.Unlock()
	o.syncLocalFlags()
	o.changed()

	return Lobby{Devices: list, Permissions: perms, DisplayName: rec.DisplayName}, nil
}

type JoinRequest struct {
	DisplayName string `json:"displayName"`
	Room        string `json:"room"`
	Invite      string `json:"invite,omitempty"`
}

// Join fetches a token, stores the session and connects.
func (o *Orchestrator) Join(ctx context.Context, req JoinRequest) error {
	if err := domain.ValidateDisplayName(req.DisplayName); err != nil {
		return err
	}
	if req.Room == "" {
		return ErrRoomRequired
	}
	if !o.beginJoin() {
		return conn.ErrConnectInProgress
	}
	defer o.endJoin()
	o.changed()

	resp, err := o.Backend.FetchToken(ctx, api.TokenRequest{
		DisplayName: req.DisplayName,
		Room:        req.Room,
		TTLMinutes:  o.settings.TokenTTLMinutes,
		Invite:      req.Invite,
	})
	if err != nil {
		ce := conn.Classify(err)
		o.route(ScreenLobby, o.userReason(ce, domain.Identity{}))
		return fmt.Errorf("fetch token: %w", err)
	}

	identity := resp.ParticipantIdentity()
	room := resp.Room
	if room == "" {
		room = req.Room
	}
	ptype := "guest"
	if domain.ParseIdentity(identity).Host {
		ptype = "host"
	}
	rec, err := o.Store.Merge(ctx, domain.SessionPatch{
		Token:           domain.Ptr(resp.Data.Token),
		Identity:        domain.Ptr(identity),
		DisplayName:     domain.Ptr(req.DisplayName),
		Room:            domain.Ptr(room),
		Role:            domain.Ptr(resp.Data.Role),
		UserID:          domain.Ptr(resp.Data.UserID),
		ParticipantType: domain.Ptr(ptype),
	})
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if err := o.Store.SaveConnectionDetails(ctx, domain.ConnectionDetails{
		Token: rec.Token, Identity: rec.Identity, Room: rec.Room, RoomSID: rec.RoomSID,
	}); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("save connection details")
	}
	return o.connect(ctx, rec)
}

// Resume reconnects with the stored session without prompting.
func (o *Orchestrator) Resume(ctx context.Context) error {
	rec, err := o.Store.Resume(ctx)
	if err != nil {
		return err
	}
	if !rec.CanResume() {
		return ErrNothingToResume
	}
	if !o.beginJoin() {
		return conn.ErrConnectInProgress
	}
	defer o.endJoin()
	log.Info().Str("module", "app.orch").Str("identity", rec.Identity).Str("room", rec.Room).Msg("resuming session")
	return o.connect(ctx, rec)
}

func (o *Orchestrator) connect(ctx context.Context, rec domain.SessionRecord) error {
	id := domain.ParseIdentity(rec.Identity)
	logger := log.With().Str("module", "app.orch").Str("identity", rec.Identity).Str("room", rec.Room).Logger()

	if o.Devices.Audio() == nil {
		if _, err := o.Devices.CreateAudioTrack(ctx, rec.Devices.AudioInputID); err != nil {
			logger.Warn().Err(err).Msg("joining without microphone")
		}
	}
	if o.Devices.Video() == nil {
		if _, err := o.Devices.CreateVideoTrack(ctx, rec.Devices.VideoInputID); err != nil {
			logger.Warn().Err(err).Msg("joining without camera")
		}
	}
	o.syncLocalFlags()

	room, err := o.Conn.Connect(ctx, conn.ConnectRequest{
		Token:    rec.Token,
		RoomName: rec.Room,
		RoomSID:  rec.RoomSID,
		Identity: rec.Identity,
		Tracks:   o.Devices.Tracks(),
		Sink:     o.Bus.Sink(),
	})
	if err != nil {
		if errors.Is(err, conn.ErrConnectInProgress) {
			return err
		}
		ce := conn.Classify(err)
		if ce.Kind == conn.KindRoomCompleted {
			// endedRemotely already cleaned up and routed.
			return err
		}
		o.applyPolicy(ctx, o.userReason(ce, id))
		return err
	}

	o.Devices.Attach(room.Local())
	o.Calls.Sync(room)
	o.syncLocalFlags()

	if rec.RoomSID != room.SID() {
		if _, err := o.Store.Merge(ctx, domain.SessionPatch{RoomSID: domain.Ptr(room.SID())}); err != nil {
			logger.Warn().Err(err).Msg("store room sid")
		}
		if err := o.Store.SaveConnectionDetails(ctx, domain.ConnectionDetails{
			Token: rec.Token, Identity: rec.Identity, Room: rec.Room, RoomSID: room.SID(),
		}); err != nil {
			logger.Warn().Err(err).Msg("save connection details")
		}
	}

	watchCtx, cancel := context.WithCancel(o.rootCtx())
	o.mu.Lock()
	if o.watchCancel != nil {
		o.watchCancel()
	}
	o.watchCancel = cancel
	o.screen = ScreenInCall
	o.lastErr = nil
	o.waiting = false
	o.chatOpen = false
	o.chat = nil
	o.mu.Unlock()

	o.startWatchers(watchCtx, rec.Room, room.SID(), id)
	o.changed()
	logger.Info().Str("room_sid", room.SID()).Msg("joined")
	return nil
}

func (o *Orchestrator) startWatchers(ctx context.Context, roomName, roomSID string, id domain.Identity) {
	if o.Backend != nil {
		w := &ExpiryWatcher{
			Status:   o.Backend,
			Interval: o.settings.StatusPollInterval,
			OnEnded:  o.endedRemotely,
		}
		go w.Run(ctx, roomSID)
	}
	if o.Sync == nil {
		return
	}
	if id.IsTherapistHost() {
		if err := o.Sync.MarkTherapistJoined(ctx, roomName); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("mark therapist joined")
		}
		return
	}
	if id.IsTherapist() {
		return
	}
	go func() {
		err := o.Sync.Watch(ctx, roomName, func(joined bool) {
			o.mu.Lock()
			changed := o.waiting == joined
			o.waiting = !joined
			o.mu.Unlock()
			if changed {
				o.changed()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("module", "app.orch").Msg("watch therapist joined")
		}
	}()
}

// userReason attaches the user-facing message for the identity's role.
func (o *Orchestrator) userReason(ce *conn.ConnectError, id domain.Identity) *conn.Reason {
	r := ce.Reason()
	r.Message = conn.UserMessage(ce.Kind, id.IsTherapistHost())
	return r
}

// Leave disconnects and clears the stored session.
func (o *Orchestrator) Leave(ctx context.Context) error {
	err := o.FullCleanup(ctx, false)
	o.route(ScreenHome, nil)
	return err
}

// EndSessionForAll completes the room on the server for every participant.
// Only a therapist host may call it.
func (o *Orchestrator) EndSessionForAll(ctx context.Context) error {
	rec, err := o.Store.Get(ctx)
	if err != nil {
		return err
	}
	if !domain.ParseIdentity(rec.Identity).IsTherapistHost() {
		return ErrNotHost
	}
	roomSID := rec.RoomSID
	if r := o.Conn.Room(); r != nil {
		roomSID = r.SID()
	}
	if roomSID == "" {
		return ErrNotConnected
	}
	if err := o.Backend.CompleteRoom(ctx, roomSID); err != nil {
		return fmt.Errorf("complete room: %w", err)
	}
	if o.Sync != nil {
		if err := o.Sync.Clear(ctx, rec.Room); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("clear therapist joined")
		}
	}
	log.Info().Str("module", "app.orch").Str("room_sid", roomSID).Msg("session ended for all")
	err = o.FullCleanup(ctx, false)
	o.route(ScreenSessionEnded, &conn.Reason{Kind: conn.KindRoomCompleted, Message: conn.UserMessage(conn.KindRoomCompleted, true)})
	return err
}

// endedRemotely runs when the room is found completed, before or during the call.
func (o *Orchestrator) endedRemotely(ctx context.Context) {
	log.Info().Str("module", "app.orch").Msg("room completed remotely")
	_ = o.FullCleanup(ctx, false)
	o.route(ScreenSessionEnded, &conn.Reason{Kind: conn.KindRoomCompleted, Message: conn.UserMessage(conn.KindRoomCompleted, false)})
}

// localParticipant returns the publishing participant of the attached room.
func (o *Orchestrator) localParticipant() (core.LocalParticipant, error) {
	room := o.Conn.Room()
	if room == nil || room.Local() == nil {
		return nil, ErrNotConnected
	}
	return room.Local(), nil
}
