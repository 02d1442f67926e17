package orch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/app/reconcile"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

// ToggleMute flips the microphone and returns the new muted flag.
func (o *Orchestrator) ToggleMute() (bool, error) {
	a := o.Devices.Audio()
	if a == nil {
		return true, ErrNoAudioTrack
	}
	a.SetEnabled(!a.IsEnabled())
	o.syncLocalFlags()
	return !a.IsEnabled(), nil
}

// ToggleCamera flips the camera and returns the new enabled flag.
func (o *Orchestrator) ToggleCamera() (bool, error) {
	v := o.Devices.Video()
	if v == nil {
		return false, ErrNoVideoTrack
	}
	v.SetEnabled(!v.IsEnabled())
	o.syncLocalFlags()
	return v.IsEnabled(), nil
}

// ToggleScreenShare starts or stops sharing based on the state at call time.
// Returns whether sharing is active afterwards.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	local, err := o.localParticipant()
	if err != nil {
		return false, err
	}
	if cur := o.Devices.Screen(); cur != nil {
		if err := local.Unpublish(cur); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("unpublish screen")
		}
		_ = o.Devices.StopScreenShare()
		o.syncLocalFlags()
		return false, nil
	}

	t, err := o.Devices.StartScreenShare(ctx, func(t core.LocalTrack) {
		// Stopped from the system UI: unpublish before the manager stops it.
		if err := local.Unpublish(t); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("unpublish ended screen")
		}
		o.syncLocalFlags()
	})
	if err != nil {
		return false, err
	}
	if err := local.Publish(ctx, t); err != nil {
		_ = o.Devices.StopScreenShare()
		return false, err
	}
	o.syncLocalFlags()
	return true, nil
}

// ToggleHand raises the local hand, or lowers it when already raised.
func (o *Orchestrator) ToggleHand() (bool, error) {
	local, err := o.localParticipant()
	if err != nil {
		return false, err
	}
	for _, sid := range o.Calls.Snapshot().HandsRaised {
		if sid == local.SID() {
			return false, o.Hands.Lower(local, sid)
		}
	}
	return true, o.Hands.Raise(local, local.SID())
}

func (o *Orchestrator) RaiseHand() error {
	local, err := o.localParticipant()
	if err != nil {
		return err
	}
	return o.Hands.Raise(local, local.SID())
}

func (o *Orchestrator) LowerHand() error {
	local, err := o.localParticipant()
	if err != nil {
		return err
	}
	return o.Hands.Lower(local, local.SID())
}

// ToggleChat opens or closes the chat panel. Opening loads the history;
// a failed load shows an empty history.
func (o *Orchestrator) ToggleChat(ctx context.Context) (bool, error) {
	o.mu.Lock()
	open := !o.chatOpen
	o.chatOpen = open
	o.mu.Unlock()

	if open && o.Backend != nil {
		rec, err := o.Store.Get(ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Msg("chat: read session")
		}
		history := o.Backend.ChatHistory(ctx, rec.Room)
		o.mu.Lock()
		o.chat = history
		o.mu.Unlock()
	}
	o.changed()
	return open, nil
}

// SendChat sends an in-call text message on the data track.
func (o *Orchestrator) SendChat(text string) (reconcile.Chat, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return reconcile.Chat{}, ErrEmptyMessage
	}
	local, err := o.localParticipant()
	if err != nil {
		return reconcile.Chat{}, err
	}
	msg := reconcile.Chat{
		Type:           reconcile.TypeChat,
		ID:             uuid.NewString(),
		ParticipantSID: local.SID(),
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return reconcile.Chat{}, err
	}
	if err := local.SendData(b); err != nil {
		return reconcile.Chat{}, err
	}
	o.Calls.AddLocalMessage(msg)
	return msg, nil
}

// SwitchDevice moves a media kind to another device, in place while in a call.
func (o *Orchestrator) SwitchDevice(ctx context.Context, kind core.DeviceKind, deviceID string) error {
	if err := o.Devices.SwitchDevice(ctx, kind, deviceID); err != nil {
		return err
	}
	o.syncLocalFlags()
	o.changed()
	return nil
}

// SetBackground applies a background effect to the camera.
func (o *Orchestrator) SetBackground(ctx context.Context, mode core.BackgroundMode) error {
	err := o.Devices.ApplyBackgroundEffect(ctx, mode)
	o.changed()
	return err
}

// DeviceList lists the available devices grouped by kind.
func (o *Orchestrator) DeviceList(ctx context.Context) (devices.DeviceList, error) {
	return o.Devices.EnumerateDevices(ctx)
}

func (o *Orchestrator) chatHistory() []domain.ChatMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ChatMessage{}, o.chat...)
}
