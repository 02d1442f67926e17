package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/app/conn"
)

// ExpiryWatcher polls the room record and fires OnEnded once when the room
// reaches a terminal status, even if the local participant never leaves.
type ExpiryWatcher struct {
	Status   conn.StatusChecker
	Interval time.Duration
	OnEnded  func(ctx context.Context)
}

// Run polls until ctx is done or the room ended.
func (w *ExpiryWatcher) Run(ctx context.Context, roomSID string) {
	if roomSID == "" || w.Status == nil {
		return
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			details, err := w.Status.RoomDetails(ctx, roomSID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Debug().Err(err).Str("module", "app.orch").Str("room_sid", roomSID).Msg("status poll")
				continue
			}
			if details.Status.Terminal() {
				log.Info().Str("module", "app.orch").Str("room_sid", roomSID).Str("status", string(details.Status)).Msg("room ended")
				if w.OnEnded != nil {
					w.OnEnded(context.WithoutCancel(ctx))
				}
				return
			}
		}
	}
}
