package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultLowerDelay = 3 * time.Second

var ErrHandRateLimited = errors.New("hand raise rate limited")

// Sender writes to the local data track.
type Sender interface {
	SendData(data []byte) error
}

// HandSet is the local view of raised hands.
type HandSet interface {
	SetHand(sid string, raised bool)
}

// HandRaiser sends hand-raise signals and lowers the hand again after a
// delay. Delivery is best effort: nothing is acknowledged or retried.
type HandRaiser struct {
	hands   HandSet
	delay   time.Duration
	limiter *RateLimiter
	now     func() time.Time

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewHandRaiser(hands HandSet, delay time.Duration, limiter *RateLimiter) *HandRaiser {
	if delay <= 0 {
		delay = DefaultLowerDelay
	}
	return &HandRaiser{hands: hands, delay: delay, limiter: limiter, now: time.Now}
}

// Raise marks sid raised locally, sends the signal and schedules the lower.
func (h *HandRaiser) Raise(out Sender, sid string) error {
	if !h.limiter.Allow(sid) {
		return ErrHandRateLimited
	}
	h.hands.SetHand(sid, true)
	err := h.send(out, sid, true)

	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(h.delay, func() {
		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return
		}
		h.timer = nil
		h.mu.Unlock()
		h.hands.SetHand(sid, false)
		if err := h.send(out, sid, false); err != nil {
			log.Warn().Err(err).Str("module", "app.reconcile").Msg("auto lower")
		}
	})
	h.mu.Unlock()
	return err
}

// Lower cancels a pending auto-lower and sends the lower right away.
func (h *HandRaiser) Lower(out Sender, sid string) error {
	h.Stop()
	h.hands.SetHand(sid, false)
	return h.send(out, sid, false)
}

// Stop cancels a pending auto-lower without sending anything.
func (h *HandRaiser) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *HandRaiser) send(out Sender, sid string, raised bool) error {
	if out == nil {
		return nil
	}
	b, err := json.Marshal(HandRaise{
		Type:           TypeHandRaise,
		Raised:         raised,
		ParticipantSID: sid,
		Timestamp:      h.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := out.SendData(b); err != nil {
		return fmt.Errorf("send hand raise: %w", err)
	}
	return nil
}
