package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/televisit/internal/core"
)

// dataTrack adapts a remote data channel to core.DataTrack.
type dataTrack struct {
	id string
	dc *webrtc.DataChannel

	mu sync.Mutex
	fn func(core.Frame)
}

func newDataTrack(id string, dc *webrtc.DataChannel) *dataTrack {
	t := &dataTrack{id: id, dc: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		fn := t.fn
		t.mu.Unlock()
		if fn != nil {
			fn(core.Frame(msg.Data))
		}
	})
	return t
}

func (t *dataTrack) ID() string { return t.id }

func (t *dataTrack) OnMessage(fn func(core.Frame)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}
