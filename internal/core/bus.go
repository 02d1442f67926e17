package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventBus funnels events from every adapter callback into one consumer.
type EventBus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

func NewEventBus(size int) *EventBus {
	return &EventBus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Publish blocks while the buffer is full. Events published after Close are dropped.
func (b *EventBus) Publish(ev Event) {
	select {
	case <-b.done:
		log.Debug().Str("module", "core.bus").Str("type", string(ev.Type)).Msg("event after close dropped")
	case b.ch <- ev:
	}
}

// Sink adapts the bus to the EventSink expected by connectors.
func (b *EventBus) Sink() EventSink { return b.Publish }

// Run delivers events to fn until ctx is done or the bus is closed.
func (b *EventBus) Run(ctx context.Context, fn func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case ev := <-b.ch:
			fn(ev)
		}
	}
}

func (b *EventBus) Close() {
	b.once.Do(func() { close(b.done) })
}
