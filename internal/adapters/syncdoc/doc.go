// Package syncdoc keeps the per-room "therapist joined" flag in Redis and
// pushes its changes to waiting clients over pub/sub.
package syncdoc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	msgJoined  = "joined"
	msgCleared = "cleared"
)

type Doc struct {
	rc redis.UniversalClient
	ns string
}

func New(rc redis.UniversalClient, namespace string) *Doc {
	return &Doc{rc: rc, ns: namespace}
}

func (d *Doc) key(room string) string     { return d.ns + "therapist-joined:" + room }
func (d *Doc) channel(room string) string { return d.key(room) + ":events" }

func (d *Doc) MarkTherapistJoined(ctx context.Context, room string) error {
	key := d.key(room)
	if err := d.rc.HSet(ctx, key, "joined", "1", "at", time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("syncdoc: mark %s: %w", room, err)
	}
	if err := d.rc.Publish(ctx, d.channel(room), msgJoined).Err(); err != nil {
		return fmt.Errorf("syncdoc: publish %s: %w", room, err)
	}
	log.Info().Str("module", "adapters.syncdoc").Str("room", room).Msg("therapist joined")
	return nil
}

func (d *Doc) TherapistJoined(ctx context.Context, room string) (bool, error) {
	v, err := d.rc.HGet(ctx, d.key(room), "joined").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("syncdoc: read %s: %w", room, err)
	}
	return v == "1", nil
}

// Clear removes the document so the next session of the room starts fresh.
func (d *Doc) Clear(ctx context.Context, room string) error {
	if err := d.rc.Del(ctx, d.key(room)).Err(); err != nil {
		return fmt.Errorf("syncdoc: clear %s: %w", room, err)
	}
	if err := d.rc.Publish(ctx, d.channel(room), msgCleared).Err(); err != nil {
		return fmt.Errorf("syncdoc: publish %s: %w", room, err)
	}
	return nil
}

// Watch subscribes before reading the current value so no change is lost
// between the two. fn runs on the caller's goroutine.
func (d *Doc) Watch(ctx context.Context, room string, fn func(joined bool)) error {
	sub := d.rc.Subscribe(ctx, d.channel(room))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("syncdoc: subscribe %s: %w", room, err)
	}

	joined, err := d.TherapistJoined(ctx, room)
	if err != nil {
		return err
	}
	fn(joined)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Payload {
			case msgJoined:
				fn(true)
			case msgCleared:
				fn(false)
			default:
				log.Debug().Str("module", "adapters.syncdoc").Str("payload", msg.Payload).Msg("unknown event")
			}
		}
	}
}
