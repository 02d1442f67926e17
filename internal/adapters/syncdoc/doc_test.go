package syncdoc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoc(t *testing.T) (*Doc, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc, "agent:"), s
}

func TestMarkAndClear(t *testing.T) {
	d, s := newDoc(t)
	ctx := context.Background()

	joined, err := d.TherapistJoined(ctx, "consult-1")
	require.NoError(t, err)
	assert.False(t, joined)

	require.NoError(t, d.MarkTherapistJoined(ctx, "consult-1"))
	joined, err = d.TherapistJoined(ctx, "consult-1")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, "1", s.HGet("agent:therapist-joined:consult-1", "joined"))

	require.NoError(t, d.Clear(ctx, "consult-1"))
	joined, err = d.TherapistJoined(ctx, "consult-1")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.False(t, s.Exists("agent:therapist-joined:consult-1"))
}

func TestWatchDeliversInitialValueAndChanges(t *testing.T) {
	d, _ := newDoc(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan bool, 4)
	done := make(chan error, 1)
	go func() {
		done <- d.Watch(ctx, "consult-2", func(joined bool) { got <- joined })
	}()

	select {
	case v := <-got:
		assert.False(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial value")
	}

	require.NoError(t, d.MarkTherapistJoined(context.Background(), "consult-2"))
	select {
	case v := <-got:
		assert.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("join not delivered")
	}

	require.NoError(t, d.Clear(context.Background(), "consult-2"))
	select {
	case v := <-got:
		assert.False(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("clear not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchSeesEarlierJoin(t *testing.T) {
	d, _ := newDoc(t)
	require.NoError(t, d.MarkTherapistJoined(context.Background(), "consult-3"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan bool, 1)
	go func() { _ = d.Watch(ctx, "consult-3", func(joined bool) { got <- joined }) }()

	select {
	case v := <-got:
		assert.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial value")
	}
}
