package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/core"
)

func backends(t *testing.T) map[string]core.KeyValue {
	s := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return map[string]core.KeyValue{
		"memory": NewMemory(),
		"redis":  NewRedis(rc, "agent1:"),
	}
}

func TestBackends(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := kv.Get(ctx, "missing")
			require.ErrorIs(t, err, core.ErrKeyNotFound)

			require.NoError(t, kv.Set(ctx, "televisit:session", "{}"))
			require.NoError(t, kv.Set(ctx, "video-a", "1"))
			require.NoError(t, kv.Set(ctx, "video-b", "2"))

			v, err := kv.Get(ctx, "televisit:session")
			require.NoError(t, err)
			assert.Equal(t, "{}", v)

			keys, err := kv.Keys(ctx, "video-")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"video-a", "video-b"}, keys)

			require.NoError(t, kv.Delete(ctx, keys...))
			keys, err = kv.Keys(ctx, "video-")
			require.NoError(t, err)
			assert.Empty(t, keys)

			require.NoError(t, kv.Delete(ctx))
		})
	}
}
