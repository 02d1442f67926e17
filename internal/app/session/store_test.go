package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/televisit/internal/adapters/storage"
	"github.com/dkeye/televisit/internal/domain"
)

func TestMergeIsPartial(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory(), nil)

	_, err := s.Merge(ctx, domain.SessionPatch{
		Token:       domain.Ptr("t1"),
		Identity:    domain.Ptr("tp-u1-host"),
		DisplayName: domain.Ptr("Dr Jane"),
		Room:        domain.Ptr("appt-42"),
	})
	require.NoError(t, err)

	rec, err := s.Merge(ctx, domain.SessionPatch{RoomSID: domain.Ptr("RM1"), AudioInputID: domain.Ptr("mic-2")})
	require.NoError(t, err)

	assert.Equal(t, "t1", rec.Token)
	assert.Equal(t, "appt-42", rec.Room)
	assert.Equal(t, "RM1", rec.RoomSID)
	assert.Equal(t, "mic-2", rec.Devices.AudioInputID)

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestResumeFallsBackToConnectionDetails(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory(), nil)

	require.NoError(t, s.SaveConnectionDetails(ctx, domain.ConnectionDetails{
		Token: "t2", Identity: "Sam-CL-u3-guest", Room: "appt-7",
	}))

	rec, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, rec.CanResume())
	assert.Equal(t, "t2", rec.Token)
	assert.Equal(t, "Sam-CL-u3-guest", rec.Identity)
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory(), nil)
	_, err := s.Merge(ctx, domain.SessionPatch{Token: domain.Ptr("t")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Clear(ctx))
		rec, err := s.Get(ctx)
		require.NoError(t, err)
		assert.True(t, rec.IsEmpty())
	}
}

func TestClearKeepIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewStore(storage.NewMemory(), nil)
	_, err := s.Merge(ctx, domain.SessionPatch{
		Token: domain.Ptr("t"), Identity: domain.Ptr("Sam-CL-u3-guest"), DisplayName: domain.Ptr("Sam"), Room: domain.Ptr("r"),
	})
	require.NoError(t, err)
	require.NoError(t, s.SaveConnectionDetails(ctx, domain.ConnectionDetails{Token: "t"}))

	require.NoError(t, s.ClearKeepIdentity(ctx))

	rec, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.Token)
	assert.Empty(t, rec.Room)
	assert.Equal(t, "Sam", rec.DisplayName)
	assert.Equal(t, "Sam-CL-u3-guest", rec.Identity)
}

func TestSweepVendorKeys(t *testing.T) {
	ctx := context.Background()
	local := storage.NewMemory()
	require.NoError(t, local.Set(ctx, "video-sdk-prefs", "x"))
	require.NoError(t, local.Set(ctx, "video-sdk-stats", "y"))
	require.NoError(t, local.Set(ctx, "theme", "dark"))

	s := NewStore(storage.NewMemory(), local)
	n, err := s.SweepVendorKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err := local.Get(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)
}

func TestCorruptRecordReadsAsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(ctx, RecordKey, "{not json"))

	rec, err := NewStore(kv, nil).Get(ctx)
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
}
