// Package session persists the participant session record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

const (
	RecordKey            = "televisit:session"
	ConnectionDetailsKey = "televisit:connection-details"
	// VendorPrefix marks keys left behind by the media SDK; swept on force cleanup.
	VendorPrefix = "video-"
)

// Store reads and merges the session record. It holds no lock: updates are
// read-merge-write and last write wins.
type Store struct {
	session core.KeyValue
	local   core.KeyValue
}

// NewStore takes the per-session backend and the longer-lived local backend
// that may hold vendor keys. They may be the same backend.
func NewStore(sessionKV, localKV core.KeyValue) *Store {
	if localKV == nil {
		localKV = sessionKV
	}
	return &Store{session: sessionKV, local: localKV}
}

// Get returns the stored record, or an empty record when nothing is stored.
func (s *Store) Get(ctx context.Context) (domain.SessionRecord, error) {
	var rec domain.SessionRecord
	ok, err := s.read(ctx, s.session, RecordKey, &rec)
	if err != nil || !ok {
		return domain.SessionRecord{}, err
	}
	return rec, nil
}

// Merge applies patch over the current record and writes the result back.
func (s *Store) Merge(ctx context.Context, patch domain.SessionPatch) (domain.SessionRecord, error) {
	cur, err := s.Get(ctx)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	next := patch.Apply(cur)
	if err := s.write(ctx, s.session, RecordKey, next); err != nil {
		return domain.SessionRecord{}, err
	}
	return next, nil
}

// Resume returns the record to reconnect with. When the primary record lacks
// a token, the connection details fallback fills token, identity and room.
func (s *Store) Resume(ctx context.Context) (domain.SessionRecord, error) {
	rec, err := s.Get(ctx)
	if err != nil {
		return rec, err
	}
	if rec.Token != "" {
		return rec, nil
	}
	var cd domain.ConnectionDetails
	ok, err := s.read(ctx, s.session, ConnectionDetailsKey, &cd)
	if err != nil || !ok {
		return rec, err
	}
	log.Info().Str("module", "app.session").Str("identity", cd.Identity).Msg("resuming from connection details")
	rec.Token = cd.Token
	if rec.Identity == "" {
		rec.Identity = cd.Identity
	}
	if rec.Room == "" {
		rec.Room = cd.Room
	}
	if rec.RoomSID == "" {
		rec.RoomSID = cd.RoomSID
	}
	return rec, nil
}

func (s *Store) SaveConnectionDetails(ctx context.Context, cd domain.ConnectionDetails) error {
	return s.write(ctx, s.session, ConnectionDetailsKey, cd)
}

// Clear removes the record and the connection details. Safe to call repeatedly.
func (s *Store) Clear(ctx context.Context) error {
	return s.session.Delete(ctx, RecordKey, ConnectionDetailsKey)
}

// ClearKeepIdentity reduces the record to its identity remnant so a rejoin
// can restore name and identity without a stale token.
func (s *Store) ClearKeepIdentity(ctx context.Context) error {
	cur, err := s.Get(ctx)
	if err != nil {
		return err
	}
	if err := s.Clear(ctx); err != nil {
		return err
	}
	rem := cur.IdentityRemnant()
	if rem.IsEmpty() {
		return nil
	}
	return s.write(ctx, s.session, RecordKey, rem)
}

// SweepVendorKeys deletes every vendor-prefixed key from the local backend.
func (s *Store) SweepVendorKeys(ctx context.Context) (int, error) {
	keys, err := s.local.Keys(ctx, VendorPrefix)
	if err != nil {
		return 0, fmt.Errorf("list vendor keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.local.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("delete vendor keys: %w", err)
	}
	return len(keys), nil
}

func (s *Store) read(ctx context.Context, kv core.KeyValue, key string, v any) (bool, error) {
	raw, err := kv.Get(ctx, key)
	if errors.Is(err, core.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		// A corrupt entry is treated as absent so the join flow can start over.
		log.Warn().Err(err).Str("module", "app.session").Str("key", key).Msg("discarding unreadable entry")
		return false, nil
	}
	return true, nil
}

func (s *Store) write(ctx context.Context, kv core.KeyValue, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(b)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
