package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// FullCleanup stops every local track, disconnects the room when attached and
// clears storage, keeping the identity remnant when asked. Every step runs
// even when an earlier one failed; calling it again is harmless.
func (o *Orchestrator) FullCleanup(ctx context.Context, keepIdentity bool) error {
	o.stopWatch()
	o.Hands.Stop()

	// Unpublish, stop, release hardware, then room disconnect.
	if err := o.Conn.Disconnect(); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("cleanup: disconnect")
	}
	o.Devices.StopAll()
	o.Devices.Attach(nil)
	o.Calls.Reset("")
	o.Conn.Reset()

	var errs []error
	if keepIdentity {
		if err := o.Store.ClearKeepIdentity(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear session: %w", err))
		}
	} else if err := o.Store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear session: %w", err))
	}
	n, err := o.Store.SweepVendorKeys(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	o.mu.Lock()
	o.chatOpen = false
	o.chat = nil
	o.waiting = false
	o.mu.Unlock()

	err = errors.Join(errs...)
	log.Info().
		Str("module", "app.orch").
		Bool("keep_identity", keepIdentity).
		Int("vendor_keys", n).
		AnErr("error", err).
		Msg("cleanup done")
	return err
}

func (o *Orchestrator) stopWatch() {
	o.mu.Lock()
	cancel := o.watchCancel
	o.watchCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
