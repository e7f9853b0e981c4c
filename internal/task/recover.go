package task

import (
	"context"
	"errors"
	"fmt"

	"transcriber/internal/store"

	"github.com/rs/zerolog/log"
)

// RecoverStats counts what Recover did at startup.
type RecoverStats struct {
	Interrupted int
	Resumed     int
}

// Recover settles tasks left behind by a previous process. Records stuck in
// processing for longer than StaleAfter are failed; pending records are
// started again in the background.
func (m *Manager) Recover(ctx context.Context) (RecoverStats, error) {
	var stats RecoverStats

	processing, err := m.deps.Records.ListByStatus(ctx, store.StatusProcessing)
	if err != nil {
		return stats, fmt.Errorf("list processing: %w", err)
	}
	cutoff := m.now().Add(-m.opts.StaleAfter)
	for _, rec := range processing {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		status := store.StatusFailed
		msg := msgInterrupted
		err := m.deps.Records.TransitionRecord(ctx, rec.ID, store.StatusProcessing, store.Update{
			Status:       &status,
			ErrorMessage: &msg,
		})
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("fail stale task %s: %w", rec.ID, err)
		}
		m.newProgress(rec.ID).emit(ctx, progressFailed, "Error: "+msg)
		log.Warn().Str("task_id", rec.ID).Time("updated_at", rec.UpdatedAt).Msg("stale task marked failed")
		stats.Interrupted++
	}

	pending, err := m.deps.Records.ListByStatus(ctx, store.StatusPending)
	if err != nil {
		return stats, fmt.Errorf("list pending: %w", err)
	}
	for _, rec := range pending {
		taskID := rec.ID
		m.spawn(func(ctx context.Context) {
			if err := m.execute(ctx, taskID); err != nil {
				m.fallback(ctx, taskID, err)
			}
		})
		stats.Resumed++
	}

	log.Info().Int("interrupted", stats.Interrupted).Int("resumed", stats.Resumed).Msg("recovery finished")
	return stats, nil
}
