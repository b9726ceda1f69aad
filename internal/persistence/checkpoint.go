package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// CreateCheckpoint snapshots the session's full SessionData and current
// state under a named label inside recovery_data.
func (p *Persistence) CreateCheckpoint(ctx context.Context, sessionID, name string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	rec := models.RecoveryData{}
	if sess.Recovery != nil {
		rec = *sess.Recovery
	}
	if rec.Checkpoints == nil {
		rec.Checkpoints = make(map[string]models.Checkpoint)
	}
	rec.Checkpoints[name] = models.Checkpoint{
		Name:           name,
		CreatedAt:      time.Now(),
		CurrentStateID: sess.CurrentStateID,
		Data:           sess.Data.Clone(),
	}

	if err := p.SyncUpdate(ctx, sessionID, map[string]any{store.FieldRecoveryData: rec}); err != nil {
		return fmt.Errorf("write checkpoint %q: %w", name, err)
	}
	p.log.Debug().Str("sessionId", sessionID).Str("checkpoint", name).Msg("Checkpoint created")
	return nil
}

// RestoreFromCheckpoint replaces the session's SessionData and current
// state with a named snapshot. A missing name is an error, never a silent
// no-op.
func (p *Persistence) RestoreFromCheckpoint(ctx context.Context, sessionID, name string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Recovery == nil {
		return fmt.Errorf("%q: %w", name, ErrCheckpointNotFound)
	}
	cp, ok := sess.Recovery.Checkpoints[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrCheckpointNotFound)
	}

	fields := map[string]any{
		store.FieldSessionData:    cp.Data.Clone(),
		store.FieldCurrentStateID: cp.CurrentStateID,
	}
	if err := p.SyncUpdate(ctx, sessionID, fields); err != nil {
		return fmt.Errorf("restore checkpoint %q: %w", name, err)
	}
	p.log.Info().Str("sessionId", sessionID).Str("checkpoint", name).Msg("Checkpoint restored")
	return nil
}
