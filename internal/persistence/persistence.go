// Package persistence keeps durable session rows consistent with
// in-memory progress under concurrent writers: queued/batched writes,
// read-before-write conflict detection with field-level merge, and
// checkpoint/restore.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// ErrCheckpointNotFound is returned when restoring a checkpoint name that
// was never created.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Defaults for the background flush loop.
const (
	DefaultFlushInterval   = 5 * time.Second
	DefaultFlushMaxRetries = 5
)

// Options configures a Persistence instance.
type Options struct {
	// AutoSave starts the periodic flush loop on the first StartSync.
	AutoSave bool
	// FlushInterval between automatic flushes.
	FlushInterval time.Duration
	// FlushMaxRetries bounds how many consecutive failed flushes a
	// session's pending update survives before it is dropped and logged.
	FlushMaxRetries int
}

// SaveResult reports whether a save had to merge against a newer server
// row. Data is the payload actually written; after a merge it differs
// from what the caller passed in, and the caller must adopt it.
type SaveResult struct {
	ConflictResolved bool
	Data             models.SessionData
}

// SyncStatus is an observability snapshot.
type SyncStatus struct {
	Connected       bool
	PendingSessions int
	PendingFields   int
	LastSyncAt      map[string]time.Time
}

// Persistence owns synchronization of in-memory session state to the
// store. All mutable maps are serialized by one mutex since the flush
// timer and direct calls fire concurrently.
type Persistence struct {
	store   store.Store
	channel notify.Channel
	log     zerolog.Logger
	opts    Options
	metrics *syncMetrics

	mu       sync.Mutex
	pending  map[string]map[string]any
	retries  map[string]int
	lastSync map[string]time.Time
	subs     map[string]notify.Subscription

	flushCancel context.CancelFunc
	flushDone   chan struct{}
}

// New creates a Persistence over the given store and sync channel.
func New(st store.Store, ch notify.Channel, logger zerolog.Logger, opts Options) *Persistence {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushMaxRetries <= 0 {
		opts.FlushMaxRetries = DefaultFlushMaxRetries
	}
	return &Persistence{
		store:    st,
		channel:  ch,
		log:      logger,
		opts:     opts,
		metrics:  newSyncMetrics(),
		pending:  make(map[string]map[string]any),
		retries:  make(map[string]int),
		lastSync: make(map[string]time.Time),
		subs:     make(map[string]notify.Subscription),
	}
}

// StartSync subscribes to live updates for the session and, when
// auto-save is on, starts the periodic flush loop. The subscription time
// becomes the session's initial sync point for conflict detection.
func (p *Persistence) StartSync(ctx context.Context, sessionID string, onUpdate notify.Handler) error {
	sub, err := p.channel.Subscribe(sessionID, onUpdate)
	if err != nil {
		return fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}

	p.mu.Lock()
	if old, ok := p.subs[sessionID]; ok {
		_ = old.Unsubscribe()
	}
	p.subs[sessionID] = sub
	p.lastSync[sessionID] = time.Now()
	startLoop := p.opts.AutoSave && p.flushCancel == nil
	if startLoop {
		loopCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		p.flushCancel = cancel
		p.flushDone = done
		go p.flushLoop(loopCtx, done)
	}
	p.mu.Unlock()

	p.log.Debug().Str("sessionId", sessionID).Bool("autoSave", p.opts.AutoSave).Msg("Session sync initialized")
	return nil
}

// QueueUpdate merges partial fields into the session's pending update.
// Last write wins per field, not per whole object.
func (p *Persistence) QueueUpdate(sessionID string, fields map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dst, ok := p.pending[sessionID]
	if !ok {
		dst = make(map[string]any, len(fields))
		p.pending[sessionID] = dst
	}
	for k, v := range fields {
		dst[k] = v
	}
}

// SyncUpdate writes through immediately, without retry. Retry policy
// belongs to the caller.
func (p *Persistence) SyncUpdate(ctx context.Context, sessionID string, fields map[string]any) error {
	if err := p.store.UpdateSession(ctx, sessionID, fields); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastSync[sessionID] = time.Now()
	p.mu.Unlock()
	return nil
}

// FlushPending writes every queued update. A session whose write fails is
// re-queued for the next cycle, under any fields queued meanwhile, until
// FlushMaxRetries consecutive failures drop it.
func (p *Persistence) FlushPending(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]map[string]any)
	p.mu.Unlock()

	for sessionID, fields := range batch {
		err := p.store.UpdateSession(ctx, sessionID, fields)
		if err == nil {
			p.mu.Lock()
			p.lastSync[sessionID] = time.Now()
			delete(p.retries, sessionID)
			p.mu.Unlock()
			p.metrics.flushed(ctx, 1)
			continue
		}

		p.metrics.flushFailed(ctx, 1)
		p.mu.Lock()
		p.retries[sessionID]++
		attempts := p.retries[sessionID]
		if attempts >= p.opts.FlushMaxRetries {
			delete(p.retries, sessionID)
			p.mu.Unlock()
			p.metrics.dropped(ctx, 1)
			p.log.Error().Err(err).
				Str("sessionId", sessionID).
				Int("attempts", attempts).
				Msg("Pending update dropped after repeated flush failures")
			continue
		}
		// Re-queue without clobbering fields queued during the flush.
		dst, ok := p.pending[sessionID]
		if !ok {
			dst = make(map[string]any, len(fields))
			p.pending[sessionID] = dst
		}
		for k, v := range fields {
			if _, newer := dst[k]; !newer {
				dst[k] = v
			}
		}
		p.mu.Unlock()
		p.log.Warn().Err(err).Str("sessionId", sessionID).Int("attempts", attempts).Msg("Flush failed, update re-queued")
	}
}

// SaveSessionState is the conflict-sensitive write path. It re-reads the
// stored row first; if the row was updated after this instance's last
// successful sync, the server and client payloads are merged field by
// field before writing.
func (p *Persistence) SaveSessionState(ctx context.Context, sessionID string, data models.SessionData, currentStateID string) (SaveResult, error) {
	current, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return SaveResult{}, err
	}

	p.mu.Lock()
	last := p.lastSync[sessionID]
	p.mu.Unlock()

	payload := data
	conflict := current.UpdatedAtEpoch > last.UnixMilli()
	if conflict {
		payload = MergeSessionData(current.Data, data)
		p.metrics.conflictResolved(ctx, 1)
		p.log.Info().
			Str("sessionId", sessionID).
			Int64("serverUpdatedAt", current.UpdatedAtEpoch).
			Time("lastSync", last).
			Msg("Write conflict detected, merging payloads")
	}

	fields := map[string]any{store.FieldSessionData: payload}
	if currentStateID != "" {
		fields[store.FieldCurrentStateID] = currentStateID
	}
	if err := p.SyncUpdate(ctx, sessionID, fields); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{ConflictResolved: conflict, Data: payload}, nil
}

// LoadSessionState is a plain read-through, no merge.
func (p *Persistence) LoadSessionState(ctx context.Context, sessionID string) (*models.TrainingSession, error) {
	return p.store.GetSession(ctx, sessionID)
}

// Cleanup unsubscribes, stops the flush loop and performs one final
// best-effort flush. Idempotent, and the flush runs even when an
// unsubscribe fails.
func (p *Persistence) Cleanup(ctx context.Context) {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]notify.Subscription)
	cancel := p.flushCancel
	done := p.flushDone
	p.flushCancel = nil
	p.flushDone = nil
	p.mu.Unlock()

	for sessionID, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			p.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Unsubscribe failed during cleanup")
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}
	p.FlushPending(ctx)
}

// StopSync drops one session's subscription, leaving the flush loop and
// other sessions untouched.
func (p *Persistence) StopSync(sessionID string) {
	p.mu.Lock()
	sub, ok := p.subs[sessionID]
	delete(p.subs, sessionID)
	p.mu.Unlock()
	if ok {
		if err := sub.Unsubscribe(); err != nil {
			p.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Unsubscribe failed")
		}
	}
}

// Status exposes connection state, queue depth and last-sync times.
func (p *Persistence) Status() SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := SyncStatus{
		Connected:       len(p.subs) > 0,
		PendingSessions: len(p.pending),
		LastSyncAt:      make(map[string]time.Time, len(p.lastSync)),
	}
	for _, fields := range p.pending {
		st.PendingFields += len(fields)
	}
	for id, t := range p.lastSync {
		st.LastSyncAt[id] = t
	}
	return st
}

func (p *Persistence) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.FlushPending(context.Background())
		}
	}
}
