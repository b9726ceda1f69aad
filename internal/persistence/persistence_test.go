package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/store"
	"github.com/robotjaol/crucible/pkg/models"
)

// flakyStore fails a configured number of UpdateSession calls before
// delegating to the wrapped store.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) UpdateSession(ctx context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("simulated write failure")
	}
	return f.Store.UpdateSession(ctx, id, fields)
}

type PersistenceSuite struct {
	suite.Suite
	ctx     context.Context
	mem     *store.MemoryStore
	flaky   *flakyStore
	bus     *notify.Bus
	persist *Persistence
}

func TestPersistenceSuite(t *testing.T) {
	suite.Run(t, new(PersistenceSuite))
}

func (s *PersistenceSuite) SetupTest() {
	s.ctx = context.Background()
	s.bus = notify.NewBus()
	s.mem = store.NewMemoryStore(s.bus)
	s.flaky = &flakyStore{Store: s.mem}
	s.persist = New(s.flaky, s.bus, zerolog.Nop(), Options{
		AutoSave:        false,
		FlushMaxRetries: 3,
	})
}

func (s *PersistenceSuite) TearDownTest() {
	s.persist.Cleanup(s.ctx)
	s.bus.Close()
}

func (s *PersistenceSuite) seedSession(id string) *models.TrainingSession {
	sess := &models.TrainingSession{
		ID:             id,
		UserID:         "analyst-1",
		ScenarioID:     "outbreak-response",
		StartedAt:      time.Now(),
		CurrentStateID: "triage",
		Data: models.SessionData{
			StateHistory: []string{"triage"},
		},
	}
	s.Require().NoError(s.mem.CreateSession(s.ctx, sess))
	return sess
}

func (s *PersistenceSuite) TestSaveSessionState_NoConflict() {
	s.seedSession("s1")
	s.Require().NoError(s.persist.StartSync(s.ctx, "s1", func(notify.Event) {}))

	data := models.SessionData{StateHistory: []string{"triage", "quarantine"}}
	result, err := s.persist.SaveSessionState(s.ctx, "s1", data, "quarantine")
	s.Require().NoError(err)
	s.False(result.ConflictResolved)
	s.Equal(data.StateHistory, result.Data.StateHistory)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("quarantine", stored.CurrentStateID)
	s.Equal([]string{"triage", "quarantine"}, stored.Data.StateHistory)
}

func (s *PersistenceSuite) TestSaveSessionState_ConflictMerges() {
	s.seedSession("s1")
	s.Require().NoError(s.persist.StartSync(s.ctx, "s1", func(notify.Event) {}))

	// Another writer lands a longer history after our last sync point.
	time.Sleep(10 * time.Millisecond)
	serverData := models.SessionData{
		StateHistory:     []string{"triage", "quarantine", "contained"},
		TimeSpentSeconds: 500,
	}
	s.Require().NoError(s.mem.UpdateSession(s.ctx, "s1", map[string]any{
		store.FieldSessionData: serverData,
	}))

	clientData := models.SessionData{
		StateHistory:     []string{"triage", "monitor"},
		TimeSpentSeconds: 200,
		PauseCount:       2,
	}
	result, err := s.persist.SaveSessionState(s.ctx, "s1", clientData, "monitor")
	s.Require().NoError(err)
	s.True(result.ConflictResolved)
	// The result carries the merged payload so callers can adopt it.
	s.Equal([]string{"triage", "quarantine", "contained"}, result.Data.StateHistory)
	s.Equal(500, result.Data.TimeSpentSeconds)
	s.Equal(2, result.Data.PauseCount)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal([]string{"triage", "quarantine", "contained"}, stored.Data.StateHistory)
	s.Equal(500, stored.Data.TimeSpentSeconds)
	s.Equal(2, stored.Data.PauseCount)
}

func (s *PersistenceSuite) TestSaveSessionState_UnknownSession() {
	_, err := s.persist.SaveSessionState(s.ctx, "ghost", models.SessionData{}, "")
	s.ErrorIs(err, store.ErrSessionNotFound)
}

func (s *PersistenceSuite) TestQueueUpdate_LastWritePerFieldWins() {
	s.seedSession("s1")

	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})
	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "contained", store.FieldIsPaused: true})

	status := s.persist.Status()
	s.Equal(1, status.PendingSessions)
	s.Equal(2, status.PendingFields)

	s.persist.FlushPending(s.ctx)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("contained", stored.CurrentStateID)
	s.True(stored.IsPaused)
	s.Zero(s.persist.Status().PendingSessions)
}

func (s *PersistenceSuite) TestFlushPending_RequeuesOnFailureThenSucceeds() {
	s.seedSession("s1")
	s.flaky.failures = 1

	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})
	s.persist.FlushPending(s.ctx)

	// First flush failed; the update is still pending.
	s.Equal(1, s.persist.Status().PendingSessions)

	s.persist.FlushPending(s.ctx)
	s.Zero(s.persist.Status().PendingSessions)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("quarantine", stored.CurrentStateID)
}

func (s *PersistenceSuite) TestFlushPending_RequeueKeepsNewerQueuedFields() {
	s.seedSession("s1")
	s.flaky.failures = 1

	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})
	s.persist.FlushPending(s.ctx)
	// Fields queued after the failed flush must not be clobbered by the
	// re-queued older value.
	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "contained"})
	s.persist.FlushPending(s.ctx)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("contained", stored.CurrentStateID)
}

func (s *PersistenceSuite) TestFlushPending_DropsAfterMaxRetries() {
	s.seedSession("s1")
	s.flaky.failures = 10

	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})
	for i := 0; i < 3; i++ {
		s.persist.FlushPending(s.ctx)
	}

	s.Zero(s.persist.Status().PendingSessions)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("triage", stored.CurrentStateID)
}

func (s *PersistenceSuite) TestSyncUpdate_WritesThrough() {
	s.seedSession("s1")

	now := time.Now()
	s.Require().NoError(s.persist.SyncUpdate(s.ctx, "s1", map[string]any{
		store.FieldIsPaused: true,
		store.FieldPausedAt: now,
	}))

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.True(stored.IsPaused)
	s.Require().NotNil(stored.PausedAt)
}

func (s *PersistenceSuite) TestStartSyncReceivesStoreEvents() {
	s.seedSession("s1")

	var mu sync.Mutex
	var got []notify.Event
	s.Require().NoError(s.persist.StartSync(s.ctx, "s1", func(ev notify.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))

	s.Require().NoError(s.mem.UpdateSession(s.ctx, "s1", map[string]any{
		store.FieldIsPaused: true,
	}))

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(got, 1)
	s.Equal(notify.EventPause, got[0].Type)
	s.Equal("s1", got[0].SessionID)
}

func (s *PersistenceSuite) TestStopSyncStopsDelivery() {
	s.seedSession("s1")

	var mu sync.Mutex
	count := 0
	s.Require().NoError(s.persist.StartSync(s.ctx, "s1", func(notify.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	s.persist.StopSync("s1")

	s.Require().NoError(s.mem.UpdateSession(s.ctx, "s1", map[string]any{
		store.FieldIsPaused: true,
	}))

	mu.Lock()
	defer mu.Unlock()
	s.Zero(count)
}

func (s *PersistenceSuite) TestCleanup_FlushesAndIsIdempotent() {
	s.seedSession("s1")
	s.Require().NoError(s.persist.StartSync(s.ctx, "s1", func(notify.Event) {}))
	s.persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})

	s.persist.Cleanup(s.ctx)
	s.persist.Cleanup(s.ctx)

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("quarantine", stored.CurrentStateID)

	status := s.persist.Status()
	s.False(status.Connected)
	s.Zero(status.PendingSessions)
}

func (s *PersistenceSuite) TestAutoSaveFlushLoop() {
	persist := New(s.mem, s.bus, zerolog.Nop(), Options{
		AutoSave:      true,
		FlushInterval: 20 * time.Millisecond,
	})
	defer persist.Cleanup(s.ctx)

	s.seedSession("s1")
	s.Require().NoError(persist.StartSync(s.ctx, "s1", func(notify.Event) {}))
	persist.QueueUpdate("s1", map[string]any{store.FieldCurrentStateID: "quarantine"})

	s.Eventually(func() bool {
		stored, err := s.mem.GetSession(s.ctx, "s1")
		return err == nil && stored.CurrentStateID == "quarantine"
	}, time.Second, 10*time.Millisecond)
}

func (s *PersistenceSuite) TestCheckpointCreateAndRestore() {
	s.seedSession("s1")
	s.Require().NoError(s.persist.CreateCheckpoint(s.ctx, "s1", "before-quarantine"))

	// Advance the session past the checkpoint.
	advanced := models.SessionData{
		StateHistory:     []string{"triage", "quarantine"},
		TimeSpentSeconds: 90,
	}
	s.Require().NoError(s.persist.SyncUpdate(s.ctx, "s1", map[string]any{
		store.FieldSessionData:    advanced,
		store.FieldCurrentStateID: "quarantine",
	}))

	s.Require().NoError(s.persist.RestoreFromCheckpoint(s.ctx, "s1", "before-quarantine"))

	stored, err := s.mem.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("triage", stored.CurrentStateID)
	s.Equal([]string{"triage"}, stored.Data.StateHistory)
	s.Zero(stored.Data.TimeSpentSeconds)
}

func (s *PersistenceSuite) TestRestoreFromCheckpoint_UnknownName() {
	s.seedSession("s1")
	err := s.persist.RestoreFromCheckpoint(s.ctx, "s1", "never-created")
	s.ErrorIs(err, ErrCheckpointNotFound)

	s.Require().NoError(s.persist.CreateCheckpoint(s.ctx, "s1", "real"))
	err = s.persist.RestoreFromCheckpoint(s.ctx, "s1", "still-missing")
	s.ErrorIs(err, ErrCheckpointNotFound)
}

func (s *PersistenceSuite) TestLoadSessionState() {
	s.seedSession("s1")
	sess, err := s.persist.LoadSessionState(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("s1", sess.ID)

	_, err = s.persist.LoadSessionState(s.ctx, "ghost")
	s.ErrorIs(err, store.ErrSessionNotFound)
}
