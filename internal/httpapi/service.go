// Package httpapi exposes the session-lifecycle and recovery operations
// to request handlers over HTTP, plus a per-session live event stream.
package httpapi

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/robotjaol/crucible/internal/lifecycle"
	"github.com/robotjaol/crucible/internal/notify"
	"github.com/robotjaol/crucible/internal/persistence"
	"github.com/robotjaol/crucible/internal/recovery"
	"github.com/robotjaol/crucible/internal/scenario"
	"github.com/robotjaol/crucible/internal/store"
)

// Service wires the core components behind a chi router. It keeps one
// lifecycle manager per live session, honoring the single-writer model.
type Service struct {
	router    chi.Router
	store     store.Store
	persist   *persistence.Persistence
	recovery  *recovery.Service
	scenarios *scenario.Registry
	channel   notify.Channel
	log       zerolog.Logger

	mu       sync.Mutex
	managers map[string]*lifecycle.Manager
}

// NewService builds the HTTP surface over the given components.
func NewService(st store.Store, persist *persistence.Persistence, rec *recovery.Service, scenarios *scenario.Registry, channel notify.Channel, logger zerolog.Logger) *Service {
	s := &Service{
		router:    chi.NewRouter(),
		store:     st,
		persist:   persist,
		recovery:  rec,
		scenarios: scenarios,
		channel:   channel,
		log:       logger,
		managers:  make(map[string]*lifecycle.Manager),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router.
func (s *Service) Router() http.Handler { return s.router }

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)

	s.router.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleStartSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/complete", s.handleComplete)
			r.Post("/decisions", s.handleRecordDecision)
			r.Post("/state", s.handleUpdateState)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/recoverable", s.handleCanRecover)
			r.Post("/recover", s.handleRecover)
			r.Post("/abandon", s.handleAbandon)
			r.Post("/checkpoints", s.handleCreateCheckpoint)
			r.Post("/checkpoints/{name}/restore", s.handleRestoreCheckpoint)
			r.Get("/events", s.handleEvents)
		})
	})

	s.router.Route("/api/users/{userID}", func(r chi.Router) {
		r.Get("/sessions", s.handleActiveSessions)
		r.Get("/recovery", s.handleFindRecoverable)
		r.Get("/recovery/stats", s.handleRecoveryStats)
	})

	s.router.Post("/api/recovery/cleanup", s.handleCleanup)
}

// manager returns the lifecycle manager owning a session, if any.
func (s *Service) manager(sessionID string) (*lifecycle.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[sessionID]
	return m, ok
}

// adoptManager registers a manager as the session's single writer.
func (s *Service) adoptManager(sessionID string, m *lifecycle.Manager) {
	s.mu.Lock()
	s.managers[sessionID] = m
	s.mu.Unlock()
}

// releaseManager drops a finished session's manager.
func (s *Service) releaseManager(sessionID string) {
	s.mu.Lock()
	delete(s.managers, sessionID)
	s.mu.Unlock()
}

func (s *Service) newManager() *lifecycle.Manager {
	return lifecycle.NewManager(s.store, s.persist, s.log)
}

// handleEvents streams a session's sync events as Server-Sent Events.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan notify.Event, 16)
	sub, err := s.channel.Subscribe(sessionID, func(ev notify.Event) {
		select {
		case events <- ev:
		default:
			// slow client, drop rather than block the publisher
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("Event stream unsubscribe failed")
		}
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"session_id\":%q}\n\n", sessionID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
