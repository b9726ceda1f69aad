package scenario

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds the loaded scenario graphs, keyed by scenario id. Safe
// for concurrent lookup while a watcher reloads in the background.
type Registry struct {
	mu     sync.RWMutex
	dir    string
	graphs map[string]*Graph
}

// NewRegistry loads every scenario in dir.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir, graphs: make(map[string]*Graph)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the scenario directory, replacing the graph set.
func (r *Registry) Reload() error {
	graphs, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	next := make(map[string]*Graph, len(graphs))
	for _, g := range graphs {
		next[g.ID()] = g
	}
	r.mu.Lock()
	r.graphs = next
	r.mu.Unlock()

	log.Debug().Int("scenarios", len(next)).Str("dir", r.dir).Msg("Scenario registry reloaded")
	return nil
}

// Get returns a graph by scenario id.
func (r *Registry) Get(id string) (*Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	return g, ok
}

// IsActive reports whether the scenario exists and is flagged active.
func (r *Registry) IsActive(id string) bool {
	g, ok := r.Get(id)
	return ok && g.Active()
}

// IDs returns the loaded scenario ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	return ids
}
