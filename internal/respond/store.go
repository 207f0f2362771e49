package respond

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/pathwarden/pathwarden/internal/storage"
)

// FileName is the response state file inside the data directory.
const FileName = "response_state.json"

// Store holds all plans and mirrors them to disk on every mutation.
type Store struct {
	mu     sync.RWMutex
	plans  map[string]*Plan
	dir    *storage.Dir
	logger *slog.Logger
}

// NewStore loads persisted response state. A corrupt file starts the store
// empty; corruption is reported via the returned flag so the caller can
// record a persistence_load_failed audit entry.
func NewStore(dir *storage.Dir, logger *slog.Logger) (*Store, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		plans:  make(map[string]*Plan),
		dir:    dir,
		logger: logger.With("component", "respond.Store"),
	}

	loadFailed := false
	var persisted []Plan
	switch err := dir.LoadJSON(FileName, &persisted); {
	case err == nil:
		for i := range persisted {
			p := persisted[i]
			s.plans[p.ID] = &p
		}
	case errors.Is(err, storage.ErrNotExist):
		// first run
	default:
		loadFailed = true
		s.logger.Warn("response state unreadable, starting empty", "error", err)
	}
	return s, loadFailed
}

// Put inserts or replaces a plan and persists the store.
func (s *Store) Put(p Plan) error {
	s.mu.Lock()
	cp := p.clone()
	s.plans[cp.ID] = &cp
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// Get returns a copy of the plan.
func (s *Store) Get(id string) (Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return Plan{}, false
	}
	return p.clone(), true
}

// ByAction locates the plan owning an action and the action's index.
func (s *Store) ByAction(actionID string) (Plan, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		for i, a := range p.Actions {
			if a.ID == actionID {
				return p.clone(), i, true
			}
		}
	}
	return Plan{}, 0, false
}

// Pending returns pending_approval plans, oldest first.
func (s *Store) Pending() []Plan {
	return s.filter(func(p *Plan) bool { return p.State == PlanPendingApproval })
}

// History returns plans that have left the approval pipeline.
func (s *Store) History() []Plan {
	return s.filter(func(p *Plan) bool {
		switch p.State {
		case PlanCompleted, PlanFailed, PlanRejected:
			return true
		}
		return false
	})
}

// All returns every plan, oldest first.
func (s *Store) All() []Plan {
	return s.filter(func(*Plan) bool { return true })
}

func (s *Store) filter(keep func(*Plan) bool) []Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Plan
	for _, p := range s.plans {
		if keep(p) {
			result = append(result, p.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// persistLocked mirrors all plans to disk. Caller holds s.mu.
func (s *Store) persistLocked() error {
	plans := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p.clone())
	}
	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.Before(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
	if err := s.dir.WriteJSON(FileName, plans); err != nil {
		s.logger.Error("failed to persist response state", "error", err)
		return err
	}
	return nil
}
