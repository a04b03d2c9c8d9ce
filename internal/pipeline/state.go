package pipeline

import (
	"log"
	"sync"
	"time"

	"quirk/internal/models"
)

// validTransitions defines the legal status moves. Invalid moves are logged
// and forced so a bug in the caller can never wedge a node in "running".
var validTransitions = map[models.ExecStatus][]models.ExecStatus{
	models.StatusIdle:    {models.StatusRunning},
	models.StatusRunning: {models.StatusSuccess, models.StatusError},
	models.StatusSuccess: {models.StatusRunning, models.StatusIdle},
	models.StatusError:   {models.StatusRunning, models.StatusIdle},
}

func transitionStatus(from, to models.ExecStatus) models.ExecStatus {
	if from == to {
		return to
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return to
		}
	}
	log.Printf("⚠️ [STATE] Invalid transition %s → %s, forcing", from, to)
	return to
}

// StateStore holds per-node execution state. Entries are created lazily on
// first execution, survive across runs, and are wiped by Clear. They are
// never persisted with the board.
type StateStore struct {
	mu     sync.RWMutex
	states map[int64]*models.ExecutionState
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[int64]*models.ExecutionState)}
}

func (s *StateStore) ensure(id int64) *models.ExecutionState {
	st, ok := s.states[id]
	if !ok {
		st = &models.ExecutionState{Status: models.StatusIdle}
		s.states[id] = st
	}
	return st
}

// Get returns a copy of the node's state.
func (s *StateStore) Get(id int64) (models.ExecutionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return models.ExecutionState{Status: models.StatusIdle}, false
	}
	return *st, true
}

// Result returns the node's last result value, if it has one.
func (s *StateStore) Result(id int64) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok || st.Result == nil {
		return nil, false
	}
	return st.Result, true
}

// SetRunning marks the node running and stamps the run start.
func (s *StateStore) SetRunning(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensure(id)
	st.Status = transitionStatus(st.Status, models.StatusRunning)
	st.Error = ""
	st.LastRun = time.Now().UnixMilli()
}

// SetResult updates the stored value without changing status. Used by
// streaming updates so partials survive an abort.
func (s *StateStore) SetResult(id int64, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(id).Result = result
}

// SetSuccess records a terminal success with the final value and duration.
func (s *StateStore) SetSuccess(id int64, result any, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensure(id)
	st.Status = transitionStatus(st.Status, models.StatusSuccess)
	st.Result = result
	st.Error = ""
	st.ExecutionTime = elapsed.Milliseconds()
}

// SetError records a terminal failure.
func (s *StateStore) SetError(id int64, message string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensure(id)
	st.Status = transitionStatus(st.Status, models.StatusError)
	st.Error = message
	st.ExecutionTime = elapsed.Milliseconds()
}

// ClearResult deletes the stored value, used when the result side is wiped.
func (s *StateStore) ClearResult(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		st.Result = nil
	}
}

// IncrementIteration bumps and returns the node's per-run execution count.
func (s *StateStore) IncrementIteration(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensure(id)
	st.IterationCount++
	return st.IterationCount
}

// IterationCount returns the node's execution count within the current run.
func (s *StateStore) IterationCount(id int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[id]; ok {
		return st.IterationCount
	}
	return 0
}

// ZeroIterations resets the per-run counters for the given nodes. Called by
// the orchestrator before a run starts.
func (s *StateStore) ZeroIterations(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if st, ok := s.states[id]; ok {
			st.IterationCount = 0
		}
	}
}

// RunningIDs returns every node currently marked running.
func (s *StateStore) RunningIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, st := range s.states {
		if st.Status == models.StatusRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Sanitize normalizes any stale "running" entries to idle. Called once at
// startup in case a previous process died mid-run.
func (s *StateStore) Sanitize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.states {
		if st.Status == models.StatusRunning {
			log.Printf("⚠️ [STATE] Sanitizing stale running state for node %d", id)
			st.Status = models.StatusIdle
			st.IterationCount = 0
		}
	}
}

// Clear wipes all execution state, returning the pipeline to a fresh-session
// baseline.
func (s *StateStore) Clear() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.states = make(map[int64]*models.ExecutionState)
	return ids
}
