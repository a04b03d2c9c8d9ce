// Package board holds the node and connection stores the execution pipeline
// consumes. The pipeline reads node content and edges, mutates result-side
// fields through the result channel, and persists via the debounced AutoSave
// hook.
package board

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quirk/internal/database"
	"quirk/internal/models"
)

// autosaveDelay is the debounce window for persistence triggers.
const autosaveDelay = 800 * time.Millisecond

// Store is an in-memory board backed by SQLite. All mutation goes through the
// store so the debounced autosave sees a consistent snapshot.
type Store struct {
	mu    sync.RWMutex
	db    *database.DB
	board *models.Board

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// NewStore creates a store for the given board.
func NewStore(db *database.DB, board *models.Board) *Store {
	return &Store{db: db, board: board}
}

// Load reads a board from the database. A missing id yields an empty board
// under that id.
func Load(db *database.DB, id string) (*Store, error) {
	board := &models.Board{ID: id}

	var data string
	err := db.QueryRow(`SELECT name, data FROM boards WHERE id = ?`, id).Scan(&board.Name, &data)
	switch {
	case err == sql.ErrNoRows:
		// fresh board
	case err != nil:
		return nil, fmt.Errorf("failed to load board %s: %w", id, err)
	default:
		if err := json.Unmarshal([]byte(data), board); err != nil {
			return nil, fmt.Errorf("failed to decode board %s: %w", id, err)
		}
		board.ID = id
	}

	return NewStore(db, board), nil
}

// Board returns the underlying board. Callers must treat it as read-only.
func (s *Store) Board() *models.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board
}

// GetNodeByID returns the node with the given id, or nil.
func (s *Store) GetNodeByID(id int64) *models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.board.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Nodes returns the board's nodes. Iteration order defines upstream and
// downstream ordering for script inputs.
func (s *Store) Nodes() []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board.Nodes
}

// Connections returns the board's directed edges.
func (s *Store) Connections() []models.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.board.Connections
}

// AddNode appends a node to the board.
func (s *Store) AddNode(n *models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.board.Nodes = append(s.board.Nodes, n)
}

// AddConnection appends a directed edge, ignoring duplicates per ordered pair.
func (s *Store) AddConnection(c models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.board.Connections {
		if existing.Start.NodeID == c.Start.NodeID && existing.End.NodeID == c.End.NodeID {
			return
		}
	}
	s.board.Connections = append(s.board.Connections, c)
}

// UpdateNode applies fn to the node with the given id under the store lock.
// Returns false when the node does not exist.
func (s *Store) UpdateNode(id int64, fn func(*models.Node)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.board.Nodes {
		if n.ID == id {
			fn(n)
			return true
		}
	}
	return false
}

// RemoveNode deletes a node and every edge touching it.
func (s *Store) RemoveNode(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	nodes := s.board.Nodes[:0]
	for _, n := range s.board.Nodes {
		if n.ID == id {
			found = true
			continue
		}
		nodes = append(nodes, n)
	}
	s.board.Nodes = nodes
	if !found {
		return false
	}
	conns := s.board.Connections[:0]
	for _, c := range s.board.Connections {
		if c.Start.NodeID == id || c.End.NodeID == id {
			continue
		}
		conns = append(conns, c)
	}
	s.board.Connections = conns
	return true
}

// RemoveConnection deletes the edge for the ordered pair.
func (s *Store) RemoveConnection(startID, endID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.board.Connections {
		if c.Start.NodeID == startID && c.End.NodeID == endID {
			s.board.Connections = append(s.board.Connections[:i], s.board.Connections[i+1:]...)
			return true
		}
	}
	return false
}

// NextNodeID returns an id one past the current maximum.
func (s *Store) NextNodeID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, n := range s.board.Nodes {
		if n.ID > max {
			max = n.ID
		}
	}
	return max + 1
}

// AutoSave schedules a debounced persistence of the board. Repeated calls
// within the window collapse into one write.
func (s *Store) AutoSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(autosaveDelay, func() {
		if err := s.Save(); err != nil {
			slog.Error("board autosave failed", "board_id", s.board.ID, "error", err)
		}
	})
}

// Save writes the board to the database immediately.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.Marshal(s.board)
	id, name := s.board.ID, s.board.Name
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode board: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO boards (id, name, data, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		id, name, string(data))
	if err != nil {
		return fmt.Errorf("failed to save board %s: %w", id, err)
	}
	return nil
}

// Flush cancels any pending autosave and writes synchronously. Used on
// shutdown.
func (s *Store) Flush() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveMu.Unlock()
	return s.Save()
}
