package conversation

import (
	"maps"
	"sync"
)

// Role attributes a turn to a speaker
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one attributed message in the call's conversation
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store accumulates the turns of a single call session.
// Insertion order is the model context, so turns are never reordered or removed.
type Store struct {
	turns   []Turn
	context map[string]any
	mu      sync.RWMutex
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		turns:   make([]Turn, 0),
		context: map[string]any{},
	}
}

// Append adds a turn at the end of the conversation
func (s *Store) Append(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
}

// Turns returns a copy of the ordered turn sequence
func (s *Store) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of stored turns
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// SetContext replaces the call context received during setup
func (s *Store) SetContext(ctx map[string]any) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = ctx
}

// Context returns a copy of the call context received during setup
func (s *Store) Context() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.context)
}
