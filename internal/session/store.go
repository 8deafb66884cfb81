package session

import (
	"sync"
	"time"
)

// ResourceKind discriminates what a session is attached to.
type ResourceKind string

const (
	KindProblem  ResourceKind = "problem"
	KindSolution ResourceKind = "solution"
)

// ParseResourceKind validates a wire-level resource type.
func ParseResourceKind(s string) (ResourceKind, bool) {
	switch ResourceKind(s) {
	case KindProblem, KindSolution:
		return ResourceKind(s), true
	}
	return "", false
}

// Key identifies the resource a session coordinates on.
type Key struct {
	Kind ResourceKind
	ID   string
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Change is one append-only activity record.
type Change struct {
	AgentID    string    `json:"agent_id"`
	ChangeType string    `json:"change_type"`
	Details    string    `json:"details,omitempty"`
	TS         time.Time `json:"ts"`
}

// Session is the ephemeral presence record for a resource. It is never
// persisted; the registry owns the single mutable copy and hands out clones.
type Session struct {
	ID           string               `json:"id"`
	Resource     Key                  `json:"-"`
	ResourceType ResourceKind         `json:"resource_type"`
	ResourceID   string               `json:"resource_id"`
	InitiatorID  string               `json:"initiator_id"`
	Participants map[string]time.Time `json:"participants"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	Changes      []Change             `json:"changes"`
	Status       Status               `json:"status"`
}

// Alive reports the liveness rule: active status and recent activity.
func (s *Session) Alive(now time.Time, timeout time.Duration) bool {
	return s.Status == StatusActive && now.Sub(s.LastActivity) < timeout
}

func (s *Session) clone() Session {
	out := *s
	out.Participants = make(map[string]time.Time, len(s.Participants))
	for k, v := range s.Participants {
		out.Participants[k] = v
	}
	out.Changes = append([]Change(nil), s.Changes...)
	return out
}

// Store is the registry backend. The in-memory implementation below serves a
// single-instance deployment; a shared backend can be swapped in without
// touching the Tracker.
type Store interface {
	Get(id string) (*Session, bool)
	GetByKey(key Key) (*Session, bool)
	Put(s *Session)
	ReleaseKey(key Key, sessionID string)
	List() []*Session
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Session
	byKey map[Key]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  map[string]*Session{},
		byKey: map[Key]string{},
	}
}

func (m *MemoryStore) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

func (m *MemoryStore) GetByKey(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	s, ok := m.byID[id]
	return s, ok
}

func (m *MemoryStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	if s.Status == StatusActive {
		m.byKey[s.Resource] = s.ID
	}
}

// ReleaseKey drops the resource pointer if it still targets the given
// session. The session itself remains addressable by id.
func (m *MemoryStore) ReleaseKey(key Key, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey[key] == sessionID {
		delete(m.byKey, key)
	}
}

func (m *MemoryStore) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}
