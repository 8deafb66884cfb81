package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the session liveness window when none is configured.
const DefaultTimeout = 30 * time.Minute

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session inactive")
	ErrNotInitiator    = errors.New("only the session initiator may end it")
)

// CollaborationRecorder receives durable participation updates for problem
// resources. Calls are best-effort: the tracker logs failures and moves on.
type CollaborationRecorder interface {
	RecordActivity(ctx context.Context, problemID, agentID, workingOn, note string, ts time.Time) error
	Deactivate(ctx context.Context, problemID, agentID string, ts time.Time) error
}

// Tracker is the collaboration session registry. All session mutation goes
// through it: mu makes each lookup plus read-modify-write one step, and
// snapshots are taken before the lock is released so callers never share
// state with the registry.
type Tracker struct {
	mu      sync.Mutex
	store   Store
	Timeout time.Duration
	Collab  CollaborationRecorder
	Now     func() time.Time
	Logger  *log.Logger
}

func NewTracker(store Store, timeout time.Duration) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		store:   store,
		Timeout: timeout,
		Now:     time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// OpenOrJoin joins the live session for the resource key, or registers a
// fresh one with the agent as initiator. At most one active session exists
// per key: the lookup and the registration happen under one lock, so racing
// opens resolve to the same session.
func (t *Tracker) OpenOrJoin(ctx context.Context, kind ResourceKind, resourceID, agentID string) (Session, error) {
	if resourceID == "" || agentID == "" {
		return Session{}, fmt.Errorf("resource id and agent id required")
	}
	out, now := t.openOrJoinLocked(Key{Kind: kind, ID: resourceID}, agentID)
	t.recordActivity(ctx, out, agentID, "", now)
	return out, nil
}

func (t *Tracker) openOrJoinLocked(key Key, agentID string) (Session, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if existing, ok := t.store.GetByKey(key); ok && existing.Alive(now, t.Timeout) {
		if _, present := existing.Participants[agentID]; !present {
			existing.Participants[agentID] = now
		}
		existing.LastActivity = now
		t.store.Put(existing)
		return existing.clone(), now
	}
	s := &Session{
		ID:           uuid.New().String(),
		Resource:     key,
		ResourceType: key.Kind,
		ResourceID:   key.ID,
		InitiatorID:  agentID,
		Participants: map[string]time.Time{agentID: now},
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}
	t.store.Put(s)
	return s.clone(), now
}

// Join adds or refreshes a participant on an existing session.
func (t *Tracker) Join(ctx context.Context, sessionID, agentID string) (Session, error) {
	out, now, err := t.joinLocked(sessionID, agentID)
	if err != nil {
		return Session{}, err
	}
	t.recordActivity(ctx, out, agentID, "", now)
	return out, nil
}

func (t *Tracker) joinLocked(sessionID, agentID string) (Session, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, now, err := t.live(sessionID)
	if err != nil {
		return Session{}, now, err
	}
	s.Participants[agentID] = now
	s.LastActivity = now
	t.store.Put(s)
	return s.clone(), now, nil
}

// RecordChange appends an activity record and bumps liveness.
func (t *Tracker) RecordChange(ctx context.Context, sessionID, agentID, changeType, details string) (Session, error) {
	out, now, err := t.recordChangeLocked(sessionID, agentID, changeType, details)
	if err != nil {
		return Session{}, err
	}
	t.recordActivity(ctx, out, agentID, details, now)
	return out, nil
}

func (t *Tracker) recordChangeLocked(sessionID, agentID, changeType, details string) (Session, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, now, err := t.live(sessionID)
	if err != nil {
		return Session{}, now, err
	}
	if _, present := s.Participants[agentID]; !present {
		s.Participants[agentID] = now
	}
	s.Changes = append(s.Changes, Change{
		AgentID:    agentID,
		ChangeType: changeType,
		Details:    details,
		TS:         now,
	})
	s.LastActivity = now
	t.store.Put(s)
	return s.clone(), now, nil
}

// End closes a session. Only the initiator may end it; the resource key is
// freed so a later OpenOrJoin starts fresh.
func (t *Tracker) End(ctx context.Context, sessionID, agentID string, status Status) (Session, error) {
	if status != StatusCompleted && status != StatusAbandoned {
		return Session{}, fmt.Errorf("invalid end status %q", status)
	}
	out, now, err := t.endLocked(sessionID, agentID, status)
	if err != nil {
		return Session{}, err
	}
	t.deactivate(ctx, out, now)
	return out, nil
}

func (t *Tracker) endLocked(sessionID, agentID string, status Status) (Session, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.store.Get(sessionID)
	if !ok {
		return Session{}, time.Time{}, ErrSessionNotFound
	}
	if s.Status != StatusActive {
		return Session{}, time.Time{}, ErrSessionInactive
	}
	if s.InitiatorID != agentID {
		return Session{}, time.Time{}, ErrNotInitiator
	}
	now := t.now()
	s.Status = status
	s.LastActivity = now
	t.store.Put(s)
	t.store.ReleaseKey(s.Resource, s.ID)
	return s.clone(), now, nil
}

// Get returns a snapshot of a session by id.
func (t *Tracker) Get(sessionID string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.store.Get(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

// Sweep marks every timed-out active session abandoned and frees its key.
// Idempotent; returns the number of sessions swept.
func (t *Tracker) Sweep(ctx context.Context, timeout time.Duration) int {
	swept, now := t.sweepLocked(timeout)
	for _, s := range swept {
		t.deactivate(ctx, s, now)
	}
	return len(swept)
}

func (t *Tracker) sweepLocked(timeout time.Duration) ([]Session, time.Time) {
	if timeout <= 0 {
		timeout = t.Timeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var swept []Session
	for _, s := range t.store.List() {
		if s.Status != StatusActive || now.Sub(s.LastActivity) < timeout {
			continue
		}
		s.Status = StatusAbandoned
		t.store.Put(s)
		t.store.ReleaseKey(s.Resource, s.ID)
		swept = append(swept, s.clone())
	}
	return swept, now
}

// live fetches a session and enforces the liveness rule shared by Join and
// RecordChange. Caller must hold t.mu.
func (t *Tracker) live(sessionID string) (*Session, time.Time, error) {
	s, ok := t.store.Get(sessionID)
	if !ok {
		return nil, time.Time{}, ErrSessionNotFound
	}
	now := t.now()
	if !s.Alive(now, t.Timeout) {
		return nil, time.Time{}, ErrSessionInactive
	}
	return s, now, nil
}

func (t *Tracker) recordActivity(ctx context.Context, s Session, agentID, note string, now time.Time) {
	if t.Collab == nil || s.Resource.Kind != KindProblem {
		return
	}
	if err := t.Collab.RecordActivity(ctx, s.Resource.ID, agentID, "", note, now); err != nil {
		t.logger().Printf("session %s: record collaboration for agent %s: %v", s.ID, agentID, err)
	}
}

func (t *Tracker) deactivate(ctx context.Context, s Session, now time.Time) {
	if t.Collab == nil || s.Resource.Kind != KindProblem {
		return
	}
	for agentID := range s.Participants {
		if err := t.Collab.Deactivate(ctx, s.Resource.ID, agentID, now); err != nil {
			t.logger().Printf("session %s: deactivate collaboration for agent %s: %v", s.ID, agentID, err)
		}
	}
}
