package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conflux/internal/session"
)

func newTracker(t *testing.T) (*session.Tracker, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := session.NewTracker(session.NewMemoryStore(), 30*time.Minute)
	tr.Now = func() time.Time { return now }
	return tr, &now
}

func TestOpenOrJoinIsSingletonPerResource(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	first, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.InitiatorID != "alice" || first.Status != session.StatusActive {
		t.Fatalf("unexpected session: %+v", first)
	}
	second, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same session, got %s and %s", first.ID, second.ID)
	}
	if _, ok := second.Participants["bob"]; !ok {
		t.Fatalf("bob not registered: %+v", second.Participants)
	}
	// a different resource gets its own session
	other, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected distinct session per resource")
	}
}

func TestConcurrentOpenOrJoinSharesOneSession(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	const agents = 16
	ids := make([]string, agents)
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", fmt.Sprintf("agent-%d", i))
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			ids[i] = s.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < agents; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("racing opens produced distinct sessions: %s and %s", ids[0], ids[i])
		}
	}
	got, err := tr.Get(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != agents {
		t.Fatalf("expected %d participants, got %d", agents, len(got.Participants))
	}
}

func TestConcurrentChangesAllRecorded(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			if _, err := tr.Join(ctx, s.ID, agent); err != nil {
				t.Errorf("join: %v", err)
				return
			}
			if _, err := tr.RecordChange(ctx, s.ID, agent, "edited", ""); err != nil {
				t.Errorf("record: %v", err)
			}
		}(i)
	}
	wg.Wait()
	got, err := tr.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Changes) != writers {
		t.Fatalf("expected %d changes, got %d", writers, len(got.Changes))
	}
	// alice plus every writer
	if len(got.Participants) != writers+1 {
		t.Fatalf("expected %d participants, got %d", writers+1, len(got.Participants))
	}
}

func TestRecordChangeBumpsLiveness(t *testing.T) {
	tr, now := newTracker(t)
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(20 * time.Minute)
	s, err = tr.RecordChange(ctx, s.ID, "bob", "edited", "touched section 2")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(s.Changes) != 1 || s.Changes[0].AgentID != "bob" {
		t.Fatalf("unexpected changes: %+v", s.Changes)
	}
	if !s.LastActivity.Equal(*now) {
		t.Fatalf("last activity not bumped: %v", s.LastActivity)
	}
	// 25 more minutes is still within the window from the bump
	*now = now.Add(25 * time.Minute)
	if _, err := tr.RecordChange(ctx, s.ID, "alice", "edited", ""); err != nil {
		t.Fatalf("expected live session, got %v", err)
	}
}

func TestTimedOutSessionRejectsActivity(t *testing.T) {
	tr, now := newTracker(t)
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(31 * time.Minute)
	if _, err := tr.RecordChange(ctx, s.ID, "alice", "edited", ""); !errors.Is(err, session.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
	// a fresh OpenOrJoin starts a new session for the same resource
	fresh, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == s.ID {
		t.Fatalf("expected a new session after timeout")
	}
	if fresh.InitiatorID != "bob" {
		t.Fatalf("expected bob as initiator, got %s", fresh.InitiatorID)
	}
}

func TestEndRequiresInitiator(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Join(ctx, s.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.End(ctx, s.ID, "bob", session.StatusCompleted); !errors.Is(err, session.ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator, got %v", err)
	}
	ended, err := tr.End(ctx, s.ID, "alice", session.StatusCompleted)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", ended.Status)
	}
	// ended sessions reject further activity but stay readable
	if _, err := tr.RecordChange(ctx, s.ID, "alice", "edited", ""); !errors.Is(err, session.ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
	got, err := tr.Get(s.ID)
	if err != nil || got.Status != session.StatusCompleted {
		t.Fatalf("expected readable completed session, got %+v %v", got, err)
	}
	// the key is free again
	next, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == s.ID {
		t.Fatalf("expected fresh session after end")
	}
}

func TestEndValidatesStatus(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.End(ctx, s.ID, "alice", session.StatusActive); err == nil {
		t.Fatalf("expected invalid end status error")
	}
}

func TestSweepAbandonsTimedOutSessions(t *testing.T) {
	tr, now := newTracker(t)
	ctx := context.Background()
	stale, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(20 * time.Minute)
	fresh, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-2", "bob")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(15 * time.Minute) // stale at 35m, fresh at 15m
	if n := tr.Sweep(ctx, 0); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	got, err := tr.Get(stale.ID)
	if err != nil || got.Status != session.StatusAbandoned {
		t.Fatalf("expected abandoned, got %+v %v", got, err)
	}
	got, err = tr.Get(fresh.ID)
	if err != nil || got.Status != session.StatusActive {
		t.Fatalf("expected fresh still active, got %+v %v", got, err)
	}
	// sweeping again is a no-op
	if n := tr.Sweep(ctx, 0); n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}

type recorderCall struct {
	Problem string
	Agent   string
}

type fakeRecorder struct {
	activity    []recorderCall
	deactivated []recorderCall
}

func (f *fakeRecorder) RecordActivity(_ context.Context, problemID, agentID, _, _ string, _ time.Time) error {
	f.activity = append(f.activity, recorderCall{problemID, agentID})
	return nil
}

func (f *fakeRecorder) Deactivate(_ context.Context, problemID, agentID string, _ time.Time) error {
	f.deactivated = append(f.deactivated, recorderCall{problemID, agentID})
	return nil
}

func TestEndDeactivatesParticipants(t *testing.T) {
	tr, _ := newTracker(t)
	rec := &fakeRecorder{}
	tr.Collab = rec
	ctx := context.Background()
	s, err := tr.OpenOrJoin(ctx, session.KindProblem, "prob-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Join(ctx, s.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.End(ctx, s.ID, "alice", session.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if len(rec.deactivated) != 2 {
		t.Fatalf("expected both participants deactivated, got %+v", rec.deactivated)
	}
}
