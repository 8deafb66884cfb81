package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"conflux/internal/config"
	"conflux/internal/db"
	"conflux/internal/domain"
	"conflux/internal/engine"
	"conflux/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedProblem(t *testing.T, env testEnv, title string) domain.Problem {
	t.Helper()
	p, err := env.Engine.CreateProblem(env.Ctx, engine.ProblemCreateOptions{Title: title, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create problem: %v", err)
	}
	return p
}

func TestCreateProblemRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProblem(env.Ctx, engine.ProblemCreateOptions{ActorID: "tester"}); err == nil {
		t.Fatalf("expected title error")
	}
}

func TestDecomposeMovesProblemToInProgress(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "Ship the thing")
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{Title: "design", Ord: 1},
		{Title: "build", Ord: 2},
	}, "tester")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-problems, got %d", len(subs))
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProblemInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestDecomposeRejectsUnknownDependency(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", DependsOn: []string{"ghost"}},
	}, "tester")
	if err == nil {
		t.Fatalf("expected unknown dependency error")
	}
}

func TestDecomposeRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", DependsOn: []string{"b"}},
		{ID: "b", Title: "b", DependsOn: []string{"a"}},
	}, "tester")
	if err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestDecomposeDependsOnExistingSubProblem(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	if _, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "base", Title: "base", Ord: 1},
	}, "tester"); err != nil {
		t.Fatal(err)
	}
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "next", Title: "next", Ord: 2, DependsOn: []string{"base"}},
	}, "tester")
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(subs[0].DependsOn) != 1 || subs[0].DependsOn[0] != "base" {
		t.Fatalf("expected depends_on [base], got %v", subs[0].DependsOn)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{{Title: "only"}}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.Claim(env.Ctx, subs[0].ID, "alice")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if s.Status != domain.SubClaimed || s.ClaimedBy == nil || *s.ClaimedBy != "alice" {
		t.Fatalf("unexpected claim result: %+v", s)
	}
	_, err = env.Engine.Claim(env.Ctx, subs[0].ID, "bob")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestClaimBlockedByUnresolvedDependency(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", Ord: 1},
		{ID: "b", Title: "b", Ord: 2, DependsOn: []string{"a"}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Claim(env.Ctx, "b", "alice")
	var due engine.DependencyUnmetError
	if !errors.As(err, &due) {
		t.Fatalf("expected DependencyUnmetError, got %v", err)
	}
	if len(due.Missing) != 1 || due.Missing[0] != "a" {
		t.Fatalf("expected missing [a], got %v", due.Missing)
	}
	// resolve the dependency, then b becomes claimable
	if _, err := env.Engine.Claim(env.Ctx, "a", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Solve(env.Ctx, "a", "alice", "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, "b", "bob"); err != nil {
		t.Fatalf("claim after dependency solved: %v", err)
	}
}

func TestSolveOnlyByClaimHolder(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{{Title: "only"}}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// unclaimed: invalid state, not forbidden
	_, _, err = env.Engine.Solve(env.Ctx, subs[0].ID, "alice", "answer")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on unclaimed, got %v", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, subs[0].ID, "alice"); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.Solve(env.Ctx, subs[0].ID, "bob", "answer")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	s, ready, err := env.Engine.Solve(env.Ctx, subs[0].ID, "alice", "answer")
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if s.Status != domain.SubSolved || s.Solution == nil || *s.Solution != "answer" {
		t.Fatalf("unexpected solved state: %+v", s)
	}
	if !ready {
		t.Fatalf("expected all-resolved flag after last solve")
	}
	// solving twice fails
	if _, _, err := env.Engine.Solve(env.Ctx, subs[0].ID, "alice", "again"); err == nil {
		t.Fatalf("expected error on double solve")
	}
}

func TestSolveReportsCompletion(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", Ord: 1},
		{ID: "b", Title: "b", Ord: 2},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, "a", "alice"); err != nil {
		t.Fatal(err)
	}
	_, ready, err := env.Engine.Solve(env.Ctx, "a", "alice", "first")
	if err != nil {
		t.Fatal(err)
	}
	if ready {
		t.Fatalf("not all sub-problems solved yet")
	}
	if _, err := env.Engine.Claim(env.Ctx, "b", "bob"); err != nil {
		t.Fatal(err)
	}
	_, ready, err = env.Engine.Solve(env.Ctx, "b", "bob", "second")
	if err != nil {
		t.Fatal(err)
	}
	if !ready {
		t.Fatalf("expected completion after last solve")
	}
	// solving does not close the problem; merge does
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProblemInProgress {
		t.Fatalf("expected in_progress before merge, got %s", got.Status)
	}
}

func TestMergeFoldsSolvedAndClosesProblem(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", Ord: 1},
		{ID: "b", Title: "b", Ord: 2},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := env.Engine.Claim(env.Ctx, id, "alice"); err != nil {
			t.Fatal(err)
		}
		if _, _, err := env.Engine.Solve(env.Ctx, id, "alice", "part "+id); err != nil {
			t.Fatal(err)
		}
	}
	res, err := env.Engine.Merge(env.Ctx, p.ID, "alice", "combined answer", "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.MergedCount != 2 {
		t.Fatalf("expected 2 merged, got %d", res.MergedCount)
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProblemClosed {
		t.Fatalf("expected closed after full merge, got %s", got.Status)
	}
	sols, err := env.Engine.Repo.ListSolutions(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sols) != 1 || sols[0].Solution != "combined answer" {
		t.Fatalf("unexpected solutions: %+v", sols)
	}
	if sols[0].Explanation == "" {
		t.Fatalf("expected default explanation")
	}
	// nothing left to fold
	if _, err := env.Engine.Merge(env.Ctx, p.ID, "alice", "again", ""); !errors.Is(err, engine.ErrNothingToMerge) {
		t.Fatalf("expected ErrNothingToMerge, got %v", err)
	}
}

func TestMergePartialLeavesProblemOpen(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	_, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{
		{ID: "a", Title: "a", Ord: 1},
		{ID: "b", Title: "b", Ord: 2},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, "a", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Solve(env.Ctx, "a", "alice", "partial"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Merge(env.Ctx, p.ID, "alice", "first pass", "partial merge")
	if err != nil {
		t.Fatal(err)
	}
	if res.MergedCount != 1 {
		t.Fatalf("expected 1 merged, got %d", res.MergedCount)
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProblemInProgress {
		t.Fatalf("expected in_progress with b outstanding, got %s", got.Status)
	}
	a, err := env.Engine.Repo.GetSubProblem(env.Ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.SubMerged {
		t.Fatalf("expected merged, got %s", a.Status)
	}
}

func TestSubmitSolutionClosesProblem(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	sol, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "alice", "direct answer", "no decomposition needed")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sol.AuthorID != "alice" {
		t.Fatalf("unexpected author: %s", sol.AuthorID)
	}
	got, err := env.Engine.Repo.GetProblem(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProblemClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}
	// closed problems reject further solutions
	if _, err := env.Engine.SubmitSolution(env.Ctx, p.ID, "bob", "late", ""); err == nil {
		t.Fatalf("expected invalid state on closed problem")
	}
}

func TestClaimRegistersCollaborator(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{{Title: "only"}}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, subs[0].ID, "alice"); err != nil {
		t.Fatal(err)
	}
	collabs, err := env.Engine.ListCollaborators(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(collabs) != 1 || collabs[0].AgentID != "alice" || !collabs[0].Active {
		t.Fatalf("unexpected collaborators: %+v", collabs)
	}
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := seedProblem(t, env, "p")
	subs, err := env.Engine.Decompose(env.Ctx, p.ID, []domain.SubProblemSpec{{Title: "only"}}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Claim(env.Ctx, subs[0].ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.Solve(env.Ctx, subs[0].ID, "alice", "answer"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Merge(env.Ctx, p.ID, "alice", "answer", ""); err != nil {
		t.Fatal(err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, p.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		seen[e.Type] = true
	}
	for _, want := range []string{"problem.created", "problem.decomposed", "subproblem.claimed", "subproblem.solved", "problem.merged"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, evts)
		}
	}
}
