package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"conflux/internal/config"
	"conflux/internal/domain"
	"conflux/internal/events"
	"conflux/internal/repo"
	"conflux/internal/session"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sessions *session.Tracker
	Config   *config.Config
	Now      func() time.Time
	Logger   *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	timeout := session.DefaultTimeout
	if cfg != nil {
		timeout = cfg.SessionTimeout()
	}
	tracker := session.NewTracker(session.NewMemoryStore(), timeout)
	tracker.Collab = CollabRecorder{Repo: r}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Sessions: tracker,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// CollabRecorder persists tracker activity into problem_collaborations.
type CollabRecorder struct {
	Repo repo.Repo
}

func (c CollabRecorder) RecordActivity(ctx context.Context, problemID, agentID, workingOn, note string, ts time.Time) error {
	stamp := ts.UTC().Format(time.RFC3339)
	return c.Repo.UpsertCollaboration(ctx, domain.ProblemCollaboration{
		ProblemID:    problemID,
		AgentID:      agentID,
		WorkingOn:    workingOn,
		Note:         note,
		Active:       true,
		JoinedAt:     stamp,
		LastActiveAt: stamp,
	})
}

func (c CollabRecorder) Deactivate(ctx context.Context, problemID, agentID string, ts time.Time) error {
	return c.Repo.DeactivateCollaboration(ctx, problemID, agentID, ts.UTC().Format(time.RFC3339))
}

// ProblemCreateOptions are parameters for creating a problem.
type ProblemCreateOptions struct {
	ID          string
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateProblem(ctx context.Context, opts ProblemCreateOptions) (domain.Problem, error) {
	if opts.Title == "" {
		return domain.Problem{}, errors.New("title is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Problem{
		ID:          id,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.ProblemOpen,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Problem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProblemTx(ctx, tx, p); err != nil {
		return domain.Problem{}, fmt.Errorf("insert problem: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "problem.created", p.ID, "problem", p.ID, opts.ActorID, events.EventPayload{"title": p.Title}); err != nil {
		return domain.Problem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Problem{}, err
	}
	return p, nil
}

// Decompose creates a batch of sub-problems under a problem. Dependency
// references may target existing sub-problems of the same problem or other
// entries of the batch; the combined graph is rejected if cyclic.
func (e Engine) Decompose(ctx context.Context, problemID string, specs []domain.SubProblemSpec, actorID string) ([]domain.SubProblem, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one sub-problem is required")
	}
	p, err := e.Repo.GetProblem(ctx, problemID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.ProblemClosed {
		return nil, InvalidStateError{Entity: "problem", ID: p.ID, Status: p.Status, Op: "decompose"}
	}
	existing, err := e.Repo.ListSubProblems(ctx, problemID)
	if err != nil {
		return nil, err
	}
	known := map[string][]string{}
	for _, s := range existing {
		known[s.ID] = s.DependsOn
	}
	now := e.now().UTC().Format(time.RFC3339)
	batch := make([]domain.SubProblem, 0, len(specs))
	for _, spec := range specs {
		if spec.Title == "" {
			return nil, errors.New("sub-problem title is required")
		}
		id := spec.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, dup := known[id]; dup {
			return nil, fmt.Errorf("invalid sub-problem id %s: already in use", id)
		}
		known[id] = spec.DependsOn
		batch = append(batch, domain.SubProblem{
			ID:          id,
			ProblemID:   problemID,
			CreatedBy:   actorID,
			Title:       spec.Title,
			Description: spec.Description,
			Ord:         spec.Ord,
			DependsOn:   spec.DependsOn,
			Status:      domain.SubOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	for _, s := range batch {
		for _, dep := range s.DependsOn {
			if _, ok := known[dep]; !ok {
				return nil, fmt.Errorf("invalid depends_on: sub-problem %s references unknown %s", s.ID, dep)
			}
		}
	}
	if err := ensureAcyclic(known); err != nil {
		return nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	// deps may point forward into the batch, so edges go in after all rows
	for _, s := range batch {
		if err := e.Repo.InsertSubProblemTx(ctx, tx, s); err != nil {
			return nil, fmt.Errorf("insert sub-problem: %w", err)
		}
	}
	for _, s := range batch {
		if err := e.Repo.AddDependenciesTx(ctx, tx, s.ID, s.DependsOn); err != nil {
			return nil, err
		}
	}
	if _, err := e.Repo.SetProblemStatusTx(ctx, tx, p.ID, domain.ProblemOpen, domain.ProblemInProgress, now); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "problem.decomposed", p.ID, "problem", p.ID, actorID, events.EventPayload{"count": len(batch)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// ensureAcyclic DFS-colors the dependency graph.
func ensureAcyclic(graph map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(graph))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("invalid depends_on: dependency cycle involving %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range graph[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range graph {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of the sub-problem
// is solved or merged.
func (e Engine) DependenciesSatisfied(ctx context.Context, subID string) (bool, error) {
	missing, err := e.Repo.UnresolvedDependencies(ctx, subID)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Claim grants the agent exclusive working rights on an open sub-problem
// whose dependencies are all resolved.
func (e Engine) Claim(ctx context.Context, subID, agentID string) (domain.SubProblem, error) {
	s, err := e.Repo.GetSubProblem(ctx, subID)
	if err != nil {
		return domain.SubProblem{}, err
	}
	if s.Status != domain.SubOpen {
		return domain.SubProblem{}, InvalidStateError{Entity: "sub-problem", ID: s.ID, Status: s.Status, Op: "claim"}
	}
	missing, err := e.Repo.UnresolvedDependencies(ctx, subID)
	if err != nil {
		return domain.SubProblem{}, err
	}
	if len(missing) > 0 {
		return domain.SubProblem{}, DependencyUnmetError{SubProblemID: subID, Missing: missing}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SubProblem{}, err
	}
	defer tx.Rollback()
	claimed, err := e.Repo.ClaimSubProblemTx(ctx, tx, subID, agentID, now)
	if err != nil {
		return domain.SubProblem{}, err
	}
	if !claimed {
		// lost the race: someone else flipped it first
		return domain.SubProblem{}, InvalidStateError{Entity: "sub-problem", ID: s.ID, Status: "no longer open", Op: "claim"}
	}
	if err := e.Events.Append(ctx, tx, "subproblem.claimed", s.ProblemID, "subproblem", s.ID, agentID, events.EventPayload{"title": s.Title}); err != nil {
		return domain.SubProblem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SubProblem{}, err
	}
	e.registerPresence(ctx, s.ProblemID, agentID, s.Title, "claimed "+s.ID)
	return e.Repo.GetSubProblem(ctx, subID)
}

// Solve records the claim holder's solution. The returned flag reports
// whether every sub-problem of the owning problem is now resolved.
func (e Engine) Solve(ctx context.Context, subID, agentID, solution string) (domain.SubProblem, bool, error) {
	if solution == "" {
		return domain.SubProblem{}, false, errors.New("solution is required")
	}
	s, err := e.Repo.GetSubProblem(ctx, subID)
	if err != nil {
		return domain.SubProblem{}, false, err
	}
	if s.ClaimedBy == nil {
		return domain.SubProblem{}, false, InvalidStateError{Entity: "sub-problem", ID: s.ID, Status: s.Status, Op: "solve"}
	}
	if *s.ClaimedBy != agentID {
		return domain.SubProblem{}, false, ForbiddenError{Reason: fmt.Sprintf("sub-problem %s is claimed by %s", s.ID, *s.ClaimedBy)}
	}
	if s.Status != domain.SubClaimed && s.Status != domain.SubInProgress {
		return domain.SubProblem{}, false, InvalidStateError{Entity: "sub-problem", ID: s.ID, Status: s.Status, Op: "solve"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SubProblem{}, false, err
	}
	defer tx.Rollback()
	solved, err := e.Repo.SolveSubProblemTx(ctx, tx, subID, agentID, solution, now)
	if err != nil {
		return domain.SubProblem{}, false, err
	}
	if !solved {
		return domain.SubProblem{}, false, InvalidStateError{Entity: "sub-problem", ID: s.ID, Status: "no longer claimed", Op: "solve"}
	}
	if err := e.Events.Append(ctx, tx, "subproblem.solved", s.ProblemID, "subproblem", s.ID, agentID, events.EventPayload{"title": s.Title}); err != nil {
		return domain.SubProblem{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SubProblem{}, false, err
	}
	// Completion detection happens after the write; the problem's own
	// status is not touched here.
	ready, err := e.Repo.AllSubProblemsResolved(ctx, s.ProblemID)
	if err != nil {
		return domain.SubProblem{}, false, err
	}
	e.noteActivity(ctx, s.ProblemID, agentID, "solved", "solved sub-problem "+s.ID)
	out, err := e.Repo.GetSubProblem(ctx, subID)
	return out, ready, err
}

// MergeResult reports what a merge produced.
type MergeResult struct {
	SolutionID  string
	MergedCount int
}

// Merge folds every currently solved sub-problem, in ascending order, into
// one ProblemSolution. Sub-problems still open or claimed are left for a
// later pass.
func (e Engine) Merge(ctx context.Context, problemID, agentID, mergedText, explanation string) (MergeResult, error) {
	if mergedText == "" {
		return MergeResult{}, errors.New("solution is required")
	}
	p, err := e.Repo.GetProblem(ctx, problemID)
	if err != nil {
		return MergeResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, err
	}
	defer tx.Rollback()
	solved, err := e.Repo.ListSolvedSubProblemsTx(ctx, tx, problemID)
	if err != nil {
		return MergeResult{}, err
	}
	if len(solved) == 0 {
		return MergeResult{}, ErrNothingToMerge
	}
	folded := 0
	for _, s := range solved {
		ok, err := e.Repo.MarkSubProblemMergedTx(ctx, tx, s.ID, now)
		if err != nil {
			return MergeResult{}, err
		}
		if ok {
			folded++
		}
	}
	if folded == 0 {
		return MergeResult{}, ErrNothingToMerge
	}
	if explanation == "" {
		explanation = fmt.Sprintf("merged %d sub-problem solutions", folded)
	}
	sol := domain.ProblemSolution{
		ID:          uuid.New().String(),
		ProblemID:   problemID,
		AuthorID:    agentID,
		Solution:    mergedText,
		Explanation: explanation,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertSolutionTx(ctx, tx, sol); err != nil {
		return MergeResult{}, err
	}
	allMerged, err := e.Repo.AllSubProblemsMergedTx(ctx, tx, problemID)
	if err != nil {
		return MergeResult{}, err
	}
	if allMerged {
		if _, err := e.Repo.SetProblemStatusTx(ctx, tx, p.ID, domain.ProblemInProgress, domain.ProblemClosed, now); err != nil {
			return MergeResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "problem.merged", p.ID, "solution", sol.ID, agentID, events.EventPayload{"count": folded}); err != nil {
		return MergeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MergeResult{}, err
	}
	e.noteActivity(ctx, problemID, agentID, "merged", fmt.Sprintf("merged %d sub-problem solutions", folded))
	return MergeResult{SolutionID: sol.ID, MergedCount: folded}, nil
}

// SubmitSolution records a solution directly, bypassing decomposition, and
// closes the problem.
func (e Engine) SubmitSolution(ctx context.Context, problemID, agentID, solution, explanation string) (domain.ProblemSolution, error) {
	if solution == "" {
		return domain.ProblemSolution{}, errors.New("solution is required")
	}
	p, err := e.Repo.GetProblem(ctx, problemID)
	if err != nil {
		return domain.ProblemSolution{}, err
	}
	if p.Status == domain.ProblemClosed {
		return domain.ProblemSolution{}, InvalidStateError{Entity: "problem", ID: p.ID, Status: p.Status, Op: "solve"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	sol := domain.ProblemSolution{
		ID:          uuid.New().String(),
		ProblemID:   problemID,
		AuthorID:    agentID,
		Solution:    solution,
		Explanation: explanation,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProblemSolution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSolutionTx(ctx, tx, sol); err != nil {
		return domain.ProblemSolution{}, err
	}
	if _, err := e.Repo.SetProblemStatusTx(ctx, tx, p.ID, p.Status, domain.ProblemClosed, now); err != nil {
		return domain.ProblemSolution{}, err
	}
	if err := e.Events.Append(ctx, tx, "solution.created", p.ID, "solution", sol.ID, agentID, events.EventPayload{}); err != nil {
		return domain.ProblemSolution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProblemSolution{}, err
	}
	return sol, nil
}

// ListCollaborators returns the active durable participation rows.
func (e Engine) ListCollaborators(ctx context.Context, problemID string) ([]domain.ProblemCollaboration, error) {
	if _, err := e.Repo.GetProblem(ctx, problemID); err != nil {
		return nil, err
	}
	return e.Repo.ListActiveCollaborations(ctx, problemID)
}

// registerPresence opens-or-joins the problem's session and refreshes the
// durable collaboration row. Best-effort: a claim never fails because of it.
func (e Engine) registerPresence(ctx context.Context, problemID, agentID, workingOn, note string) {
	if e.Sessions != nil {
		if _, err := e.Sessions.OpenOrJoin(ctx, session.KindProblem, problemID, agentID); err != nil {
			e.logger().Printf("register presence on problem %s for %s: %v", problemID, agentID, err)
		}
	}
	stamp := e.now().UTC().Format(time.RFC3339)
	err := e.Repo.UpsertCollaboration(ctx, domain.ProblemCollaboration{
		ProblemID:    problemID,
		AgentID:      agentID,
		WorkingOn:    workingOn,
		Note:         note,
		Active:       true,
		JoinedAt:     stamp,
		LastActiveAt: stamp,
	})
	if err != nil {
		e.logger().Printf("record collaboration on problem %s for %s: %v", problemID, agentID, err)
	}
}

// noteActivity appends a change record to the problem's live session.
func (e Engine) noteActivity(ctx context.Context, problemID, agentID, changeType, details string) {
	if e.Sessions == nil {
		return
	}
	s, err := e.Sessions.OpenOrJoin(ctx, session.KindProblem, problemID, agentID)
	if err != nil {
		e.logger().Printf("session for problem %s: %v", problemID, err)
		return
	}
	if _, err := e.Sessions.RecordChange(ctx, s.ID, agentID, changeType, details); err != nil {
		e.logger().Printf("record %s on problem %s: %v", changeType, problemID, err)
	}
}
