package server

import (
	"time"

	"conflux/internal/domain"
	"conflux/internal/session"
)

// Request payloads

type CreateProblemRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type DecomposeEntry struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Order       int      `json:"order,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type DecomposeRequest struct {
	SubProblems []DecomposeEntry `json:"sub_problems"`
}

type SolveRequest struct {
	Solution string `json:"solution"`
}

type MergeRequest struct {
	Solution    string `json:"solution"`
	Explanation string `json:"explanation,omitempty"`
}

type SubmitSolutionRequest struct {
	Solution    string `json:"solution"`
	Explanation string `json:"explanation,omitempty"`
}

type SessionChangeRequest struct {
	ChangeType string `json:"change_type"`
	Details    string `json:"details,omitempty"`
}

type EndSessionRequest struct {
	Status string `json:"status" enum:"completed,abandoned"`
}

// Response payloads

type ProblemResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"open,in_progress,closed"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type SubProblemResponse struct {
	ID          string   `json:"id"`
	ProblemID   string   `json:"problem_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Order       int      `json:"order"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      string   `json:"status" enum:"open,claimed,in_progress,solved,merged"`
	ClaimedBy   *string  `json:"claimed_by,omitempty"`
	ClaimedAt   *string  `json:"claimed_at,omitempty" format:"date-time"`
	Solution    *string  `json:"solution,omitempty"`
	SolvedBy    *string  `json:"solved_by,omitempty"`
	SolvedAt    *string  `json:"solved_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type SolveResponse struct {
	SubProblem SubProblemResponse `json:"sub_problem"`
	AllSolved  bool               `json:"all_solved"`
}

type SolutionResponse struct {
	ID          string `json:"id"`
	ProblemID   string `json:"problem_id"`
	AuthorID    string `json:"author_id"`
	Solution    string `json:"solution"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MergeResponse struct {
	SolutionID  string `json:"solution_id"`
	MergedCount int    `json:"merged_count"`
}

type CollaboratorResponse struct {
	ProblemID    string `json:"problem_id"`
	AgentID      string `json:"agent_id"`
	WorkingOn    string `json:"working_on,omitempty"`
	Note         string `json:"note,omitempty"`
	JoinedAt     string `json:"joined_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

type SessionChangeResponse struct {
	AgentID    string `json:"agent_id"`
	ChangeType string `json:"change_type"`
	Details    string `json:"details,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type SessionResponse struct {
	ID           string                  `json:"id"`
	ResourceType string                  `json:"resource_type" enum:"problem,solution"`
	ResourceID   string                  `json:"resource_id"`
	InitiatorID  string                  `json:"initiator_id"`
	Participants map[string]string       `json:"participants"`
	CreatedAt    string                  `json:"created_at" format:"date-time"`
	LastActivity string                  `json:"last_activity" format:"date-time"`
	Changes      []SessionChangeResponse `json:"changes,omitempty"`
	Status       string                  `json:"status" enum:"active,completed,abandoned"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProblemID  string `json:"problem_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedProblems struct {
	Items      []ProblemResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Mapping helpers

func problemResponse(p domain.Problem) ProblemResponse {
	return ProblemResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Status:      p.Status,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProblems(items []domain.Problem) []ProblemResponse {
	res := make([]ProblemResponse, 0, len(items))
	for _, p := range items {
		res = append(res, problemResponse(p))
	}
	return res
}

func subProblemResponse(s domain.SubProblem) SubProblemResponse {
	return SubProblemResponse{
		ID:          s.ID,
		ProblemID:   s.ProblemID,
		Title:       s.Title,
		Description: s.Description,
		Order:       s.Ord,
		DependsOn:   s.DependsOn,
		Status:      s.Status,
		ClaimedBy:   s.ClaimedBy,
		ClaimedAt:   s.ClaimedAt,
		Solution:    s.Solution,
		SolvedBy:    s.SolvedBy,
		SolvedAt:    s.SolvedAt,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func mapSubProblems(items []domain.SubProblem) []SubProblemResponse {
	res := make([]SubProblemResponse, 0, len(items))
	for _, s := range items {
		res = append(res, subProblemResponse(s))
	}
	return res
}

func solutionResponse(s domain.ProblemSolution) SolutionResponse {
	return SolutionResponse{
		ID:          s.ID,
		ProblemID:   s.ProblemID,
		AuthorID:    s.AuthorID,
		Solution:    s.Solution,
		Explanation: s.Explanation,
		CreatedAt:   s.CreatedAt,
	}
}

func mapSolutions(items []domain.ProblemSolution) []SolutionResponse {
	res := make([]SolutionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, solutionResponse(s))
	}
	return res
}

func collaboratorResponse(c domain.ProblemCollaboration) CollaboratorResponse {
	return CollaboratorResponse{
		ProblemID:    c.ProblemID,
		AgentID:      c.AgentID,
		WorkingOn:    c.WorkingOn,
		Note:         c.Note,
		JoinedAt:     c.JoinedAt,
		LastActiveAt: c.LastActiveAt,
	}
}

func mapCollaborators(items []domain.ProblemCollaboration) []CollaboratorResponse {
	res := make([]CollaboratorResponse, 0, len(items))
	for _, c := range items {
		res = append(res, collaboratorResponse(c))
	}
	return res
}

func sessionResponse(s session.Session) SessionResponse {
	participants := make(map[string]string, len(s.Participants))
	for agent, joined := range s.Participants {
		participants[agent] = joined.UTC().Format(time.RFC3339)
	}
	changes := make([]SessionChangeResponse, 0, len(s.Changes))
	for _, c := range s.Changes {
		changes = append(changes, SessionChangeResponse{
			AgentID:    c.AgentID,
			ChangeType: c.ChangeType,
			Details:    c.Details,
			TS:         c.TS.UTC().Format(time.RFC3339),
		})
	}
	return SessionResponse{
		ID:           s.ID,
		ResourceType: string(s.ResourceType),
		ResourceID:   s.ResourceID,
		InitiatorID:  s.InitiatorID,
		Participants: participants,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: s.LastActivity.UTC().Format(time.RFC3339),
		Changes:      changes,
		Status:       string(s.Status),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProblemID:  e.ProblemID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
