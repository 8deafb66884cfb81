package confluxsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Conflux HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Problem represents the API problem model.
type Problem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// SubProblem represents one unit of a decomposed problem.
type SubProblem struct {
	ID        string   `json:"id"`
	ProblemID string   `json:"problem_id"`
	Title     string   `json:"title"`
	Order     int      `json:"order"`
	DependsOn []string `json:"depends_on,omitempty"`
	Status    string   `json:"status"`
	ClaimedBy *string  `json:"claimed_by,omitempty"`
	Solution  *string  `json:"solution,omitempty"`
	SolvedBy  *string  `json:"solved_by,omitempty"`
}

// SubProblemSpec is one entry of a decomposition request.
type SubProblemSpec struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Order       int      `json:"order,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// SolveResult carries the solved sub-problem plus the all-resolved flag.
type SolveResult struct {
	SubProblem SubProblem `json:"sub_problem"`
	AllSolved  bool       `json:"all_solved"`
}

// Solution represents a problem-level solution.
type Solution struct {
	ID          string `json:"id"`
	ProblemID   string `json:"problem_id"`
	AuthorID    string `json:"author_id"`
	Solution    string `json:"solution"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// MergeResult reports what a merge produced.
type MergeResult struct {
	SolutionID  string `json:"solution_id"`
	MergedCount int    `json:"merged_count"`
}

// Collaborator is an active participant on a problem.
type Collaborator struct {
	ProblemID    string `json:"problem_id"`
	AgentID      string `json:"agent_id"`
	WorkingOn    string `json:"working_on,omitempty"`
	JoinedAt     string `json:"joined_at"`
	LastActiveAt string `json:"last_active_at"`
}

// Session is a live collaboration session.
type Session struct {
	ID           string            `json:"id"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	InitiatorID  string            `json:"initiator_id"`
	Participants map[string]string `json:"participants"`
	Status       string            `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProblemID  string `json:"problem_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProblem creates a problem.
func (c *Client) CreateProblem(ctx context.Context, title, description string) (Problem, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Problem
	err := c.do(ctx, http.MethodPost, "v0/problems", body, &resp)
	return resp, err
}

// Decompose splits a problem into sub-problems.
func (c *Client) Decompose(ctx context.Context, problemID string, specs []SubProblemSpec) ([]SubProblem, error) {
	body := map[string]any{"sub_problems": specs}
	var resp []SubProblem
	endpoint := fmt.Sprintf("v0/problems/%s/decompose", url.PathEscape(problemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Claim takes exclusive working rights on a sub-problem.
func (c *Client) Claim(ctx context.Context, subProblemID string) (SubProblem, error) {
	var resp SubProblem
	endpoint := fmt.Sprintf("v0/sub-problems/%s/claim", url.PathEscape(subProblemID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Solve records the claim holder's solution.
func (c *Client) Solve(ctx context.Context, subProblemID, solution string) (SolveResult, error) {
	body := map[string]any{"solution": solution}
	var resp SolveResult
	endpoint := fmt.Sprintf("v0/sub-problems/%s/solve", url.PathEscape(subProblemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Merge folds solved sub-problems into one problem solution.
func (c *Client) Merge(ctx context.Context, problemID, solution, explanation string) (MergeResult, error) {
	body := map[string]any{
		"solution":    solution,
		"explanation": explanation,
	}
	var resp MergeResult
	endpoint := fmt.Sprintf("v0/problems/%s/merge", url.PathEscape(problemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitSolution records a direct solution, bypassing decomposition.
func (c *Client) SubmitSolution(ctx context.Context, problemID, solution, explanation string) (Solution, error) {
	body := map[string]any{
		"solution":    solution,
		"explanation": explanation,
	}
	var resp Solution
	endpoint := fmt.Sprintf("v0/problems/%s/solutions", url.PathEscape(problemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Collaborators lists the active participants of a problem.
func (c *Client) Collaborators(ctx context.Context, problemID string) ([]Collaborator, error) {
	var resp []Collaborator
	endpoint := fmt.Sprintf("v0/problems/%s/collaborators", url.PathEscape(problemID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenSession opens or joins the live session for a resource.
func (c *Client) OpenSession(ctx context.Context, resourceType, resourceID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/collaboration-sessions?resource_type=%s&resource_id=%s",
		url.QueryEscape(resourceType), url.QueryEscape(resourceID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordChange appends an activity record to a session.
func (c *Client) RecordChange(ctx context.Context, sessionID, changeType, details string) (Session, error) {
	body := map[string]any{
		"change_type": changeType,
		"details":     details,
	}
	var resp Session
	endpoint := fmt.Sprintf("v0/collaboration-sessions/%s/changes", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EndSession closes a session (initiator only).
func (c *Client) EndSession(ctx context.Context, sessionID, status string) (Session, error) {
	body := map[string]any{"status": status}
	var resp Session
	endpoint := fmt.Sprintf("v0/collaboration-sessions/%s/end", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
