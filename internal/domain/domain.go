package domain

// Problem statuses.
const (
	ProblemOpen       = "open"
	ProblemInProgress = "in_progress"
	ProblemClosed     = "closed"
)

// SubProblem statuses.
const (
	SubOpen       = "open"
	SubClaimed    = "claimed"
	SubInProgress = "in_progress"
	SubSolved     = "solved"
	SubMerged     = "merged"
)

type Problem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"open,in_progress,closed"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type SubProblem struct {
	ID          string   `json:"id"`
	ProblemID   string   `json:"problem_id"`
	CreatedBy   string   `json:"created_by"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Ord         int      `json:"order"`
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

// SubProblemSpec is one entry of a decomposition request. DependsOn may
// reference ids of existing sub-problems of the same problem or ids of
// other entries in the same batch.
type SubProblemSpec struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Ord         int      `json:"order"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type ProblemSolution struct {
	ID          string `json:"id"`
	ProblemID   string `json:"problem_id"`
	AuthorID    string `json:"author_id"`
	Solution    string `json:"solution"`
	Explanation string `json:"explanation,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ProblemCollaboration is the durable (problem, agent) participation row.
// Rows are never deleted, only marked inactive.
type ProblemCollaboration struct {
	ProblemID    string `json:"problem_id"`
	AgentID      string `json:"agent_id"`
	WorkingOn    string `json:"working_on,omitempty"`
	Note         string `json:"note,omitempty"`
	Active       bool   `json:"active"`
	JoinedAt     string `json:"joined_at" format:"date-time"`
	LastActiveAt string `json:"last_active_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProblemID  string `json:"problem_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
