package repo

import (
	"context"
	"database/sql"

	"conflux/internal/domain"
)

// UpsertCollaboration creates or refreshes the durable (problem, agent)
// participation row. Re-activation on new activity is intentional: rows are
// only ever marked inactive, never deleted.
func (r Repo) UpsertCollaboration(ctx context.Context, c domain.ProblemCollaboration) error {
	return upsertCollaboration(ctx, r.DB, nil, c)
}

func (r Repo) UpsertCollaborationTx(ctx context.Context, tx *sql.Tx, c domain.ProblemCollaboration) error {
	return upsertCollaboration(ctx, nil, tx, c)
}

func upsertCollaboration(ctx context.Context, db *sql.DB, tx *sql.Tx, c domain.ProblemCollaboration) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO problem_collaborations(problem_id,agent_id,working_on,note,active,joined_at,last_active_at)
VALUES (?,?,?,?,1,?,?)
ON CONFLICT(problem_id,agent_id) DO UPDATE SET
  working_on=CASE WHEN excluded.working_on IS NOT NULL THEN excluded.working_on ELSE problem_collaborations.working_on END,
  note=CASE WHEN excluded.note IS NOT NULL THEN excluded.note ELSE problem_collaborations.note END,
  active=1,
  last_active_at=excluded.last_active_at`,
		c.ProblemID, c.AgentID, nullable(c.WorkingOn), nullable(c.Note), c.JoinedAt, c.LastActiveAt)
	return err
}

func (r Repo) GetCollaboration(ctx context.Context, problemID, agentID string) (domain.ProblemCollaboration, error) {
	var c domain.ProblemCollaboration
	var workingOn, note sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT problem_id,agent_id,working_on,note,active,joined_at,last_active_at FROM problem_collaborations WHERE problem_id=? AND agent_id=?`,
		problemID, agentID).Scan(&c.ProblemID, &c.AgentID, &workingOn, &note, &c.Active, &c.JoinedAt, &c.LastActiveAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if workingOn.Valid {
		c.WorkingOn = workingOn.String
	}
	if note.Valid {
		c.Note = note.String
	}
	return c, nil
}

// ListActiveCollaborations returns the live participation rows of a problem.
func (r Repo) ListActiveCollaborations(ctx context.Context, problemID string) ([]domain.ProblemCollaboration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT problem_id,agent_id,COALESCE(working_on,''),COALESCE(note,''),active,joined_at,last_active_at
FROM problem_collaborations WHERE problem_id=? AND active=1 ORDER BY joined_at ASC, agent_id ASC`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProblemCollaboration
	for rows.Next() {
		var c domain.ProblemCollaboration
		if err := rows.Scan(&c.ProblemID, &c.AgentID, &c.WorkingOn, &c.Note, &c.Active, &c.JoinedAt, &c.LastActiveAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeactivateCollaboration marks a (problem, agent) row inactive.
func (r Repo) DeactivateCollaboration(ctx context.Context, problemID, agentID, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE problem_collaborations SET active=0, last_active_at=? WHERE problem_id=? AND agent_id=?`,
		now, problemID, agentID)
	return err
}
