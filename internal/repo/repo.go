package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"conflux/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProblemTx(ctx context.Context, tx *sql.Tx, p domain.Problem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO problems(id,title,description,status,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Description), p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProblem(ctx context.Context, id string) (domain.Problem, error) {
	var p domain.Problem
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,description,status,created_by,created_at,updated_at FROM problems WHERE id=?`, id).
		Scan(&p.ID, &p.Title, &desc, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

type ProblemFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProblems(ctx context.Context, f ProblemFilters) ([]domain.Problem, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,title,COALESCE(description,''),status,created_by,created_at,updated_at FROM problems ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Problem
	for rows.Next() {
		var p domain.Problem
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetProblemStatusTx flips a problem from an expected status. Returns false
// when the row was not in the expected status (or does not exist).
func (r Repo) SetProblemStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE problems SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertSubProblemTx(ctx context.Context, tx *sql.Tx, s domain.SubProblem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sub_problems(id,problem_id,created_by,title,description,ord,status,claimed_by,claimed_at,solution,solved_by,solved_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProblemID, s.CreatedBy, s.Title, nullable(s.Description), s.Ord, s.Status,
		nullableStringPtr(s.ClaimedBy), nullableStringPtr(s.ClaimedAt), nullableStringPtr(s.Solution),
		nullableStringPtr(s.SolvedBy), nullableStringPtr(s.SolvedAt), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSubProblem(scan func(dest ...any) error) (domain.SubProblem, error) {
	var s domain.SubProblem
	var description, claimedBy, claimedAt, solution, solvedBy, solvedAt sql.NullString
	err := scan(&s.ID, &s.ProblemID, &s.CreatedBy, &s.Title, &description, &s.Ord, &s.Status,
		&claimedBy, &claimedAt, &solution, &solvedBy, &solvedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if description.Valid {
		s.Description = description.String
	}
	if claimedBy.Valid {
		s.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		s.ClaimedAt = &claimedAt.String
	}
	if solution.Valid {
		s.Solution = &solution.String
	}
	if solvedBy.Valid {
		s.SolvedBy = &solvedBy.String
	}
	if solvedAt.Valid {
		s.SolvedAt = &solvedAt.String
	}
	return s, nil
}

const subProblemColumns = `id,problem_id,created_by,title,description,ord,status,claimed_by,claimed_at,solution,solved_by,solved_at,created_at,updated_at`

func (r Repo) GetSubProblem(ctx context.Context, id string) (domain.SubProblem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subProblemColumns+` FROM sub_problems WHERE id=?`, id)
	s, err := scanSubProblem(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.DependsOn, err = r.ListDependencies(ctx, s.ID)
	return s, err
}

func (r Repo) ListSubProblems(ctx context.Context, problemID string) ([]domain.SubProblem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+subProblemColumns+` FROM sub_problems WHERE problem_id=? ORDER BY ord ASC, id ASC`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubProblem
	for rows.Next() {
		s, err := scanSubProblem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

// ListSolvedSubProblemsTx returns the solved sub-problems of a problem in
// merge order.
func (r Repo) ListSolvedSubProblemsTx(ctx context.Context, tx *sql.Tx, problemID string) ([]domain.SubProblem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+subProblemColumns+` FROM sub_problems WHERE problem_id=? AND status=? ORDER BY ord ASC, id ASC`, problemID, domain.SubSolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubProblem
	for rows.Next() {
		s, err := scanSubProblem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) AddDependenciesTx(ctx context.Context, tx *sql.Tx, subID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sub_problem_deps(sub_problem_id, depends_on_id) VALUES (?,?)`, subID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListDependencies(ctx context.Context, subID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM sub_problem_deps WHERE sub_problem_id=? ORDER BY depends_on_id`, subID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// UnresolvedDependencies returns the dependency ids of a sub-problem that
// are not yet solved or merged.
func (r Repo) UnresolvedDependencies(ctx context.Context, subID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.depends_on_id FROM sub_problem_deps d
JOIN sub_problems s ON s.id=d.depends_on_id
WHERE d.sub_problem_id=? AND s.status NOT IN (?,?)
ORDER BY d.depends_on_id`, subID, domain.SubSolved, domain.SubMerged)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

// ClaimSubProblemTx atomically flips open -> claimed. The WHERE status
// guard plus RowsAffected check is what makes two racing claims resolve to
// exactly one winner.
func (r Repo) ClaimSubProblemTx(ctx context.Context, tx *sql.Tx, id, agentID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sub_problems SET status=?, claimed_by=?, claimed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.SubClaimed, agentID, now, now, id, domain.SubOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SolveSubProblemTx atomically records a solution for the current claim
// holder while the sub-problem is claimed or in progress.
func (r Repo) SolveSubProblemTx(ctx context.Context, tx *sql.Tx, id, agentID, solution, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sub_problems SET status=?, solution=?, solved_by=?, solved_at=?, updated_at=?
WHERE id=? AND claimed_by=? AND status IN (?,?)`,
		domain.SubSolved, solution, agentID, now, now, id, agentID, domain.SubClaimed, domain.SubInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkSubProblemMergedTx flips solved -> merged so a sub-problem cannot be
// folded into two solutions.
func (r Repo) MarkSubProblemMergedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sub_problems SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.SubMerged, now, id, domain.SubSolved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountSubProblemsByStatus groups a problem's sub-problems by status.
func (r Repo) CountSubProblemsByStatus(ctx context.Context, problemID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM sub_problems WHERE problem_id=? GROUP BY status`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// AllSubProblemsResolved reports whether a problem has at least one
// sub-problem and every one of them is solved or merged.
func (r Repo) AllSubProblemsResolved(ctx context.Context, problemID string) (bool, error) {
	var total, resolved int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*), count(CASE WHEN status IN (?,?) THEN 1 END) FROM sub_problems WHERE problem_id=?`,
		domain.SubSolved, domain.SubMerged, problemID).Scan(&total, &resolved)
	if err != nil {
		return false, err
	}
	return total > 0 && total == resolved, nil
}

// AllSubProblemsMergedTx is the close-the-problem check after a merge.
func (r Repo) AllSubProblemsMergedTx(ctx context.Context, tx *sql.Tx, problemID string) (bool, error) {
	var total, merged int
	err := tx.QueryRowContext(ctx, `SELECT count(*), count(CASE WHEN status=? THEN 1 END) FROM sub_problems WHERE problem_id=?`,
		domain.SubMerged, problemID).Scan(&total, &merged)
	if err != nil {
		return false, err
	}
	return total > 0 && total == merged, nil
}

func (r Repo) InsertSolutionTx(ctx context.Context, tx *sql.Tx, s domain.ProblemSolution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO problem_solutions(id,problem_id,author_id,solution,explanation,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProblemID, s.AuthorID, s.Solution, nullable(s.Explanation), s.CreatedAt)
	return err
}

func (r Repo) ListSolutions(ctx context.Context, problemID string) ([]domain.ProblemSolution, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,problem_id,author_id,solution,COALESCE(explanation,''),created_at FROM problem_solutions WHERE problem_id=? ORDER BY created_at DESC, id DESC`, problemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProblemSolution
	for rows.Next() {
		var s domain.ProblemSolution
		if err := rows.Scan(&s.ID, &s.ProblemID, &s.AuthorID, &s.Solution, &s.Explanation, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, problemID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, problemID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, problemID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if problemID != "" {
		clauses = append(clauses, "problem_id=?")
		args = append(args, problemID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,problem_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var problem, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &problem, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if problem.Valid {
			e.ProblemID = problem.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
