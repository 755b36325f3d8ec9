package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperline/internal/config"
	"paperline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.Key, &p.Name, &p.Methodology, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(key,name,methodology,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.Key, p.Name, p.Methodology, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, key string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT key,name,methodology,status,created_at,updated_at FROM projects WHERE key=?`, key))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, key string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT key,name,methodology,status,created_at,updated_at FROM projects WHERE key=?`, key))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,name,methodology,status,created_at,updated_at FROM projects ORDER BY created_at DESC, key DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.Key, &p.Name, &p.Methodology, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// SetProjectStatusTx marks a project archived or active; the repository
// contents are retained either way.
func (r Repo) SetProjectStatusTx(ctx context.Context, tx *sql.Tx, key, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE key=?`, status, updatedAt, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectKey string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfigTx(ctx, tx, projectKey, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectKey string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.Key = projectKey
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO project_configs(project_key,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_key) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectKey, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectKey string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_key=?`, projectKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.Key == "" {
		cfg.Project.Key = projectKey
	}
	return &cfg, cfg.Validate()
}

const proposalColumns = `id,project_key,target_artifact,change_type,diff,new_content,base_hash,rationale,author,status,COALESCE(reject_reason,''),commit_id,created_at,applied_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var commitID, appliedAt sql.NullString
	err := scan(&p.ID, &p.ProjectKey, &p.TargetArtifact, &p.ChangeType, &p.Diff, &p.NewContent, &p.BaseHash,
		&p.Rationale, &p.Author, &p.Status, &p.RejectReason, &commitID, &p.CreatedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if commitID.Valid {
		p.CommitID = &commitID.String
	}
	if appliedAt.Valid {
		p.AppliedAt = &appliedAt.String
	}
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,project_key,target_artifact,change_type,diff,new_content,base_hash,rationale,author,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectKey, p.TargetArtifact, p.ChangeType, p.Diff, p.NewContent, p.BaseHash, p.Rationale, p.Author, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

// ListProposals returns a project's proposals, newest first; status filters
// when non-empty.
func (r Repo) ListProposals(ctx context.Context, projectKey, status string) ([]domain.Proposal, error) {
	clauses := []string{"project_key=?"}
	args := []any{projectKey}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkProposalAcceptedTx finalizes a PENDING proposal; the guard in the WHERE
// clause keeps terminal statuses immutable even under races.
func (r Repo) MarkProposalAcceptedTx(ctx context.Context, tx *sql.Tx, id, appliedAt, commitID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, applied_at=?, commit_id=? WHERE id=? AND status=?`,
		domain.ProposalAccepted, appliedAt, commitID, id, domain.ProposalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkProposalRejectedTx(ctx context.Context, tx *sql.Tx, id, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, reject_reason=? WHERE id=? AND status=?`,
		domain.ProposalRejected, nullable(reason), id, domain.ProposalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertWorkflowStateTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_states(project_key,current_state,previous_state,updated_at,updated_by) VALUES (?,?,?,?,?)`,
		s.ProjectKey, s.CurrentState, nullable(s.PreviousState), s.UpdatedAt, s.UpdatedBy)
	return err
}

func (r Repo) UpdateWorkflowStateTx(ctx context.Context, tx *sql.Tx, s domain.WorkflowState) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_states SET current_state=?, previous_state=?, updated_at=?, updated_by=? WHERE project_key=?`,
		s.CurrentState, nullable(s.PreviousState), s.UpdatedAt, s.UpdatedBy, s.ProjectKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflowState loads the state record plus its full ordered history.
func (r Repo) GetWorkflowState(ctx context.Context, projectKey string) (domain.WorkflowState, error) {
	var s domain.WorkflowState
	var prev sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT project_key,current_state,previous_state,updated_at,updated_by FROM workflow_states WHERE project_key=?`, projectKey).
		Scan(&s.ProjectKey, &s.CurrentState, &prev, &s.UpdatedAt, &s.UpdatedBy)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if prev.Valid {
		s.PreviousState = prev.String
	}
	s.History, err = r.ListTransitions(ctx, projectKey)
	return s, err
}

// ListTransitions returns the append-only history in insertion order.
func (r Repo) ListTransitions(ctx context.Context, projectKey string) ([]domain.WorkflowTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_state,to_state,actor,COALESCE(reason,''),ts FROM workflow_transitions WHERE project_key=? ORDER BY id ASC`, projectKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTransition
	for rows.Next() {
		var tr domain.WorkflowTransition
		if err := rows.Scan(&tr.FromState, &tr.ToState, &tr.Actor, &tr.Reason, &tr.TS); err != nil {
			return nil, err
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, projectKey string, tr domain.WorkflowTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_transitions(project_key,from_state,to_state,actor,reason,ts) VALUES (?,?,?,?,?,?)`,
		projectKey, tr.FromState, tr.ToState, tr.Actor, nullable(tr.Reason), tr.TS)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
