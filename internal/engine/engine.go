// Package engine orchestrates propose/apply/reject change control and
// workflow transitions over the versioned store, emitting one audit event per
// state change inside the same transaction as the commit it describes.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"paperline/internal/audit"
	"paperline/internal/config"
	"paperline/internal/domain"
	"paperline/internal/repo"
	"paperline/internal/store"
	"paperline/internal/workflow"
)

// workflowStatePath is where the workflow record lives inside the project's
// repository, so every transition is itself a committed, attributable write.
const workflowStatePath = "workflow/state.json"

type Engine struct {
	DB    *sql.DB
	Repo  repo.Repo
	Store store.Store
	Audit audit.Writer
	Log   audit.Log
	Now   func() time.Time

	locks *projectLocks
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Store: store.Store{DB: db},
		Audit: audit.Writer{DB: db},
		Log:   audit.Log{DB: db},
		Now:   time.Now,
		locks: newProjectLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// store and writer hand out the sub-components with the engine's clock
// threaded through, so overriding Now covers commit and event timestamps too.
func (e Engine) store() store.Store {
	s := e.Store
	s.Now = e.Now
	return s
}

func (e Engine) writer() audit.Writer {
	w := e.Audit
	w.Now = e.Now
	return w
}

// InitProject creates the project, its repository with the initial commit,
// the workflow record in its initial phase, and the seed config, all in one
// transaction.
func (e Engine) InitProject(ctx context.Context, key, name, methodology, actor string) (domain.Project, error) {
	if !config.KeyPattern.MatchString(key) {
		return domain.Project{}, validationErrf("project key %q does not match %s", key, config.KeyPattern)
	}
	if name == "" {
		name = key
	}
	cfg := config.Default(key)
	if methodology != "" {
		cfg.Project.Methodology = methodology
	}
	cfg.Project.Name = name
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, ValidationError{Msg: err.Error()}
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	if _, err := e.Repo.GetProject(ctx, key); err == nil {
		return domain.Project{}, conflictErrf("project %s already exists", key)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}

	now := e.nowStr()
	p := domain.Project{
		Key:         key,
		Name:        name,
		Methodology: cfg.Project.Methodology,
		Status:      "active",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if _, err := e.store().EnsureRepositoryTx(ctx, tx, key); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertWorkflowStateTx(ctx, tx, domain.WorkflowState{
		ProjectKey:   key,
		CurrentState: workflow.Initial(),
		UpdatedAt:    now,
		UpdatedBy:    actor,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("insert workflow state: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, key, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventProjectCreated,
		Actor:         actor,
		CorrelationID: uuid.New().String(),
		ProjectKey:    key,
		Payload:       map[string]any{"name": name, "methodology": p.Methodology},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ArchiveProject soft-deletes: the project is marked, never purged, and its
// repository and audit trail remain queryable.
func (e Engine) ArchiveProject(ctx context.Context, key, actor string) (domain.Project, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	p, err := e.Repo.GetProject(ctx, key)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Status == "archived" {
		return p, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.SetProjectStatusTx(ctx, tx, key, "archived", now); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventProjectArchived,
		Actor:         actor,
		CorrelationID: uuid.New().String(),
		ProjectKey:    key,
		Payload:       map[string]any{},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.Status = "archived"
	p.UpdatedAt = now
	return p, nil
}

// ProposeOptions are parameters for drafting a change.
type ProposeOptions struct {
	ProjectKey string
	Path       string
	ChangeType string
	NewContent []byte
	Rationale  string
	Author     string
}

// Propose drafts a reviewable change against the current artifact state.
// Nothing is committed to the store; the proposal records the diff and the
// base hash it was drafted against.
func (e Engine) Propose(ctx context.Context, opts ProposeOptions) (domain.Proposal, error) {
	if opts.Path == "" {
		return domain.Proposal{}, validationErrf("target artifact path is required")
	}
	switch opts.ChangeType {
	case domain.ChangeCreate, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.Proposal{}, validationErrf("change_type must be CREATE, UPDATE or DELETE")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectKey)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status == "archived" {
		return domain.Proposal{}, validationErrf("project %s is archived", p.Key)
	}

	unlock := e.locks.Lock(opts.ProjectKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	current, err := e.store().ReadFileTx(ctx, tx, opts.ProjectKey, opts.Path)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Proposal{}, err
	}
	switch opts.ChangeType {
	case domain.ChangeCreate:
		if exists {
			return domain.Proposal{}, validationErrf("artifact %s already exists; use UPDATE", opts.Path)
		}
	case domain.ChangeUpdate, domain.ChangeDelete:
		if !exists {
			return domain.Proposal{}, validationErrf("artifact %s does not exist; use CREATE", opts.Path)
		}
	}
	if opts.ChangeType == domain.ChangeDelete {
		opts.NewContent = nil
	} else if opts.NewContent == nil {
		// an omitted body means an empty artifact, not a NULL one
		opts.NewContent = []byte{}
	}

	diff, err := unifiedDiff(opts.Path, current, opts.NewContent)
	if err != nil {
		return domain.Proposal{}, err
	}
	prop := domain.Proposal{
		ID:             uuid.New().String(),
		ProjectKey:     opts.ProjectKey,
		TargetArtifact: opts.Path,
		ChangeType:     opts.ChangeType,
		Diff:           diff,
		NewContent:     opts.NewContent,
		BaseHash:       store.HashContent(current),
		Rationale:      opts.Rationale,
		Author:         opts.Author,
		Status:         domain.ProposalPending,
		CreatedAt:      e.nowStr(),
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, prop); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventProposalCreated,
		Actor:         opts.Author,
		CorrelationID: uuid.New().String(),
		ProjectKey:    opts.ProjectKey,
		Payload:       map[string]any{"proposal_id": prop.ID, "path": prop.TargetArtifact, "change_type": prop.ChangeType},
		ResourceHash:  store.HashContent(opts.NewContent),
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return prop, nil
}

// Apply commits a PENDING proposal. If the artifact moved since the proposal
// was drafted the apply fails with a Conflict and the proposal stays PENDING;
// it never overwrites unrelated concurrent edits. Applying one proposal does
// not invalidate sibling PENDING proposals on the same path; a stale sibling
// fails the same base-hash check when its turn comes.
func (e Engine) Apply(ctx context.Context, proposalID, applier string) (domain.Proposal, error) {
	prop, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}

	unlock := e.locks.Lock(prop.ProjectKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	prop, err = e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if prop.Status != domain.ProposalPending {
		return domain.Proposal{}, conflictErrf("proposal %s is %s; only PENDING proposals can be applied", prop.ID, prop.Status)
	}

	current, err := e.store().ReadFileTx(ctx, tx, prop.ProjectKey, prop.TargetArtifact)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.Proposal{}, err
	}
	if store.HashContent(current) != prop.BaseHash {
		return domain.Proposal{}, conflictErrf("artifact %s changed since proposal %s was drafted; re-propose against current content", prop.TargetArtifact, prop.ID)
	}

	var commit domain.Commit
	if prop.ChangeType == domain.ChangeDelete {
		commit, err = e.store().DeleteFileTx(ctx, tx, prop.ProjectKey, prop.TargetArtifact,
			fmt.Sprintf("apply proposal %s: delete %s", prop.ID, prop.TargetArtifact), applier)
	} else {
		commit, err = e.store().WriteFileTx(ctx, tx, prop.ProjectKey, prop.TargetArtifact, prop.NewContent,
			fmt.Sprintf("apply proposal %s: %s", prop.ID, prop.TargetArtifact), applier)
	}
	if err != nil {
		return domain.Proposal{}, err
	}

	appliedAt := e.nowStr()
	if err := e.Repo.MarkProposalAcceptedTx(ctx, tx, prop.ID, appliedAt, commit.ID); err != nil {
		return domain.Proposal{}, err
	}
	resourceHash := commit.ContentHash
	if resourceHash == "" {
		resourceHash = store.HashContent(nil)
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventProposalAccepted,
		Actor:         applier,
		CorrelationID: uuid.New().String(),
		ProjectKey:    prop.ProjectKey,
		Payload:       map[string]any{"proposal_id": prop.ID, "path": prop.TargetArtifact, "commit_id": commit.ID},
		ResourceHash:  resourceHash,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	prop.Status = domain.ProposalAccepted
	prop.AppliedAt = &appliedAt
	prop.CommitID = &commit.ID
	return prop, nil
}

// Reject closes a PENDING proposal without touching the store.
func (e Engine) Reject(ctx context.Context, proposalID, reason, rejecter string) (domain.Proposal, error) {
	prop, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}

	unlock := e.locks.Lock(prop.ProjectKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	prop, err = e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if prop.Status != domain.ProposalPending {
		return domain.Proposal{}, conflictErrf("proposal %s is %s; only PENDING proposals can be rejected", prop.ID, prop.Status)
	}
	if err := e.Repo.MarkProposalRejectedTx(ctx, tx, prop.ID, reason); err != nil {
		return domain.Proposal{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventProposalRejected,
		Actor:         rejecter,
		CorrelationID: uuid.New().String(),
		ProjectKey:    prop.ProjectKey,
		Payload:       map[string]any{"proposal_id": prop.ID, "path": prop.TargetArtifact, "reason": reason},
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	prop.Status = domain.ProposalRejected
	prop.RejectReason = reason
	return prop, nil
}

// State returns the workflow record with its full transition history.
func (e Engine) State(ctx context.Context, projectKey string) (domain.WorkflowState, error) {
	return e.Repo.GetWorkflowState(ctx, projectKey)
}

// AllowedTransitions lists the phases reachable from the project's current
// phase.
func (e Engine) AllowedTransitions(ctx context.Context, projectKey string) ([]string, error) {
	s, err := e.Repo.GetWorkflowState(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	return workflow.Allowed(s.CurrentState), nil
}

// Transition moves the project to the next phase. The updated record is
// persisted through the store, so the transition is a committed, attributable
// write like any artifact change.
func (e Engine) Transition(ctx context.Context, projectKey, toState, actor, reason string) (domain.WorkflowState, error) {
	p, err := e.Repo.GetProject(ctx, projectKey)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if p.Status == "archived" {
		return domain.WorkflowState{}, validationErrf("project %s is archived", p.Key)
	}

	unlock := e.locks.Lock(projectKey)
	defer unlock()

	s, err := e.Repo.GetWorkflowState(ctx, projectKey)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if err := workflow.ValidateTransition(s.CurrentState, toState); err != nil {
		return domain.WorkflowState{}, err
	}

	now := e.nowStr()
	tr := domain.WorkflowTransition{
		FromState: s.CurrentState,
		ToState:   toState,
		Actor:     actor,
		Reason:    reason,
		TS:        now,
	}
	next := domain.WorkflowState{
		ProjectKey:    projectKey,
		CurrentState:  toState,
		PreviousState: s.CurrentState,
		History:       append(s.History, tr),
		UpdatedAt:     now,
		UpdatedBy:     actor,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTransitionTx(ctx, tx, projectKey, tr); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.Repo.UpdateWorkflowStateTx(ctx, tx, next); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("update workflow state: %w", err)
	}
	record, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return domain.WorkflowState{}, fmt.Errorf("marshal workflow record: %w", err)
	}
	commit, err := e.store().WriteFileTx(ctx, tx, projectKey, workflowStatePath, record,
		fmt.Sprintf("workflow: %s -> %s", s.CurrentState, toState), actor)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventWorkflowStateChanged,
		Actor:         actor,
		CorrelationID: uuid.New().String(),
		ProjectKey:    projectKey,
		Payload:       map[string]any{"from_state": s.CurrentState, "to_state": toState, "commit_id": commit.ID},
		ResourceHash:  commit.ContentHash,
	}); err != nil {
		return domain.WorkflowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowState{}, err
	}
	return next, nil
}

// ImportConfig replaces a project's stored config and audits the change.
func (e Engine) ImportConfig(ctx context.Context, projectKey string, cfg *config.Config, actor string) error {
	if cfg == nil {
		return validationErrf("config is required")
	}
	cfg.Project.Key = projectKey
	if err := cfg.Validate(); err != nil {
		return ValidationError{Msg: err.Error()}
	}
	if _, err := e.Repo.GetProject(ctx, projectKey); err != nil {
		return err
	}

	unlock := e.locks.Lock(projectKey)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectKey, cfg); err != nil {
		return err
	}
	if _, err := e.writer().Append(ctx, tx, domain.AuditEvent{
		EventType:     audit.EventConfigImported,
		Actor:         actor,
		CorrelationID: uuid.New().String(),
		ProjectKey:    projectKey,
		Payload:       map[string]any{},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Artifacts lists current files under the project's artifact root (or an
// explicit prefix).
func (e Engine) Artifacts(ctx context.Context, projectKey, prefix string) ([]domain.FileEntry, error) {
	if _, err := e.Repo.GetProject(ctx, projectKey); err != nil {
		return nil, err
	}
	return e.Store.ListFiles(ctx, projectKey, prefix)
}

// ReadArtifact returns the committed content of one artifact.
func (e Engine) ReadArtifact(ctx context.Context, projectKey, path string) ([]byte, error) {
	if _, err := e.Repo.GetProject(ctx, projectKey); err != nil {
		return nil, err
	}
	return e.Store.ReadFile(ctx, projectKey, path)
}

// AuditQuery pages through a project's audit stream, ascending.
func (e Engine) AuditQuery(ctx context.Context, projectKey string, f audit.Filter, limit, offset int) (audit.Page, error) {
	if _, err := e.Repo.GetProject(ctx, projectKey); err != nil {
		return audit.Page{}, err
	}
	return e.Log.Query(ctx, projectKey, f, limit, offset)
}
