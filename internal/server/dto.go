package server

import (
	"paperline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name,omitempty"`
	Methodology string `json:"methodology,omitempty" enum:"predictive,agile,hybrid"`
}

type CreateProposalRequest struct {
	TargetArtifact string `json:"target_artifact"`
	ChangeType     string `json:"change_type" enum:"CREATE,UPDATE,DELETE"`
	NewContent     string `json:"new_content,omitempty"`
	Rationale      string `json:"rationale,omitempty"`
}

type RejectProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TransitionRequest struct {
	ToState string `json:"to_state"`
	Reason  string `json:"reason,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Methodology string `json:"methodology"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID             string  `json:"id"`
	ProjectKey     string  `json:"project_key"`
	TargetArtifact string  `json:"target_artifact"`
	ChangeType     string  `json:"change_type" enum:"CREATE,UPDATE,DELETE"`
	Diff           string  `json:"diff"`
	Rationale      string  `json:"rationale,omitempty"`
	Author         string  `json:"author"`
	Status         string  `json:"status" enum:"PENDING,ACCEPTED,REJECTED"`
	RejectReason   string  `json:"reject_reason,omitempty"`
	CommitID       *string `json:"commit_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	AppliedAt      *string `json:"applied_at,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ArtifactContentResponse struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type WorkflowStateResponse struct {
	ProjectKey    string                      `json:"project_key"`
	CurrentState  string                      `json:"current_state"`
	PreviousState string                      `json:"previous_state,omitempty"`
	History       []domain.WorkflowTransition `json:"transition_history,omitempty"`
	UpdatedAt     string                      `json:"updated_at" format:"date-time"`
	UpdatedBy     string                      `json:"updated_by"`
}

type AllowedTransitionsResponse struct {
	CurrentState string   `json:"current_state"`
	Allowed      []string `json:"allowed"`
}

type AuditPageResponse struct {
	Events []domain.AuditEvent `json:"events"`
	Total  int                 `json:"total"`
}

type CommitResponse struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Path      string `json:"path,omitempty"`
	Op        string `json:"op" enum:"init,write,delete"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		Key:         p.Key,
		Name:        p.Name,
		Methodology: p.Methodology,
		Status:      p.Status,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:             p.ID,
		ProjectKey:     p.ProjectKey,
		TargetArtifact: p.TargetArtifact,
		ChangeType:     p.ChangeType,
		Diff:           p.Diff,
		Rationale:      p.Rationale,
		Author:         p.Author,
		Status:         p.Status,
		RejectReason:   p.RejectReason,
		CommitID:       p.CommitID,
		CreatedAt:      p.CreatedAt,
		AppliedAt:      p.AppliedAt,
	}
}

func mapProposals(in []domain.Proposal) []ProposalResponse {
	out := make([]ProposalResponse, 0, len(in))
	for _, p := range in {
		out = append(out, proposalResponse(p))
	}
	return out
}

func mapArtifacts(in []domain.FileEntry) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(in))
	for _, e := range in {
		out = append(out, ArtifactResponse{Path: e.Path, Type: e.Type, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt})
	}
	return out
}

func mapCommits(in []domain.Commit) []CommitResponse {
	out := make([]CommitResponse, 0, len(in))
	for _, c := range in {
		out = append(out, CommitResponse{ID: c.ID, Seq: c.Seq, Message: c.Message, Author: c.Author, Path: c.Path, Op: c.Op, CreatedAt: c.CreatedAt})
	}
	return out
}
