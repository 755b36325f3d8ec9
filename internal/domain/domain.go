package domain

type Project struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Methodology string `json:"methodology"`
	Status      string `json:"status" enum:"active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// FileEntry describes one path in a project's versioned store. An artifact has
// no record of its own; it is the current file content plus commit metadata.
type FileEntry struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Commit struct {
	ID          string `json:"id"`
	ProjectKey  string `json:"project_key"`
	Seq         int64  `json:"seq"`
	Message     string `json:"message"`
	Author      string `json:"author"`
	Path        string `json:"path,omitempty"`
	Op          string `json:"op" enum:"init,write,delete"`
	ContentHash string `json:"content_hash,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

const (
	ChangeCreate = "CREATE"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

const (
	ProposalPending  = "PENDING"
	ProposalAccepted = "ACCEPTED"
	ProposalRejected = "REJECTED"
)

// Proposal is a drafted change to one artifact. AppliedAt is set iff the
// proposal was accepted; once a proposal leaves PENDING it never changes again.
type Proposal struct {
	ID             string  `json:"id"`
	ProjectKey     string  `json:"project_key"`
	TargetArtifact string  `json:"target_artifact"`
	ChangeType     string  `json:"change_type" enum:"CREATE,UPDATE,DELETE"`
	Diff           string  `json:"diff"`
	NewContent     []byte  `json:"-"`
	BaseHash       string  `json:"base_hash"`
	Rationale      string  `json:"rationale"`
	Author         string  `json:"author"`
	Status         string  `json:"status" enum:"PENDING,ACCEPTED,REJECTED"`
	RejectReason   string  `json:"reject_reason,omitempty"`
	CommitID       *string `json:"commit_id,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	AppliedAt      *string `json:"applied_at,omitempty" format:"date-time"`
}

type WorkflowTransition struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

type WorkflowState struct {
	ProjectKey    string               `json:"project_key"`
	CurrentState  string               `json:"current_state"`
	PreviousState string               `json:"previous_state,omitempty"`
	History       []WorkflowTransition `json:"transition_history,omitempty"`
	UpdatedAt     string               `json:"updated_at" format:"date-time"`
	UpdatedBy     string               `json:"updated_by"`
}

// AuditEvent carries a structured, non-sensitive summary of one state change.
// ResourceHash is a digest of the affected content so integrity can be checked
// without retaining raw payloads.
type AuditEvent struct {
	Seq           int64          `json:"seq"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	TS            string         `json:"ts" format:"date-time"`
	Actor         string         `json:"actor"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ProjectKey    string         `json:"project_key"`
	Payload       map[string]any `json:"payload_summary"`
	ResourceHash  string         `json:"resource_hash,omitempty"`
}
