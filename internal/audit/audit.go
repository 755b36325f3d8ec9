// Package audit records an append-only stream of state-changing operations.
// Events are validated against a per-type payload schema at append time and
// are never updated or removed; corrections are new events tied back through
// the correlation id.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paperline/internal/domain"
)

const (
	EventProjectCreated       = "PROJECT_CREATED"
	EventProjectArchived      = "PROJECT_ARCHIVED"
	EventProposalCreated      = "PROPOSAL_CREATED"
	EventProposalAccepted     = "PROPOSAL_ACCEPTED"
	EventProposalRejected     = "PROPOSAL_REJECTED"
	EventWorkflowStateChanged = "WORKFLOW_STATE_CHANGED"
	EventConfigImported       = "CONFIG_IMPORTED"
)

// requiredFields is the closed event-type schema: one entry per type, each
// naming the payload keys that must be present.
var requiredFields = map[string][]string{
	EventProjectCreated:       {"name", "methodology"},
	EventProjectArchived:      {},
	EventProposalCreated:      {"proposal_id", "path", "change_type"},
	EventProposalAccepted:     {"proposal_id", "path", "commit_id"},
	EventProposalRejected:     {"proposal_id", "path", "reason"},
	EventWorkflowStateChanged: {"from_state", "to_state", "commit_id"},
	EventConfigImported:       {},
}

// SchemaError reports an event that does not match its declared type schema.
type SchemaError struct {
	EventType string
	Missing   []string
}

func (e SchemaError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("audit: unknown event type %s", e.EventType)
	}
	return fmt.Sprintf("audit: event %s missing payload fields: %s", e.EventType, strings.Join(e.Missing, ", "))
}

func validate(evt domain.AuditEvent) error {
	required, ok := requiredFields[evt.EventType]
	if !ok {
		return SchemaError{EventType: evt.EventType}
	}
	var missing []string
	for _, f := range required {
		if _, present := evt.Payload[f]; !present {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return SchemaError{EventType: evt.EventType, Missing: missing}
	}
	return nil
}

// Writer appends events inside the caller's transaction so the event and the
// commit it describes land or fail together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.AuditEvent) (string, error) {
	if err := validate(evt); err != nil {
		return "", err
	}
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.TS == "" {
		now := w.Now
		if now == nil {
			now = time.Now
		}
		evt.TS = now().UTC().Format(time.RFC3339)
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(event_id,event_type,ts,actor,correlation_id,project_key,payload_json,resource_hash) VALUES (?,?,?,?,?,?,?,?)`,
		evt.EventID, evt.EventType, evt.TS, evt.Actor, nullable(evt.CorrelationID), evt.ProjectKey, string(data), nullable(evt.ResourceHash))
	if err != nil {
		return "", fmt.Errorf("append audit event: %w", err)
	}
	return evt.EventID, nil
}

// Filter narrows a query; zero values match everything.
type Filter struct {
	EventType string
	Actor     string
	Since     string
	Until     string
}

// Page is one query result slice plus the total matching count before
// pagination.
type Page struct {
	Events []domain.AuditEvent `json:"events"`
	Total  int                 `json:"total"`
}

// Log is the read side of the audit stream.
type Log struct {
	DB *sql.DB
}

// Query returns matching events in chronological ascending order (insertion
// sequence, which per project equals commit/transition order).
func (l Log) Query(ctx context.Context, projectKey string, f Filter, limit, offset int) (Page, error) {
	clauses := []string{"project_key=?"}
	args := []any{projectKey}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.Until)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events `+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count audit events: %w", err)
	}

	query := `SELECT seq,event_id,event_type,ts,actor,COALESCE(correlation_id,''),project_key,payload_json,COALESCE(resource_hash,'')
FROM audit_events ` + where + ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	page := Page{Total: total}
	for rows.Next() {
		var evt domain.AuditEvent
		var payload string
		if err := rows.Scan(&evt.Seq, &evt.EventID, &evt.EventType, &evt.TS, &evt.Actor, &evt.CorrelationID, &evt.ProjectKey, &payload, &evt.ResourceHash); err != nil {
			return Page{}, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return Page{}, fmt.Errorf("decode audit payload: %w", err)
		}
		page.Events = append(page.Events, evt)
	}
	return page, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
