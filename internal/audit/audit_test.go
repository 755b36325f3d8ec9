package audit_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"paperline/internal/audit"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/migrate"
)

func newTestLog(t *testing.T) (audit.Writer, audit.Log, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := audit.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return w, audit.Log{DB: conn}, conn
}

func appendEvent(t *testing.T, w audit.Writer, conn *sql.DB, evt domain.AuditEvent) error {
	t.Helper()
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := w.Append(context.Background(), tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func TestAppendRejectsUnknownEventType(t *testing.T) {
	w, _, conn := newTestLog(t)
	err := appendEvent(t, w, conn, domain.AuditEvent{
		EventType:  "SOMETHING_ELSE",
		Actor:      "alice",
		ProjectKey: "P1",
		Payload:    map[string]any{},
	})
	var se audit.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("want SchemaError, got %v", err)
	}
}

func TestAppendRejectsMissingPayloadFields(t *testing.T) {
	w, _, conn := newTestLog(t)
	err := appendEvent(t, w, conn, domain.AuditEvent{
		EventType:  audit.EventProposalAccepted,
		Actor:      "alice",
		ProjectKey: "P1",
		Payload:    map[string]any{"proposal_id": "x"},
	})
	var se audit.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("want SchemaError, got %v", err)
	}
	if len(se.Missing) != 2 {
		t.Fatalf("missing = %v, want path and commit_id", se.Missing)
	}
}

func TestQueryAscendingWithTotal(t *testing.T) {
	w, l, conn := newTestLog(t)
	for i := 0; i < 5; i++ {
		err := appendEvent(t, w, conn, domain.AuditEvent{
			EventType:  audit.EventProposalCreated,
			Actor:      "alice",
			ProjectKey: "P1",
			Payload:    map[string]any{"proposal_id": fmt.Sprintf("p%d", i), "path": "artifacts/a.md", "change_type": "UPDATE"},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	page, err := l.Query(context.Background(), "P1", audit.Filter{}, 2, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 5 {
		t.Fatalf("total = %d, want 5 (count before pagination)", page.Total)
	}
	if len(page.Events) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Events))
	}
	if page.Events[0].Seq >= page.Events[1].Seq {
		t.Fatalf("events not ascending: %d then %d", page.Events[0].Seq, page.Events[1].Seq)
	}
	if page.Events[0].Payload["proposal_id"] != "p2" {
		t.Fatalf("offset 2 should start at p2, got %v", page.Events[0].Payload["proposal_id"])
	}
}

func TestQueryFilters(t *testing.T) {
	w, l, conn := newTestLog(t)
	events := []domain.AuditEvent{
		{EventType: audit.EventProjectCreated, Actor: "alice", ProjectKey: "P1", Payload: map[string]any{"name": "n", "methodology": "agile"}},
		{EventType: audit.EventProposalCreated, Actor: "bob", ProjectKey: "P1", Payload: map[string]any{"proposal_id": "p1", "path": "a", "change_type": "CREATE"}},
		{EventType: audit.EventProjectArchived, Actor: "alice", ProjectKey: "P2", Payload: map[string]any{}},
	}
	for i, evt := range events {
		if err := appendEvent(t, w, conn, evt); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	page, err := l.Query(context.Background(), "P1", audit.Filter{Actor: "bob"}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 1 || len(page.Events) != 1 || page.Events[0].EventType != audit.EventProposalCreated {
		t.Fatalf("actor filter: %+v", page)
	}
	page, err = l.Query(context.Background(), "P2", audit.Filter{}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("project scoping leaked: total = %d", page.Total)
	}
}
