package store_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"paperline/internal/db"
	"paperline/internal/migrate"
	"paperline/internal/store"
)

func newTestStore(t *testing.T) (store.Store, context.Context) {
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
	s := store.Store{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	if _, err := s.EnsureRepository(context.Background(), "P1"); err != nil {
		t.Fatalf("ensure repository: %v", err)
	}
	return s, context.Background()
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, ctx := newTestStore(t)
	content := []byte("# Charter\n\nScope: everything.\n")
	if _, err := s.WriteFile(ctx, "P1", "artifacts/charter.md", content, "add charter", "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ReadFile(ctx, "P1", "artifacts/charter.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q want %q", got, content)
	}
}

func TestEnsureRepositoryIdempotent(t *testing.T) {
	s, ctx := newTestStore(t)
	created, err := s.EnsureRepository(ctx, "P1")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatalf("second ensure reported a new repository")
	}
	commits, err := s.ListCommits(ctx, "P1", 0)
	if err != nil {
		t.Fatalf("list commits: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("want exactly the initial commit, got %d commits", len(commits))
	}
	if commits[0].Op != "init" || commits[0].Seq != 1 {
		t.Fatalf("unexpected initial commit: %+v", commits[0])
	}
}

func TestCommitMessageConvention(t *testing.T) {
	s, ctx := newTestStore(t)
	c, err := s.WriteFile(ctx, "P1", "artifacts/plan.md", []byte("plan"), "add plan", "alice")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(c.Message, "[P1] ") {
		t.Fatalf("commit message %q does not carry the project key prefix", c.Message)
	}
	if c.Author != "alice" {
		t.Fatalf("author = %q, want alice", c.Author)
	}
	if c.Seq != 2 {
		t.Fatalf("seq = %d, want 2 (after the initial commit)", c.Seq)
	}
}

func TestDeleteMissingFile(t *testing.T) {
	s, ctx := newTestStore(t)
	_, err := s.DeleteFile(ctx, "P1", "artifacts/nope.md", "delete", "alice")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	commits, err := s.ListCommits(ctx, "P1", 0)
	if err != nil {
		t.Fatalf("list commits: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("failed delete must not commit; got %d commits", len(commits))
	}
}

func TestListFilesPrefix(t *testing.T) {
	s, ctx := newTestStore(t)
	for _, p := range []string{"artifacts/charter.md", "artifacts/risks/register.yml", "workflow/state.json"} {
		if _, err := s.WriteFile(ctx, "P1", p, []byte("x"), "seed "+p, "alice"); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	entries, err := s.ListFiles(ctx, "P1", "artifacts/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries under artifacts/, got %d", len(entries))
	}
	if entries[0].Path != "artifacts/charter.md" || entries[0].Type != "markdown" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Type != "yaml" {
		t.Fatalf("register.yml type = %q, want yaml", entries[1].Type)
	}
}

func TestHashContentStable(t *testing.T) {
	if store.HashContent([]byte("a")) == store.HashContent([]byte("b")) {
		t.Fatal("distinct content hashed equal")
	}
	if store.HashContent(nil) != store.HashContent([]byte{}) {
		t.Fatal("nil and empty content must hash equal")
	}
}
