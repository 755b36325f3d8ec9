// Package store is the repository manager: one versioned file store per
// project, where every write lands as a single attributable commit and reads
// always observe the latest committed state.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"paperline/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// ErrExists rejects a CREATE against a path that already has content.
var ErrExists = errors.New("already exists")

// StorageError wraps an underlying database failure. It is surfaced unchanged
// to the caller and never retried inside the core.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return StorageError{Op: op, Err: err}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// HashContent returns the hex sha256 of content. The hash of nil content is
// the base hash CREATE proposals are drafted against.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CommitMessage renders the deterministic "[KEY] description" convention so
// history stays machine-parseable.
func CommitMessage(projectKey, description string) string {
	return fmt.Sprintf("[%s] %s", projectKey, description)
}

// EnsureRepository creates the initial commit for a project if none exists.
// Calling it again is a no-op and produces no new commit.
func (s Store) EnsureRepository(ctx context.Context, projectKey string) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("begin", err)
	}
	defer tx.Rollback()
	created, err := s.EnsureRepositoryTx(ctx, tx, projectKey)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("commit", err)
	}
	return created, nil
}

func (s Store) EnsureRepositoryTx(ctx context.Context, tx *sql.Tx, projectKey string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE project_key=?`, projectKey).Scan(&n)
	if err != nil {
		return false, storageErr("count commits", err)
	}
	if n > 0 {
		return false, nil
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO commits(id,project_key,seq,message,author,path,op,content_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		uuid.New().String(), projectKey, 1, CommitMessage(projectKey, "initialize repository"), "system", nil, "init", nil, now)
	if err != nil {
		return false, storageErr("insert initial commit", err)
	}
	return true, nil
}

// ReadFile returns the current committed content of path.
func (s Store) ReadFile(ctx context.Context, projectKey, filePath string) ([]byte, error) {
	var content []byte
	err := s.DB.QueryRowContext(ctx, `SELECT content FROM files WHERE project_key=? AND path=?`, projectKey, filePath).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("read file", err)
	}
	return content, nil
}

func (s Store) ReadFileTx(ctx context.Context, tx *sql.Tx, projectKey, filePath string) ([]byte, error) {
	var content []byte
	err := tx.QueryRowContext(ctx, `SELECT content FROM files WHERE project_key=? AND path=?`, projectKey, filePath).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("read file", err)
	}
	return content, nil
}

func (s Store) nextSeqTx(ctx context.Context, tx *sql.Tx, projectKey string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM commits WHERE project_key=?`, projectKey).Scan(&seq)
	if err != nil {
		return 0, storageErr("next seq", err)
	}
	return seq, nil
}

// WriteFile upserts content and records the commit in one transaction.
func (s Store) WriteFile(ctx context.Context, projectKey, filePath string, content []byte, description, author string) (domain.Commit, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commit{}, storageErr("begin", err)
	}
	defer tx.Rollback()
	c, err := s.WriteFileTx(ctx, tx, projectKey, filePath, content, description, author)
	if err != nil {
		return domain.Commit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commit{}, storageErr("commit", err)
	}
	return c, nil
}

func (s Store) WriteFileTx(ctx context.Context, tx *sql.Tx, projectKey, filePath string, content []byte, description, author string) (domain.Commit, error) {
	if filePath == "" {
		return domain.Commit{}, errors.New("path is required")
	}
	now := s.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO files(project_key,path,content,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_key,path) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		projectKey, filePath, content, now, now)
	if err != nil {
		return domain.Commit{}, storageErr("upsert file", err)
	}
	return s.recordCommitTx(ctx, tx, projectKey, filePath, "write", HashContent(content), description, author)
}

// DeleteFile removes path and records the commit; missing paths fail with
// ErrNotFound before any commit is attempted.
func (s Store) DeleteFile(ctx context.Context, projectKey, filePath, description, author string) (domain.Commit, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commit{}, storageErr("begin", err)
	}
	defer tx.Rollback()
	c, err := s.DeleteFileTx(ctx, tx, projectKey, filePath, description, author)
	if err != nil {
		return domain.Commit{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commit{}, storageErr("commit", err)
	}
	return c, nil
}

func (s Store) DeleteFileTx(ctx context.Context, tx *sql.Tx, projectKey, filePath, description, author string) (domain.Commit, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_key=? AND path=?`, projectKey, filePath)
	if err != nil {
		return domain.Commit{}, storageErr("delete file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Commit{}, ErrNotFound
	}
	return s.recordCommitTx(ctx, tx, projectKey, filePath, "delete", "", description, author)
}

func (s Store) recordCommitTx(ctx context.Context, tx *sql.Tx, projectKey, filePath, op, contentHash, description, author string) (domain.Commit, error) {
	seq, err := s.nextSeqTx(ctx, tx, projectKey)
	if err != nil {
		return domain.Commit{}, err
	}
	c := domain.Commit{
		ID:          uuid.New().String(),
		ProjectKey:  projectKey,
		Seq:         seq,
		Message:     CommitMessage(projectKey, description),
		Author:      author,
		Path:        filePath,
		Op:          op,
		ContentHash: contentHash,
		CreatedAt:   s.now().UTC().Format(time.RFC3339),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO commits(id,project_key,seq,message,author,path,op,content_hash,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectKey, c.Seq, c.Message, c.Author, c.Path, c.Op, nullable(c.ContentHash), c.CreatedAt)
	if err != nil {
		return domain.Commit{}, storageErr("insert commit", err)
	}
	return c, nil
}

// ListFiles lists current entries under prefix, path-ascending.
func (s Store) ListFiles(ctx context.Context, projectKey, prefix string) ([]domain.FileEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT path,created_at,updated_at FROM files WHERE project_key=? AND path LIKE ? ORDER BY path ASC`,
		projectKey, prefix+"%")
	if err != nil {
		return nil, storageErr("list files", err)
	}
	defer rows.Close()
	var res []domain.FileEntry
	for rows.Next() {
		var e domain.FileEntry
		if err := rows.Scan(&e.Path, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, storageErr("scan file", err)
		}
		e.Type = TypeForPath(e.Path)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LastCommit returns the newest commit for the project.
func (s Store) LastCommit(ctx context.Context, projectKey string) (domain.Commit, error) {
	return scanCommit(s.DB.QueryRowContext(ctx, `SELECT id,project_key,seq,message,author,COALESCE(path,''),op,COALESCE(content_hash,''),created_at
FROM commits WHERE project_key=? ORDER BY seq DESC LIMIT 1`, projectKey))
}

// ListCommits returns project history, newest first.
func (s Store) ListCommits(ctx context.Context, projectKey string, limit int) ([]domain.Commit, error) {
	query := `SELECT id,project_key,seq,message,author,COALESCE(path,''),op,COALESCE(content_hash,''),created_at
FROM commits WHERE project_key=? ORDER BY seq DESC`
	args := []any{projectKey}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list commits", err)
	}
	defer rows.Close()
	var res []domain.Commit
	for rows.Next() {
		var c domain.Commit
		if err := rows.Scan(&c.ID, &c.ProjectKey, &c.Seq, &c.Message, &c.Author, &c.Path, &c.Op, &c.ContentHash, &c.CreatedAt); err != nil {
			return nil, storageErr("scan commit", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanCommit(row *sql.Row) (domain.Commit, error) {
	var c domain.Commit
	err := row.Scan(&c.ID, &c.ProjectKey, &c.Seq, &c.Message, &c.Author, &c.Path, &c.Op, &c.ContentHash, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, storageErr("scan commit", err)
	}
	return c, nil
}

// TypeForPath derives the artifact type from the file extension.
func TypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown":
		return "markdown"
	case ".yml", ".yaml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "text"
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
