// Package metadata keeps a sqlite index of entries so listings and usage can
// be answered without scanning the object store. The object store remains
// authoritative for existence; the index can always be rebuilt from it.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT NOT NULL PRIMARY KEY,
	owner TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	parent_path TEXT NOT NULL,
	is_folder BOOLEAN NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	share_token TEXT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_owner_parent ON entries(owner, parent_path);
`

// Record is one indexed entry. ParentPath is the slash-joined folder path,
// empty for the owner root.
type Record struct {
	ID          string
	Owner       string
	Key         string
	Name        string
	ParentPath  string
	IsFolder    bool
	Size        int64
	ContentType string
	ShareToken  string
	CreatedAt   time.Time
}

// Index is a sqlite-backed entry index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Upsert inserts or updates the record for r.Key. The row ID and any share
// token already recorded are kept.
func (x *Index) Upsert(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO entries (id, owner, key, name, parent_path, is_folder, size, content_type, share_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			content_type = excluded.content_type,
			share_token = COALESCE(excluded.share_token, entries.share_token),
			created_at = excluded.created_at`,
		r.ID, r.Owner, r.Key, r.Name, r.ParentPath, r.IsFolder, r.Size, r.ContentType, nullString(r.ShareToken), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", r.Key, err)
	}
	return nil
}

// Delete removes the record for key. Missing keys are not an error.
func (x *Index) Delete(ctx context.Context, key string) error {
	if _, err := x.db.ExecContext(ctx, "DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Children returns the direct children of parent.
func (x *Index) Children(ctx context.Context, owner, parent string) ([]Record, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT id, owner, key, name, parent_path, is_folder, size, content_type, share_token, created_at
		FROM entries WHERE owner = ? AND parent_path = ?
		ORDER BY is_folder DESC, name`, owner, parent)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the record for key, or sql.ErrNoRows.
func (x *Index) Get(ctx context.Context, key string) (Record, error) {
	row := x.db.QueryRowContext(ctx, `
		SELECT id, owner, key, name, parent_path, is_folder, size, content_type, share_token, created_at
		FROM entries WHERE key = ?`, key)
	return scanRecord(row)
}

// UsedBytes sums the sizes of all records of owner.
func (x *Index) UsedBytes(ctx context.Context, owner string) (int64, error) {
	var total int64
	err := x.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(size), 0) FROM entries WHERE owner = ?", owner).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// TokenFor returns the share token recorded for key, or "" if none.
func (x *Index) TokenFor(ctx context.Context, key string) (string, error) {
	var token sql.NullString
	err := x.db.QueryRowContext(ctx, "SELECT share_token FROM entries WHERE key = ?", key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query share token: %w", err)
	}
	return token.String, nil
}

// SetToken records the share token for key.
func (x *Index) SetToken(ctx context.Context, key, token string) error {
	if _, err := x.db.ExecContext(ctx, "UPDATE entries SET share_token = ? WHERE key = ?", token, key); err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	return nil
}

// ReplaceOwner swaps every record of owner for recs in one transaction.
// Share tokens of keys present before and after are carried over.
func (x *Index) ReplaceOwner(ctx context.Context, owner string, recs []Record) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reindex: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tokens := make(map[string]string)
	rows, err := tx.QueryContext(ctx, "SELECT key, share_token FROM entries WHERE owner = ? AND share_token IS NOT NULL", owner)
	if err != nil {
		return fmt.Errorf("query tokens: %w", err)
	}
	for rows.Next() {
		var key, token string
		if err := rows.Scan(&key, &token); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		tokens[key] = token
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE owner = ?", owner); err != nil {
		return fmt.Errorf("clear owner: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, owner, key, name, parent_path, is_folder, size, content_type, share_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.ShareToken == "" {
			r.ShareToken = tokens[r.Key]
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, owner, r.Key, r.Name, r.ParentPath, r.IsFolder, r.Size, r.ContentType, nullString(r.ShareToken), r.CreatedAt); err != nil {
			return fmt.Errorf("insert %q: %w", r.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reindex: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	var token sql.NullString
	if err := s.Scan(&r.ID, &r.Owner, &r.Key, &r.Name, &r.ParentPath, &r.IsFolder, &r.Size, &r.ContentType, &token, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.ShareToken = token.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
