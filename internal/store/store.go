// Package store provides the local SQLite store for the notesync data layer.
//
// The database is the device-private copy of the user's notes and groups,
// plus the durable mutation queue and a small settings table holding the
// sync watermark. It runs in embedded mode with WAL so reads stay concurrent
// with the sync engine's writes.
//
// Rows written by the sync engine or the realtime reconciler are marked
// synced so server-driven writes never loop back into the push queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/northstarlabs/notesync/internal/model"
)

// ErrNotFound is returned when a row or setting does not exist.
var ErrNotFound = errors.New("not found")

// TimeFormat is how timestamps are stored in TEXT columns. Unlike
// RFC3339Nano it never truncates trailing zeros, so values stay fixed-width
// and SQL string comparison orders them correctly within a second.
// Times are normalized to UTC before formatting for the same reason.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection with notesync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".notesync/notes.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// OpenMemory opens an in-memory database, primarily for tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps every statement on the same in-memory DB.
	conn.SetMaxOpenConns(1)
	return &DB{conn: conn, path: ":memory:"}, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other packages that expect *sql.DB,
// such as the mutation queue DAO.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the notes, note_groups, sync_queue and settings tables along
// with the indexes the sync engine queries against. Idempotent - safe to
// call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		group_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS note_groups (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0
	);

	-- Durable per-user mutation queue (drained oldest-first by the engine)
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload BLOB NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id);
	CREATE INDEX IF NOT EXISTS idx_notes_group ON notes(group_id);
	CREATE INDEX IF NOT EXISTS idx_notes_tombstone ON notes(is_deleted, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_groups_user ON note_groups(user_id);
	CREATE INDEX IF NOT EXISTS idx_queue_user_created ON sync_queue(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_retries ON sync_queue(retry_count);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetNote retrieves a single note by ID.
// Returns ErrNotFound if the note does not exist.
func (db *DB) GetNote(ctx context.Context, id string) (*model.Note, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, user_id, group_id, title, content, version,
	       created_at, updated_at, is_deleted, deleted_at
	FROM notes WHERE id = ?`, id)

	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return note, err
}

// UpsertNote inserts or updates a note.
//
// synced marks the row as a server-driven write: the engine and the realtime
// reconciler pass true so the row is never re-enqueued; the local mutation
// path passes false.
func (db *DB) UpsertNote(ctx context.Context, n *model.Note, synced bool) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid note: %w", err)
	}

	query := `
	INSERT INTO notes (
		id, user_id, group_id, title, content, version,
		created_at, updated_at, is_deleted, deleted_at, synced
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		group_id = excluded.group_id,
		title = excluded.title,
		content = excluded.content,
		version = excluded.version,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		deleted_at = excluded.deleted_at,
		synced = excluded.synced
	`

	_, err := db.conn.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.GroupID,
		n.Title,
		n.Content,
		n.Version,
		n.CreatedAt.UTC().Format(TimeFormat),
		n.UpdatedAt.UTC().Format(TimeFormat),
		boolToInt(n.IsDeleted),
		timeToNullString(n.DeletedAt),
		boolToInt(synced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", n.ID, err)
	}

	return nil
}

// ListNotes returns all notes for a user, tombstones included,
// ordered by updated_at descending.
func (db *DB) ListNotes(ctx context.Context, userID string) ([]*model.Note, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, user_id, group_id, title, content, version,
	       created_at, updated_at, is_deleted, deleted_at
	FROM notes WHERE user_id = ?
	ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []*model.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}
	return notes, nil
}

// DeleteNote removes a note row entirely (hard delete).
// Returns nil if the note doesn't exist (idempotent).
func (db *DB) DeleteNote(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	return nil
}

// PurgeTombstonedNotes hard-deletes notes tombstoned before cutoff.
// Returns the number of rows removed.
func (db *DB) PurgeTombstonedNotes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM notes
	WHERE is_deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ?`,
		cutoff.UTC().Format(TimeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstoned notes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetGroup retrieves a single group by ID.
// Returns ErrNotFound if the group does not exist.
func (db *DB) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, user_id, name, color, sort_order, version,
	       created_at, updated_at, is_deleted
	FROM note_groups WHERE id = ?`, id)

	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return group, err
}

// UpsertGroup inserts or updates a group. See UpsertNote for synced semantics.
func (db *DB) UpsertGroup(ctx context.Context, g *model.Group, synced bool) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}

	query := `
	INSERT INTO note_groups (
		id, user_id, name, color, sort_order, version,
		created_at, updated_at, is_deleted, synced
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		name = excluded.name,
		color = excluded.color,
		sort_order = excluded.sort_order,
		version = excluded.version,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		synced = excluded.synced
	`

	_, err := db.conn.ExecContext(ctx, query,
		g.ID,
		g.UserID,
		g.Name,
		g.Color,
		g.SortOrder,
		g.Version,
		g.CreatedAt.UTC().Format(TimeFormat),
		g.UpdatedAt.UTC().Format(TimeFormat),
		boolToInt(g.IsDeleted),
		boolToInt(synced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert group %s: %w", g.ID, err)
	}

	return nil
}

// ListGroups returns all groups for a user ordered by sort_order.
func (db *DB) ListGroups(ctx context.Context, userID string) ([]*model.Group, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, user_id, name, color, sort_order, version,
	       created_at, updated_at, is_deleted
	FROM note_groups WHERE user_id = ?
	ORDER BY sort_order ASC, created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*model.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup removes a group row entirely (hard delete).
// Returns nil if the group doesn't exist (idempotent).
func (db *DB) DeleteGroup(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM note_groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete group %s: %w", id, err)
	}
	return nil
}

// GetSetting returns the value for a settings key.
// Returns ErrNotFound if the key has never been set.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a settings key/value pair, overwriting any previous value.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*model.Note, error) {
	var n model.Note
	var createdAt, updatedAt string
	var groupID, deletedAt sql.NullString
	var isDeleted int

	err := s.Scan(
		&n.ID,
		&n.UserID,
		&groupID,
		&n.Title,
		&n.Content,
		&n.Version,
		&createdAt,
		&updatedAt,
		&isDeleted,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	n.GroupID = groupID.String
	n.IsDeleted = isDeleted != 0
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	n.DeletedAt = nullStringToTime(deletedAt)

	return &n, nil
}

func scanGroup(s scanner) (*model.Group, error) {
	var g model.Group
	var createdAt, updatedAt string
	var isDeleted int

	err := s.Scan(
		&g.ID,
		&g.UserID,
		&g.Name,
		&g.Color,
		&g.SortOrder,
		&g.Version,
		&createdAt,
		&updatedAt,
		&isDeleted,
	)
	if err != nil {
		return nil, err
	}

	g.IsDeleted = isDeleted != 0
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)

	return &g, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(TimeFormat), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
