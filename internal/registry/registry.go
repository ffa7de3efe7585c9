// Package registry is the durable metadata store for media records: a
// local SQLite database that survives process restarts and gives
// reconciliation something to scan. State transitions are implemented
// as compare-and-set UPDATEs so concurrent ingestion workers never
// race each other.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
)

// IndexState is one of the media record lifecycle states.
type IndexState string

const (
	StatePending            IndexState = "pending"
	StateThumbnailReady     IndexState = "thumbnail_ready"
	StateEmbeddingInFlight  IndexState = "embedding_in_flight"
	StateIndexed            IndexState = "indexed"
	StateFailed             IndexState = "failed"
)

const schemaVersion = 1

// Record is the Media Record described by the data model: one row per
// GMID, mutated only via transitions and the description-edit path.
type Record struct {
	GMID           string
	OriginalName   string
	StoredPath     string
	ThumbnailPath  string
	MediaType      string
	SizeBytes      int64
	Width          sql.NullInt64
	Height         sql.NullInt64
	DurationMs     sql.NullInt64
	UploadTime     time.Time
	Description    string
	IndexState     IndexState
	IndexAttempts  int
	LastError      sql.NullString
	SchemaVersion  int
}

// Registry is the SQLite-backed metadata store.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the schema exists. Modeled on the pack's modernc.org/sqlite
// pragma sequence: WAL journaling, a single writer connection, and a
// busy timeout so concurrent workers block instead of failing outright
// on SQLITE_BUSY.
func Open(path string) (*Registry, error) {
	dsn := path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry: setting pragma %q: %w", pragma, err)
		}
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS media_records (
		gmid            TEXT PRIMARY KEY,
		original_name   TEXT NOT NULL,
		stored_path     TEXT NOT NULL,
		thumbnail_path  TEXT NOT NULL DEFAULT '',
		media_type      TEXT NOT NULL,
		size_bytes      INTEGER NOT NULL,
		width           INTEGER,
		height          INTEGER,
		duration_ms     INTEGER,
		upload_time     TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		index_state     TEXT NOT NULL,
		index_attempts  INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		schema_version  INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_media_records_state ON media_records(index_state);
	CREATE INDEX IF NOT EXISTS idx_media_records_upload_time ON media_records(upload_time);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("registry: migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put inserts a new record in state pending, or replaces an existing
// record at the same gmid (last-writer-wins on identical content, per
// the GMID uniqueness invariant).
func (r *Registry) Put(ctx context.Context, rec *Record) error {
	if rec.IndexState == "" {
		rec.IndexState = StatePending
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = schemaVersion
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO media_records (
			gmid, original_name, stored_path, thumbnail_path, media_type,
			size_bytes, width, height, duration_ms, upload_time, description,
			index_state, index_attempts, last_error, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gmid) DO UPDATE SET
			original_name = excluded.original_name,
			stored_path = excluded.stored_path,
			thumbnail_path = excluded.thumbnail_path,
			media_type = excluded.media_type,
			size_bytes = excluded.size_bytes,
			width = excluded.width,
			height = excluded.height,
			duration_ms = excluded.duration_ms,
			upload_time = excluded.upload_time,
			description = excluded.description
	`,
		rec.GMID, rec.OriginalName, rec.StoredPath, rec.ThumbnailPath, rec.MediaType,
		rec.SizeBytes, rec.Width, rec.Height, rec.DurationMs,
		rec.UploadTime.Format(time.RFC3339), rec.Description,
		rec.IndexState, rec.IndexAttempts, rec.LastError, rec.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", rec.GMID, err)
	}
	return nil
}

// Get fetches a single record by gmid.
func (r *Registry) Get(ctx context.Context, gmid string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT gmid, original_name, stored_path, thumbnail_path, media_type,
		       size_bytes, width, height, duration_ms, upload_time, description,
		       index_state, index_attempts, last_error, schema_version
		FROM media_records WHERE gmid = ?
	`, gmid)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: media record %s", apperr.ErrNotFound, gmid)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", gmid, err)
	}
	return rec, nil
}

// GetByStoredPath resolves a record by its on-disk stored path, used by
// the similar-by-file search route which addresses media the way the
// filesystem browser does rather than by gmid.
func (r *Registry) GetByStoredPath(ctx context.Context, storedPath string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT gmid, original_name, stored_path, thumbnail_path, media_type,
		       size_bytes, width, height, duration_ms, upload_time, description,
		       index_state, index_attempts, last_error, schema_version
		FROM media_records WHERE stored_path = ?
	`, storedPath)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no media record for path %s", apperr.ErrNotFound, storedPath)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get by path %s: %w", storedPath, err)
	}
	return rec, nil
}

// List returns records ordered by most recent upload first, page size
// clamped to [1, 100]. mediaType filters to "photo" or "video" when
// non-empty.
func (r *Registry) List(ctx context.Context, offset, limit int, mediaType string) ([]*Record, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT gmid, original_name, stored_path, thumbnail_path, media_type,
		       size_bytes, width, height, duration_ms, upload_time, description,
		       index_state, index_attempts, last_error, schema_version
		FROM media_records
	`
	args := []any{}
	if mediaType != "" {
		query += " WHERE media_type = ?"
		args = append(args, mediaType)
	}
	query += " ORDER BY upload_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scanning list row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByState returns every record in the given state, used by
// startup reconciliation.
func (r *Registry) ListByState(ctx context.Context, states ...IndexState) ([]*Record, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(states))
	query := `
		SELECT gmid, original_name, stored_path, thumbnail_path, media_type,
		       size_bytes, width, height, duration_ms, upload_time, description,
		       index_state, index_attempts, last_error, schema_version
		FROM media_records WHERE index_state IN (`
	for i, s := range states {
		if i > 0 {
			query += ", "
		}
		query += "?"
		placeholders[i] = s
	}
	query += ")"

	rows, err := r.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("registry: list by state: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scanning row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transition performs the single CAS mutation point for index_state:
// UPDATE ... WHERE gmid = ? AND index_state = from, succeeding only if
// exactly one row changed. A mismatch means another worker already
// moved the record, and is surfaced as apperr.ErrConflict so callers
// can decide whether to retry or abandon.
func (r *Registry) Transition(ctx context.Context, gmid string, from, to IndexState, lastError string) error {
	var errVal any
	if lastError != "" {
		errVal = lastError
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE media_records
		SET index_state = ?, last_error = ?
		WHERE gmid = ? AND index_state = ?
	`, to, errVal, gmid, from)
	if err != nil {
		return fmt.Errorf("registry: transition %s: %w", gmid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: transition %s: reading rows affected: %w", gmid, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s not in expected state %s", apperr.ErrConflict, gmid, from)
	}
	return nil
}

// TransitionWithThumbnail performs the pending -> thumbnail_ready CAS
// transition and persists the rendered thumbnail's path in the same
// statement, so a record's thumbnail_path is never left behind in the
// in-memory struct that produced it.
func (r *Registry) TransitionWithThumbnail(ctx context.Context, gmid, thumbnailPath string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE media_records
		SET index_state = ?, thumbnail_path = ?, last_error = NULL
		WHERE gmid = ? AND index_state = ?
	`, StateThumbnailReady, thumbnailPath, gmid, StatePending)
	if err != nil {
		return fmt.Errorf("registry: transition with thumbnail %s: %w", gmid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: transition with thumbnail %s: reading rows affected: %w", gmid, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %s not in expected state %s", apperr.ErrConflict, gmid, StatePending)
	}
	return nil
}

// IncrementAttemptsAndRetry bumps index_attempts and CASes back to
// thumbnail_ready so the worker pool re-enqueues the record, used on
// transient embedding/upsert failures.
func (r *Registry) IncrementAttemptsAndRetry(ctx context.Context, gmid string, from IndexState, lastError string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE media_records
		SET index_state = ?, index_attempts = index_attempts + 1, last_error = ?
		WHERE gmid = ? AND index_state = ?
	`, StateThumbnailReady, lastError, gmid, from)
	if err != nil {
		return 0, fmt.Errorf("registry: increment attempts %s: %w", gmid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("registry: increment attempts %s: %w", gmid, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("%w: %s not in expected state %s", apperr.ErrConflict, gmid, from)
	}

	rec, err := r.Get(ctx, gmid)
	if err != nil {
		return 0, err
	}
	return rec.IndexAttempts, nil
}

// UpdateDescription sets a new description and, if the record is
// currently indexed, CASes it back to thumbnail_ready so the pipeline
// re-embeds the text vector.
func (r *Registry) UpdateDescription(ctx context.Context, gmid, description string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: update description %s: %w", gmid, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE media_records SET description = ? WHERE gmid = ?
	`, description, gmid)
	if err != nil {
		return fmt.Errorf("registry: update description %s: %w", gmid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: update description %s: %w", gmid, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: media record %s", apperr.ErrNotFound, gmid)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE media_records SET index_state = ?
		WHERE gmid = ? AND index_state = ?
	`, StateThumbnailReady, gmid, StateIndexed); err != nil {
		return fmt.Errorf("registry: demote %s after description edit: %w", gmid, err)
	}

	return tx.Commit()
}

// Delete removes a record. Not finding one is not an error: delete is
// idempotent so cascades (thumbnail, vector point, original file) can
// be retried freely.
func (r *Registry) Delete(ctx context.Context, gmid string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM media_records WHERE gmid = ?`, gmid); err != nil {
		return fmt.Errorf("registry: delete %s: %w", gmid, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var uploadTime string
	if err := s.Scan(
		&rec.GMID, &rec.OriginalName, &rec.StoredPath, &rec.ThumbnailPath, &rec.MediaType,
		&rec.SizeBytes, &rec.Width, &rec.Height, &rec.DurationMs, &uploadTime, &rec.Description,
		&rec.IndexState, &rec.IndexAttempts, &rec.LastError, &rec.SchemaVersion,
	); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, uploadTime)
	if err != nil {
		return nil, fmt.Errorf("parsing upload_time: %w", err)
	}
	rec.UploadTime = t
	return &rec, nil
}
