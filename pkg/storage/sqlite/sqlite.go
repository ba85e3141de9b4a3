// Package sqlite provides a SQLite-based implementation of the snapshot store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextstep/nextstep/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	course_id     TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	entries       INTEGER NOT NULL,
	contexts      INTEGER NOT NULL,
	checksum      TEXT NOT NULL,
	payload       BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS snapshots_course_created
	ON snapshots (course_id, created_at);

CREATE TABLE IF NOT EXISTS active_snapshot (
	course_id     TEXT PRIMARY KEY,
	snapshot_id   TEXT NOT NULL,
	FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id)
);
`

// createdLayout is fixed width so that created_at sorts as text.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config holds configuration for SQLiteStorage.
type Config struct {
	// Path is the database file; ":memory:" keeps everything in memory.
	Path string
	// HistoryLimit caps the stored snapshots per course. Zero keeps all.
	HistoryLimit int
}

// SQLiteStorage implements storage.Store on a versioned snapshots table
// with one active pointer per course.
type SQLiteStorage struct {
	db     *sql.DB
	config *Config
}

// NewSQLiteStorage opens the database and runs migrations.
func NewSQLiteStorage(config *Config) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("open db: %w", err)}
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("migrate: %w", err)}
		}
	}
	return &SQLiteStorage{db: db, config: config}, nil
}

// SaveSnapshot inserts a new version and moves the active pointer in one
// transaction.
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, snap *storage.Snapshot) error {
	if err := snap.Seal(); err != nil {
		return err
	}
	data, err := storage.Encode(snap)
	if err != nil {
		return err
	}
	info := snap.Info()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, course_id, created_at, entries, contexts, checksum, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.CourseID, info.CreatedAt.UTC().Format(createdLayout), info.Entries, info.Contexts, info.Checksum, data,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_snapshot (course_id, snapshot_id) VALUES (?, ?)
		 ON CONFLICT(course_id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		info.CourseID, info.ID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}

	if s.config.HistoryLimit > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots
			 WHERE course_id = ? AND snapshot_id <> ? AND snapshot_id NOT IN (
				SELECT snapshot_id FROM snapshots WHERE course_id = ?
				ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
			info.CourseID, info.ID, info.CourseID, s.config.HistoryLimit,
		)
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadSnapshot returns the active snapshot of a course.
func (s *SQLiteStorage) LoadSnapshot(ctx context.Context, courseID string) (*storage.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT s.payload FROM active_snapshot a
		 JOIN snapshots s ON s.snapshot_id = a.snapshot_id
		 WHERE a.course_id = ?`, courseID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
	}
	if err != nil {
		return nil, fmt.Errorf("get active %s: %w", courseID, err)
	}
	return storage.Open(courseID, payload)
}

// ListCourses returns the courses with an active snapshot.
func (s *SQLiteStorage) ListCourses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT course_id FROM active_snapshot ORDER BY course_id`)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var courses []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

// ListHistory returns snapshots of a course, newest first.
func (s *SQLiteStorage) ListHistory(ctx context.Context, courseID string, limit int) ([]storage.SnapshotInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_id, course_id, created_at, entries, contexts, checksum
		 FROM snapshots WHERE course_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, courseID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	infos := []storage.SnapshotInfo{}
	for rows.Next() {
		var info storage.SnapshotInfo
		var created string
		if err := rows.Scan(&info.ID, &info.CourseID, &created, &info.Entries, &info.Contexts, &info.Checksum); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		info.CreatedAt, _ = time.Parse(createdLayout, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// DeleteSnapshot removes the active pointer and the history of a course.
func (s *SQLiteStorage) DeleteSnapshot(ctx context.Context, courseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM active_snapshot WHERE course_id = ?`, courseID)
	if err != nil {
		return fmt.Errorf("delete active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{EntityType: "snapshot", ID: courseID}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE course_id = ?`, courseID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*SQLiteStorage)(nil)
