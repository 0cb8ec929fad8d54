package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteLedger struct {
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

// NewSQLiteLedger creates or opens a SQLite ledger database.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteLedger{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			root TEXT NOT NULL,
			dest TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			success INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS staged_files (
			run_id INTEGER NOT NULL REFERENCES runs(id),
			seq INTEGER NOT NULL,
			family TEXT NOT NULL,
			source TEXT NOT NULL,
			dest TEXT NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_staged_files_dest ON staged_files(dest);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteLedger) BeginRun(ctx context.Context, root, dest string, started time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (root, dest, started_at) VALUES (?, ?, ?)`,
		root, dest, started.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteLedger) RecordFile(ctx context.Context, runID int64, f StagedFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staged_files (run_id, seq, family, source, dest, size, sha256)
		VALUES (?, (SELECT COUNT(*) FROM staged_files WHERE run_id = ?), ?, ?, ?, ?, ?)
	`, runID, runID, f.Family, f.Source, f.Dest, f.Size, f.SHA256)
	return err
}

func (s *SQLiteLedger) FinishRun(ctx context.Context, runID int64, finished time.Time, runErr error) error {
	var (
		success = 1
		errText sql.NullString
	)
	if runErr != nil {
		success = 0
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, success = ?, error = ? WHERE id = ?`,
		finished.UnixNano(), success, errText, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d not found", runID)
	}
	return nil
}

func (s *SQLiteLedger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.root, r.dest, r.started_at, r.finished_at, r.success, r.error,
			(SELECT COUNT(*) FROM staged_files f WHERE f.run_id = r.id)
		FROM runs r
		ORDER BY r.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
			success  int
			errText  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Root, &r.Dest, &started, &finished, &success, &errText, &r.FileCount); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		r.Success = success == 1
		r.Error = errText.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteLedger) RunFiles(ctx context.Context, runID int64) ([]StagedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT family, source, dest, size, sha256
		FROM staged_files
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []StagedFile
	for rows.Next() {
		var f StagedFile
		if err := rows.Scan(&f.Family, &f.Source, &f.Dest, &f.Size, &f.SHA256); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
