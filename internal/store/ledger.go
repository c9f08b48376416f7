package store

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Run operations ---

func (s *Store) InsertRun(r *Run) error {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.db.Exec(
		"INSERT INTO runs (id, solution, started_at, status, dry_run) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.Solution, r.StartedAt, r.Status, r.DryRun,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(id, status string, documents, changed int, runErr error, at time.Time) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.Exec(
		"UPDATE runs SET finished_at = ?, status = ?, documents = ?, changed = ?, error = ? WHERE id = ?",
		at, status, documents, changed, msg, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: unknown run %s", id)
	}
	return nil
}

func (s *Store) scanRun(scanner interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var finished sql.NullTime
	var errMsg sql.NullString
	if err := scanner.Scan(&r.ID, &r.Solution, &r.StartedAt, &finished, &r.Status, &r.DryRun,
		&r.Documents, &r.Changed, &errMsg); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	return r, nil
}

const runColumns = "id, solution, started_at, finished_at, status, dry_run, documents, changed, error"

func (s *Store) RunByID(id string) (*Run, error) {
	r, err := s.scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run by id: %w", err)
	}
	return r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Mark operations ---

func (s *Store) InsertMark(m *Mark) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO marks (run_id, path, class_name, line, reason) VALUES (?, ?, ?, ?, ?)",
		m.RunID, m.Path, m.ClassName, m.Line, m.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("insert mark: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	return id, nil
}

func (s *Store) MarksByRun(runID string) ([]*Mark, error) {
	rows, err := s.db.Query(
		"SELECT id, run_id, path, class_name, line, reason FROM marks WHERE run_id = ? ORDER BY id", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("marks by run: %w", err)
	}
	defer rows.Close()
	var marks []*Mark
	for rows.Next() {
		m := &Mark{}
		var reason sql.NullString
		if err := rows.Scan(&m.ID, &m.RunID, &m.Path, &m.ClassName, &m.Line, &reason); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		m.Reason = reason.String
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

// --- Document hash operations ---

// DocumentByPath returns the recorded hash for path, or nil if the document
// was never checked.
func (s *Store) DocumentByPath(path string) (*Document, error) {
	d := &Document{}
	var checked sql.NullTime
	err := s.db.QueryRow(
		"SELECT path, hash, last_checked FROM documents WHERE path = ?", path,
	).Scan(&d.Path, &d.Hash, &checked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("document by path: %w", err)
	}
	d.LastChecked = checked.Time
	return d, nil
}

// UpsertDocument records the hash a document had after it was last checked.
func (s *Store) UpsertDocument(d *Document) error {
	_, err := s.db.Exec(
		`INSERT INTO documents (path, hash, last_checked) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, last_checked = excluded.last_checked`,
		d.Path, d.Hash, d.LastChecked,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// ClearDocuments forgets every recorded hash so the next run checks all
// documents.
func (s *Store) ClearDocuments() error {
	if _, err := s.db.Exec("DELETE FROM documents"); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return nil
}
