package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/utlibraries/audiocat/internal/catalog"
)

// SQLiteStore is the default single-machine WorkflowStore backend: one
// file, WAL mode, a single writer connection, matching the reference
// engine's own SQLite store setup. Stage records are stored as JSON
// columns on the items row rather than normalized per-stage tables —
// every record is written exactly once per item per stage (see the
// monotonic-stage invariant), so there is no relational benefit to
// splitting them out, and keeping one row per item makes ListPending a
// single indexed scan.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at
// path. Use ":memory:" for a throwaway database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS items (
			barcode TEXT PRIMARY KEY,
			medium TEXT NOT NULL,
			current_stage TEXT NOT NULL,
			extraction TEXT,
			search_result TEXT,
			selection TEXT,
			verification TEXT,
			disposition TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_stage ON items(current_stage, barcode)`,
		`CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			barcode TEXT NOT NULL,
			stage TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			retryable INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_barcode ON failures(barcode)`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			job_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			stage TEXT NOT NULL,
			chunk INTEGER NOT NULL,
			barcodes TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batch_jobs_provider_status ON batch_jobs(provider, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create tables: %w", err)
		}
	}
	return nil
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *SQLiteStore) CreateOrLoadItem(ctx context.Context, barcode string, medium catalog.Medium) (*catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, err := s.getItemLocked(ctx, barcode); err == nil {
		return it, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (barcode, medium, current_stage, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		barcode, string(medium), string(catalog.StageExtract), now, now)
	if err != nil {
		return nil, fmt.Errorf("store: create item %s: %w", barcode, err)
	}

	return s.getItemLocked(ctx, barcode)
}

func (s *SQLiteStore) GetItem(ctx context.Context, barcode string) (*catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getItemLocked(ctx, barcode)
}

func (s *SQLiteStore) getItemLocked(ctx context.Context, barcode string) (*catalog.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT barcode, medium, current_stage, extraction, search_result, selection, verification, disposition, created_at, updated_at
		 FROM items WHERE barcode = ?`, barcode)

	var (
		it                                                               catalog.Item
		medium, stage                                                    string
		extraction, searchResult, selection, verification, disposition   sql.NullString
	)
	if err := row.Scan(&it.Barcode, &medium, &stage, &extraction, &searchResult, &selection, &verification, &disposition, &it.CreatedAt, &it.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan item %s: %w", barcode, err)
	}
	it.Medium = catalog.Medium(medium)
	it.CurrentStage = catalog.Stage(stage)

	if extraction.Valid {
		it.Extraction = &catalog.ExtractionRecord{}
		if err := json.Unmarshal([]byte(extraction.String), it.Extraction); err != nil {
			return nil, fmt.Errorf("store: unmarshal extraction: %w", err)
		}
	}
	if searchResult.Valid {
		it.SearchResult = &catalog.SearchRecord{}
		if err := json.Unmarshal([]byte(searchResult.String), it.SearchResult); err != nil {
			return nil, fmt.Errorf("store: unmarshal search result: %w", err)
		}
	}
	if selection.Valid {
		it.Selection = &catalog.SelectionRecord{}
		if err := json.Unmarshal([]byte(selection.String), it.Selection); err != nil {
			return nil, fmt.Errorf("store: unmarshal selection: %w", err)
		}
	}
	if verification.Valid {
		it.Verification = &catalog.VerificationRecord{}
		if err := json.Unmarshal([]byte(verification.String), it.Verification); err != nil {
			return nil, fmt.Errorf("store: unmarshal verification: %w", err)
		}
	}
	if disposition.Valid {
		it.Disposition = &catalog.DispositionRecord{}
		if err := json.Unmarshal([]byte(disposition.String), it.Disposition); err != nil {
			return nil, fmt.Errorf("store: unmarshal disposition: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, code, message, attempt, occurred_at, retryable FROM failures WHERE barcode = ? ORDER BY id`, barcode)
	if err != nil {
		return nil, fmt.Errorf("store: load failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fr catalog.FailureRecord
		var stageStr, codeStr string
		var retryable int
		if err := rows.Scan(&stageStr, &codeStr, &fr.Message, &fr.Attempt, &fr.OccurredAt, &retryable); err != nil {
			return nil, fmt.Errorf("store: scan failure: %w", err)
		}
		fr.Stage = catalog.Stage(stageStr)
		fr.Code = catalog.ErrorCode(codeStr)
		fr.Retryable = retryable != 0
		it.FailureHistory = append(it.FailureHistory, fr)
	}

	return &it, nil
}

func (s *SQLiteStore) SaveStage(ctx context.Context, barcode string, stage catalog.Stage, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := marshalOrNil(record)
	if err != nil {
		return fmt.Errorf("store: marshal stage record: %w", err)
	}

	var column string
	switch stage {
	case catalog.StageExtract:
		column = "extraction"
	case catalog.StageSearch:
		column = "search_result"
	case catalog.StageSelect:
		column = "selection"
	case catalog.StageVerify:
		column = "verification"
	case catalog.StageDispose:
		column = "disposition"
	default:
		return fmt.Errorf("store: cannot save stage record for stage %q", stage)
	}

	query := fmt.Sprintf(`UPDATE items SET %s = ?, current_stage = ?, updated_at = ? WHERE barcode = ?`, column)
	res, err := s.db.ExecContext(ctx, query, data, string(stage.Next()), time.Now(), barcode)
	if err != nil {
		return fmt.Errorf("store: save stage %s for %s: %w", stage, barcode, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, stage catalog.Stage, limit int) ([]*catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT barcode FROM items WHERE current_stage = ? ORDER BY barcode`
	args := []any{string(stage)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pending %s: %w", stage, err)
	}
	var barcodes []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan barcode: %w", err)
		}
		barcodes = append(barcodes, b)
	}
	rows.Close()

	items := make([]*catalog.Item, 0, len(barcodes))
	for _, b := range barcodes {
		it, err := s.getItemLocked(ctx, b)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, barcode string, fr catalog.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	retryable := 0
	if fr.Retryable {
		retryable = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (barcode, stage, code, message, attempt, occurred_at, retryable) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		barcode, string(fr.Stage), string(fr.Code), fr.Message, fr.Attempt, fr.OccurredAt, retryable)
	if err != nil {
		return fmt.Errorf("store: record failure for %s: %w", barcode, err)
	}

	if !fr.Retryable {
		if _, err := s.db.ExecContext(ctx, `UPDATE items SET current_stage = ?, updated_at = ? WHERE barcode = ?`,
			string(catalog.StageFailed), time.Now(), barcode); err != nil {
			return fmt.Errorf("store: park failed item %s: %w", barcode, err)
		}
	}
	return nil
}

func (s *SQLiteStore) RegisterBatchJob(ctx context.Context, job catalog.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	barcodesJSON, err := json.Marshal(job.Barcodes)
	if err != nil {
		return fmt.Errorf("store: marshal batch job barcodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (job_id, provider, stage, chunk, barcodes, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Provider, string(job.Stage), job.Chunk, string(barcodesJSON), job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: register batch job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) ListOpenBatchJobs(ctx context.Context, provider string) ([]catalog.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, provider, stage, chunk, barcodes, status, created_at, closed_at FROM batch_jobs
		 WHERE provider = ? AND status NOT IN ('completed', 'failed', 'expired') ORDER BY job_id`, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list open batch jobs: %w", err)
	}
	defer rows.Close()

	var out []catalog.BatchJob
	for rows.Next() {
		var job catalog.BatchJob
		var stage, barcodesJSON string
		var closedAt sql.NullTime
		if err := rows.Scan(&job.JobID, &job.Provider, &stage, &job.Chunk, &barcodesJSON, &job.Status, &job.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("store: scan batch job: %w", err)
		}
		job.Stage = catalog.Stage(stage)
		if closedAt.Valid {
			job.ClosedAt = closedAt.Time
		}
		if err := json.Unmarshal([]byte(barcodesJSON), &job.Barcodes); err != nil {
			return nil, fmt.Errorf("store: unmarshal batch job barcodes: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *SQLiteStore) CloseBatchJob(ctx context.Context, jobID string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE batch_jobs SET status = ?, closed_at = ? WHERE job_id = ?`,
		status, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("store: close batch job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
