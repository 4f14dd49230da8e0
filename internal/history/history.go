package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"render-export/internal/export"
	"render-export/internal/logging"
	"render-export/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// ErrNotFound is returned by Get for unknown export IDs.
var ErrNotFound = errors.New("export not found in history")

// Store is the SQLite ledger of finished exports. It implements
// export.Recorder.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open opens or creates the history database at dbPath. The parent
// directory is created if needed.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	logging.Info("History database path: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// busy_timeout helps prevent "database is locked" errors when the CLI
	// and the service share a file.
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close history database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close history database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exports (
		id TEXT PRIMARY KEY,
		composition_id TEXT NOT NULL,
		state TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		total_frames INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		worker_count INTEGER NOT NULL DEFAULT 0,
		concurrency INTEGER NOT NULL DEFAULT 0,
		output_path TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exports_finished_at ON exports(finished_at);
	CREATE INDEX IF NOT EXISTS idx_exports_state ON exports(state);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Record stores a finished export. Recording the same ID again replaces
// the earlier row.
func (s *Store) Record(ctx context.Context, sum export.Summary) (err error) {
	start := time.Now()
	defer func() { recordQuery("record", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO exports (id, composition_id, state, mode, total_frames, chunk_count, worker_count,
		concurrency, output_path, file_size, error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		composition_id = excluded.composition_id,
		state = excluded.state,
		mode = excluded.mode,
		total_frames = excluded.total_frames,
		chunk_count = excluded.chunk_count,
		worker_count = excluded.worker_count,
		concurrency = excluded.concurrency,
		output_path = excluded.output_path,
		file_size = excluded.file_size,
		error = excluded.error,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at
	`,
		sum.ID,
		sum.CompositionID,
		string(sum.State),
		sum.Mode,
		sum.TotalFrames,
		sum.ChunkCount,
		sum.WorkerCount,
		sum.Concurrency,
		sum.OutputPath,
		sum.FileSize,
		sum.Error,
		sum.StartedAt.UnixMilli(),
		sum.FinishedAt.UnixMilli(),
	)
	return err
}

const selectColumns = `id, composition_id, state, mode, total_frames, chunk_count, worker_count,
	concurrency, output_path, file_size, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (export.Summary, error) {
	var (
		sum               export.Summary
		state             string
		started, finished int64
	)
	err := row.Scan(
		&sum.ID, &sum.CompositionID, &state, &sum.Mode, &sum.TotalFrames, &sum.ChunkCount,
		&sum.WorkerCount, &sum.Concurrency, &sum.OutputPath, &sum.FileSize, &sum.Error,
		&started, &finished,
	)
	if err != nil {
		return export.Summary{}, err
	}
	sum.State = export.State(state)
	sum.StartedAt = time.UnixMilli(started)
	sum.FinishedAt = time.UnixMilli(finished)
	return sum, nil
}

// Get returns one recorded export.
func (s *Store) Get(ctx context.Context, id string) (sum export.Summary, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrNotFound) {
			recordQuery("get", start, nil)
			return
		}
		recordQuery("get", start, err)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM exports WHERE id = ?", id)
	sum, err = scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return export.Summary{}, ErrNotFound
	}
	return sum, err
}

// List returns up to limit exports, most recently finished first. A
// non-positive limit returns 50.
func (s *Store) List(ctx context.Context, limit int) (out []export.Summary, err error) {
	start := time.Now()
	defer func() { recordQuery("list", start, err) }()

	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM exports ORDER BY finished_at DESC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn("failed to close history rows: %v", closeErr)
		}
	}()

	out = make([]export.Summary, 0, limit)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes exports that finished before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery("prune", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, "DELETE FROM exports WHERE finished_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateMetrics updates the connection gauge.
func (s *Store) UpdateMetrics() {
	metrics.HistoryConnectionsOpen.Set(float64(s.db.Stats().OpenConnections))
}

// recordQuery records history query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.HistoryQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.HistoryQueryDuration.WithLabelValues(operation).Observe(duration)
}
