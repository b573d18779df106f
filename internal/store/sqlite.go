package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/branchmonkey/bridge/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Dev servers ---

// SaveDevServer upserts a dev-server record keyed by run id. The record is
// persisted immediately after spawn, before health is confirmed, so a node
// crash during startup still leaves a row to reconcile against.
func (s *SQLiteStore) SaveDevServer(ctx context.Context, rec *models.DevServerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dev_servers (run_id, task_id, task_number, port, worktree_path, started_at, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.TaskNumber, rec.Port, rec.WorktreePath, rec.StartedAt.UTC(), rec.PID,
	)
	if err != nil {
		return fmt.Errorf("save dev server: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevServer(ctx context.Context, runID string) (*models.DevServerRecord, error) {
	rec := &models.DevServerRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, task_id, task_number, port, worktree_path, started_at, pid
		FROM dev_servers WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &rec.TaskID, &rec.TaskNumber, &rec.Port, &rec.WorktreePath, &rec.StartedAt, &rec.PID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dev server not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get dev server: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListDevServers(ctx context.Context) ([]*models.DevServerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, task_number, port, worktree_path, started_at, pid
		FROM dev_servers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list dev servers: %w", err)
	}
	defer rows.Close()

	var records []*models.DevServerRecord
	for rows.Next() {
		rec := &models.DevServerRecord{}
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.TaskNumber, &rec.Port, &rec.WorktreePath, &rec.StartedAt, &rec.PID); err != nil {
			return nil, fmt.Errorf("scan dev server: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeleteDevServer(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM dev_servers WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("delete dev server: %w", err)
	}
	return nil
}
