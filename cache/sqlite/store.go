// Package sqlite persists canvas document snapshots locally so a client can
// reopen a board offline. It keeps one row per document and evicts the least
// recently updated documents when the quota is exceeded.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	syncerrors "github.com/collabcanvas/go-canvas-sync/errors"
	"github.com/collabcanvas/go-canvas-sync/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opPersist = "sqlite.Persist"
	opLoad    = "sqlite.Load"
	opDelete  = "sqlite.Delete"
	opLen     = "sqlite.Len"
)

var ErrStoreClosed = errors.New("document cache is closed")

// Config holds configuration options for the document cache.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:canvas.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to
	// DataSourceName.
	EnableWAL bool

	// MaxDocuments caps how many document snapshots are retained. When a
	// persist pushes the count over the cap, the least recently updated
	// documents are evicted.
	MaxDocuments int

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 100
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with WAL enabled and standard pool limits.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite-backed document cache.
type Store struct {
	db      *sql.DB
	mu      stdSync.RWMutex
	closed  bool
	maxDocs int
	logger  *logging.Logger
}

// New opens the cache database and prepares its schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger.WithComponent(logging.ComponentCache)
	logger.Info("opening document cache",
		"data_source", config.DataSourceName,
		"wal_enabled", config.EnableWAL,
		"max_documents", config.MaxDocuments,
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:      db,
		maxDocs: config.MaxDocuments,
		logger:  logger,
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup cache schema: %w", err)
	}
	return store, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS documents (
        doc_id      TEXT PRIMARY KEY,
        state       BLOB NOT NULL,
        updated_at  INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents (updated_at);
    `
	_, err := s.db.Exec(query)
	return err
}

// Persist upserts a document snapshot and enforces the retention quota.
func (s *Store) Persist(ctx context.Context, docID string, state []byte) error {
	if docID == "" {
		return syncerrors.NewValidationError(syncerrors.OpPersist,
			fmt.Errorf("document ID cannot be empty"))
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerrors.NewStorageError(opPersist, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO documents (doc_id, state, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(doc_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		docID, state, time.Now().UnixNano())
	if err != nil {
		return syncerrors.NewStorageError(opPersist, err)
	}

	// Quota: drop the least recently updated documents beyond the cap.
	res, err := tx.ExecContext(ctx, `
        DELETE FROM documents WHERE doc_id IN (
            SELECT doc_id FROM documents
            ORDER BY updated_at DESC
            LIMIT -1 OFFSET ?
        )`, s.maxDocs)
	if err != nil {
		return syncerrors.NewStorageError(opPersist, err)
	}
	if evicted, _ := res.RowsAffected(); evicted > 0 {
		s.logger.Info("evicted cached documents over quota", "evicted", evicted)
	}

	if err = tx.Commit(); err != nil {
		return syncerrors.NewStorageError(opPersist, err)
	}
	return nil
}

// Load retrieves a document snapshot. A missing document is not an error;
// found reports whether the row existed.
func (s *Store) Load(ctx context.Context, docID string) (state []byte, found bool, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT state FROM documents WHERE doc_id = ?`, docID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, syncerrors.NewStorageError(opLoad, err)
	}

	// Touch on read so active documents stay ahead of the quota.
	_, err = s.db.ExecContext(ctx,
		`UPDATE documents SET updated_at = ? WHERE doc_id = ?`,
		time.Now().UnixNano(), docID)
	if err != nil {
		s.logger.Warn("failed to refresh document access time",
			"doc_id", docID, "error", err.Error())
	}
	return state, true, nil
}

// Delete removes a document snapshot if present.
func (s *Store) Delete(ctx context.Context, docID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE doc_id = ?`, docID)
	if err != nil {
		return syncerrors.NewStorageError(opDelete, err)
	}
	return nil
}

// Len reports how many document snapshots are cached.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`)
	if err := row.Scan(&n); err != nil {
		return 0, syncerrors.NewStorageError(opLen, err)
	}
	return n, nil
}

// Close releases the database handle. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}
