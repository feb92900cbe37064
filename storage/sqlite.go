package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite database connections.
// Separate read and write pools leverage WAL mode's concurrent read capability:
// WAL allows unlimited concurrent readers alongside a single writer.
type SQLite struct {
	WriteDB *sql.DB // Write-only pool (MaxOpenConns=1 for WAL single writer)
	ReadDB  *sql.DB // Read-only pool for concurrent SELECTs
	Path    string
	Logger  *zap.SugaredLogger
}

// validateDatabasePath rejects paths that could escape the data directory.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path is empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("database path must not contain '..'")
	}
	if strings.ContainsRune(dbPath, 0) {
		return fmt.Errorf("database path contains null byte")
	}
	return nil
}

// configureSQLiteConnection sets up WAL mode, foreign keys, and busy timeout
// for a connection pool. SQLite disables foreign keys by default so they must
// be enabled explicitly and verified.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	_, err := db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys=ON")
	if err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var fkEnabled int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	if err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases use "memory" journal mode, not "wal".
	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Infof("SQLite %s pool: journal mode %s", poolType, journalMode)

	return nil
}

// NewSQLite opens the database with separate read and write pools and
// creates tables on first run.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	// For in-memory databases, shared cache mode makes both pools see the
	// same database. Without it each sql.Open(":memory:") is a separate
	// empty database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}

	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL mode requires exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}

	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	// Enforce read-only access at the SQLite level for the read pool.
	_, err = readDB.Exec("PRAGMA query_only=ON")
	if err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}

	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	sqlite := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := sqlite.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s with separate read/write pools", dbPath)

	return sqlite, nil
}

// WithTransaction executes fn within a transaction, rolling back on error
// or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// createTables creates all necessary tables.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		active INTEGER NOT NULL DEFAULT 1,
		totp_secret TEXT,
		mfa_enabled INTEGER NOT NULL DEFAULT 0,
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until TEXT,
		password_changed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

	CREATE TABLE IF NOT EXISTS frameworks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(name, version)
	);

	CREATE TABLE IF NOT EXISTS controls (
		id TEXT PRIMARY KEY,
		framework_id TEXT NOT NULL REFERENCES frameworks(id) ON DELETE CASCADE,
		code TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_started',
		owner TEXT,
		due_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(framework_id, code)
	);
	CREATE INDEX IF NOT EXISTS idx_controls_framework ON controls(framework_id);
	CREATE INDEX IF NOT EXISTS idx_controls_status ON controls(status);
	CREATE INDEX IF NOT EXISTS idx_controls_severity ON controls(severity);
	CREATE INDEX IF NOT EXISTS idx_controls_due_at ON controls(due_at);

	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		control_id TEXT NOT NULL REFERENCES controls(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		file_ref TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		submitted_by TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		reviewed_by TEXT,
		reviewed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_control ON evidence(control_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_status ON evidence(status);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		detail TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at DESC);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.ReadDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.WriteDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
