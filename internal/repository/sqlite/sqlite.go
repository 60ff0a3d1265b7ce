// Package sqlite implements repository.UserRepository on SQLite.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the Go binary and keeps
// everything in one file. No separate server to run, which makes it the default for local
// development, single-node deployments and tests. Production deployments
// that share one database between several instances use the postgres
// package instead.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of SQLite: no CGo, no C
// compiler, cross-compilation just works.
//
// Every operation checks one sql.Conn out of the sql.DB pool (bounded by
// AcquireTimeout), runs on it, and hands it back.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/repository"
)

// DB wraps a sql.DB connection pool and implements repository.UserRepository.
type DB struct {
	conn      *sql.DB
	pool      repository.PoolConfig
	passwords repository.PasswordVerifier
}

// New opens (creating if needed) the SQLite database at dbPath, applies the
// pool bounds and runs migrations.
//
// dbPath examples:
//   - "data/accounts.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database, pinned to one connection
//
// CONNECTION POOL MAPPING:
// database/sql has no "overflow" knob, but the two limits it does have
// express the same thing:
//
//	SetMaxIdleConns(Size)              → connections kept warm
//	SetMaxOpenConns(Size+MaxOverflow)  → hard ceiling under load
//	SetConnMaxLifetime(RecycleAge)     → recycle old connections
//
// AcquireTimeout is applied per call in acquire().
func New(dbPath string, pool repository.PoolConfig, passwords repository.PasswordVerifier) (*DB, error) {
	if pool.Size <= 0 {
		pool = repository.DefaultPoolConfig()
	}

	memory := dbPath == ":memory:"

	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if memory {
		// Every new connection to ":memory:" is a brand-new empty database,
		// so the pool must never hold more than one.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(pool.Size + pool.MaxOverflow)
		conn.SetMaxIdleConns(pool.Size)
		conn.SetConnMaxLifetime(pool.RecycleAge)
	}

	// Ping forces a real connection now, so a bad path or permissions issue
	// surfaces at startup rather than on the first request.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL (Write-Ahead Logging) lets readers proceed while a write is in
	// progress. It is a property of the database file, so one Exec is enough.
	if !memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
		}
	}

	db := &DB{conn: conn, pool: pool, passwords: passwords}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn builds the driver connection string.
//
// Per-connection PRAGMAs go in the DSN so every pooled connection gets them,
// not just the first one:
//   - busy_timeout: wait for a competing writer instead of failing with SQLITE_BUSY
//   - foreign_keys: off by default in SQLite
//
// _txlock=immediate makes BEGIN take the write lock up front, so the
// check-email-then-insert sequence in Create cannot interleave with another
// writer.
func dsn(dbPath string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")

	// A "file:" URI is passed through untouched: the caller owns its parameters.
	if strings.HasPrefix(dbPath, "file:") {
		return dbPath
	}
	return dbPath + "?" + params.Encode()
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable. Used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return apperror.StoreFailure("pinging database", err)
	}
	return nil
}

// migrate creates the schema.
//
// CREATE TABLE IF NOT EXISTS is idempotent, so this runs on every start.
//
// The UNIQUE constraint on email is what actually prevents duplicate
// accounts when two registrations race; the application-level email check
// in Create only decides which branch is taken.
//
// AUTOINCREMENT stops SQLite reusing the id of a deleted row, so an old token
// can never start resolving to a different account.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			username        TEXT NOT NULL,
			email           TEXT NOT NULL UNIQUE,
			first_name      TEXT NOT NULL DEFAULT '',
			last_name       TEXT NOT NULL DEFAULT '',
			password_hash   TEXT,
			auth_type       TEXT NOT NULL DEFAULT 'local' CHECK (auth_type IN ('local', 'sso')),
			federated_token TEXT,
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (auth_type <> 'local' OR password_hash IS NOT NULL)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	return nil
}

// acquire checks a connection out of the pool, waiting at most
// AcquireTimeout. The caller must Close the returned conn.
func (db *DB) acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, db.pool.AcquireTimeout)
	defer cancel()

	conn, err := db.conn.Conn(acquireCtx)
	if err != nil {
		// Only our own deadline means "pool exhausted"; a cancelled request
		// context is reported as it is.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperror.StoreFailure("pool exhausted", err)
		}
		return nil, apperror.StoreFailure("acquiring connection", err)
	}
	return conn, nil
}

// withConn runs fn on a pooled connection and always returns it to the pool.
func (db *DB) withConn(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	conn, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return asStoreError(op, fn(conn))
}

// withTx runs fn inside one transaction on a pooled connection.
// Any error from fn rolls the transaction back.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return db.withConn(ctx, op, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// asStoreError leaves typed application errors alone and wraps anything
// else as a store failure for op.
func asStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.StoreFailure(op, err)
}

// isUniqueViolation reports whether err is SQLite rejecting a duplicate key.
func isUniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
