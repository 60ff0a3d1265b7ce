// Package postgres implements repository.UserRepository on PostgreSQL using
// a pgx connection pool.
//
// Use it when several instances of the service share one database. Schema
// changes are versioned SQL files embedded in the binary and applied with
// golang-migrate on startup.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/repository"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a pgxpool.Pool and implements repository.UserRepository.
type DB struct {
	pool      *pgxpool.Pool
	cfg       repository.PoolConfig
	passwords repository.PasswordVerifier
}

// New connects to the database at dsn, applies migrations and returns a
// ready store.
//
// POOL MAPPING:
//
//	MinConns        = Size
//	MaxConns        = Size + MaxOverflow
//	MaxConnLifetime = RecycleAge
//
// AcquireTimeout bounds every Acquire, see acquire().
func New(ctx context.Context, dsn string, pool repository.PoolConfig, passwords repository.PasswordVerifier) (*DB, error) {
	if pool.Size <= 0 {
		pool = repository.DefaultPoolConfig()
	}

	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing DSN: %w", err)
	}
	cfg.MinConns = int32(pool.Size)
	cfg.MaxConns = int32(pool.Size + pool.MaxOverflow)
	cfg.MaxConnLifetime = pool.RecycleAge

	connectCtx, cancel := context.WithTimeout(ctx, pool.AcquireTimeout)
	defer cancel()

	p, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := p.Ping(connectCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres: pinging database: %w", err)
	}

	return &DB{pool: p, cfg: pool, passwords: passwords}, nil
}

// Migrate applies every pending up-migration. ErrNoChange is success.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("postgres: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the
// golang-migrate pgx driver is registered under.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Close closes every connection in the pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return apperror.StoreFailure("pinging database", err)
	}
	return nil
}

// acquire checks a connection out of the pool, waiting at most
// AcquireTimeout. The caller must Release it.
func (db *DB) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, db.cfg.AcquireTimeout)
	defer cancel()

	conn, err := db.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperror.StoreFailure("pool exhausted", err)
		}
		return nil, apperror.StoreFailure("acquiring connection", err)
	}
	return conn, nil
}

func (db *DB) withConn(ctx context.Context, op string, fn func(conn *pgxpool.Conn) error) error {
	conn, err := db.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return asStoreError(op, fn(conn))
}

// withTx runs fn in one transaction; any error from fn rolls it back.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return db.withConn(ctx, op, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
