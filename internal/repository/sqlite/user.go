package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, first_name, last_name, password_hash,
	auth_type, federated_token, created_at, updated_at`

// errEmailTaken signals, from inside a transaction, that the insert lost a
// race on the email unique constraint.
var errEmailTaken = errors.New("email already taken")

// queryer is satisfied by both *sql.Conn and *sql.Tx, so lookups can run
// either on their own or inside a write transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanUser reads one users row in userColumns order.
//
// PasswordHash and FederatedToken are *string: database/sql sets them to nil
// for NULL and allocates otherwise.
func scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var authType string

	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&u.PasswordHash,
		&authType,
		&u.FederatedToken,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.AuthType = model.AuthType(authType)
	return &u, nil
}

func findByEmail(ctx context.Context, q queryer, email string) (*model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &apperror.AppError{Err: apperror.ErrNotFound, Message: "user not found"}
		}
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

// FindByID retrieves a user by ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) FindByID(ctx context.Context, id int64) (*model.User, error) {
	var user *model.User

	err := db.withConn(ctx, "getting user", func(conn *sql.Conn) error {
		u, err := scanUser(conn.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperror.NotFound("user", strconv.FormatInt(id, 10))
			}
			return fmt.Errorf("sqlite: getting user %d: %w", id, err)
		}
		user = u
		return nil
	})
	return user, err
}

// FindByEmail retrieves a user by email.
// Returns apperror.ErrNotFound if no user has that email.
func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user *model.User

	err := db.withConn(ctx, "getting user", func(conn *sql.Conn) error {
		u, err := findByEmail(ctx, conn, email)
		user = u
		return err
	})
	return user, err
}

// FindByCredentials looks the user up by email and checks the password.
//
// A missing user and a wrong password return the same ErrNotFound error.
// For a missing user the hasher still does one bcrypt comparison, so the
// two cases take about as long as each other.
func (db *DB) FindByCredentials(ctx context.Context, email, password string) (*model.User, error) {
	invalid := &apperror.AppError{Err: apperror.ErrNotFound, Message: "invalid credentials"}

	u, err := db.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			db.passwords.VerifyMissing(password)
			return nil, invalid
		}
		return nil, err
	}

	if u.PasswordHash == nil {
		// SSO-only account: nothing to compare against.
		db.passwords.VerifyMissing(password)
		return nil, invalid
	}
	if !db.passwords.Verify(*u.PasswordHash, password) {
		return nil, invalid
	}

	return u, nil
}

// Create inserts user unless its email is already registered.
//
// IDEMPOTENT CREATE:
// If a row with the same email exists, that row comes back with
// Existing = true and nothing is written. The same happens if the insert
// loses a race and trips the UNIQUE(email) constraint: the winner is re-read.
//
// On success user.ID, CreatedAt and UpdatedAt are filled in place.
func (db *DB) Create(ctx context.Context, user *model.User) (repository.CreateResult, error) {
	var result repository.CreateResult

	if user.AuthType == "" {
		user.AuthType = model.AuthLocal
	}

	err := db.withTx(ctx, "creating user", func(tx *sql.Tx) error {
		existing, err := findByEmail(ctx, tx, user.Email)
		if err == nil {
			result = repository.CreateResult{User: existing, Existing: true}
			return nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (username, email, first_name, last_name, password_hash,
			                    auth_type, federated_token, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			user.Username,
			user.Email,
			user.FirstName,
			user.LastName,
			user.PasswordHash,
			string(user.AuthType),
			user.FederatedToken,
			now,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errEmailTaken
			}
			return fmt.Errorf("sqlite: inserting user: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: reading inserted id: %w", err)
		}

		user.ID = id
		user.CreatedAt = now
		user.UpdatedAt = now
		result = repository.CreateResult{User: user}
		return nil
	})

	if errors.Is(err, errEmailTaken) {
		existing, ferr := db.FindByEmail(ctx, user.Email)
		if ferr != nil {
			return repository.CreateResult{}, ferr
		}
		return repository.CreateResult{User: existing, Existing: true}, nil
	}
	if err != nil {
		return repository.CreateResult{}, err
	}

	return result, nil
}

// Update overwrites the mutable columns of user id.
// Returns false if no row with that id exists (e.g. it was deleted meanwhile).
func (db *DB) Update(ctx context.Context, id int64, upd repository.UserUpdate) (bool, error) {
	var updated bool

	err := db.withTx(ctx, "updating user", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE users
			    SET username = ?, first_name = ?, last_name = ?, password_hash = ?, updated_at = ?
			  WHERE id = ?`,
			upd.Username,
			upd.FirstName,
			upd.LastName,
			upd.PasswordHash,
			time.Now().UTC(),
			id,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating user %d: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: checking rows affected: %w", err)
		}
		updated = n > 0
		return nil
	})
	return updated, err
}

// Delete removes user id. Returns false if there was no such row.
func (db *DB) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool

	err := db.withTx(ctx, "deleting user", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("sqlite: deleting user %d: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: checking rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// UpsertFederated returns the account owning profile.Email, creating an
// SSO account on first login.
//
// An existing account wins as-is: a local account that later signs in with
// Google keeps its auth type and password.
func (db *DB) UpsertFederated(ctx context.Context, profile repository.FederatedProfile) (*model.User, error) {
	var user *model.User

	err := db.withTx(ctx, "upserting federated user", func(tx *sql.Tx) error {
		existing, err := findByEmail(ctx, tx, profile.Email)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		var token *string
		if profile.Token != "" {
			token = &profile.Token
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (username, email, first_name, last_name, password_hash,
			                    auth_type, federated_token, created_at, updated_at)
			 VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
			profile.Email, // SSO accounts use their email as username
			profile.Email,
			profile.FirstName,
			profile.LastName,
			string(model.AuthSSO),
			token,
			now,
			now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errEmailTaken
			}
			return fmt.Errorf("sqlite: inserting federated user: %w", err)
		}

		// Re-read so the caller gets the canonical row, defaults included.
		user, err = findByEmail(ctx, tx, profile.Email)
		return err
	})

	if errors.Is(err, errEmailTaken) {
		return db.FindByEmail(ctx, profile.Email)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
