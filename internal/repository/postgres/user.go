package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, username, email, first_name, last_name, password_hash,
	auth_type, federated_token, created_at, updated_at`

var errEmailTaken = errors.New("email already taken")

// querier is satisfied by *pgxpool.Conn and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanUser(row pgx.Row) (*model.User, error) {
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

func findByEmail(ctx context.Context, q querier, email string) (*model.User, error) {
	u, err := scanUser(q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &apperror.AppError{Err: apperror.ErrNotFound, Message: "user not found"}
		}
		return nil, fmt.Errorf("postgres: getting user by email: %w", err)
	}
	return u, nil
}

func (db *DB) FindByID(ctx context.Context, id int64) (*model.User, error) {
	var user *model.User

	err := db.withConn(ctx, "getting user", func(conn *pgxpool.Conn) error {
		u, err := scanUser(conn.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperror.NotFound("user", strconv.FormatInt(id, 10))
			}
			return fmt.Errorf("postgres: getting user %d: %w", id, err)
		}
		user = u
		return nil
	})
	return user, err
}

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user *model.User

	err := db.withConn(ctx, "getting user", func(conn *pgxpool.Conn) error {
		u, err := findByEmail(ctx, conn, email)
		user = u
		return err
	})
	return user, err
}

// FindByCredentials behaves like the sqlite store: unknown email, SSO-only
// account and wrong password are indistinguishable to the caller.
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
		db.passwords.VerifyMissing(password)
		return nil, invalid
	}
	if !db.passwords.Verify(*u.PasswordHash, password) {
		return nil, invalid
	}
	return u, nil
}

// Create inserts user unless the email is taken, in which case the owning
// row comes back with Existing set. Under READ COMMITTED two racing inserts
// can both pass the lookup; the loser gets 23505 and re-reads the winner.
func (db *DB) Create(ctx context.Context, user *model.User) (repository.CreateResult, error) {
	var result repository.CreateResult

	if user.AuthType == "" {
		user.AuthType = model.AuthLocal
	}

	err := db.withTx(ctx, "creating user", func(tx pgx.Tx) error {
		existing, err := findByEmail(ctx, tx, user.Email)
		if err == nil {
			result = repository.CreateResult{User: existing, Existing: true}
			return nil
		}
		if !errors.Is(err, apperror.ErrNotFound) {
			return err
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO users (username, email, first_name, last_name, password_hash,
			                    auth_type, federated_token)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at, updated_at`,
			user.Username,
			user.Email,
			user.FirstName,
			user.LastName,
			user.PasswordHash,
			string(user.AuthType),
			user.FederatedToken,
		).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errEmailTaken
			}
			return fmt.Errorf("postgres: inserting user: %w", err)
		}

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

func (db *DB) Update(ctx context.Context, id int64, upd repository.UserUpdate) (bool, error) {
	var updated bool

	err := db.withTx(ctx, "updating user", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users
			    SET username = $1, first_name = $2, last_name = $3, password_hash = $4, updated_at = now()
			  WHERE id = $5`,
			upd.Username, upd.FirstName, upd.LastName, upd.PasswordHash, id,
		)
		if err != nil {
			return fmt.Errorf("postgres: updating user %d: %w", id, err)
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

func (db *DB) Delete(ctx context.Context, id int64) (bool, error) {
	var deleted bool

	err := db.withTx(ctx, "deleting user", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("postgres: deleting user %d: %w", id, err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// UpsertFederated returns the account owning profile.Email, creating an SSO
// account on first login. Existing accounts are returned unchanged.
func (db *DB) UpsertFederated(ctx context.Context, profile repository.FederatedProfile) (*model.User, error) {
	var user *model.User

	err := db.withTx(ctx, "upserting federated user", func(tx pgx.Tx) error {
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

		u, err := scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (username, email, first_name, last_name, password_hash,
			                    auth_type, federated_token)
			 VALUES ($1, $1, $2, $3, NULL, $4, $5)
			 RETURNING `+userColumns,
			profile.Email, profile.FirstName, profile.LastName, string(model.AuthSSO), token,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return errEmailTaken
			}
			return fmt.Errorf("postgres: inserting federated user: %w", err)
		}
		user = u
		return nil
	})

	if errors.Is(err, errEmailTaken) {
		return db.FindByEmail(ctx, profile.Email)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
