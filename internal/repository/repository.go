// Package repository declares the storage contract for user accounts.
//
// Two implementations live in sub-packages: sqlite (embedded, the default)
// and postgres (pgxpool). The service layer only ever sees UserRepository.
package repository

import (
	"context"
	"time"

	"github.com/sakif/user-accounts/internal/model"
)

// CreateResult is the outcome of Create: either a freshly inserted row or
// the row that already owned the email. Existing is not an error.
type CreateResult struct {
	User     *model.User
	Existing bool
}

// UserUpdate carries the columns Update writes. Every field is written, so
// callers merge a patch onto the current row before calling Update.
type UserUpdate struct {
	Username     string
	FirstName    string
	LastName     string
	PasswordHash *string
}

// FederatedProfile is what an identity provider tells us about a user.
type FederatedProfile struct {
	Email     string
	FirstName string
	LastName  string
	Token     string
}

// PoolConfig bounds connection use. Size connections are kept warm, up to
// MaxOverflow more may be opened under load, a caller waits at most
// AcquireTimeout for one, and none lives longer than RecycleAge.
type PoolConfig struct {
	Size           int
	MaxOverflow    int
	AcquireTimeout time.Duration
	RecycleAge     time.Duration
}

// DefaultPoolConfig returns the pool bounds used when none are configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           5,
		MaxOverflow:    2,
		AcquireTimeout: 30 * time.Second,
		RecycleAge:     30 * time.Minute,
	}
}

// UserRepository is implemented by every store.
//
// Lookups return an error wrapping apperror.ErrNotFound when no row
// matches. Persistence failures wrap apperror.ErrStore.
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	// FindByCredentials does not say whether the email or the password was wrong.
	FindByCredentials(ctx context.Context, email, password string) (*model.User, error)
	Create(ctx context.Context, user *model.User) (CreateResult, error)
	Update(ctx context.Context, id int64, upd UserUpdate) (bool, error)
	Delete(ctx context.Context, id int64) (bool, error)
	UpsertFederated(ctx context.Context, profile FederatedProfile) (*model.User, error)
	Ping(ctx context.Context) error
	Close() error
}

// PasswordVerifier is the part of auth.PasswordService the stores need for
// FindByCredentials.
type PasswordVerifier interface {
	Verify(hash, plaintext string) bool
	VerifyMissing(plaintext string)
}
