// Package model defines the data structures used throughout the application.
package model

import "time"

// AuthType records how an account authenticates.
type AuthType string

const (
	// AuthLocal accounts log in with email + password and always carry a hash.
	AuthLocal AuthType = "local"
	// AuthSSO accounts were created by a Google login and may have no password.
	AuthSSO AuthType = "sso"
)

// User represents a stored account row.
//
// WHY *string FOR PasswordHash AND FederatedToken?
// Both columns are nullable: an SSO-only account has no password, and a local
// account has no provider token. A nil pointer maps directly to SQL NULL,
// which keeps "never set" distinct from "set to empty".
//
// Neither field has a json tag that exposes it: the struct is never encoded
// directly. Handlers render PublicUser instead.
type User struct {
	ID             int64     `json:"id"        db:"id"`
	Username       string    `json:"username"  db:"username"`
	Email          string    `json:"email"     db:"email"`
	FirstName      string    `json:"first_name" db:"first_name"`
	LastName       string    `json:"last_name" db:"last_name"`
	PasswordHash   *string   `json:"-"         db:"password_hash"`
	AuthType       AuthType  `json:"auth_type" db:"auth_type"`
	FederatedToken *string   `json:"-"         db:"federated_token"`
	CreatedAt      time.Time `json:"-"         db:"created_at"`
	UpdatedAt      time.Time `json:"-"         db:"updated_at"`
}

// PublicUser is the subset of User that is safe to return to a caller.
type PublicUser struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Email     string   `json:"email"`
	AuthType  AuthType `json:"auth_type"`
}

// Public returns the caller-safe view of u.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		AuthType:  u.AuthType,
	}
}
