// Package service holds the account business logic.
//
// AuthService sits between the HTTP handlers and the store/auth utilities:
//
//	UserHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT), PasswordService (bcrypt)
//
// KEY RESPONSIBILITIES:
//   - Validate input and normalise emails before they reach the store
//   - Hash passwords; never hand plaintext to the repository
//   - Issue an access token for every successful register/login
//   - Return apperror kinds, never HTTP status codes
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

// UpdatableFields are the only keys UpdateProfile accepts.
var UpdatableFields = map[string]bool{
	"username":   true,
	"first_name": true,
	"last_name":  true,
	"password":   true,
}

// AuthService handles registration, login and profile management.
type AuthService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewAuthService creates an AuthService with all required dependencies.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		validate:  newValidator(),
		logger:    logger,
	}
}

// RegisterInput is the body of a registration request.
// Password may be empty; it is hashed like any other value.
type RegisterInput struct {
	Username  string `json:"username" validate:"required"`
	Email     string `json:"email" validate:"required"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Password  string `json:"password"`
}

// LoginInput is the body of a login request.
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResult bundles the account and the token issued for it.
// Created is false when Register found the email already taken.
type AuthResult struct {
	User    *model.User
	Token   string
	Created bool
}

// NormalizeEmail is how emails are compared and stored.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a local account and issues a token for it.
//
// IDEMPOTENT REGISTRATION:
// Registering an email that already exists is not an error. Nothing is
// written, and the token is issued for the existing account. Created tells
// the two cases apart.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)

	if err := s.validate.Struct(in); err != nil {
		return nil, &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: "missing fields",
			Field:   firstInvalidField(err),
		}
	}
	if len(in.Password) > auth.MaxPasswordBytes {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordBytes))
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	res, err := s.users.Create(ctx, &model.User{
		Username:     in.Username,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: &hash,
		AuthType:     model.AuthLocal,
	})
	if err != nil {
		s.logger.Error("failed to create user", slog.String("error", err.Error()))
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}

	token, err := s.tokens.Issue(res.User.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", res.User.ID, err)
	}

	if res.Existing {
		s.logger.Info("registration for existing email", slog.Int64("userID", res.User.ID))
	} else {
		s.logger.Info("user registered", slog.Int64("userID", res.User.ID))
	}

	return &AuthResult{User: res.User, Token: token, Created: !res.Existing}, nil
}

// Login checks email and password and issues a token.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	in.Email = NormalizeEmail(in.Email)

	if err := s.validate.Struct(in); err != nil {
		return nil, &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: "invalid fields",
			Field:   firstInvalidField(err),
		}
	}

	user, err := s.users.FindByCredentials(ctx, in.Email, in.Password)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated("invalid credentials")
		}
		return nil, fmt.Errorf("service/auth: checking credentials: %w", err)
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", user.ID, err)
	}

	s.logger.Info("user logged in", slog.Int64("userID", user.ID))
	return &AuthResult{User: user, Token: token}, nil
}

// SSOLogin finds or creates the account for a Google profile.
//
// An email that already belongs to a local account logs into that account.
// Every failure, including a store failure, is reported as
// "authentication failed"; the cause is logged.
func (s *AuthService) SSOLogin(ctx context.Context, profile *auth.GoogleProfile) (*AuthResult, error) {
	if profile == nil || NormalizeEmail(profile.Email) == "" {
		return nil, apperror.Unauthenticated("authentication failed")
	}

	user, err := s.users.UpsertFederated(ctx, repository.FederatedProfile{
		Email:     NormalizeEmail(profile.Email),
		FirstName: profile.GivenName,
		LastName:  profile.FamilyName,
		Token:     profile.AccessToken,
	})
	if err != nil {
		s.logger.Error("federated login failed", slog.String("error", err.Error()))
		return nil, apperror.Unauthenticated("authentication failed")
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: issuing token for user %d: %w", user.ID, err)
	}

	s.logger.Info("user authenticated via Google",
		slog.Int64("userID", user.ID),
		slog.String("authType", string(user.AuthType)),
	)
	return &AuthResult{User: user, Token: token}, nil
}

// GetProfile returns the account with the given id.
func (s *AuthService) GetProfile(ctx context.Context, id int64) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %d: %w", id, err)
	}
	return user, nil
}

// UpdateProfile applies a partial update.
//
// The patch is checked against UpdatableFields before anything is read, so a
// request naming e.g. "email" or "auth_type" changes nothing. Password values
// are hashed; the rest are copied onto the current row, which must still
// have its required names, and the whole row is written back.
func (s *AuthService) UpdateProfile(ctx context.Context, id int64, patch map[string]any) (*model.User, error) {
	for key := range patch {
		if !UpdatableFields[key] {
			return nil, apperror.ValidationFailed(key, "invalid field")
		}
	}

	values := make(map[string]string, len(patch))
	for key, raw := range patch {
		v, ok := raw.(string)
		if !ok {
			return nil, apperror.ValidationFailed(key, "invalid value")
		}
		values[key] = v
	}

	var newHash *string
	if pw, ok := values["password"]; ok {
		if len(pw) > auth.MaxPasswordBytes {
			return nil, apperror.ValidationFailed("password",
				fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordBytes))
		}
		h, err := s.passwords.Hash(pw)
		if err != nil {
			return nil, fmt.Errorf("service/auth: hashing password: %w", err)
		}
		newHash = &h
	}

	current, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %d: %w", id, err)
	}

	updated := *current
	if v, ok := values["username"]; ok {
		updated.Username = strings.TrimSpace(v)
	}
	if v, ok := values["first_name"]; ok {
		updated.FirstName = strings.TrimSpace(v)
	}
	if v, ok := values["last_name"]; ok {
		updated.LastName = strings.TrimSpace(v)
	}
	if newHash != nil {
		updated.PasswordHash = newHash
	}
	if field := blankRequiredField(&updated); field != "" {
		return nil, apperror.ValidationFailed(field, "missing fields")
	}

	ok, err := s.users.Update(ctx, id, repository.UserUpdate{
		Username:     updated.Username,
		FirstName:    updated.FirstName,
		LastName:     updated.LastName,
		PasswordHash: updated.PasswordHash,
	})
	if err != nil {
		s.logger.Error("failed to update user", slog.Int64("userID", id), slog.String("error", err.Error()))
		return nil, fmt.Errorf("service/auth: updating user %d: %w", id, err)
	}
	if !ok {
		return nil, apperror.NotFound("user", fmt.Sprint(id))
	}

	s.logger.Info("user updated", slog.Int64("userID", id), slog.Int("fields", len(values)))
	return &updated, nil
}

// DeleteAccount removes the account and returns a confirmation message
// naming it.
func (s *AuthService) DeleteAccount(ctx context.Context, id int64) (string, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("service/auth: fetching user %d: %w", id, err)
	}

	ok, err := s.users.Delete(ctx, id)
	if err != nil {
		s.logger.Error("failed to delete user", slog.Int64("userID", id), slog.String("error", err.Error()))
		return "", fmt.Errorf("service/auth: deleting user %d: %w", id, err)
	}
	if !ok {
		return "", apperror.NotFound("user", fmt.Sprint(id))
	}

	s.logger.Info("user deleted", slog.Int64("userID", id))
	return fmt.Sprintf("Account for %s with email %s deleted successfully", user.Username, user.Email), nil
}

// blankRequiredField names the first required column left empty. Every
// account needs a username; local accounts also need both names, while
// SSO accounts may have come from a profile without them.
func blankRequiredField(u *model.User) string {
	switch {
	case u.Username == "":
		return "username"
	case u.AuthType != model.AuthLocal:
		return ""
	case u.FirstName == "":
		return "first_name"
	case u.LastName == "":
		return "last_name"
	}
	return ""
}

// firstInvalidField names the JSON field of the first failed rule.
func firstInvalidField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}

// newValidator reports fields by their JSON names, so "first_name" rather
// than "FirstName" reaches the client.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
