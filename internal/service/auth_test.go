package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/repository"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository. A fake (not a mock
// framework) keeps the tests readable: you can see exactly what it does.
type fakeUserRepo struct {
	mu        sync.Mutex
	users     map[int64]*model.User
	nextID    int64
	passwords repository.PasswordVerifier

	// set to a non-nil error to simulate a database failure
	storeErr error
	// updateMisses makes Update report no matching row
	updateMisses bool
	updateCalls  int
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:     make(map[int64]*model.User),
		nextID:    1,
		passwords: auth.NewPasswordServiceForTest(),
	}
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func (f *fakeUserRepo) byEmail(email string) *model.User {
	for _, u := range f.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (f *fakeUserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", "x")
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.byEmail(email); u != nil {
		cp := *u
		return &cp, nil
	}
	return nil, apperror.NotFound("user", email)
}

func (f *fakeUserRepo) FindByCredentials(ctx context.Context, email, password string) (*model.User, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	u, err := f.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u.PasswordHash == nil || !f.passwords.Verify(*u.PasswordHash, password) {
		return nil, apperror.NotFound("user", email)
	}
	return u, nil
}

func (f *fakeUserRepo) Create(_ context.Context, user *model.User) (repository.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return repository.CreateResult{}, f.storeErr
	}
	if u := f.byEmail(user.Email); u != nil {
		cp := *u
		return repository.CreateResult{User: &cp, Existing: true}, nil
	}
	user.ID = f.nextID
	f.nextID++
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	f.users[user.ID] = &cp
	return repository.CreateResult{User: user}, nil
}

func (f *fakeUserRepo) Update(_ context.Context, id int64, upd repository.UserUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.storeErr != nil {
		return false, f.storeErr
	}
	u, ok := f.users[id]
	if !ok || f.updateMisses {
		return false, nil
	}
	u.Username = upd.Username
	u.FirstName = upd.FirstName
	u.LastName = upd.LastName
	u.PasswordHash = upd.PasswordHash
	return true, nil
}

func (f *fakeUserRepo) Delete(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return false, f.storeErr
	}
	if _, ok := f.users[id]; !ok {
		return false, nil
	}
	delete(f.users, id)
	return true, nil
}

func (f *fakeUserRepo) UpsertFederated(_ context.Context, p repository.FederatedProfile) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if u := f.byEmail(p.Email); u != nil {
		cp := *u
		return &cp, nil
	}
	token := p.Token
	u := &model.User{
		ID:             f.nextID,
		Username:       p.Email,
		Email:          p.Email,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		AuthType:       model.AuthSSO,
		FederatedToken: &token,
	}
	f.nextID++
	f.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (f *fakeUserRepo) Ping(context.Context) error { return f.storeErr }
func (f *fakeUserRepo) Close() error               { return nil }

// newTestAuthService returns an AuthService wired with fake dependencies.
func newTestAuthService(t *testing.T, repo *fakeUserRepo) *AuthService {
	t.Helper()

	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	// bcrypt minimum cost keeps the suite fast
	ps := auth.NewPasswordServiceForTest()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAuthService(repo, ts, ps, logger)
}

func validRegistration() RegisterInput {
	return RegisterInput{
		Username:  "alice",
		Email:     "a@x.com",
		FirstName: "Alice",
		LastName:  "B",
		Password:  "p1",
	}
}

func mustRegister(t *testing.T, svc *AuthService) *AuthResult {
	t.Helper()
	res, err := svc.Register(context.Background(), validRegistration())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return res
}

func wantKind(t *testing.T, err, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("error = %v, want %v", err, kind)
	}
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_NewUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	res := mustRegister(t, svc)

	if !res.Created {
		t.Error("Created = false for a new email")
	}
	if res.User.ID <= 0 {
		t.Errorf("User.ID = %d, want > 0", res.User.ID)
	}
	if res.User.AuthType != model.AuthLocal {
		t.Errorf("AuthType = %q, want local", res.User.AuthType)
	}

	id, err := svc.tokens.Decode(res.Token)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if id != res.User.ID {
		t.Errorf("token subject = %d, want %d", id, res.User.ID)
	}

	stored := repo.users[res.User.ID]
	if stored.PasswordHash == nil || *stored.PasswordHash == "p1" {
		t.Error("password was not hashed before storing")
	}
}

func TestRegister_ExistingEmailReturnsSameAccount(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	first := mustRegister(t, svc)

	in := validRegistration()
	in.Username = "someone-else"
	in.Password = "different"
	second, err := svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	if second.Created {
		t.Error("Created = true for an existing email")
	}
	if second.User.ID != first.User.ID {
		t.Errorf("second ID = %d, want %d", second.User.ID, first.User.ID)
	}
	if second.Token == "" {
		t.Error("a token is issued for an existing email too")
	}
	if repo.users[first.User.ID].Username != "alice" {
		t.Error("existing account was overwritten")
	}
}

func TestRegister_NormalizesEmail(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	in := validRegistration()
	in.Email = "  A@X.Com "
	res, err := svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if res.User.Email != "a@x.com" {
		t.Errorf("Email = %q, want a@x.com", res.User.Email)
	}

	again := mustRegister(t, svc)
	if again.Created || again.User.ID != res.User.ID {
		t.Error("emails differing only in case should be the same account")
	}
}

func TestRegister_MissingFields(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*RegisterInput)
		wantField string
	}{
		{"no username", func(in *RegisterInput) { in.Username = "" }, "username"},
		{"no email", func(in *RegisterInput) { in.Email = "" }, "email"},
		{"blank email", func(in *RegisterInput) { in.Email = "   " }, "email"},
		{"no first name", func(in *RegisterInput) { in.FirstName = "" }, "first_name"},
		{"no last name", func(in *RegisterInput) { in.LastName = "" }, "last_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeUserRepo()
			svc := newTestAuthService(t, repo)

			in := validRegistration()
			tt.mutate(&in)
			_, err := svc.Register(context.Background(), in)
			wantKind(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("error = %v, want *apperror.AppError", err)
			}
			if appErr.Message != "missing fields" {
				t.Errorf("Message = %q, want missing fields", appErr.Message)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
			if len(repo.users) != 0 {
				t.Error("nothing should be stored")
			}
		})
	}
}

func TestRegister_EmptyPasswordAllowed(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	in := validRegistration()
	in.Password = ""
	if _, err := svc.Register(context.Background(), in); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: ""}); err == nil {
		t.Error("Login() with empty password should be rejected as invalid fields")
	}
}

func TestRegister_PasswordTooLong(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	in := validRegistration()
	in.Password = strings.Repeat("x", auth.MaxPasswordBytes+1)
	_, err := svc.Register(context.Background(), in)
	wantKind(t, err, apperror.ErrValidation)
}

func TestRegister_StoreFailure(t *testing.T) {
	repo := newFakeUserRepo()
	repo.storeErr = apperror.StoreFailure("creating user", errors.New("disk full"))
	svc := newTestAuthService(t, repo)

	_, err := svc.Register(context.Background(), validRegistration())
	wantKind(t, err, apperror.ErrStore)
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	registered := mustRegister(t, svc)

	tests := []struct {
		name     string
		in       LoginInput
		wantKind error
	}{
		{"correct", LoginInput{Email: "a@x.com", Password: "p1"}, nil},
		{"email case-insensitive", LoginInput{Email: "A@X.COM", Password: "p1"}, nil},
		{"wrong password", LoginInput{Email: "a@x.com", Password: "p2"}, apperror.ErrUnauthenticated},
		{"unknown email", LoginInput{Email: "b@x.com", Password: "p1"}, apperror.ErrUnauthenticated},
		{"missing password", LoginInput{Email: "a@x.com"}, apperror.ErrValidation},
		{"missing email", LoginInput{Password: "p1"}, apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Login(context.Background(), tt.in)
			if tt.wantKind != nil {
				wantKind(t, err, tt.wantKind)
				return
			}
			if err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if res.User.ID != registered.User.ID {
				t.Errorf("ID = %d, want %d", res.User.ID, registered.User.ID)
			}
			if res.Token == "" {
				t.Error("no token issued")
			}
		})
	}
}

func TestLogin_MessagesDoNotLeakWhichPartFailed(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	mustRegister(t, svc)

	_, errWrongPass := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "nope"})
	_, errNoUser := svc.Login(context.Background(), LoginInput{Email: "z@x.com", Password: "nope"})

	if errWrongPass.Error() != errNoUser.Error() {
		t.Errorf("messages differ: %q vs %q", errWrongPass, errNoUser)
	}
	if errWrongPass.Error() != "invalid credentials" {
		t.Errorf("message = %q, want invalid credentials", errWrongPass)
	}
}

func TestLogin_StoreFailure(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	mustRegister(t, svc)

	repo.storeErr = apperror.StoreFailure("getting user", errors.New("connection reset"))
	_, err := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "p1"})
	wantKind(t, err, apperror.ErrStore)
}

// =========================================================================
// SSOLogin TESTS
// =========================================================================

func TestSSOLogin_NewUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	res, err := svc.SSOLogin(context.Background(), &auth.GoogleProfile{
		Email: "G@X.com", GivenName: "Grace", FamilyName: "H", AccessToken: "ya29",
	})
	if err != nil {
		t.Fatalf("SSOLogin() error = %v", err)
	}

	if res.User.AuthType != model.AuthSSO {
		t.Errorf("AuthType = %q, want sso", res.User.AuthType)
	}
	if res.User.Email != "g@x.com" || res.User.Username != "g@x.com" {
		t.Errorf("user = %+v", res.User)
	}
	if res.User.FirstName != "Grace" {
		t.Errorf("FirstName = %q", res.User.FirstName)
	}
	if res.Token == "" {
		t.Error("no token issued")
	}
}

func TestSSOLogin_ExistingLocalAccount(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	local := mustRegister(t, svc)

	res, err := svc.SSOLogin(context.Background(), &auth.GoogleProfile{Email: "a@x.com"})
	if err != nil {
		t.Fatalf("SSOLogin() error = %v", err)
	}
	if res.User.ID != local.User.ID {
		t.Errorf("ID = %d, want local account %d", res.User.ID, local.User.ID)
	}
	if res.User.AuthType != model.AuthLocal {
		t.Errorf("AuthType = %q, want local", res.User.AuthType)
	}
}

func TestSSOLogin_Failures(t *testing.T) {
	tests := []struct {
		name    string
		profile *auth.GoogleProfile
		repoErr error
	}{
		{"nil profile", nil, nil},
		{"empty email", &auth.GoogleProfile{Email: "  "}, nil},
		{"store down", &auth.GoogleProfile{Email: "g@x.com"}, apperror.StoreFailure("x", errors.New("down"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeUserRepo()
			repo.storeErr = tt.repoErr
			svc := newTestAuthService(t, repo)

			_, err := svc.SSOLogin(context.Background(), tt.profile)
			wantKind(t, err, apperror.ErrUnauthenticated)

			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Message != "authentication failed" {
				t.Errorf("Message = %q, want authentication failed", appErr.Message)
			}
		})
	}
}

// =========================================================================
// PROFILE TESTS
// =========================================================================

func TestGetProfile(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	reg := mustRegister(t, svc)

	u, err := svc.GetProfile(context.Background(), reg.User.ID)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if u.Email != "a@x.com" {
		t.Errorf("Email = %q", u.Email)
	}

	_, err = svc.GetProfile(context.Background(), 999)
	wantKind(t, err, apperror.ErrNotFound)
}

func TestUpdateProfile_Names(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	reg := mustRegister(t, svc)

	u, err := svc.UpdateProfile(context.Background(), reg.User.ID, map[string]any{"first_name": "Alicia"})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if u.FirstName != "Alicia" {
		t.Errorf("FirstName = %q, want Alicia", u.FirstName)
	}
	if u.Username != "alice" || u.LastName != "B" {
		t.Error("fields not in the patch must be kept")
	}

	// The old password still works.
	if _, err := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "p1"}); err != nil {
		t.Errorf("Login() after name change error = %v", err)
	}
}

func TestUpdateProfile_Password(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	reg := mustRegister(t, svc)

	if _, err := svc.UpdateProfile(context.Background(), reg.User.ID, map[string]any{"password": "p2"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	if _, err := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "p1"}); !errors.Is(err, apperror.ErrUnauthenticated) {
		t.Errorf("old password error = %v, want ErrUnauthenticated", err)
	}
	if _, err := svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "p2"}); err != nil {
		t.Errorf("new password error = %v", err)
	}
}

func TestUpdateProfile_RejectsNonWhitelistedFields(t *testing.T) {
	for _, key := range []string{"email", "auth_type", "id", "federated_token"} {
		t.Run(key, func(t *testing.T) {
			repo := newFakeUserRepo()
			svc := newTestAuthService(t, repo)
			reg := mustRegister(t, svc)

			_, err := svc.UpdateProfile(context.Background(), reg.User.ID, map[string]any{
				"first_name": "Changed",
				key:          "z@x.com",
			})
			wantKind(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != key {
				t.Errorf("Field = %q, want %q", appErr.Field, key)
			}
			if repo.updateCalls != 0 {
				t.Error("nothing should be written when a field is rejected")
			}
			if repo.users[reg.User.ID].FirstName != "Alice" {
				t.Error("row changed despite rejection")
			}
		})
	}
}

func TestUpdateProfile_NonStringValue(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	reg := mustRegister(t, svc)

	_, err := svc.UpdateProfile(context.Background(), reg.User.ID, map[string]any{"username": 42})
	wantKind(t, err, apperror.ErrValidation)
}

// A patch may not blank a name the account is required to have.
func TestUpdateProfile_BlankRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		patch map[string]any
	}{
		{"username", map[string]any{"username": "   "}},
		{"first_name", map[string]any{"first_name": ""}},
		{"last_name", map[string]any{"last_name": " ", "first_name": "Alicia"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeUserRepo()
			svc := newTestAuthService(t, repo)
			reg := mustRegister(t, svc)

			_, err := svc.UpdateProfile(context.Background(), reg.User.ID, tt.patch)
			wantKind(t, err, apperror.ErrValidation)

			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != tt.name {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.name)
			}
			if repo.updateCalls != 0 {
				t.Error("nothing should be written")
			}
			if stored := repo.users[reg.User.ID]; stored.Username != "alice" || stored.FirstName != "Alice" || stored.LastName != "B" {
				t.Errorf("row changed: %+v", stored)
			}
		})
	}
}

func TestUpdateProfile_SSOAccountMayClearNames(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	res, err := svc.SSOLogin(context.Background(), &auth.GoogleProfile{Email: "g@x.com", GivenName: "G", FamilyName: "H"})
	if err != nil {
		t.Fatalf("SSOLogin() error = %v", err)
	}

	u, err := svc.UpdateProfile(context.Background(), res.User.ID, map[string]any{"last_name": ""})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if u.LastName != "" {
		t.Errorf("LastName = %q, want empty", u.LastName)
	}

	_, err = svc.UpdateProfile(context.Background(), res.User.ID, map[string]any{"username": ""})
	wantKind(t, err, apperror.ErrValidation)
}

func TestUpdateProfile_NotFound(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	_, err := svc.UpdateProfile(context.Background(), 7, map[string]any{"username": "x"})
	wantKind(t, err, apperror.ErrNotFound)

	// Row disappears between the read and the write.
	reg := mustRegister(t, svc)
	repo.updateMisses = true
	_, err = svc.UpdateProfile(context.Background(), reg.User.ID, map[string]any{"username": "x"})
	wantKind(t, err, apperror.ErrNotFound)
}

func TestDeleteAccount(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	reg := mustRegister(t, svc)

	msg, err := svc.DeleteAccount(context.Background(), reg.User.ID)
	if err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}
	want := "Account for alice with email a@x.com deleted successfully"
	if msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}

	_, err = svc.GetProfile(context.Background(), reg.User.ID)
	wantKind(t, err, apperror.ErrNotFound)

	_, err = svc.DeleteAccount(context.Background(), reg.User.ID)
	wantKind(t, err, apperror.ErrNotFound)
}
