package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/sakif/user-accounts/internal/apperror"
	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/model"
	"github.com/sakif/user-accounts/internal/service"
)

const (
	stateCookieName = "oauth_state"
	maxBodyBytes    = 1 << 20
)

// TokenDelivery controls how issued tokens reach the client besides the
// auth_token field in the JSON body.
type TokenDelivery struct {
	Location     auth.TokenLocation
	CookieSecure bool
	TTL          time.Duration
}

// UserHandler serves the /api/user endpoints.
//
// HANDLER RESPONSIBILITIES:
//   - Decode JSON bodies and query parameters
//   - Call AuthService
//   - Render results (and token cookies in cookie mode)
//
// All business rules live in the service; the handler never touches the store.
type UserHandler struct {
	svc      *service.AuthService
	google   *auth.GoogleProvider // nil disables the Google routes
	delivery TokenDelivery
	logger   *slog.Logger
}

// NewUserHandler creates a UserHandler. google may be nil.
func NewUserHandler(svc *service.AuthService, google *auth.GoogleProvider, delivery TokenDelivery, logger *slog.Logger) *UserHandler {
	if delivery.Location == "" {
		delivery.Location = auth.TokenInHeaders
	}
	if delivery.TTL <= 0 {
		delivery.TTL = auth.DefaultTokenTTL
	}
	return &UserHandler{svc: svc, google: google, delivery: delivery, logger: logger}
}

// Routes returns the router mounted at /api/user.
//
// ROUTE STRUCTURE:
//
//	POST   /register                → create account, issue token
//	POST   /login                   → email + password, issue token
//	GET    /login/google            → redirect to Google
//	GET    /login/google/authorize  → OAuth callback, issue token
//	POST   /logout                  → clear the token cookie
//	GET    /                        → own profile          (auth)
//	PUT    /                        → partial update        (auth)
//	DELETE /                        → delete own account    (auth)
func (h *UserHandler) Routes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
	if h.google != nil {
		r.Get("/login/google", h.HandleGoogleLogin)
		r.Get("/login/google/authorize", h.HandleGoogleCallback)
	}
	r.Post("/logout", h.HandleLogout)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/", h.HandleGetProfile)
		r.Put("/", h.HandleUpdateProfile)
		r.Delete("/", h.HandleDeleteAccount)
	})

	return r
}

// authResponse is the body of register and login.
type authResponse struct {
	AuthToken string           `json:"auth_token"`
	User      model.PublicUser `json:"user"`
}

// ssoResponse is the body of the Google callback.
type ssoResponse struct {
	LoggedInAs string         `json:"logged_in_as"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Email      string         `json:"email"`
	AuthType   model.AuthType `json:"auth_type"`
	AuthToken  string         `json:"auth_token"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/user/register
// Body: {"username","email","first_name","last_name","password"}
//
// An email that is already registered still gets 201 and a token for the
// existing account.
func (h *UserHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Register(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.deliverToken(w, res.Token)
	writeJSON(w, http.StatusCreated, authResponse{AuthToken: res.Token, User: res.User.Public()})
}

// HandleLogin checks credentials.
//
// HTTP: POST /api/user/login
// Body: {"email","password"}
func (h *UserHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.Login(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.deliverToken(w, res.Token)
	writeJSON(w, http.StatusOK, authResponse{AuthToken: res.Token, User: res.User.Public()})
}

// HandleGoogleLogin redirects the browser to Google.
//
// HTTP: GET /api/user/login/google
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// authorization URL. The callback only proceeds when the two match.
func (h *UserHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.delivery.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGoogleCallback completes the Google login.
//
// HTTP: GET /api/user/login/google/authorize?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a Google profile
//  3. Find or create the account
//  4. Issue a token
func (h *UserHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || q.Get("state") != stateCookie.Value {
		h.logger.Warn("google callback: state mismatch")
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// Single use.
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Info("google callback: authorization denied", slog.String("error", errParam))
		writeError(w, apperror.Unauthenticated("authentication failed"))
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	profile, err := h.google.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("google callback: exchange failed", slog.String("error", err.Error()))
		writeError(w, apperror.Unauthenticated("authentication failed"))
		return
	}

	res, err := h.svc.SSOLogin(r.Context(), profile)
	if err != nil {
		writeError(w, err)
		return
	}

	h.deliverToken(w, res.Token)
	writeJSON(w, http.StatusOK, ssoResponse{
		LoggedInAs: res.User.Username,
		FirstName:  res.User.FirstName,
		LastName:   res.User.LastName,
		Email:      res.User.Email,
		AuthType:   res.User.AuthType,
		AuthToken:  res.Token,
	})
}

// HandleLogout clears the token cookie.
//
// HTTP: POST /api/user/logout
//
// Tokens are stateless: one already handed out stays valid until it
// expires. In header mode this endpoint only acknowledges.
func (h *UserHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if h.delivery.Location == auth.TokenInCookies {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.CookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.delivery.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleGetProfile returns the caller's account.
//
// HTTP: GET /api/user/
// Auth: Required
func (h *UserHandler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("valid authentication required"))
		return
	}

	user, err := h.svc.GetProfile(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user.Public())
}

// HandleUpdateProfile applies a partial update to the caller's account.
//
// HTTP: PUT /api/user/
// Auth: Required
// Body: any subset of {"username","first_name","last_name","password"}
func (h *UserHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("valid authentication required"))
		return
	}

	var patch map[string]any
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.UpdateProfile(r.Context(), userID, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, user.Public())
}

// HandleDeleteAccount deletes the caller's account.
//
// HTTP: DELETE /api/user/
// Auth: Required
func (h *UserHandler) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("valid authentication required"))
		return
	}

	msg, err := h.svc.DeleteAccount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// deliverToken sets the token cookie in cookie mode. Header mode relies on
// the client reading auth_token from the body.
func (h *UserHandler) deliverToken(w http.ResponseWriter, token string) {
	if h.delivery.Location != auth.TokenInCookies {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.delivery.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.delivery.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is empty")
		case errors.As(err, &tooLarge):
			return apperror.ValidationFailed("body", "request body too large")
		}
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}
