package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// googleUserInfoURL is the OAuth2 v1 userinfo endpoint. It returns the
// profile of whoever owns the bearer token.
const googleUserInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"

// GoogleProfile is the portion of Google's userinfo response we care about.
//
// AccessToken is not part of the userinfo JSON: Exchange fills it in with
// the provider token so it can be stored on the account row.
type GoogleProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`

	AccessToken string `json:"-"`
}

// GoogleProvider wraps golang.org/x/oauth2 for the Google Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. The server redirects the user to Google's authorization endpoint
//     with the ClientID and the requested scopes.
//  2. The user approves (or denies) on Google.
//  3. Google redirects back to the callback URL with a short-lived "code".
//  4. The server exchanges the code for an access token (server-to-server,
//     using the ClientSecret).
//  5. The server calls the userinfo endpoint with that token.
type GoogleProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider creates a GoogleProvider with the given credentials.
//
// callbackURL must exactly match an "Authorized redirect URI" configured in
// the Google Cloud console, e.g. "http://localhost:9090/api/user/login/google/authorize".
//
// Scopes: "openid email profile".
func NewGoogleProvider(clientID, clientSecret, callbackURL string) *GoogleProvider {
	return NewGoogleProviderWithEndpoint(clientID, clientSecret, callbackURL, endpoints.Google, googleUserInfoURL)
}

// NewGoogleProviderWithEndpoint is NewGoogleProvider with the provider URLs
// overridden. Tests point it at an httptest server.
func NewGoogleProviderWithEndpoint(clientID, clientSecret, callbackURL string, endpoint oauth2.Endpoint, userInfoURL string) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoint,
		},
		userInfoURL: userInfoURL,
	}
}

// AuthURL returns the URL to redirect the user to for authorization.
//
// STATE PARAMETER:
// state is a random value the handler also stores in a cookie. Google echoes
// it back on the callback, and the handler rejects the callback on mismatch.
// This stops an attacker from completing a login flow in someone else's browser.
func (p *GoogleProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange completes the OAuth flow: trades the authorization code for the
// user's Google profile.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*GoogleProfile, error) {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	// oauth2.Config.Client returns an *http.Client that adds
	// "Authorization: Bearer <token>" to every request.
	client := p.config.Client(ctx, oauthToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building userinfo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling Google userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: Google userinfo returned status %d", resp.StatusCode)
	}

	var profile GoogleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("auth: decoding Google userinfo: %w", err)
	}

	profile.Email = strings.TrimSpace(profile.Email)
	if profile.Email == "" {
		return nil, errors.New("auth: Google returned a profile without an email")
	}
	profile.AccessToken = oauthToken.AccessToken

	return &profile, nil
}
