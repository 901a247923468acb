// Package oauth implements refresh.Refresher for the platforms that issue
// expiring OAuth access tokens (Claude, Gemini, OpenAI). It performs the
// standard refresh_token grant directly over net/http rather than pulling
// in a full OAuth2 client library: the grant itself is four form fields
// and a JSON response.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/refresh"
)

// TokenRefresher exchanges a refresh token for a new access token against
// one platform's OAuth token endpoint.
type TokenRefresher struct {
	platform     string
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// Option configures a TokenRefresher.
type Option func(*TokenRefresher)

// WithHTTPClient overrides the default http.Client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *TokenRefresher) { r.client = c }
}

// New builds a TokenRefresher for one platform's token endpoint.
func New(platform, tokenURL, clientID, clientSecret string, opts ...Option) *TokenRefresher {
	r := &TokenRefresher{
		platform:     platform,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh implements refresh.Refresher.
func (r *TokenRefresher) Refresh(ctx context.Context, acc *account.Account, refreshToken string) (refresh.RefreshedTokens, error) {
	if r.tokenURL == "" {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: no token endpoint configured", r.platform)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
		"client_secret": {r.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: build request: %w", r.platform, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: token request: %w", r.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: read token response: %w", r.platform, err)
	}

	if resp.StatusCode >= 300 {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: token endpoint returned %d: %s", r.platform, resp.StatusCode, truncate(body, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: decode token response: %w", r.platform, err)
	}
	if tr.AccessToken == "" {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: %s: token response had no access_token", r.platform)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return refresh.RefreshedTokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// StaticRefresher satisfies refresh.Refresher for platforms whose
// "access token" is actually a long-lived static credential (Bedrock's
// AWS access/secret key pair). It performs no network call: it just
// echoes the existing refresh token back as the access token with a
// far-future expiry, so the coordinator never attempts a real refresh
// against an OAuth endpoint that doesn't exist for this platform.
type StaticRefresher struct{}

// Refresh implements refresh.Refresher.
func (StaticRefresher) Refresh(_ context.Context, _ *account.Account, refreshToken string) (refresh.RefreshedTokens, error) {
	if refreshToken == "" {
		return refresh.RefreshedTokens{}, fmt.Errorf("oauth: static credential missing")
	}
	return refresh.RefreshedTokens{
		AccessToken: refreshToken,
		ExpiresAt:   time.Now().AddDate(10, 0, 0),
	}, nil
}
