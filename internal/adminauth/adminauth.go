// Package adminauth implements the admin API's authentication seam.
//
// AdminAuthenticator is the interface the HTTP layer depends on;
// JWTAuthenticator is its one concrete implementation, issuing and
// verifying HS256-signed bearer tokens.
package adminauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// Identity is the authenticated admin principal a verified token resolves to.
type Identity struct {
	Subject string
	Roles   []string
}

// AdminAuthenticator verifies a bearer token from an Authorization header
// and issues new ones for admin sessions.
type AdminAuthenticator interface {
	Verify(ctx context.Context, token string) (*Identity, error)
	Issue(ctx context.Context, subject string, roles []string, ttl time.Duration) (string, error)
}

type claims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles,omitempty"`
	Exp   int64    `json:"exp"`
	Iat   int64    `json:"iat"`
}

// JWTAuthenticator signs and verifies HS256 tokens with a shared secret.
// It hand-rolls a compact JWS with crypto/hmac and crypto/sha256 rather
// than pulling in a JWT dependency for four claims and one signature.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator builds a JWTAuthenticator. secret must be non-empty.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("adminauth: secret must not be empty")
	}
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}, nil
}

const header = `{"alg":"HS256","typ":"JWT"}`

// Issue mints a token for subject valid for ttl.
func (a *JWTAuthenticator) Issue(_ context.Context, subject string, roles []string, ttl time.Duration) (string, error) {
	now := a.now()
	c := claims{Sub: subject, Roles: roles, Iat: now.Unix(), Exp: now.Add(ttl).Unix()}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("adminauth: marshal claims: %w", err)
	}

	signingInput := b64(header) + "." + b64(string(payload))
	sig := a.sign(signingInput)
	return signingInput + "." + b64(string(sig)), nil
}

// Verify checks the token's signature and expiry and returns its Identity.
func (a *JWTAuthenticator) Verify(_ context.Context, token string) (*Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, apierr.New(apierr.KindPermissionDenied, "malformed admin token")
	}

	signingInput := parts[0] + "." + parts[1]
	wantSig := a.sign(signingInput)

	gotSig, err := unb64(parts[2])
	if err != nil {
		return nil, apierr.New(apierr.KindPermissionDenied, "malformed admin token signature")
	}
	if !hmac.Equal(wantSig, gotSig) {
		return nil, apierr.New(apierr.KindPermissionDenied, "invalid admin token signature")
	}

	payload, err := unb64(parts[1])
	if err != nil {
		return nil, apierr.New(apierr.KindPermissionDenied, "malformed admin token payload")
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, apierr.New(apierr.KindPermissionDenied, "malformed admin token claims")
	}

	if a.now().Unix() >= c.Exp {
		return nil, apierr.New(apierr.KindPermissionDenied, "admin token expired")
	}

	return &Identity{Subject: c.Sub, Roles: c.Roles}, nil
}

func (a *JWTAuthenticator) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func b64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func unb64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
