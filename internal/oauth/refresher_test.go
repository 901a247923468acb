package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wayfind-oss/relaygate/internal/account"
)

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "rt-123" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-456",
			"refresh_token": "rt-789",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	r := New("claude", srv.URL, "client-id", "client-secret")
	tokens, err := r.Refresh(context.Background(), &account.Account{}, "rt-123")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.AccessToken != "at-456" {
		t.Errorf("AccessToken = %q, want at-456", tokens.AccessToken)
	}
	if tokens.RefreshToken != "rt-789" {
		t.Errorf("RefreshToken = %q, want rt-789", tokens.RefreshToken)
	}
	if tokens.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should not be zero")
	}
}

func TestRefreshUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	r := New("claude", srv.URL, "client-id", "client-secret")
	if _, err := r.Refresh(context.Background(), &account.Account{}, "rt-123"); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestRefreshNoTokenURL(t *testing.T) {
	r := New("claude", "", "client-id", "client-secret")
	if _, err := r.Refresh(context.Background(), &account.Account{}, "rt-123"); err == nil {
		t.Fatal("expected error when no token endpoint configured")
	}
}

func TestStaticRefresherEchoesToken(t *testing.T) {
	var s StaticRefresher
	tokens, err := s.Refresh(context.Background(), &account.Account{}, "aws-access:aws-secret")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tokens.AccessToken != "aws-access:aws-secret" {
		t.Errorf("AccessToken = %q", tokens.AccessToken)
	}
	if !tokens.ExpiresAt.After(time.Now()) {
		t.Errorf("ExpiresAt = %v, want a time in the future", tokens.ExpiresAt)
	}
}

func TestStaticRefresherRejectsEmpty(t *testing.T) {
	var s StaticRefresher
	if _, err := s.Refresh(context.Background(), &account.Account{}, ""); err == nil {
		t.Fatal("expected error for empty credential")
	}
}
