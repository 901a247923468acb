package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/pricing"
	"github.com/wayfind-oss/relaygate/internal/refresh"
	"github.com/wayfind-oss/relaygate/internal/scheduler"
	"github.com/wayfind-oss/relaygate/internal/vault"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// testAdapter forwards to a local httptest.Server instead of a real
// platform host, so the pipeline's forwarding/refresh/accounting logic can
// be exercised without network access.
type testAdapter struct {
	server *httptest.Server
}

func (a *testAdapter) Endpoint(acc *account.Account, model string, stream bool) string {
	return a.server.URL
}

func (a *testAdapter) Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.server.URL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	resp, err := a.server.Client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (a *testAdapter) RetryAfter(resp *UpstreamResponse) (time.Duration, bool) {
	if v := resp.Headers.Get("Retry-After"); v != "" {
		return 5 * time.Second, true
	}
	return 0, false
}

type fakeRefresher struct {
	token     string
	expiresAt time.Time
}

func (f *fakeRefresher) Refresh(ctx context.Context, acc *account.Account, refreshToken string) (refresh.RefreshedTokens, error) {
	return refresh.RefreshedTokens{AccessToken: f.token, RefreshToken: refreshToken, ExpiresAt: f.expiresAt}, nil
}

func newTestPipeline(t *testing.T, upstream *httptest.Server) (*Pipeline, *account.Registry, *account.Account, *apikey.APIKey) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	v := vault.New([]byte("test-vault-secret-at-least-16-bytes"))

	accounts := account.New(store, v)
	ctx := context.Background()
	expired := time.Now().Add(-time.Hour)
	acc, err := accounts.Create(ctx, account.CreateParams{
		Name: "test-account", Platform: account.PlatformClaude, AccountType: account.TypeShared,
		Schedulable: true, Priority: 1, RefreshToken: "rt-1", AccessToken: "expired-token",
		AccessTokenExpiresAt: &expired,
	})
	if err != nil {
		t.Fatal(err)
	}

	sched := scheduler.New(accounts, store)
	coord := refresh.New(accounts, store, map[account.Platform]refresh.Refresher{
		account.PlatformClaude: &fakeRefresher{token: "fresh-token", expiresAt: time.Now().Add(time.Hour)},
	})

	keys := apikey.New(store)
	key, _, err := keys.Issue(ctx, apikey.IssueParams{Name: "test-key", Permissions: apikey.PermissionAll})
	if err != nil {
		t.Fatal(err)
	}

	prices := pricing.NewTable(map[string]pricing.Price{
		"claude-3-5-sonnet-20241022": {
			InputPerMTok:  decimal.NewFromInt(3),
			OutputPerMTok: decimal.NewFromInt(15),
		},
	}, pricing.Price{InputPerMTok: decimal.NewFromInt(1), OutputPerMTok: decimal.NewFromInt(1)}, nil)

	pipeline := New(sched, coord, keys, prices, WithAdapters(map[account.Platform]Adapter{
		account.PlatformClaude: &testAdapter{server: upstream},
	}))

	return pipeline, accounts, acc, key
}

func TestForwardNonStreamingRecordsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			t.Errorf("expected refreshed token to be forwarded, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":100,"output_tokens":50}}`))
	}))
	defer upstream.Close()

	pipeline, _, _, key := newTestPipeline(t, upstream)
	ctx := context.Background()

	resp, err := pipeline.Forward(ctx, Request{
		Key: key, Platform: account.PlatformClaude, Model: "claude-3-5-sonnet-20241022",
		Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 50 {
		t.Fatalf("usage not extracted correctly: %+v", resp.Usage)
	}
	wantCost := (100*3.0 + 50*15.0) / 1_000_000
	if diff := resp.CostUSD - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", resp.CostUSD, wantCost)
	}
}

func TestForwardMarksAccountRateLimitedOn429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	pipeline, accounts, acc, key := newTestPipeline(t, upstream)
	ctx := context.Background()

	resp, err := pipeline.Forward(ctx, Request{
		Key: key, Platform: account.PlatformClaude, Model: "claude-3-5-sonnet-20241022",
		Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 passthrough, got %d", resp.StatusCode)
	}

	updated, err := accounts.Get(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != account.StatusRateLimited {
		t.Fatalf("expected account to be marked rate limited, got status %q", updated.Status)
	}
}

// newTestPipelineWithToken is like newTestPipeline but lets the caller pick
// the account's cached access token and its (non-expired) expiry, so tests
// can exercise the "locally fresh but upstream-revoked" 401 path that a
// fully expired token would never reach.
func newTestPipelineWithToken(t *testing.T, upstream *httptest.Server, cachedToken, refreshedToken string) (*Pipeline, *apikey.APIKey) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	v := vault.New([]byte("test-vault-secret-at-least-16-bytes"))

	accounts := account.New(store, v)
	ctx := context.Background()
	farFuture := time.Now().Add(time.Hour)
	_, err := accounts.Create(ctx, account.CreateParams{
		Name: "test-account", Platform: account.PlatformClaude, AccountType: account.TypeShared,
		Schedulable: true, Priority: 1, RefreshToken: "rt-1", AccessToken: cachedToken,
		AccessTokenExpiresAt: &farFuture,
	})
	if err != nil {
		t.Fatal(err)
	}

	sched := scheduler.New(accounts, store)
	coord := refresh.New(accounts, store, map[account.Platform]refresh.Refresher{
		account.PlatformClaude: &fakeRefresher{token: refreshedToken, expiresAt: time.Now().Add(time.Hour)},
	})

	keys := apikey.New(store)
	key, _, err := keys.Issue(ctx, apikey.IssueParams{Name: "test-key", Permissions: apikey.PermissionAll})
	if err != nil {
		t.Fatal(err)
	}

	prices := pricing.NewTable(nil, pricing.Price{InputPerMTok: decimal.NewFromInt(1), OutputPerMTok: decimal.NewFromInt(1)}, nil)

	pipeline := New(sched, coord, keys, prices, WithAdapters(map[account.Platform]Adapter{
		account.PlatformClaude: &testAdapter{server: upstream},
	}))

	return pipeline, key
}

func TestForwardForcesRefreshOnUnauthorized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer revoked-but-locally-fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	// The cached token is not locally expired, so a buggy retry that only
	// called EnsureFresh again would hand back this exact same token and
	// loop on 401 forever — ForceRefresh must be the one invoked instead.
	pipeline, key := newTestPipelineWithToken(t, upstream, "revoked-but-locally-fresh", "newly-issued-token")

	resp, err := pipeline.Forward(context.Background(), Request{
		Key: key, Platform: account.PlatformClaude, Model: "claude-3-5-sonnet-20241022",
		Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("expected the retry to succeed after a forced refresh, got error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after forced refresh, got %d", resp.StatusCode)
	}
}

func TestForwardTranslatesPersisting401ToTokenRefreshFailed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	pipeline, key := newTestPipelineWithToken(t, upstream, "stale-token", "still-rejected-token")

	_, err := pipeline.Forward(context.Background(), Request{
		Key: key, Platform: account.PlatformClaude, Model: "claude-3-5-sonnet-20241022",
		Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err == nil {
		t.Fatal("expected an error when the upstream still returns 401 after a forced refresh")
	}
	if apierr.KindOf(err) != apierr.KindTokenRefreshFailed {
		t.Fatalf("expected KindTokenRefreshFailed, got %v", apierr.KindOf(err))
	}
}

func TestExtractUsageHandlesGeminiShape(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":20}}`)
	u := extractUsage(body)
	if u.InputTokens != 10 || u.OutputTokens != 20 {
		t.Fatalf("got %+v", u)
	}
}
