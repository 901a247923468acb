package proxy

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/pricing"
	"github.com/wayfind-oss/relaygate/internal/refresh"
	"github.com/wayfind-oss/relaygate/internal/relay"
	"github.com/wayfind-oss/relaygate/internal/scheduler"
	"github.com/wayfind-oss/relaygate/internal/vault"
)

// echoAdapter returns a canned upstream response without any network call,
// mirroring relay's own testAdapter in pipeline_test.go.
type echoAdapter struct {
	status int
	body   []byte
}

func (a *echoAdapter) Endpoint(acc *account.Account, model string, stream bool) string { return "" }

func (a *echoAdapter) Do(ctx context.Context, req relay.UpstreamRequest) (*relay.UpstreamResponse, error) {
	return &relay.UpstreamResponse{StatusCode: a.status, Headers: http.Header{}, Body: a.body}, nil
}

func (a *echoAdapter) RetryAfter(resp *relay.UpstreamResponse) (time.Duration, bool) { return 0, false }

type fakeRefresher struct{ token string }

func (f *fakeRefresher) Refresh(ctx context.Context, acc *account.Account, refreshToken string) (refresh.RefreshedTokens, error) {
	return refresh.RefreshedTokens{AccessToken: f.token, RefreshToken: refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// gatewayFixture wires a real apikey.Registry, account.Registry, scheduler,
// refresh coordinator and relay.Pipeline against miniredis, matching the
// style relay's own pipeline_test.go uses for its fixture.
type gatewayFixture struct {
	gw       *Gateway
	apikeys  *apikey.Registry
	accounts *account.Registry
}

func newGatewayFixture(t *testing.T, status int, body []byte) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	v := vault.New([]byte("test-vault-secret-at-least-16-bytes"))

	accounts := account.New(store, v)
	ctx := context.Background()
	expired := time.Now().Add(-time.Hour)
	_, err := accounts.Create(ctx, account.CreateParams{
		Name: "acc-1", Platform: account.PlatformClaude, AccountType: account.TypeShared,
		Schedulable: true, Priority: 1, RefreshToken: "rt-1", AccessToken: "expired",
		AccessTokenExpiresAt: &expired,
	})
	if err != nil {
		t.Fatal(err)
	}

	sched := scheduler.New(accounts, store)
	coord := refresh.New(accounts, store, map[account.Platform]refresh.Refresher{
		account.PlatformClaude: &fakeRefresher{token: "fresh-token"},
	})
	apikeys := apikey.New(store)
	prices := pricing.NewTable(pricing.DefaultPrices, pricing.DefaultFallback, nil)

	pipeline := relay.New(sched, coord, apikeys, prices,
		relay.WithAdapters(map[account.Platform]relay.Adapter{
			account.PlatformClaude: &echoAdapter{status: status, body: body},
		}),
	)

	hc := NewHealthChecker(ctx, nil, nil, nil)
	t.Cleanup(hc.Close)

	gw := NewGateway(pipeline, apikeys, hc, GatewayOptions{
		AllowedPlatforms: map[string]account.Platform{"claude": account.PlatformClaude},
	})
	gw.SetAccountLookup(accounts)

	return &gatewayFixture{gw: gw, apikeys: apikeys, accounts: accounts}
}

func issueTestKey(t *testing.T, reg *apikey.Registry, perms apikey.Permission) string {
	t.Helper()
	_, raw, err := reg.Issue(context.Background(), apikey.IssueParams{Name: "t", Permissions: perms})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newRelayCtx(method, body, auth string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetBodyString(body)
	if auth != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+auth)
	}
	return ctx
}

func TestHandleRelay_MissingAPIKey(t *testing.T) {
	f := newGatewayFixture(t, http.StatusOK, []byte(`{}`))
	h := f.gw.handleRelay(account.PlatformClaude, "claude")

	ctx := newRelayCtx(fasthttp.MethodPost, `{"model":"claude-3-opus"}`, "")
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestHandleRelay_InvalidAPIKey(t *testing.T) {
	f := newGatewayFixture(t, http.StatusOK, []byte(`{}`))
	h := f.gw.handleRelay(account.PlatformClaude, "claude")

	ctx := newRelayCtx(fasthttp.MethodPost, `{"model":"claude-3-opus"}`, "not-a-real-key")
	h(ctx)

	if ctx.Response.StatusCode() == fasthttp.StatusOK {
		t.Errorf("expected a non-200 status for an unknown key, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleRelay_PlatformNotPermitted(t *testing.T) {
	f := newGatewayFixture(t, http.StatusOK, []byte(`{}`))
	raw := issueTestKey(t, f.apikeys, apikey.PermissionOpenAI)

	h := f.gw.handleRelay(account.PlatformClaude, "claude")
	ctx := newRelayCtx(fasthttp.MethodPost, `{"model":"claude-3-opus"}`, raw)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestHandleRelay_Success(t *testing.T) {
	f := newGatewayFixture(t, http.StatusOK, []byte(`{"ok":true}`))
	raw := issueTestKey(t, f.apikeys, apikey.PermissionAll)

	h := f.gw.handleRelay(account.PlatformClaude, "claude")
	ctx := newRelayCtx(fasthttp.MethodPost, `{"model":"claude-3-haiku"}`, raw)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if string(ctx.Response.Body()) != `{"ok":true}` {
		t.Errorf("unexpected relayed body: %s", ctx.Response.Body())
	}
}

func TestHandleRelay_AcceptsBareKeyWithoutBearerScheme(t *testing.T) {
	f := newGatewayFixture(t, http.StatusOK, []byte(`{"ok":true}`))
	_, raw, err := f.apikeys.Issue(context.Background(), apikey.IssueParams{Name: "t", Permissions: apikey.PermissionAll})
	if err != nil {
		t.Fatal(err)
	}

	h := f.gw.handleRelay(account.PlatformClaude, "claude")
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetBodyString(`{"model":"claude-3-haiku"}`)
	ctx.Request.Header.Set("Authorization", raw) // no "Bearer " prefix

	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200 for bare-key auth, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}
