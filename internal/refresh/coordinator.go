// Package refresh implements the token refresh coordinator:
// at-most-one in-flight refresh per account, both within this process
// (via singleflight) and across processes (via a short-lived Redis
// lock), so concurrent requests sharing a near-expired account never
// issue duplicate OAuth refresh calls against the same upstream.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// freshnessMargin is the minimum remaining access-token lifetime below
// which EnsureFresh triggers a refresh.
const freshnessMargin = 60 * time.Second

// lockTTL bounds how long the cross-process refresh lock is held; a
// refresh that somehow outlives this releases the lock to a retrying
// process rather than wedging the account forever.
const lockTTL = 30 * time.Second

func lockKey(accountID string) string { return "refresh_lock:" + accountID }

// Refresher performs the actual OAuth token exchange for one platform.
// Implementations live in internal/oauth; the coordinator only owns
// deduplication and bookkeeping.
type Refresher interface {
	Refresh(ctx context.Context, acc *account.Account, refreshToken string) (RefreshedTokens, error)
}

// RefreshedTokens is what a successful Refresher call produces.
type RefreshedTokens struct {
	AccessToken  string
	RefreshToken string // empty if the platform does not rotate refresh tokens
	ExpiresAt    time.Time
}

// DedupObserver records a refresh call that joined an in-flight refresh
// instead of performing its own upstream exchange.
type DedupObserver interface {
	RecordRefreshDedup(platform string)
}

// Coordinator deduplicates and serializes OAuth token refreshes.
type Coordinator struct {
	accounts   *account.Registry
	store      *kv.Store
	refreshers map[account.Platform]Refresher
	group      singleflight.Group
	now        func() time.Time
	observer   DedupObserver
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithDedupObserver wires a metrics sink notified whenever singleflight
// collapses a refresh onto one already in flight for the same account.
func WithDedupObserver(o DedupObserver) Option {
	return func(c *Coordinator) { c.observer = o }
}

// New builds a Coordinator. refreshers maps each platform to the
// adapter that knows how to exchange its refresh token.
func New(accounts *account.Registry, store *kv.Store, refreshers map[account.Platform]Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{accounts: accounts, store: store, refreshers: refreshers, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureFresh returns a currently-valid access token for acc, refreshing
// it first if it is within freshnessMargin of expiry (or already
// expired, or never issued). Concurrent callers for the same account,
// within this process, collapse onto a single in-flight refresh via
// singleflight; across processes, a Redis SETNX lock serializes refresh
// attempts so only one process performs the upstream exchange at a time.
func (c *Coordinator) EnsureFresh(ctx context.Context, acc *account.Account) (string, error) {
	now := c.now()
	if acc.Credentials.AccessTokenExpiresAt != nil && acc.Credentials.AccessTokenExpiresAt.After(now.Add(freshnessMargin)) {
		return c.accounts.DecryptAccessToken(acc)
	}
	return c.refresh(ctx, acc)
}

// ForceRefresh exchanges acc's refresh token for a new access token
// unconditionally, skipping the local expiry check EnsureFresh relies on.
// Callers use this after an upstream 401, where the cached token may have
// been revoked out of band while still looking unexpired locally — in
// that case EnsureFresh would just hand back the same stale token.
func (c *Coordinator) ForceRefresh(ctx context.Context, acc *account.Account) (string, error) {
	return c.refresh(ctx, acc)
}

// refresh collapses concurrent refreshes for the same account onto one
// in-flight call, in-process via singleflight and across processes via
// the Redis lock in refreshLocked.
func (c *Coordinator) refresh(ctx context.Context, acc *account.Account) (string, error) {
	v, err, shared := c.group.Do(acc.ID, func() (any, error) {
		return c.refreshLocked(ctx, acc)
	})
	if shared && c.observer != nil {
		c.observer.RecordRefreshDedup(string(acc.Platform))
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) refreshLocked(ctx context.Context, acc *account.Account) (string, error) {
	token := lockToken()
	key := lockKey(acc.ID)

	acquired, err := c.store.SetNX(ctx, key, token, lockTTL)
	if err != nil {
		return "", apierr.Wrap(apierr.KindStorage, "acquire refresh lock", err)
	}
	if !acquired {
		// Another process is already refreshing this account. Re-read the
		// record after a short backoff rather than racing the lock holder;
		// by the time the lock TTL could plausibly have expired, the
		// competing refresh should have landed its update.
		return c.waitForPeerRefresh(ctx, acc.ID)
	}
	defer func() { _ = c.store.Del(ctx, key) }()

	return c.doRefresh(ctx, acc)
}

// waitForPeerRefresh polls the account record until its access token
// looks fresh (written by whichever process is holding the lock), or
// gives up once the lock's own TTL would have expired.
func (c *Coordinator) waitForPeerRefresh(ctx context.Context, accountID string) (string, error) {
	deadline := c.now().Add(lockTTL)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", apierr.Wrap(apierr.KindTokenRefreshFailed, "refresh wait cancelled", ctx.Err())
		case <-ticker.C:
		}

		acc, err := c.accounts.Get(ctx, accountID)
		if err != nil {
			return "", err
		}
		if acc.Credentials.AccessTokenExpiresAt != nil && acc.Credentials.AccessTokenExpiresAt.After(c.now().Add(freshnessMargin)) {
			return c.accounts.DecryptAccessToken(acc)
		}
		if c.now().After(deadline) {
			return "", apierr.New(apierr.KindTokenRefreshFailed, "timed out waiting for a concurrent token refresh")
		}
	}
}

func (c *Coordinator) doRefresh(ctx context.Context, acc *account.Account) (string, error) {
	refresher, ok := c.refreshers[acc.Platform]
	if !ok {
		return "", apierr.New(apierr.KindTokenRefreshFailed, "no refresher registered for platform "+string(acc.Platform))
	}

	refreshToken, err := c.accounts.DecryptRefreshToken(acc)
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		return "", apierr.New(apierr.KindTokenRefreshFailed, "account has no refresh token on file")
	}

	tokens, err := refresher.Refresh(ctx, acc, refreshToken)
	if err != nil {
		recErr := c.accounts.RecordRefreshFailure(ctx, acc.ID, err)
		if recErr != nil {
			return "", recErr
		}
		return "", apierr.Wrap(apierr.KindTokenRefreshFailed, "refresh upstream call failed", err)
	}

	newRefreshToken := tokens.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken, err = c.accounts.DecryptRefreshToken(acc)
		if err != nil {
			return "", err
		}
	}

	if err := c.accounts.UpdateTokens(ctx, acc.ID, newRefreshToken, tokens.AccessToken, tokens.ExpiresAt); err != nil {
		return "", apierr.Wrap(apierr.KindStorage, "persist refreshed tokens", err)
	}

	return tokens.AccessToken, nil
}

func lockToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
