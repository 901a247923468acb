package account

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/vault"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

const recordField = "data"

func recordKey(id string) string { return "account:" + id }
func indexKey(platform Platform) string { return "account:by_platform:" + string(platform) }

// MaxConsecutiveFailures is the refresh-failure count at which an account
// transitions to REFRESH_FAILED.
const MaxConsecutiveFailures = 3

// LifecycleNotifier is notified of account lifecycle transitions the
// webhook notifier cares about, so this package never imports
// internal/webhook directly.
type LifecycleNotifier interface {
	NotifyAccountQuarantined(ctx context.Context, accountID string, cause error)
	NotifyAccountRateLimited(ctx context.Context, accountID string, until time.Time)
}

// Registry owns CRUD and lifecycle transitions for upstream accounts.
// Credential fields are encrypted via vault on every write. Records read
// back (Get, List) still hold the ciphertext; plaintext is only returned by
// DecryptRefreshToken and DecryptAccessToken.
type Registry struct {
	store    *kv.Store
	vault    *vault.Vault
	now      func() time.Time
	notifier LifecycleNotifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLifecycleNotifier wires a webhook notifier for quarantine/rate-limit
// transitions. Optional; nil by default.
func WithLifecycleNotifier(n LifecycleNotifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// New builds a Registry backed by store, encrypting/decrypting credential
// fields through v.
func New(store *kv.Store, v *vault.Vault, opts ...Option) *Registry {
	r := &Registry{store: store, vault: v, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateParams is the caller-supplied subset of Account fields at
// creation time. RefreshToken/AccessToken are plaintext in, encrypted
// before they ever touch storage.
type CreateParams struct {
	Name        string
	Platform    Platform
	AccountType Type
	Priority    int
	Schedulable bool

	RefreshToken         string
	AccessToken          string
	AccessTokenExpiresAt *time.Time
	Subscription         string
	Region               string

	Proxy   *ProxyConfig
	GroupID *int
}

// Create encrypts the supplied credential material and persists a new
// account record.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Account, error) {
	creds, err := r.encryptCredentials(p.RefreshToken, p.AccessToken, p.AccessTokenExpiresAt, p.Subscription, p.Region)
	if err != nil {
		return nil, err
	}

	now := r.now()
	acc := &Account{
		ID:          uuid.New().String(),
		Name:        p.Name,
		Platform:    p.Platform,
		AccountType: p.AccountType,
		IsActive:    true,
		Schedulable: p.Schedulable,
		Priority:    p.Priority,
		Status:      StatusActive,
		Credentials: *creds,
		Proxy:       p.Proxy,
		GroupID:     p.GroupID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.save(ctx, acc); err != nil {
		return nil, err
	}
	if err := r.store.ZAdd(ctx, indexKey(p.Platform), float64(now.UnixNano()), acc.ID); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "write account platform index", err)
	}
	return acc, nil
}

func (r *Registry) encryptCredentials(refreshToken, accessToken string, expiresAt *time.Time, subscription, region string) (*Credentials, error) {
	c := &Credentials{
		AccessTokenExpiresAt: expiresAt,
		Subscription:         subscription,
		Region:                region,
	}
	if refreshToken != "" {
		ct, err := r.vault.Encrypt(refreshToken)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCrypto, "encrypt refresh token", err)
		}
		c.RefreshTokenCiphertext = ct
	}
	if accessToken != "" {
		ct, err := r.vault.Encrypt(accessToken)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCrypto, "encrypt access token", err)
		}
		c.AccessTokenCiphertext = ct
	}
	return c, nil
}

// Get loads one account record by id. Credential fields remain
// ciphertext — use DecryptRefreshToken/DecryptAccessToken to read them.
func (r *Registry) Get(ctx context.Context, id string) (*Account, error) {
	raw, err := r.store.HGet(ctx, recordKey(id), recordField)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apierr.New(apierr.KindInvalidKey, "unknown account")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "load account record", err)
	}

	var acc Account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "decode account record", err)
	}
	return &acc, nil
}

// DecryptRefreshToken returns the plaintext refresh token for acc.
func (r *Registry) DecryptRefreshToken(acc *Account) (string, error) {
	if acc.Credentials.RefreshTokenCiphertext == "" {
		return "", nil
	}
	pt, err := r.vault.Decrypt(acc.Credentials.RefreshTokenCiphertext)
	if err != nil {
		return "", apierr.Wrap(apierr.KindCrypto, "decrypt refresh token", err)
	}
	return pt, nil
}

// DecryptAccessToken returns the plaintext access token for acc.
func (r *Registry) DecryptAccessToken(acc *Account) (string, error) {
	if acc.Credentials.AccessTokenCiphertext == "" {
		return "", nil
	}
	pt, err := r.vault.Decrypt(acc.Credentials.AccessTokenCiphertext)
	if err != nil {
		return "", apierr.Wrap(apierr.KindCrypto, "decrypt access token", err)
	}
	return pt, nil
}

// UpdateTokens re-encrypts and persists a fresh access/refresh token
// pair, called by the refresh coordinator after a successful refresh.
// Clears any consecutive-failure count and REFRESH_FAILED status.
func (r *Registry) UpdateTokens(ctx context.Context, id, refreshToken, accessToken string, expiresAt time.Time) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	creds, err := r.encryptCredentials(refreshToken, accessToken, &expiresAt, acc.Credentials.Subscription, acc.Credentials.Region)
	if err != nil {
		return err
	}
	if creds.RefreshTokenCiphertext == "" {
		creds.RefreshTokenCiphertext = acc.Credentials.RefreshTokenCiphertext
	}

	acc.Credentials = *creds
	acc.ConsecutiveFailures = 0
	acc.LastError = ""
	if acc.Status == StatusRefreshFailed {
		acc.Status = StatusActive
		acc.RefreshFailedSince = nil
	}
	acc.UpdatedAt = r.now()
	return r.save(ctx, acc)
}

// RecordRefreshFailure increments the consecutive-failure count and, on
// the MaxConsecutiveFailures'th failure, transitions the account to
// REFRESH_FAILED.
func (r *Registry) RecordRefreshFailure(ctx context.Context, id string, cause error) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()
	acc.ConsecutiveFailures++
	if cause != nil {
		acc.LastError = cause.Error()
	}
	if acc.ConsecutiveFailures >= MaxConsecutiveFailures {
		acc.Status = StatusRefreshFailed
		acc.RefreshFailedSince = &now
		if r.notifier != nil {
			r.notifier.NotifyAccountQuarantined(ctx, acc.ID, cause)
		}
	}
	acc.UpdatedAt = now
	return r.save(ctx, acc)
}

// MarkRateLimited transitions acc into RATE_LIMITED until `until`, used
// by the relay pipeline when an upstream 429 carries a retry-after hint.
func (r *Registry) MarkRateLimited(ctx context.Context, id string, until time.Time) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	acc.Status = StatusRateLimited
	acc.RateLimitedUntil = &until
	acc.UpdatedAt = r.now()
	if r.notifier != nil {
		r.notifier.NotifyAccountRateLimited(ctx, acc.ID, until)
	}
	return r.save(ctx, acc)
}

// TouchLastUsed stamps last_used_at, called by the scheduler once an
// account is actually bound to a request.
func (r *Registry) TouchLastUsed(ctx context.Context, id string) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()
	acc.LastUsedAt = &now
	acc.UpdatedAt = now
	return r.save(ctx, acc)
}

// ListParams filters List's results.
type ListParams struct {
	Platform       Platform
	AccountTypeSet Type // zero value means "no account_type filter"
	ActiveOnly     bool
}

// List returns every account for Platform, optionally filtered by
// account type and activity. The public shape never includes token
// plaintext — callers work with Account directly, whose Credentials
// fields are always ciphertext.
func (r *Registry) List(ctx context.Context, p ListParams) ([]*Account, error) {
	ids, err := r.store.ZRangeByScore(ctx, indexKey(p.Platform), 0, float64(1<<62))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "list account platform index", err)
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		acc, err := r.Get(ctx, id)
		if err != nil && apierr.KindOf(err) == apierr.KindInvalidKey {
			continue // index entry outlived a deleted record
		}
		if err != nil {
			return nil, err
		}
		if p.AccountTypeSet != "" && acc.AccountType != p.AccountTypeSet {
			continue
		}
		if p.ActiveOnly && !acc.IsActive {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (r *Registry) save(ctx context.Context, acc *Account) error {
	blob, err := json.Marshal(acc)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "encode account record", err)
	}
	if err := r.store.HSet(ctx, recordKey(acc.ID), recordField, string(blob)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "save account record", err)
	}
	return nil
}

// Delete permanently removes the account record and its platform index
// entry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Del(ctx, recordKey(id)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "delete account record", err)
	}
	if err := r.store.ZRem(ctx, indexKey(acc.Platform), id); err != nil {
		return apierr.Wrap(apierr.KindStorage, "delete account platform index entry", err)
	}
	return nil
}

// SetActive toggles is_active without touching credentials or status.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	acc, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	acc.IsActive = active
	acc.UpdatedAt = r.now()
	return r.save(ctx, acc)
}
