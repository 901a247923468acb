package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

const (
	recordField = "data" // the APIKey record is stored JSON-encoded in this single hash field

	keyBytes = 32

	rawKeyPrefixDefault = "cr_"
)

func recordKey(id string) string   { return "apikey:" + id }
func hashIndexKey(h string) string { return "apikey:hash:" + h }
func rateReqKey(id string) string  { return "ratelimit:" + id + ":req" }
func rateCostKey(id string) string { return "ratelimit:" + id + ":cost" }
func concurrentKey(id string) string { return "concurrent:" + id }
func dailyUsageKey(id, date string) string { return "usage:" + id + ":daily:" + date }
func totalUsageKey(id string) string       { return "usage:" + id + ":total" }
func weeklyOpusKey(id, isoWeek string) string {
	return "usage:" + id + ":opus_weekly:" + isoWeek
}

// LifecycleNotifier is notified when a key's quota is exhausted, so this
// package never imports internal/webhook directly.
type LifecycleNotifier interface {
	NotifyKeyQuotaExhausted(ctx context.Context, keyID, limitKind string)
}

// Registry owns API-key identity, permissions, and quota enforcement.
type Registry struct {
	store     *kv.Store
	keyPrefix string
	now       func() time.Time
	notifier  LifecycleNotifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyPrefix overrides the default "cr_" raw-key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(r *Registry) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLifecycleNotifier wires a webhook notifier for quota-exhaustion events.
func WithLifecycleNotifier(n LifecycleNotifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func (r *Registry) notifyQuotaExhausted(ctx context.Context, keyID, limitKind string) {
	if r.notifier != nil {
		r.notifier.NotifyKeyQuotaExhausted(ctx, keyID, limitKind)
	}
}

// New builds a Registry backed by store.
func New(store *kv.Store, opts ...Option) *Registry {
	r := &Registry{store: store, keyPrefix: rawKeyPrefixDefault, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IssueParams is the caller-supplied subset of APIKey fields used at
// creation time; everything else (id, hash, timestamps) is derived.
type IssueParams struct {
	Name        string
	Description string
	Icon        string
	Permissions Permission
	Limits      Limits
	ExpirationMode ExpirationMode
	ExpiresAt      *time.Time
	ActivationDays int
	ActivationUnit ActivationUnit
	RestrictedModels       []string
	EnableModelRestriction bool
	AllowedClients         []ClientRestriction
	EnableClientRestriction bool
	AccountBindings map[Platform]string
	Tags            []string
	CreatedBy       string
	CreatedByType   string
}

// Issue generates a new raw key, persists its record, and returns both the
// record and the raw key string. The raw key is never persisted anywhere
// and this is the only point in the system it is ever available in full.
func (r *Registry) Issue(ctx context.Context, p IssueParams) (*APIKey, string, error) {
	raw, hash, err := r.generateKey()
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindCrypto, "generate api key", err)
	}

	now := r.now()
	key := &APIKey{
		ID:                      uuid.New().String(),
		Name:                    p.Name,
		Description:             p.Description,
		Icon:                    p.Icon,
		KeyHash:                 hash,
		Permissions:             p.Permissions,
		Limits:                  p.Limits,
		ExpirationMode:          p.ExpirationMode,
		ExpiresAt:               p.ExpiresAt,
		ActivationDays:          p.ActivationDays,
		ActivationUnit:          p.ActivationUnit,
		RestrictedModels:        p.RestrictedModels,
		EnableModelRestriction:  p.EnableModelRestriction,
		AllowedClients:          p.AllowedClients,
		EnableClientRestriction: p.EnableClientRestriction,
		AccountBindings:         p.AccountBindings,
		Tags:                    p.Tags,
		CreatedBy:               p.CreatedBy,
		CreatedByType:           p.CreatedByType,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := r.save(ctx, key); err != nil {
		return nil, "", err
	}
	if err := r.store.Set(ctx, hashIndexKey(hash), key.ID); err != nil {
		return nil, "", apierr.Wrap(apierr.KindStorage, "write hash index", err)
	}

	return key, raw, nil
}

func (r *Registry) generateKey() (raw, hash string, err error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = r.keyPrefix + hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(sum[:])
	return raw, hash, nil
}

// Validate hashes raw, resolves it through the hash index, loads the
// record, and enforces usability. A first use of an ACTIVATION-mode key
// stamps activated_at and computes expires_at.
func (r *Registry) Validate(ctx context.Context, raw string) (*APIKey, error) {
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	id, err := r.store.Get(ctx, hashIndexKey(hash))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apierr.New(apierr.KindInvalidKey, "invalid api key")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "lookup hash index", err)
	}

	key, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.IsDeleted {
		return nil, apierr.New(apierr.KindKeyDisabled, "api key has been deleted")
	}
	if !key.IsActive {
		return nil, apierr.New(apierr.KindKeyDisabled, "api key is disabled")
	}

	now := r.now()

	if key.ExpirationMode == ExpirationActivation && key.ActivatedAt == nil {
		key.ActivatedAt = &now
		key.ExpiresAt = activationExpiry(now, key.ActivationDays, key.ActivationUnit)
	}

	if key.ExpiresAt != nil && !now.Before(*key.ExpiresAt) {
		return nil, apierr.New(apierr.KindKeyExpired, "api key has expired")
	}

	key.LastUsedAt = &now
	key.UpdatedAt = now
	if err := r.save(ctx, key); err != nil {
		return nil, err
	}

	return key, nil
}

func activationExpiry(from time.Time, days int, unit ActivationUnit) *time.Time {
	var d time.Duration
	switch unit {
	case ActivationUnitHours:
		d = time.Duration(days) * time.Hour
	default:
		d = time.Duration(days) * 24 * time.Hour
	}
	t := from.Add(d)
	return &t
}

// Get loads one record by id.
func (r *Registry) Get(ctx context.Context, id string) (*APIKey, error) {
	raw, err := r.store.HGet(ctx, recordKey(id), recordField)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apierr.New(apierr.KindInvalidKey, "invalid api key")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "load api key record", err)
	}

	var key APIKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "decode api key record", err)
	}
	return &key, nil
}

func (r *Registry) save(ctx context.Context, key *APIKey) error {
	blob, err := json.Marshal(key)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "encode api key record", err)
	}
	if err := r.store.HSet(ctx, recordKey(key.ID), recordField, string(blob)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "save api key record", err)
	}
	return nil
}

// SoftDelete flips is_deleted and records deletion metadata; the hash index
// entry is left in place so Validate can distinguish "unknown" from
// "disabled".
func (r *Registry) SoftDelete(ctx context.Context, id, deletedBy string) error {
	key, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()
	key.IsDeleted = true
	key.DeletedAt = &now
	key.DeletedBy = deletedBy
	key.UpdatedAt = now
	return r.save(ctx, key)
}

// Restore reverses SoftDelete.
func (r *Registry) Restore(ctx context.Context, id string) error {
	key, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	key.IsDeleted = false
	key.DeletedAt = nil
	key.DeletedBy = ""
	key.UpdatedAt = r.now()
	return r.save(ctx, key)
}

// Delete permanently removes the record and its hash index entry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	key, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Del(ctx, recordKey(id)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "delete api key record", err)
	}
	if err := r.store.Del(ctx, hashIndexKey(key.KeyHash)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "delete hash index", err)
	}
	return nil
}

// ResetDailyStats clears only today's usage bucket for id, leaving total
// and weekly-opus counters untouched.
func (r *Registry) ResetDailyStats(ctx context.Context, id string) error {
	date := r.now().UTC().Format("2006-01-02")
	bucket := dailyUsageKey(id, date)
	// Each counter lives at its own key (see incrBucketCounters).
	for _, field := range []string{"request_count", "input_tokens", "output_tokens", "cache_creation_tokens", "cache_read_tokens", "cost"} {
		if err := r.store.Del(ctx, bucket+":"+field); err != nil {
			return apierr.Wrap(apierr.KindStorage, "reset daily stats", err)
		}
	}
	return nil
}
