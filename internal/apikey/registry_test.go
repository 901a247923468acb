package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

func newTestRegistry(t *testing.T, now func() time.Time) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	if now == nil {
		now = time.Now
	}
	return New(store, WithClock(now))
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key, raw, err := r.Issue(ctx, IssueParams{Name: "test", Permissions: PermissionAll})
	if err != nil {
		t.Fatal(err)
	}
	if raw == "" || key.ID == "" {
		t.Fatalf("expected non-empty raw key and id, got %q %q", raw, key.ID)
	}

	got, err := r.Validate(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != key.ID {
		t.Fatalf("got %q, want %q", got.ID, key.ID)
	}
	if got.LastUsedAt == nil {
		t.Fatal("expected LastUsedAt to be stamped")
	}
}

func TestValidateUnknownKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	_, err := r.Validate(ctx, "cr_does-not-exist")
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindInvalidKey {
		t.Fatalf("expected KindInvalidKey, got %v", err)
	}
}

func TestValidateDisabledKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key, raw, err := r.Issue(ctx, IssueParams{Name: "disabled"})
	if err != nil {
		t.Fatal(err)
	}
	key.IsActive = false
	if err := r.save(ctx, key); err != nil {
		t.Fatal(err)
	}

	_, err = r.Validate(ctx, raw)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindKeyDisabled {
		t.Fatalf("expected KindKeyDisabled, got %v", err)
	}
}

func TestValidateExpiredFixedKey(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := newTestRegistry(t, func() time.Time { return now })

	past := now.Add(-time.Hour)
	_, raw, err := r.Issue(ctx, IssueParams{
		Name:           "expired",
		ExpirationMode: ExpirationFixed,
		ExpiresAt:      &past,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Validate(ctx, raw)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindKeyExpired {
		t.Fatalf("expected KindKeyExpired, got %v", err)
	}
}

func TestActivationModeStampsOnFirstUse(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := newTestRegistry(t, func() time.Time { return now })

	_, raw, err := r.Issue(ctx, IssueParams{
		Name:           "activation",
		ExpirationMode: ExpirationActivation,
		ActivationDays: 7,
		ActivationUnit: ActivationUnitDays,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Validate(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActivatedAt == nil {
		t.Fatal("expected ActivatedAt to be stamped on first use")
	}
	wantExpiry := now.Add(7 * 24 * time.Hour)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, got.ExpiresAt)
	}
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key, raw, err := r.Issue(ctx, IssueParams{Name: "soft-delete"})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SoftDelete(ctx, key.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Validate(ctx, raw); err == nil {
		t.Fatal("expected validate to fail for a soft-deleted key")
	}

	if err := r.Restore(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Validate(ctx, raw); err != nil {
		t.Fatalf("expected validate to succeed after restore: %v", err)
	}
}

func TestCheckRateLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k1", Limits: Limits{RateLimitRequests: 2, RateLimitWindowSeconds: 60}}

	if err := r.CheckRateLimit(ctx, key); err != nil {
		t.Fatal(err)
	}
	if err := r.CheckRateLimit(ctx, key); err != nil {
		t.Fatal(err)
	}
	err := r.CheckRateLimit(ctx, key)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindRateLimitExceeded {
		t.Fatalf("expected KindRateLimitExceeded on third request, got %v", err)
	}
}

func TestCheckCostRateLimit(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k2", Limits: Limits{RateLimitCost: 1.0, RateLimitWindowSeconds: 60}}

	if err := r.CheckCostRateLimit(ctx, key, 0.4); err != nil {
		t.Fatal(err)
	}
	if err := r.CheckCostRateLimit(ctx, key, 0.4); err != nil {
		t.Fatal(err)
	}
	err := r.CheckCostRateLimit(ctx, key, 0.4)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindRateLimitExceeded {
		t.Fatalf("expected cost window to reject the third 0.4 increment (sum 1.2 > 1.0), got %v", err)
	}
}

func TestCheckCostLimitsDailyAndTotal(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k3", Limits: Limits{DailyCostLimit: 5, TotalCostLimit: 5}}

	if err := r.CheckCostLimits(ctx, key, "claude-3-5-sonnet-20241022", 3); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordUsage(ctx, UsageRecord{KeyID: key.ID, Model: "claude-3-5-sonnet-20241022", CostUSD: 3, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	err := r.CheckCostLimits(ctx, key, "claude-3-5-sonnet-20241022", 3)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindCostLimitExceeded {
		t.Fatalf("expected daily cost limit to reject 3+3=6 > 5, got %v", err)
	}
}

func TestCheckCostLimitsWeeklyOpus(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k4", Limits: Limits{WeeklyOpusCostLimit: 10}}

	if err := r.RecordUsage(ctx, UsageRecord{KeyID: key.ID, Model: "claude-opus-4-1", CostUSD: 8, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	// non-opus usage should not count against the opus-only weekly limit.
	if err := r.CheckCostLimits(ctx, key, "claude-3-5-haiku-20241022", 5); err != nil {
		t.Fatal(err)
	}

	err := r.CheckCostLimits(ctx, key, "claude-opus-4-1", 5)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindCostLimitExceeded {
		t.Fatalf("expected weekly opus limit to reject 8+5=13 > 10, got %v", err)
	}
}

func TestAcquireConcurrency(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k5", Limits: Limits{ConcurrencyLimit: 1}}

	release1, err := r.AcquireConcurrency(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.AcquireConcurrency(ctx, key)
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindConcurrencyLimitExceeded {
		t.Fatalf("expected KindConcurrencyLimitExceeded while slot is held, got %v", err)
	}

	release1()

	release2, err := r.AcquireConcurrency(ctx, key)
	if err != nil {
		t.Fatalf("expected slot to be free after release, got %v", err)
	}
	release2()
}

func TestResetDailyStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil)

	key := &APIKey{ID: "k6", Limits: Limits{DailyCostLimit: 5}}
	if err := r.RecordUsage(ctx, UsageRecord{KeyID: key.ID, Model: "gpt-4o", CostUSD: 4, Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := r.CheckCostLimits(ctx, key, "gpt-4o", 2); err == nil {
		t.Fatal("expected 4+2=6 > 5 to be rejected before reset")
	}

	if err := r.ResetDailyStats(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.CheckCostLimits(ctx, key, "gpt-4o", 2); err != nil {
		t.Fatalf("expected daily bucket to be cleared after reset, got %v", err)
	}
}
