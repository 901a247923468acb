package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/vault"
)

func newTestSetup(t *testing.T, now func() time.Time) (*Scheduler, *account.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.New(rdb)
	v := vault.New([]byte("test-vault-secret-at-least-16-bytes"))
	accounts := account.New(store, v)
	if now == nil {
		now = time.Now
	}
	sched := New(accounts, store, WithClock(now))
	return sched, accounts
}

func TestSelectPicksHighestPriority(t *testing.T) {
	ctx := context.Background()
	sched, accounts := newTestSetup(t, nil)

	low, err := accounts.Create(ctx, account.CreateParams{Name: "low", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	high, err := accounts.Create(ctx, account.CreateParams{Name: "high", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 10})
	if err != nil {
		t.Fatal(err)
	}
	_ = low

	key := &apikey.APIKey{ID: "k1", Permissions: apikey.PermissionAll}
	acc, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "claude-3-5-sonnet-20241022"})
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != high.ID {
		t.Fatalf("expected highest-priority account to win, got %q", acc.Name)
	}
}

func TestSelectPicksLeastRecentlyUsedWithinTopPriority(t *testing.T) {
	ctx := context.Background()
	sched, accounts := newTestSetup(t, nil)

	a, err := accounts.Create(ctx, account.CreateParams{Name: "a", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 5})
	if err != nil {
		t.Fatal(err)
	}
	b, err := accounts.Create(ctx, account.CreateParams{Name: "b", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 5})
	if err != nil {
		t.Fatal(err)
	}

	// "a" already used recently; "b" never used — "b" should win.
	if err := accounts.TouchLastUsed(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	key := &apikey.APIKey{ID: "k1", Permissions: apikey.PermissionAll}
	acc, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != b.ID {
		t.Fatalf("expected never-used account to win LRU tiebreak, got %q", acc.Name)
	}
}

func TestSelectRejectsDisallowedModel(t *testing.T) {
	ctx := context.Background()
	sched, accounts := newTestSetup(t, nil)
	if _, err := accounts.Create(ctx, account.CreateParams{Name: "a", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true}); err != nil {
		t.Fatal(err)
	}

	key := &apikey.APIKey{
		ID: "k1", Permissions: apikey.PermissionAll,
		EnableModelRestriction: true,
		RestrictedModels:       []string{"claude-opus-4-1"},
	}
	if _, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "claude-opus-4-1"}); err == nil {
		t.Fatal("expected blacklisted model to be rejected")
	}
}

func TestSelectHonorsDedicatedBindingAndNeverFallsBack(t *testing.T) {
	ctx := context.Background()
	sched, accounts := newTestSetup(t, nil)

	dedicated, err := accounts.Create(ctx, account.CreateParams{Name: "dedicated", Platform: account.PlatformClaude, AccountType: account.TypeDedicated, Schedulable: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := accounts.Create(ctx, account.CreateParams{Name: "shared", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 100}); err != nil {
		t.Fatal(err)
	}

	key := &apikey.APIKey{
		ID: "k1", Permissions: apikey.PermissionAll,
		AccountBindings: map[apikey.Platform]string{apikey.PlatformClaude: dedicated.ID},
	}

	acc, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != dedicated.ID {
		t.Fatalf("expected dedicated binding to win over a higher-priority shared account, got %q", acc.Name)
	}

	// Disable the dedicated account: selection must fail, not fall back
	// to the shared account.
	if err := accounts.SetActive(ctx, dedicated.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "gpt-4o"}); err == nil {
		t.Fatal("expected selection to fail rather than silently fall back off a dedicated binding")
	}
}

func TestSelectReturnsStickyBindingAndRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	sched, accounts := newTestSetup(t, nil)

	first, err := accounts.Create(ctx, account.CreateParams{Name: "first", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := accounts.Create(ctx, account.CreateParams{Name: "second", Platform: account.PlatformClaude, AccountType: account.TypeShared, Schedulable: true, Priority: 100}); err != nil {
		t.Fatal(err)
	}

	key := &apikey.APIKey{ID: "k1", Permissions: apikey.PermissionAll}
	params := SelectParams{Key: key, Platform: account.PlatformClaude, Model: "gpt-4o", SessionHash: "abc123"}

	acc1, err := sched.Select(ctx, params)
	if err != nil {
		t.Fatal(err)
	}

	// Shorten the binding's TTL so the refresh on the next hit is visible.
	sk := stickyKey(key.ID, params.SessionHash)
	if err := sched.store.Expire(ctx, sk, time.Minute); err != nil {
		t.Fatal(err)
	}

	// Second call with the same session hash must be served from the
	// sticky binding: same account, and the binding's TTL reset.
	acc2, err := sched.Select(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if acc2.ID != acc1.ID {
		t.Fatalf("expected sticky hit to pin the same account, got %q then %q", acc1.Name, acc2.Name)
	}
	ttl, err := sched.store.TTL(ctx, sk)
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= time.Minute {
		t.Fatalf("expected sticky hit to refresh the binding TTL to %v, got %v", DefaultStickyTTL, ttl)
	}
	_ = first
}

func TestSelectNoAvailableAccounts(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestSetup(t, nil)

	key := &apikey.APIKey{ID: "k1", Permissions: apikey.PermissionAll}
	if _, err := sched.Select(ctx, SelectParams{Key: key, Platform: account.PlatformClaude, Model: "gpt-4o"}); err == nil {
		t.Fatal("expected no-available-accounts error when the pool is empty")
	}
}
