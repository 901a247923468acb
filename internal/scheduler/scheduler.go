// Package scheduler implements the account scheduler: sticky-session
// reuse, dedicated-account pinning, and a priority/LRU weighted pick over
// the remaining shared pool.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// DefaultStickyTTL is the sticky-session binding window.
const DefaultStickyTTL = time.Hour

func stickyKey(keyID, sessionHash string) string { return "sticky:" + keyID + ":" + sessionHash }

// SelectionObserver records which selection tier satisfied a Select call,
// for the gateway_scheduler_selections_total metric. Narrowed to this one
// method so the scheduler package never imports internal/metrics directly.
type SelectionObserver interface {
	RecordSchedulerSelection(platform, tier string)
}

// Scheduler picks which account serves a given relay request.
type Scheduler struct {
	accounts  *account.Registry
	store     *kv.Store
	stickyTTL time.Duration
	now       func() time.Time
	observer  SelectionObserver
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStickyTTL overrides DefaultStickyTTL.
func WithStickyTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.stickyTTL = ttl
		}
	}
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSelectionObserver wires a metrics sink that records which tier
// (sticky, dedicated, priority_lru) satisfied each Select call.
func WithSelectionObserver(o SelectionObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New builds a Scheduler backed by accounts and store.
func New(accounts *account.Registry, store *kv.Store, opts ...Option) *Scheduler {
	s := &Scheduler{accounts: accounts, store: store, stickyTTL: DefaultStickyTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) observe(platform account.Platform, tier string) {
	if s.observer != nil {
		s.observer.RecordSchedulerSelection(string(platform), tier)
	}
}

// SelectParams is one account-selection request.
type SelectParams struct {
	Key         *apikey.APIKey
	Platform    account.Platform
	Model       string
	SessionHash string // empty string means "no session affinity requested"
}

// Select implements the five-step selection algorithm: sticky hit,
// dedicated binding, candidate pool, weighted pick, bind & return.
func (s *Scheduler) Select(ctx context.Context, p SelectParams) (*account.Account, error) {
	if !p.Key.AllowsModel(p.Model) {
		return nil, apierr.New(apierr.KindPermissionDenied, "model not permitted for this api key")
	}

	if p.SessionHash != "" {
		if acc, ok, err := s.stickyHit(ctx, p); err != nil {
			return nil, err
		} else if ok {
			s.observe(p.Platform, "sticky")
			return acc, nil
		}
	}

	if boundID, hasBinding := p.Key.AccountBindings[apikey.Platform(p.Platform)]; hasBinding && boundID != "" {
		acc, err := s.accounts.Get(ctx, boundID)
		if err != nil || !acc.Usable(s.now()) {
			// A dedicated binding never silently falls back to a different
			// account, even when the bound one is temporarily unusable.
			return nil, apierr.New(apierr.KindNoAvailableAccounts, "bound account is not available")
		}
		s.observe(p.Platform, "dedicated")
		return s.bind(ctx, p, acc)
	}

	candidates, err := s.candidatePool(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apierr.New(apierr.KindNoAvailableAccounts, "no available accounts")
	}

	s.observe(p.Platform, "priority_lru")
	return s.bind(ctx, p, pickByPriorityThenLRU(candidates))
}

func (s *Scheduler) stickyHit(ctx context.Context, p SelectParams) (*account.Account, bool, error) {
	key := stickyKey(p.Key.ID, p.SessionHash)

	boundID, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.Wrap(apierr.KindStorage, "read sticky binding", err)
	}

	acc, err := s.accounts.Get(ctx, boundID)
	if err != nil {
		// The sticky binding outlived its account (deleted or rotated);
		// fall through to full selection rather than failing the request.
		return nil, false, nil
	}
	if !acc.Usable(s.now()) || !s.reachable(acc, p.Key) {
		return nil, false, nil
	}

	if err := s.store.Expire(ctx, key, s.stickyTTL); err != nil {
		return nil, false, apierr.Wrap(apierr.KindStorage, "refresh sticky binding ttl", err)
	}
	return acc, true, nil
}

func (s *Scheduler) candidatePool(ctx context.Context, p SelectParams) ([]*account.Account, error) {
	all, err := s.accounts.List(ctx, account.ListParams{Platform: p.Platform, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	now := s.now()
	candidates := make([]*account.Account, 0, len(all))
	for _, acc := range all {
		if !acc.Usable(now) {
			continue
		}
		// Dedicated accounts are only reachable through an explicit
		// key binding (handled earlier in Select), never through the
		// general pool.
		if acc.AccountType == account.TypeDedicated {
			continue
		}
		candidates = append(candidates, acc)
	}
	return candidates, nil
}

// reachable reports whether key may use acc at all: shared accounts are
// reachable by any key, group accounts are reachable by any key that can
// reach their group (group membership is out of this scope's
// implementation — see DESIGN.md), and dedicated accounts are reachable
// only through an explicit AccountBindings entry matching acc exactly.
func (s *Scheduler) reachable(acc *account.Account, key *apikey.APIKey) bool {
	switch acc.AccountType {
	case account.TypeShared, account.TypeGroup:
		return true
	case account.TypeDedicated:
		bound, ok := key.AccountBindings[apikey.Platform(acc.Platform)]
		return ok && bound == acc.ID
	default:
		return false
	}
}

// pickByPriorityThenLRU partitions candidates by their highest priority
// value, then picks the least-recently-used account within that top
// partition (an account that has never been used sorts before one that
// has, since its LastUsedAt is the zero time).
func pickByPriorityThenLRU(candidates []*account.Account) *account.Account {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	topPriority := candidates[0].Priority
	var top []*account.Account
	for _, acc := range candidates {
		if acc.Priority != topPriority {
			break
		}
		top = append(top, acc)
	}

	sort.SliceStable(top, func(i, j int) bool {
		return lastUsedOrZero(top[i]).Before(lastUsedOrZero(top[j]))
	})
	return top[0]
}

func lastUsedOrZero(acc *account.Account) time.Time {
	if acc.LastUsedAt == nil {
		return time.Time{}
	}
	return *acc.LastUsedAt
}

func (s *Scheduler) bind(ctx context.Context, p SelectParams, acc *account.Account) (*account.Account, error) {
	if p.SessionHash != "" {
		if err := s.store.SetEX(ctx, stickyKey(p.Key.ID, p.SessionHash), acc.ID, s.stickyTTL); err != nil {
			return nil, apierr.Wrap(apierr.KindStorage, "write sticky binding", err)
		}
	}
	if err := s.accounts.TouchLastUsed(ctx, acc.ID); err != nil {
		return nil, err
	}
	now := s.now()
	acc.LastUsedAt = &now
	return acc, nil
}

// MarkRateLimited delegates to the account registry, marking acc
// RATE_LIMITED until the given deadline after an upstream 429. The relay
// calls it for every 429, using a one-minute deadline when the response
// carries no retry-after hint.
func (s *Scheduler) MarkRateLimited(ctx context.Context, accountID string, until time.Time) error {
	return s.accounts.MarkRateLimited(ctx, accountID, until)
}
