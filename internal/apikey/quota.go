package apikey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wayfind-oss/relaygate/internal/kv"
	"github.com/wayfind-oss/relaygate/internal/modelname"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// CheckRateLimit enforces the per-key sliding-window request-count limit
// using a sorted set scored by request timestamp. A zero
// RateLimitRequests/RateLimitWindowSeconds disables the check.
func (r *Registry) CheckRateLimit(ctx context.Context, key *APIKey) error {
	if key.Limits.RateLimitRequests <= 0 || key.Limits.RateLimitWindowSeconds <= 0 {
		return nil
	}

	zkey := rateReqKey(key.ID)
	window := time.Duration(key.Limits.RateLimitWindowSeconds) * time.Second
	now := r.now()
	cutoff := float64(now.Add(-window).UnixNano())

	if err := r.store.ZRemRangeByScore(ctx, zkey, 0, cutoff); err != nil {
		return apierr.Wrap(apierr.KindStorage, "trim rate limit window", err)
	}

	count, err := r.store.ZCard(ctx, zkey)
	if err != nil {
		return apierr.Wrap(apierr.KindStorage, "count rate limit window", err)
	}
	if count >= int64(key.Limits.RateLimitRequests) {
		r.notifyQuotaExhausted(ctx, key.ID, "rate_limit_requests")
		return apierr.New(apierr.KindRateLimitExceeded, "request rate limit exceeded")
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	if err := r.store.ZAdd(ctx, zkey, float64(now.UnixNano()), member); err != nil {
		return apierr.Wrap(apierr.KindStorage, "record rate limit event", err)
	}
	if err := r.store.Expire(ctx, zkey, window); err != nil {
		return apierr.Wrap(apierr.KindStorage, "set rate limit window ttl", err)
	}
	return nil
}

// CheckCostRateLimit mirrors CheckRateLimit over the parallel cost-event
// sorted set: members encode "<unix-nano>:<cost>" so the window sum can be
// reconstructed without a separate running counter that would drift out of
// sync with ZREMRANGEBYSCORE trimming.
func (r *Registry) CheckCostRateLimit(ctx context.Context, key *APIKey, projectedCost float64) error {
	if key.Limits.RateLimitCost <= 0 || key.Limits.RateLimitWindowSeconds <= 0 {
		return nil
	}

	zkey := rateCostKey(key.ID)
	window := time.Duration(key.Limits.RateLimitWindowSeconds) * time.Second
	now := r.now()
	cutoff := float64(now.Add(-window).UnixNano())

	if err := r.store.ZRemRangeByScore(ctx, zkey, 0, cutoff); err != nil {
		return apierr.Wrap(apierr.KindStorage, "trim cost rate limit window", err)
	}

	members, err := r.store.ZRangeByScore(ctx, zkey, cutoff, float64(now.UnixNano()))
	if err != nil {
		return apierr.Wrap(apierr.KindStorage, "read cost rate limit window", err)
	}

	var sum float64
	for _, m := range members {
		sum += parseCostEventMember(m)
	}

	if sum+projectedCost > key.Limits.RateLimitCost {
		r.notifyQuotaExhausted(ctx, key.ID, "rate_limit_cost")
		return apierr.New(apierr.KindRateLimitExceeded, "cost rate limit exceeded")
	}

	if err := r.store.ZAdd(ctx, zkey, float64(now.UnixNano()), costEventMember(now, projectedCost)); err != nil {
		return apierr.Wrap(apierr.KindStorage, "record cost rate limit event", err)
	}
	return r.store.Expire(ctx, zkey, window)
}

func costEventMember(now time.Time, cost float64) string {
	return fmt.Sprintf("%d:%f", now.UnixNano(), cost)
}

func parseCostEventMember(member string) float64 {
	_, costStr, ok := strings.Cut(member, ":")
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(costStr, 64)
	if err != nil {
		return 0
	}
	return f
}

// CheckCostLimits enforces the daily, total, and (when the model is in the
// Opus family) weekly-opus cost ceilings.
func (r *Registry) CheckCostLimits(ctx context.Context, key *APIKey, model string, projectedCost float64) error {
	now := r.now().UTC()
	date := now.Format("2006-01-02")
	year, week := now.ISOWeek()
	isoWeek := fmt.Sprintf("%d-W%02d", year, week)

	if key.Limits.DailyCostLimit > 0 {
		daily, err := r.currentCost(ctx, dailyUsageKey(key.ID, date))
		if err != nil {
			return err
		}
		if daily+projectedCost > key.Limits.DailyCostLimit {
			r.notifyQuotaExhausted(ctx, key.ID, "daily_cost")
			return apierr.New(apierr.KindCostLimitExceeded, "daily cost limit exceeded")
		}
	}

	if key.Limits.TotalCostLimit > 0 {
		total, err := r.currentCost(ctx, totalUsageKey(key.ID))
		if err != nil {
			return err
		}
		if total+projectedCost > key.Limits.TotalCostLimit {
			r.notifyQuotaExhausted(ctx, key.ID, "total_cost")
			return apierr.New(apierr.KindCostLimitExceeded, "total cost limit exceeded")
		}
	}

	if key.Limits.WeeklyOpusCostLimit > 0 && modelname.IsOpus(model) {
		weekly, err := r.currentCost(ctx, weeklyOpusKey(key.ID, isoWeek))
		if err != nil {
			return err
		}
		if weekly+projectedCost > key.Limits.WeeklyOpusCostLimit {
			r.notifyQuotaExhausted(ctx, key.ID, "weekly_opus_cost")
			return apierr.New(apierr.KindCostLimitExceeded, "weekly opus cost limit exceeded")
		}
	}

	return nil
}

func (r *Registry) currentCost(ctx context.Context, bucketKey string) (float64, error) {
	v, err := r.store.Get(ctx, bucketKey+":cost")
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apierr.Wrap(apierr.KindStorage, "load cost bucket", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, nil
	}
	return f, nil
}

// RecordUsage atomically increments the token and cost counters implied by
// rec, bucketed by UTC date / ISO week so rollover is implicit.
func (r *Registry) RecordUsage(ctx context.Context, rec UsageRecord) error {
	date := rec.Timestamp.UTC().Format("2006-01-02")
	year, week := rec.Timestamp.UTC().ISOWeek()
	isoWeek := fmt.Sprintf("%d-W%02d", year, week)

	buckets := []string{dailyUsageKey(rec.KeyID, date), totalUsageKey(rec.KeyID)}
	if modelname.IsOpus(rec.Model) {
		buckets = append(buckets, weeklyOpusKey(rec.KeyID, isoWeek))
	}

	for _, bucket := range buckets {
		if err := r.incrBucketCounters(ctx, bucket, rec); err != nil {
			return err
		}
	}
	return nil
}

// incrBucketCounters performs the actual atomic increments for one usage
// bucket. Each counter lives at its own key (bucket + ":" + field) so every
// increment is a single INCRBY/INCRBYFLOAT rather than a read-modify-write
// of a hash, keeping concurrent updates to the same bucket race-free.
func (r *Registry) incrBucketCounters(ctx context.Context, bucket string, rec UsageRecord) error {
	counts := []struct {
		field string
		delta int64
	}{
		{"request_count", 1},
		{"input_tokens", rec.InputTokens},
		{"output_tokens", rec.OutputTokens},
		{"cache_creation_tokens", rec.CacheCreationTokens},
		{"cache_read_tokens", rec.CacheReadTokens},
	}
	for _, c := range counts {
		if _, err := r.store.IncrBy(ctx, bucket+":"+c.field, c.delta); err != nil {
			return apierr.Wrap(apierr.KindStorage, "increment usage counter", err)
		}
	}
	if _, err := r.store.IncrByFloat(ctx, bucket+":cost", rec.CostUSD); err != nil {
		return apierr.Wrap(apierr.KindStorage, "increment cost counter", err)
	}
	return nil
}

// AcquireConcurrency increments the concurrency gauge for key, failing if
// it would exceed the configured limit. Callers must call the returned
// release function on every exit path (success, error, client
// cancellation) — typically via defer.
func (r *Registry) AcquireConcurrency(ctx context.Context, key *APIKey) (release func(), err error) {
	noop := func() {}
	if key.Limits.ConcurrencyLimit <= 0 {
		return noop, nil
	}

	ckey := concurrentKey(key.ID)
	n, err := r.store.Incr(ctx, ckey)
	if err != nil {
		return noop, apierr.Wrap(apierr.KindStorage, "acquire concurrency slot", err)
	}
	if n > int64(key.Limits.ConcurrencyLimit) {
		_, _ = r.store.Decr(ctx, ckey)
		return noop, apierr.New(apierr.KindConcurrencyLimitExceeded, "concurrency limit exceeded")
	}

	return func() {
		_, _ = r.store.Decr(ctx, ckey)
	}, nil
}
