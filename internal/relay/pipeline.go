package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/pricing"
	"github.com/wayfind-oss/relaygate/internal/refresh"
	"github.com/wayfind-oss/relaygate/internal/scheduler"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// AccountSelector is the subset of scheduler.Scheduler the pipeline needs,
// so tests can substitute a fake without spinning up a real account pool.
type AccountSelector interface {
	Select(ctx context.Context, p scheduler.SelectParams) (*account.Account, error)
	MarkRateLimited(ctx context.Context, accountID string, until time.Time) error
}

// TokenFreshener is the subset of refresh.Coordinator the pipeline needs.
type TokenFreshener interface {
	EnsureFresh(ctx context.Context, acc *account.Account) (string, error)
	ForceRefresh(ctx context.Context, acc *account.Account) (string, error)
}

// CostObserver accumulates billed cost for the gateway_cost_usd_total
// metric, broken down by platform and API key.
type CostObserver interface {
	AddCost(platform, keyID string, usd float64)
}

// CircuitBreaker gates and reports on upstream calls per platform. Narrowed
// to the subset of proxy.CircuitBreaker the pipeline needs.
type CircuitBreaker interface {
	Allow(provider string) bool
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Pipeline takes one already-authenticated client request and carries it
// through scheduling, token refresh, upstream forwarding, and usage
// accounting.
type Pipeline struct {
	scheduler AccountSelector
	refresher TokenFreshener
	apikeys   *apikey.Registry
	prices    *pricing.Table
	adapters  map[account.Platform]Adapter
	log       *slog.Logger
	now       func() time.Time
	cost      CostObserver
	breaker   CircuitBreaker
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAdapters overrides the default platform → Adapter map, for tests.
func WithAdapters(a map[account.Platform]Adapter) Option {
	return func(p *Pipeline) { p.adapters = a }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithCostObserver wires a metrics sink that accumulates billed cost per
// platform and API key.
func WithCostObserver(o CostObserver) Option {
	return func(p *Pipeline) { p.cost = o }
}

// WithCircuitBreaker wires a per-platform circuit breaker around upstream
// calls: an open breaker short-circuits Forward with KindUpstreamError
// before an adapter is ever invoked.
func WithCircuitBreaker(b CircuitBreaker) Option {
	return func(p *Pipeline) { p.breaker = b }
}

// New builds a Pipeline. sched and refresher are narrowed to the
// interfaces above so a caller can wire either the real scheduler.Scheduler
// and refresh.Coordinator or a test double.
func New(sched AccountSelector, refresher TokenFreshener, apikeys *apikey.Registry, prices *pricing.Table, opts ...Option) *Pipeline {
	p := &Pipeline{
		scheduler: sched,
		refresher: refresher,
		apikeys:   apikeys,
		prices:    prices,
		adapters:  adapters,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request is one incoming client call, already authenticated against an
// APIKey by the caller.
type Request struct {
	Key         *apikey.APIKey
	Platform    account.Platform
	Model       string
	Body        []byte
	Headers     http.Header
	Stream      bool
	IdleTimeout time.Duration // overrides DefaultTimeout/StreamingTimeout when set
}

// Response is what the caller relays back to the client.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	BodyStream io.ReadCloser
	Usage      pricing.Usage
	CostUSD    float64

	// Account is the account the request was forwarded through. Set for
	// streaming responses so the caller can pass it back into
	// RecordStreamUsage once it has drained BodyStream and parsed out the
	// trailing usage event; nil-safe to ignore for non-streaming calls
	// since their usage is already recorded before Forward returns.
	Account *account.Account
}

// Forward runs one request through the full C8 flow: select an account,
// ensure its token is fresh, forward the request, and — for non-streaming
// calls — record usage before returning. Streaming calls return a live
// BodyStream the caller must drain and Close; RecordStreamUsage finalizes
// accounting once the caller has parsed the trailing usage event out of
// the SSE body it relayed.
func (p *Pipeline) Forward(ctx context.Context, req Request) (*Response, error) {
	sessionHash := computeSessionHash(req.Body)

	acc, err := p.scheduler.Select(ctx, scheduler.SelectParams{
		Key: req.Key, Platform: req.Platform, Model: req.Model, SessionHash: sessionHash,
	})
	if err != nil {
		return nil, err
	}

	adapter, ok := p.adapters[req.Platform]
	if !ok {
		return nil, apierr.New(apierr.KindInternal, "no adapter registered for platform")
	}

	platform := string(req.Platform)
	if p.breaker != nil && !p.breaker.Allow(platform) {
		return nil, apierr.New(apierr.KindUpstreamError, "circuit breaker open for "+platform)
	}

	resp, err := p.forwardOnce(ctx, adapter, acc, req, false)
	if err != nil {
		if p.breaker != nil {
			p.breaker.RecordFailure(platform)
		}
		return nil, err
	}
	if p.breaker != nil {
		if resp.StatusCode >= 500 {
			p.breaker.RecordFailure(platform)
		} else {
			p.breaker.RecordSuccess(platform)
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// The cached token may have been revoked out of band while still
		// looking unexpired locally; force an upstream refresh and retry
		// exactly once before surfacing the failure.
		resp, err = p.retryAfterRefresh(ctx, adapter, acc, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, apierr.New(apierr.KindTokenRefreshFailed, "upstream still rejects the refreshed token")
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		p.handleRateLimit(ctx, adapter, acc, resp)
	}

	if resp.StatusCode >= 500 {
		p.log.Warn("relay: upstream server error", slog.String("account", acc.ID), slog.Int("status", resp.StatusCode))
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: filterClientHeaders(resp.Headers)}

	if req.Stream {
		out.BodyStream = resp.BodyStream
		out.Account = acc
		return out, nil
	}

	out.Body = resp.Body
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		usage := extractUsage(resp.Body)
		cost := p.prices.Compute(req.Model, usage)
		out.Usage = usage
		out.CostUSD, _ = cost.CostUSD.Float64()
		p.recordUsage(ctx, req, acc, usage, out.CostUSD)
	}

	return out, nil
}

// RecordStreamUsage finalizes accounting for a streamed request once the
// caller has scanned the relayed SSE body and extracted the final usage
// event (or partial usage, if the client disconnected mid-stream —
// partial usage is still billed).
func (p *Pipeline) RecordStreamUsage(ctx context.Context, req Request, acc *account.Account, usage pricing.Usage) float64 {
	cost := p.prices.Compute(req.Model, usage)
	costUSD, _ := cost.CostUSD.Float64()
	p.recordUsage(ctx, req, acc, usage, costUSD)
	return costUSD
}

func (p *Pipeline) forwardOnce(ctx context.Context, adapter Adapter, acc *account.Account, req Request, forceRefresh bool) (*UpstreamResponse, error) {
	var token string
	var err error
	if forceRefresh {
		token, err = p.refresher.ForceRefresh(ctx, acc)
	} else {
		token, err = p.refresher.EnsureFresh(ctx, acc)
	}
	if err != nil {
		return nil, err
	}

	timeout := req.IdleTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
		if req.Stream {
			timeout = StreamingTimeout
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	if !req.Stream {
		defer cancel()
	}
	// A streaming call's context must stay alive until the client
	// disconnects or the stream ends, well past this function's return, so
	// its cancel is intentionally not deferred here; StreamingTimeout still
	// bounds it as an upper limit.

	upstreamReq := UpstreamRequest{
		Body:        req.Body,
		Headers:     filterClientHeaders(req.Headers),
		AccessToken: token,
		Account:     acc,
		Model:       req.Model,
		Stream:      req.Stream,
	}

	resp, err := adapter.Do(callCtx, upstreamReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamError, "upstream request failed", err)
	}
	return resp, nil
}

func (p *Pipeline) retryAfterRefresh(ctx context.Context, adapter Adapter, acc *account.Account, req Request) (*UpstreamResponse, error) {
	if err := p.apikeys.CheckRateLimit(ctx, req.Key); err != nil {
		// Defensive: a 401 retry storm should not bypass the key's own
		// rate limit. Each CheckRateLimit call records one request in the
		// key's window, so the retry counts as a second request.
		return nil, err
	}
	return p.forwardOnce(ctx, adapter, acc, req, true)
}

func (p *Pipeline) handleRateLimit(ctx context.Context, adapter Adapter, acc *account.Account, resp *UpstreamResponse) {
	d, ok := adapter.RetryAfter(resp)
	if !ok {
		d = time.Minute
	}
	until := p.now().Add(d)
	if err := p.scheduler.MarkRateLimited(ctx, acc.ID, until); err != nil {
		p.log.Warn("relay: failed to mark account rate limited", slog.String("account", acc.ID), slog.Any("error", err))
	}
}

func (p *Pipeline) recordUsage(ctx context.Context, req Request, acc *account.Account, usage pricing.Usage, costUSD float64) {
	rec := apikey.UsageRecord{
		KeyID:               req.Key.ID,
		AccountID:           acc.ID,
		Model:               req.Model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CostUSD:             costUSD,
		Timestamp:           p.now(),
	}
	if err := p.apikeys.RecordUsage(ctx, rec); err != nil {
		p.log.Warn("relay: failed to record usage", slog.String("key", req.Key.ID), slog.Any("error", err))
	}
	if p.cost != nil {
		p.cost.AddCost(string(req.Platform), req.Key.ID, costUSD)
	}
}

// extractUsage reads the vendor-agnostic subset of usage fields every
// supported platform's non-streaming response shares the shape of
// (Anthropic's top-level "usage", OpenAI's top-level "usage", Gemini's
// "usageMetadata", Bedrock Converse's "usage").
func extractUsage(body []byte) pricing.Usage {
	root := gjson.ParseBytes(body)

	if u := root.Get("usage"); u.Exists() {
		return pricing.Usage{
			InputTokens:         firstInt(u, "input_tokens", "prompt_tokens", "inputTokens"),
			OutputTokens:        firstInt(u, "output_tokens", "completion_tokens", "outputTokens"),
			CacheCreationTokens: u.Get("cache_creation_input_tokens").Int(),
			CacheReadTokens:     u.Get("cache_read_input_tokens").Int(),
		}
	}
	if u := root.Get("usageMetadata"); u.Exists() {
		return pricing.Usage{
			InputTokens:  u.Get("promptTokenCount").Int(),
			OutputTokens: u.Get("candidatesTokenCount").Int(),
		}
	}
	return pricing.Usage{}
}

func firstInt(r gjson.Result, fields ...string) int64 {
	for _, f := range fields {
		if v := r.Get(f); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
