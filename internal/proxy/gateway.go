// Package proxy is the gateway's HTTP surface: it authenticates an inbound
// client API key, enforces its quotas, and forwards the request through
// the relay pipeline to whichever upstream account the scheduler
// selects.
//
// Key design constraints:
//   - Proxy overhead is kept off the hot path: no blocking I/O beyond the
//     registry/pipeline calls already required to serve the request.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are relayed byte-for-byte (SSE) and are never
//     buffered in full before the first byte reaches the client.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/wayfind-oss/relaygate/internal/account"
	"github.com/wayfind-oss/relaygate/internal/adminauth"
	"github.com/wayfind-oss/relaygate/internal/apikey"
	"github.com/wayfind-oss/relaygate/internal/metrics"
	"github.com/wayfind-oss/relaygate/internal/relay"
	"github.com/wayfind-oss/relaygate/pkg/apierr"
)

// AdminAuthenticator verifies the bearer token on /admin/* requests. It is
// an alias for adminauth.AdminAuthenticator so the HTTP layer depends only
// on the method set, not the concrete JWT implementation.
type AdminAuthenticator = adminauth.AdminAuthenticator

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// AllowedPlatforms maps each route prefix this gateway serves to the
	// account.Platform it targets (e.g. "claude" → account.PlatformClaude).
	AllowedPlatforms map[string]account.Platform
}

// Gateway is the main proxy: all dependencies are injected via the
// constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	pipeline *relay.Pipeline
	apikeys  *apikey.Registry
	health   *HealthChecker
	admin    AdminAuthenticator
	accounts AccountLookup
	log      *slog.Logger
	metrics  *metrics.Registry

	platforms map[string]account.Platform

	corsOrigins []string
}

// AccountLookup is the subset of account.Registry the admin routes need to
// look up one account by id.
type AccountLookup interface {
	Get(ctx context.Context, id string) (*account.Account, error)
}

// NewGateway creates a Gateway with default settings.
func NewGateway(pipeline *relay.Pipeline, keys *apikey.Registry, health *HealthChecker, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	platforms := opts.AllowedPlatforms
	if platforms == nil {
		platforms = map[string]account.Platform{
			"claude":  account.PlatformClaude,
			"openai":  account.PlatformOpenAI,
			"gemini":  account.PlatformGemini,
			"bedrock": account.PlatformBedrock,
		}
	}

	return &Gateway{
		pipeline:  pipeline,
		apikeys:   keys,
		health:    health,
		log:       log,
		metrics:   opts.Metrics,
		platforms: platforms,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetAdminAuthenticator wires the admin JWT authenticator used to gate the
// /admin/* route group. Nil leaves admin routes unregistered.
func (g *Gateway) SetAdminAuthenticator(a AdminAuthenticator) {
	g.admin = a
}

// SetAccountLookup wires the account registry the /admin/accounts/{id}
// route reads from. Nil leaves that route returning an internal error.
func (g *Gateway) SetAccountLookup(a AccountLookup) {
	g.accounts = a
}

// extractClientAPIKey pulls the bearer token out of the Authorization
// header, accepting both "Bearer <key>" and a bare key for clients that
// don't set the scheme (Gemini's own SDKs frequently omit it).
func extractClientAPIKey(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if auth == "" {
		auth = string(ctx.Request.Header.Peek("X-Api-Key"))
	}
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

// handleRelay is registered once per platform route prefix. It authenticates
// the client key, checks its quotas, and forwards the request body verbatim
// through the relay pipeline.
func (g *Gateway) handleRelay(platform account.Platform, route string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqBytes := len(ctx.PostBody())
		respBytes := -1

		if g.metrics != nil {
			g.metrics.IncInFlight()
		}
		defer func() {
			if g.metrics == nil {
				return
			}
			g.metrics.DecInFlight()
			if respBytes < 0 {
				respBytes = len(ctx.Response.Body())
			}
			status := ctx.Response.StatusCode()
			dur := time.Since(start)
			g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
			g.metrics.RecordRequest(string(platform), status, dur.Milliseconds())
		}()

		reqID, _ := ctx.UserValue("request_id").(string)

		rawKey := extractClientAPIKey(ctx)
		if rawKey == "" {
			apierr.Write(ctx, apierr.New(apierr.KindInvalidKey, "missing API key"))
			return
		}

		key, err := g.apikeys.Validate(ctx, rawKey)
		if err != nil {
			apierr.Write(ctx, err)
			return
		}
		if !key.Usable(time.Now()) {
			apierr.Write(ctx, apierr.New(apierr.KindKeyDisabled, "API key is not usable"))
			return
		}
		if !key.AllowsPlatform(apikey.Platform(platform)) {
			apierr.Write(ctx, apierr.New(apierr.KindPermissionDenied, "API key is not permitted for "+string(platform)))
			return
		}

		model := requestedModel(ctx.PostBody())
		if model != "" && !key.AllowsModel(model) {
			apierr.Write(ctx, apierr.New(apierr.KindPermissionDenied, "API key is not permitted for model "+model))
			return
		}

		if err := g.apikeys.CheckRateLimit(ctx, key); err != nil {
			apierr.Write(ctx, err)
			return
		}
		if err := g.apikeys.CheckCostLimits(ctx, key, model, 0); err != nil {
			apierr.Write(ctx, err)
			return
		}

		release, err := g.apikeys.AcquireConcurrency(ctx, key)
		if err != nil {
			apierr.Write(ctx, err)
			return
		}
		defer release()

		stream := requestedStream(ctx.PostBody())

		g.log.InfoContext(ctx, "relay_request",
			slog.String("request_id", reqID),
			slog.String("platform", string(platform)),
			slog.String("model", model),
			slog.String("key", key.ID),
			slog.Bool("stream", stream),
		)

		req := relay.Request{
			Key:      key,
			Platform: platform,
			Model:    model,
			Body:     ctx.PostBody(),
			Headers:  fasthttpToHTTPHeader(ctx),
			Stream:   stream,
		}

		resp, err := g.pipeline.Forward(ctx, req)
		if err != nil {
			g.log.ErrorContext(ctx, "relay_error",
				slog.String("request_id", reqID),
				slog.String("platform", string(platform)),
				slog.Any("error", err),
			)
			apierr.Write(ctx, err)
			return
		}

		for k, vv := range resp.Headers {
			for _, v := range vv {
				ctx.Response.Header.Add(k, v)
			}
		}
		ctx.SetStatusCode(resp.StatusCode)

		if resp.BodyStream != nil {
			g.relayStream(ctx, req, resp)
			return
		}

		respBytes = len(resp.Body)
		ctx.SetBody(resp.Body)
	}
}

// relayStream copies resp.BodyStream to the client as it arrives, capturing
// the same bytes up to maxCapturedSSEBytes. Once the upstream stream ends,
// it parses the captured bytes for the trailing usage event and finalizes
// billing via RecordStreamUsage — after the client has already received
// every byte, so usage accounting never adds latency to the stream itself.
func (g *Gateway) relayStream(ctx *fasthttp.RequestCtx, req relay.Request, resp *relay.Response) {
	body := resp.BodyStream
	acc := resp.Account
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer body.Close()
		buf := make([]byte, 32*1024)
		var captured []byte
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				w.Write(chunk)
				w.Flush()
				if len(captured) < maxCapturedSSEBytes {
					captured = append(captured, chunk...)
				}
			}
			if err != nil {
				break
			}
		}
		if acc != nil {
			usage := relay.ExtractSSEUsage(captured)
			g.pipeline.RecordStreamUsage(context.Background(), req, acc, usage)
		}
	})
}

const maxCapturedSSEBytes = 1 << 20 // 1 MiB cap on buffered usage-parsing bytes

// fasthttpToHTTPHeader copies a fasthttp request's headers into the
// net/http representation the relay adapters and filterClientHeaders
// expect.
func fasthttpToHTTPHeader(ctx *fasthttp.RequestCtx) http.Header {
	h := make(http.Header)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		h.Add(string(k), string(v))
	})
	return h
}

func requestedModel(body []byte) string {
	var v struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &v)
	return v.Model
}

func requestedStream(body []byte) bool {
	var v struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(body, &v)
	return v.Stream
}
