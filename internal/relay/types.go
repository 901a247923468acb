// Package relay implements the relay pipeline: parses the opaque
// client body, selects an upstream account, ensures its token is fresh,
// forwards the request to the matched platform, and records usage/cost
// from whatever the upstream actually reports.
//
// The pipeline relays an opaque client-supplied JSON body almost
// verbatim to a dynamically selected upstream account, rewriting only
// auth and dropping hop-by-hop headers. Every other client header is
// copied through unchanged; there is no header allowlist. That shape is a
// raw reverse proxy, not a
// typed API client, so the platform adapters here forward bytes over
// net/http rather than constructing anthropic-sdk-go/openai-go/genai
// request structs (see DESIGN.md).
package relay

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/wayfind-oss/relaygate/internal/account"
)

// DefaultTimeout bounds a non-streaming upstream call.
const DefaultTimeout = 30 * time.Second

// StreamingTimeout bounds a streaming upstream call.
const StreamingTimeout = 10 * time.Minute

// hopByHopHeaders are stripped from both the client request (before
// forwarding upstream) and the upstream response (before relaying to the
// client), per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
	// These two are rewritten explicitly by the pipeline, never copied
	// verbatim from the client.
	"Authorization", "Host",
}

// UpstreamRequest is what an Adapter needs to build and send the actual
// HTTP call.
type UpstreamRequest struct {
	Body        []byte
	Headers     http.Header // client headers minus hopByHopHeaders; all others are kept
	AccessToken string
	Account     *account.Account
	Model       string
	Stream      bool
}

// UpstreamResponse is an adapter's result. Body is present for a
// non-streaming call; BodyStream is present (and Body nil) for a
// streaming call, and the caller must Close it.
type UpstreamResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	BodyStream io.ReadCloser
}

// Adapter builds and issues the upstream HTTP request for one platform.
type Adapter interface {
	// Endpoint returns the full upstream URL for this account/model.
	Endpoint(acc *account.Account, model string, stream bool) string
	// Do issues req and returns the raw upstream response. ctx carries
	// the configured timeout; Do must not impose its own.
	Do(ctx context.Context, req UpstreamRequest) (*UpstreamResponse, error)
	// RetryAfter extracts a retry-after duration from a 429 response, or
	// (0, false) if the response carries no usable hint.
	RetryAfter(resp *UpstreamResponse) (time.Duration, bool)
}

func filterClientHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, v := range src {
		if isHopByHop(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(header) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}
