// Package apierr is the gateway's error taxonomy and client-facing error
// envelope. Every component-level error (registry, scheduler, vault,
// refresh coordinator, relay) is constructed as a *Error carrying one of
// the Kind values below, so the HTTP layer can map it to a status code
// without string-matching messages.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind is one entry in the gateway's error taxonomy.
type Kind string

const (
	KindConfig                   Kind = "config"
	KindStorage                  Kind = "storage_error"
	KindCrypto                   Kind = "crypto_error"
	KindInvalidKey               Kind = "invalid_request_error"
	KindKeyDisabled              Kind = "key_disabled"
	KindKeyExpired               Kind = "key_expired"
	KindPermissionDenied         Kind = "permission_denied"
	KindRateLimitExceeded        Kind = "rate_limit_exceeded"
	KindConcurrencyLimitExceeded Kind = "concurrency_limit_exceeded"
	KindCostLimitExceeded        Kind = "cost_limit_exceeded"
	KindNoAvailableAccounts      Kind = "no_available_accounts"
	KindTokenRefreshFailed       Kind = "token_refresh_failed"
	KindUpstreamError       Kind = "upstream_error"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindProxyError          Kind = "proxy_error"
	KindInternal            Kind = "internal_error"
)

// httpStatus maps each Kind to the HTTP status the client sees. Validation,
// quota, and scheduling errors get their dedicated status; everything
// unanticipated collapses to 500.
var httpStatus = map[Kind]int{
	KindConfig:                   fasthttp.StatusInternalServerError,
	KindStorage:                  fasthttp.StatusInternalServerError,
	KindCrypto:                   fasthttp.StatusInternalServerError,
	KindInvalidKey:               fasthttp.StatusUnauthorized,
	KindKeyDisabled:              fasthttp.StatusUnauthorized,
	KindKeyExpired:               fasthttp.StatusUnauthorized,
	KindPermissionDenied:         fasthttp.StatusForbidden,
	KindRateLimitExceeded:        fasthttp.StatusTooManyRequests,
	KindConcurrencyLimitExceeded: fasthttp.StatusTooManyRequests,
	KindCostLimitExceeded:        fasthttp.StatusTooManyRequests,
	KindNoAvailableAccounts:      fasthttp.StatusServiceUnavailable,
	KindTokenRefreshFailed:       fasthttp.StatusBadGateway,
	KindUpstreamError:            fasthttp.StatusBadGateway,
	KindUpstreamTimeout:          fasthttp.StatusGatewayTimeout,
	KindProxyError:               fasthttp.StatusBadGateway,
	KindInternal:                 fasthttp.StatusInternalServerError,
}

// HTTPStatus returns the status code a Kind maps to, defaulting to 500 for
// an unrecognized Kind (should not happen for values constructed via New).
func (k Kind) HTTPStatus() int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// Error is the gateway's internal error type. It always carries a Kind so
// callers can branch with errors.As without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that wraps an underlying cause, preserving it
// for errors.Is/errors.As/%w-style inspection while still carrying a Kind
// for the HTTP layer.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// wireError is the JSON shape of one error, per the documented client wire
// contract: {"error":{"message","type","status"}}.
type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  int    `json:"status"`
}

type envelope struct {
	Error wireError `json:"error"`
}

// Write serializes err as the client-facing JSON envelope and sets the
// matching HTTP status. Any error that isn't (or doesn't wrap) an *Error is
// reported as an internal error without leaking its message verbatim.
func Write(ctx *fasthttp.RequestCtx, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(KindInternal, "internal server error")
	}

	status := e.Kind.HTTPStatus()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: wireError{
		Message: e.Message,
		Type:    string(e.Kind),
		Status:  status,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit is a convenience for the common 429 path; it also sets a
// Retry-After hint for well-behaved clients.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds))
	}
	Write(ctx, New(KindRateLimitExceeded, "rate limit exceeded"))
}
