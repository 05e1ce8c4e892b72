// Package apierr provides the gateway's error taxonomy and protocol-specific
// HTTP error rendering.
//
// Every failure — admission rejection, validation, upstream fault — is
// expressed as an *Error carrying the HTTP status, a stable machine-readable
// type/code pair, and a human message. The same Error renders differently
// depending on the protocol the caller spoke:
//
//	Anthropic:  {"type":"error","error":{"type":..., "message":...}}
//	OpenAI:     {"error":{"message":..., "type":..., "code":...}}
//
// Raw upstream error bodies are never forwarded; upstream failures are
// classified into this taxonomy first.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Protocol selects the wire shape used to render errors.
type Protocol int

const (
	ProtocolAnthropic Protocol = iota
	ProtocolOpenAI
)

// Error type constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeBillingError      = "billing_error"
	TypeOverloadedError   = "overloaded_error"
	TypeServerError       = "server_error"
	TypeUpstreamError     = "upstream_error"
)

// OpenAI-facing code constants.
const (
	CodeMissingAPIKey         = "missing_api_key"
	CodeInvalidAuthFormat     = "invalid_auth_format"
	CodeInvalidAPIKey         = "invalid_api_key"
	CodeInsufficientQuota     = "insufficient_quota"
	CodeSpendingCapExceeded   = "spending_cap_exceeded"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeCircuitBreakerTripped = "circuit_breaker_tripped"
	CodeProviderError         = "provider_error"
	CodeUpstreamError         = "upstream_error"
	CodeServiceUnavailable    = "service_unavailable"
	CodeInvalidRequest        = "invalid_request"
	CodeInternalError         = "internal_error"
	CodeRequestTimeout        = "request_timeout"
)

// StatusOverloaded is the non-standard status Anthropic uses when no capacity
// is available. fasthttp has no constant for it.
const StatusOverloaded = 529

// Error is a classified gateway failure. It implements error so it can travel
// through ordinary return paths before being rendered.
type Error struct {
	Status  int
	Type    string
	Code    string
	Message string

	// RetryAfterSec sets a Retry-After response header when > 0.
	RetryAfterSec int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// New constructs an Error.
func New(status int, errType, code, message string) *Error {
	return &Error{Status: status, Type: errType, Code: code, Message: message}
}

// ── Constructors for the fixed taxonomy ──────────────────────────────────────

// MissingKey is returned when no credential was presented at all.
func MissingKey() *Error {
	return New(fasthttp.StatusUnauthorized, TypeAuthenticationErr, CodeMissingAPIKey,
		"missing API key")
}

// InvalidAuthFormat is returned for a malformed Authorization scheme
// (the OpenAI-facing endpoint only accepts "Bearer").
func InvalidAuthFormat() *Error {
	return New(fasthttp.StatusUnauthorized, TypeAuthenticationErr, CodeInvalidAuthFormat,
		"invalid authorization header format; expected 'Bearer <key>'")
}

// InvalidKey is returned when the presented key resolves to no tenant.
func InvalidKey() *Error {
	return New(fasthttp.StatusUnauthorized, TypeAuthenticationErr, CodeInvalidAPIKey,
		"invalid API key")
}

// Validation is returned for malformed bodies or missing required fields.
func Validation(message string) *Error {
	return New(fasthttp.StatusBadRequest, TypeInvalidRequest, CodeInvalidRequest, message)
}

// RateLimited is returned by the capability rate limiter.
func RateLimited(retryAfterSec int) *Error {
	e := New(fasthttp.StatusTooManyRequests, TypeRateLimitError, CodeRateLimitExceeded,
		"rate limit exceeded for this capability")
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	e.RetryAfterSec = retryAfterSec
	return e
}

// BreakerTripped is returned while a bot instance's circuit breaker is open.
func BreakerTripped(message string) *Error {
	return New(fasthttp.StatusTooManyRequests, TypeRateLimitError, CodeCircuitBreakerTripped, message)
}

// BudgetExceeded is returned when plan spend limits are hit.
func BudgetExceeded(reason string) *Error {
	return New(fasthttp.StatusTooManyRequests, TypeBillingError, CodeInsufficientQuota, reason)
}

// SpendingCapExceeded is returned when a tenant-configured hard cap is hit.
func SpendingCapExceeded(message string) *Error {
	return New(fasthttp.StatusPaymentRequired, TypeBillingError, CodeSpendingCapExceeded, message)
}

// NoProvider is returned when no upstream provider is configured at all.
// Anthropic-facing callers get 529 overloaded; OpenAI-facing callers get 503.
func NoProvider(proto Protocol) *Error {
	if proto == ProtocolAnthropic {
		return New(StatusOverloaded, TypeOverloadedError, CodeServiceUnavailable,
			"no upstream provider available")
	}
	return New(fasthttp.StatusServiceUnavailable, TypeServerError, CodeServiceUnavailable,
		"no upstream provider available")
}

// Timeout is returned when the upstream call exceeded its deadline.
func Timeout() *Error {
	return New(fasthttp.StatusBadGateway, TypeServerError, CodeRequestTimeout,
		"upstream request timed out")
}

// Unreachable is returned when the upstream call failed before any response.
func Unreachable() *Error {
	return New(fasthttp.StatusBadGateway, TypeServerError, CodeProviderError,
		"upstream provider unreachable")
}

// Internal is a last-resort 500.
func Internal() *Error {
	return New(fasthttp.StatusInternalServerError, TypeServerError, CodeInternalError,
		"internal server error")
}

// FromUpstreamStatus classifies a non-2xx upstream HTTP status.
//
//	429        → 429 rate_limit_error
//	503        → 503 server_error / service_unavailable
//	other 5xx  → 502 server_error
//	other 4xx  → same status, upstream_error code
func FromUpstreamStatus(status int, provider string) *Error {
	switch {
	case status == fasthttp.StatusTooManyRequests:
		e := New(fasthttp.StatusTooManyRequests, TypeRateLimitError, CodeRateLimitExceeded,
			fmt.Sprintf("upstream provider %s rate limited the request", provider))
		e.RetryAfterSec = 60
		return e
	case status == fasthttp.StatusServiceUnavailable:
		return New(fasthttp.StatusServiceUnavailable, TypeServerError, CodeServiceUnavailable,
			fmt.Sprintf("upstream provider %s is unavailable", provider))
	case status >= 500:
		return New(fasthttp.StatusBadGateway, TypeServerError, CodeUpstreamError,
			fmt.Sprintf("upstream provider %s returned status %d", provider, status))
	default:
		return New(status, TypeInvalidRequest, CodeUpstreamError,
			fmt.Sprintf("upstream provider %s rejected the request with status %d", provider, status))
	}
}

// ── Rendering ────────────────────────────────────────────────────────────────

type (
	openAIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	openAIEnvelope struct {
		Error openAIError `json:"error"`
	}

	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
)

// anthropicType collapses taxonomy members the Anthropic wire format does not
// define (upstream_error) into the closest documented error type.
func anthropicType(t string) string {
	switch t {
	case TypeAuthenticationErr, TypeInvalidRequest, TypeRateLimitError,
		TypeBillingError, TypeOverloadedError, TypeServerError:
		return t
	default:
		return TypeServerError
	}
}

// Write renders e into the fasthttp response using the caller's protocol.
func Write(ctx *fasthttp.RequestCtx, proto Protocol, e *Error) {
	if e == nil {
		e = Internal()
	}
	if e.RetryAfterSec > 0 {
		ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", e.RetryAfterSec))
	}
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")

	var body []byte
	if proto == ProtocolAnthropic {
		body, _ = json.Marshal(anthropicEnvelope{
			Type: "error",
			Error: anthropicError{
				Type:    anthropicType(e.Type),
				Message: e.Message,
			},
		})
	} else {
		body, _ = json.Marshal(openAIEnvelope{
			Error: openAIError{
				Message: e.Message,
				Type:    e.Type,
				Code:    e.Code,
			},
		})
	}
	ctx.SetBody(body)
}
