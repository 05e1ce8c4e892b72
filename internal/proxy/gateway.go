// Package proxy is the gateway's request path.
//
// The Gateway exposes two protocol faces over the same pipeline: an
// Anthropic Messages endpoint and an OpenAI Chat Completions endpoint. Every
// request is authenticated, run through the admission pipeline (rate limit →
// circuit breaker → budget → spending cap, in that order — each stage is
// cheaper than the next), translated where needed, dispatched upstream, and
// metered on success.
//
// Key design constraints:
//   - Admission order is fixed; failing fast saves upstream spend.
//   - Streaming responses are piped through byte for byte, never parsed.
//   - Exactly one meter event per billed request; none on any rejection.
//   - Collaborators are injected so unit tests can substitute doubles.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/budget"
	"github.com/nulpointcorp/inference-gateway/internal/cost"
	"github.com/nulpointcorp/inference-gateway/internal/meter"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/spendcap"
	"github.com/nulpointcorp/inference-gateway/internal/tenant"
	"github.com/nulpointcorp/inference-gateway/internal/translate"
	"github.com/nulpointcorp/inference-gateway/internal/upstream"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	// capabilityChat is the billable capability both chat endpoints meter
	// against.
	capabilityChat = "chat-completions"

	// instanceIDHeader identifies the calling bot instance for circuit
	// breaking. Absent header falls back to the tenant id, so a tenant
	// without per-instance attribution is still breaker-protected.
	instanceIDHeader = "X-Instance-ID"

	chatCompletionsPath = "/chat/completions"
)

// Deps are the gateway's collaborators. All required unless noted.
type Deps struct {
	Resolver  tenant.Resolver
	Limiter   ratelimit.Limiter
	Breaker   *breaker.Breaker
	Budget    *budget.Checker
	Caps      *spendcap.Checker
	Registry  *upstream.Registry
	Dispatch  upstream.Dispatcher
	Estimator cost.Estimator // optional; nil estimates cost as 0
	Meter     meter.Emitter
}

// GatewayOptions holds optional tuning parameters. All fields have defaults.
type GatewayOptions struct {
	// Logger for request events. Defaults to slog.Default.
	Logger *slog.Logger

	// Margin is the multiplier from upstream cost to tenant charge.
	// Values ≤ 0 use cost.DefaultMargin.
	Margin float64

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// CORSOrigins is the allowed-origin list; empty means "*".
	CORSOrigins []string
}

// Gateway orchestrates the request path for both protocol faces.
type Gateway struct {
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Registry
	margin  float64

	corsOrigins []string
	baseCtx     context.Context
}

// NewGateway creates a fully wired Gateway.
func NewGateway(baseCtx context.Context, deps Deps, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	margin := opts.Margin
	if margin <= 0 {
		margin = cost.DefaultMargin
	}
	return &Gateway{
		deps:        deps,
		log:         log,
		metrics:     opts.Metrics,
		margin:      margin,
		corsOrigins: opts.CORSOrigins,
		baseCtx:     baseCtx,
	}
}

// ── Authentication ───────────────────────────────────────────────────────────

// anthropicKey extracts the credential for the Anthropic face: x-api-key
// first, Authorization: Bearer as a fallback.
func anthropicKey(ctx *fasthttp.RequestCtx) (string, *apierr.Error) {
	if key := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); key != "" {
		return key, nil
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", apierr.MissingKey()
	}
	if token := parseBearerToken(raw); token != "" {
		return token, nil
	}
	return "", apierr.MissingKey()
}

// openAIKey extracts the credential for the OpenAI face: Bearer only, with a
// distinct error for a present-but-malformed scheme.
func openAIKey(ctx *fasthttp.RequestCtx) (string, *apierr.Error) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", apierr.MissingKey()
	}
	token := parseBearerToken(raw)
	if token == "" {
		return "", apierr.InvalidAuthFormat()
	}
	return token, nil
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// resolveTenant maps a credential to a tenant, failing closed on resolver
// errors.
func (g *Gateway) resolveTenant(ctx *fasthttp.RequestCtx, key string) (*tenant.Tenant, *apierr.Error) {
	tn, err := g.deps.Resolver.Resolve(ctx, key)
	if err != nil {
		g.log.ErrorContext(ctx, "tenant_resolve_failed", slog.String("error", err.Error()))
		return nil, apierr.Internal()
	}
	if tn == nil {
		return nil, apierr.InvalidKey()
	}
	return tn, nil
}

// ── Admission pipeline ───────────────────────────────────────────────────────

// admit runs the four admission stages in their fixed order. Returns nil when
// the request may proceed upstream.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, tn *tenant.Tenant, instanceID string) *apierr.Error {
	// 1. Capability rate limit. Limiter backends fail open; a backend error
	// is logged by the limiter itself.
	decision, err := g.deps.Limiter.Check(ctx, tn.ID, capabilityChat, tn.Limit(capabilityChat))
	if err == nil && !decision.Allowed {
		g.reject(metrics.StageRateLimit)
		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		return apierr.RateLimited(retryAfter)
	}

	// 2. Circuit breaker, keyed by bot instance.
	if err := g.deps.Breaker.Check(tn.ID, instanceID); err != nil {
		var tripped *breaker.ErrTripped
		if errors.As(err, &tripped) {
			g.reject(metrics.StageBreaker)
			return apierr.BreakerTripped(tripped.Error())
		}
		return apierr.Internal()
	}

	// 3. Plan budget. Store errors fail closed.
	res, err := g.deps.Budget.Check(ctx, tn.ID, tn.SpendLimits)
	if err != nil {
		g.log.ErrorContext(ctx, "budget_check_failed",
			slog.String("tenant", tn.ID), slog.String("error", err.Error()))
		return apierr.Internal()
	}
	if !res.Allowed {
		g.reject(metrics.StageBudget)
		return apierr.BudgetExceeded(res.Reason)
	}

	// 4. Tenant-configured spending caps. Store errors fail closed.
	if err := g.deps.Caps.Check(ctx, tn); err != nil {
		var violation *spendcap.Violation
		if errors.As(err, &violation) {
			g.reject(metrics.StageSpendingCap)
			return apierr.SpendingCapExceeded(violation.Error())
		}
		g.log.ErrorContext(ctx, "spendcap_check_failed",
			slog.String("tenant", tn.ID), slog.String("error", err.Error()))
		return apierr.Internal()
	}

	return nil
}

func (g *Gateway) reject(stage string) {
	if g.metrics != nil {
		g.metrics.RecordRejection(stage)
	}
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// handleAnthropicMessages serves POST /v1/messages.
func (g *Gateway) handleAnthropicMessages(ctx *fasthttp.RequestCtx) {
	g.observeHTTP(ctx, "messages", "anthropic", func() {
		key, authErr := anthropicKey(ctx)
		if authErr != nil {
			g.reject(metrics.StageAuth)
			apierr.Write(ctx, apierr.ProtocolAnthropic, authErr)
			return
		}
		tn, resolveErr := g.resolveTenant(ctx, key)
		if resolveErr != nil {
			g.reject(metrics.StageAuth)
			apierr.Write(ctx, apierr.ProtocolAnthropic, resolveErr)
			return
		}

		var req translate.AnthropicRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			g.reject(metrics.StageValidation)
			apierr.Write(ctx, apierr.ProtocolAnthropic,
				apierr.Validation(fmt.Sprintf("invalid JSON: %s", err.Error())))
			return
		}

		// Translation validates required fields and content-block shapes.
		oaReq, err := translate.AnthropicToOpenAI(&req)
		if err != nil {
			g.reject(metrics.StageValidation)
			apierr.Write(ctx, apierr.ProtocolAnthropic, apierr.Validation(err.Error()))
			return
		}

		if admitErr := g.admit(ctx, tn, g.instanceID(ctx, tn)); admitErr != nil {
			apierr.Write(ctx, apierr.ProtocolAnthropic, admitErr)
			return
		}

		body, err := json.Marshal(oaReq)
		if err != nil {
			apierr.Write(ctx, apierr.ProtocolAnthropic, apierr.Internal())
			return
		}

		g.dispatch(ctx, apierr.ProtocolAnthropic, tn, body, req.Stream)
	})
}

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.observeHTTP(ctx, "chat_completions", "openai", func() {
		key, authErr := openAIKey(ctx)
		if authErr != nil {
			g.reject(metrics.StageAuth)
			apierr.Write(ctx, apierr.ProtocolOpenAI, authErr)
			return
		}
		tn, resolveErr := g.resolveTenant(ctx, key)
		if resolveErr != nil {
			g.reject(metrics.StageAuth)
			apierr.Write(ctx, apierr.ProtocolOpenAI, resolveErr)
			return
		}

		var req translate.OpenAIRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			g.reject(metrics.StageValidation)
			apierr.Write(ctx, apierr.ProtocolOpenAI,
				apierr.Validation(fmt.Sprintf("invalid JSON: %s", err.Error())))
			return
		}
		if err := req.Validate(); err != nil {
			g.reject(metrics.StageValidation)
			apierr.Write(ctx, apierr.ProtocolOpenAI, apierr.Validation(err.Error()))
			return
		}

		if admitErr := g.admit(ctx, tn, g.instanceID(ctx, tn)); admitErr != nil {
			apierr.Write(ctx, apierr.ProtocolOpenAI, admitErr)
			return
		}

		// The upstream speaks the same protocol; forward the original body so
		// fields outside the minimal shape (temperature, tools) survive.
		g.dispatch(ctx, apierr.ProtocolOpenAI, tn, ctx.PostBody(), req.Stream)
	})
}

func (g *Gateway) instanceID(ctx *fasthttp.RequestCtx, tn *tenant.Tenant) string {
	if id := strings.TrimSpace(string(ctx.Request.Header.Peek(instanceIDHeader))); id != "" {
		return id
	}
	return tn.ID
}

// observeHTTP wraps a handler with in-flight and duration metrics.
func (g *Gateway) observeHTTP(ctx *fasthttp.RequestCtx, route, protocol string, fn func()) {
	if g.metrics == nil {
		fn()
		return
	}
	start := time.Now()
	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, protocol, ctx.Response.StatusCode(), time.Since(start))
	}()
	fn()
}

// ── Upstream dispatch ────────────────────────────────────────────────────────

// dispatch forwards an admitted request upstream and renders the response in
// the caller's protocol. body is the OpenAI-protocol payload.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, proto apierr.Protocol, tn *tenant.Tenant, body []byte, stream bool) {
	providerName, providerCfg, ok := g.deps.Registry.Pick()
	if !ok {
		// No provider configured is a valid state: overloaded, not a crash,
		// and no network call is attempted.
		apierr.Write(ctx, proto, apierr.NoProvider(proto))
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.InfoContext(ctx, "dispatch",
		slog.String("request_id", reqID),
		slog.String("tenant", tn.ID),
		slog.String("provider", providerName),
		slog.Bool("stream", stream),
	)

	upStart := time.Now()
	resp, err := g.deps.Dispatch.Do(ctx, &upstream.Request{
		Provider: providerCfg,
		Path:     chatCompletionsPath,
		Body:     body,
		Stream:   stream,
	})
	if err != nil {
		g.observeUpstream(providerName, classifyDispatchError(err), upStart)
		g.log.ErrorContext(ctx, "upstream_failed",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, proto, dispatchError(err))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Classify into the taxonomy; the raw upstream body never reaches
		// the caller.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		g.observeUpstream(providerName, "error", upStart)
		apierr.Write(ctx, proto, apierr.FromUpstreamStatus(resp.StatusCode, providerName))
		return
	}
	g.observeUpstream(providerName, "success", upStart)

	if stream {
		g.streamThrough(ctx, proto, tn, providerName, resp)
		return
	}
	g.respond(ctx, proto, tn, providerName, resp)
}

func (g *Gateway) observeUpstream(provider, outcome string, start time.Time) {
	if g.metrics != nil {
		g.metrics.ObserveUpstream(provider, outcome, time.Since(start))
	}
}

func classifyDispatchError(err error) string {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}

func dispatchError(err error) *apierr.Error {
	if errors.Is(err, upstream.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Timeout()
	}
	return apierr.Unreachable()
}

// streamThrough pipes a streaming upstream body to the caller byte for byte.
// The body is never JSON-parsed, so malformed or partial SSE chunks flow
// through unharmed. A cost header on the stream's response headers still
// produces a meter event; a stream without one is not billed.
func (g *Gateway) streamThrough(ctx *fasthttp.RequestCtx, proto apierr.Protocol, tn *tenant.Tenant, providerName string, resp *upstream.Response) {
	if c, ok := cost.ParseHeader(resp.Header.Get(cost.Header)); ok {
		g.emitMeter(tn.ID, providerName, c)
	}
	if g.metrics != nil {
		g.metrics.RecordStreaming(protocolLabel(proto))
	}

	contentType := resp.ContentType()
	if contentType == "" {
		contentType = "text/event-stream"
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	body := resp.Body
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer body.Close()

		// Flush after every read so live tokens reach the client without
		// waiting for the buffer to fill.
		buf := make([]byte, 4096)
		for {
			n, readErr := body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				if flushErr := w.Flush(); flushErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	})
}

// respond renders a non-streaming upstream success in the caller's protocol
// and emits the meter event.
func (g *Gateway) respond(ctx *fasthttp.RequestCtx, proto apierr.Protocol, tn *tenant.Tenant, providerName string, resp *upstream.Response) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		apierr.Write(ctx, proto, apierr.Unreachable())
		return
	}

	var oaResp translate.OpenAIResponse
	if err := json.Unmarshal(data, &oaResp); err != nil {
		g.log.ErrorContext(ctx, "upstream_body_unparseable",
			slog.String("provider", providerName), slog.String("error", err.Error()))
		apierr.Write(ctx, proto, apierr.Unreachable())
		return
	}

	// Cost signal: header wins; usage-based estimation is the fallback.
	c, ok := cost.ParseHeader(resp.Header.Get(cost.Header))
	if !ok && g.deps.Estimator != nil {
		c = g.deps.Estimator.Estimate(capabilityChat,
			oaResp.Usage.PromptTokens, oaResp.Usage.CompletionTokens)
	}
	g.emitMeter(tn.ID, providerName, c)

	var body []byte
	if proto == apierr.ProtocolAnthropic {
		anthResp, err := translate.OpenAIResponseToAnthropic(&oaResp)
		if err != nil {
			apierr.Write(ctx, proto, apierr.Unreachable())
			return
		}
		if body, err = json.Marshal(anthResp); err != nil {
			apierr.Write(ctx, proto, apierr.Internal())
			return
		}
	} else {
		// Same protocol on both sides: forward the upstream document so
		// fields beyond the minimal shape survive.
		body = data
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// emitMeter emits the single billing event for a successful request.
func (g *Gateway) emitMeter(tenantID, providerName string, costUSD float64) {
	charge := cost.WithMargin(costUSD, g.margin)
	g.deps.Meter.Emit(meter.Event{
		Tenant:     tenantID,
		Capability: capabilityChat,
		Provider:   providerName,
		Cost:       costUSD,
		Charge:     charge,
	})
	if g.metrics != nil {
		g.metrics.RecordMeterEvent(capabilityChat, providerName, costUSD, charge)
	}
}

func protocolLabel(proto apierr.Protocol) string {
	if proto == apierr.ProtocolAnthropic {
		return "anthropic"
	}
	return "openai"
}
