package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decodeOpenAI(t *testing.T, body []byte) openAIEnvelope {
	t.Helper()
	var env openAIEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("invalid OpenAI error body: %v", err)
	}
	return env
}

func decodeAnthropic(t *testing.T, body []byte) anthropicEnvelope {
	t.Helper()
	var env anthropicEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("invalid Anthropic error body: %v", err)
	}
	return env
}

func TestWrite_OpenAIShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, ProtocolOpenAI, InvalidKey())

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
	env := decodeOpenAI(t, ctx.Response.Body())
	if env.Error.Type != TypeAuthenticationErr {
		t.Errorf("type = %q, want %q", env.Error.Type, TypeAuthenticationErr)
	}
	if env.Error.Code != CodeInvalidAPIKey {
		t.Errorf("code = %q, want %q", env.Error.Code, CodeInvalidAPIKey)
	}
}

func TestWrite_AnthropicShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, ProtocolAnthropic, MissingKey())

	env := decodeAnthropic(t, ctx.Response.Body())
	if env.Type != "error" {
		t.Errorf("envelope type = %q, want \"error\"", env.Type)
	}
	if env.Error.Type != TypeAuthenticationErr {
		t.Errorf("error.type = %q, want %q", env.Error.Type, TypeAuthenticationErr)
	}
}

func TestWrite_AnthropicCollapsesUpstreamType(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, ProtocolAnthropic, New(502, TypeUpstreamError, CodeUpstreamError, "boom"))

	env := decodeAnthropic(t, ctx.Response.Body())
	if env.Error.Type != TypeServerError {
		t.Errorf("error.type = %q, want %q", env.Error.Type, TypeServerError)
	}
}

func TestFromUpstreamStatus(t *testing.T) {
	tests := []struct {
		name       string
		upstream   int
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{"rate limited", 429, 429, TypeRateLimitError, CodeRateLimitExceeded},
		{"unavailable", 503, 503, TypeServerError, CodeServiceUnavailable},
		{"internal", 500, 502, TypeServerError, CodeUpstreamError},
		{"bad gateway", 502, 502, TypeServerError, CodeUpstreamError},
		{"bad request", 400, 400, TypeInvalidRequest, CodeUpstreamError},
		{"not found", 404, 404, TypeInvalidRequest, CodeUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromUpstreamStatus(tt.upstream, "openrouter")
			if e.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", e.Status, tt.wantStatus)
			}
			if e.Type != tt.wantType {
				t.Errorf("type = %q, want %q", e.Type, tt.wantType)
			}
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestNoProvider_PerProtocolStatus(t *testing.T) {
	if got := NoProvider(ProtocolAnthropic).Status; got != StatusOverloaded {
		t.Errorf("anthropic status = %d, want 529", got)
	}
	if got := NoProvider(ProtocolOpenAI).Status; got != fasthttp.StatusServiceUnavailable {
		t.Errorf("openai status = %d, want 503", got)
	}
}

func TestRateLimited_SetsRetryAfter(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, ProtocolOpenAI, RateLimited(42))

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "42" {
		t.Errorf("Retry-After = %q, want \"42\"", got)
	}
}
