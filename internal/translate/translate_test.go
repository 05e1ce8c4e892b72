package translate

import (
	"encoding/json"
	"errors"
	"testing"
)

func rawStr(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestAnthropicToOpenAI_SystemBecomesFirstMessage(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4",
		System:    "You are terse.",
		MaxTokens: 256,
		Messages: []AnthropicMessage{
			{Role: "user", Content: rawStr("hello")},
			{Role: "assistant", Content: rawStr("hi")},
			{Role: "user", Content: rawStr("bye")},
		},
	}

	out, err := AnthropicToOpenAI(req)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(out.Messages))
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content != "You are terse." {
		t.Errorf("first message = %+v, want the system prompt", out.Messages[0])
	}
	for i, want := range []string{"hello", "hi", "bye"} {
		if out.Messages[i+1].Content != want {
			t.Errorf("messages[%d].Content = %q, want %q", i+1, out.Messages[i+1].Content, want)
		}
	}
	if out.Model != "claude-sonnet-4" || out.MaxTokens != 256 {
		t.Errorf("model/max_tokens not carried over: %+v", out)
	}
}

func TestAnthropicToOpenAI_NoSystemNoInsertedMessage(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 16,
		Messages:  []AnthropicMessage{{Role: "user", Content: rawStr("hello")}},
	}
	out, err := AnthropicToOpenAI(req)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want the single user message", out.Messages)
	}
}

func TestAnthropicToOpenAI_TextBlockArray(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 16,
		Messages: []AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`)},
		},
	}
	out, err := AnthropicToOpenAI(req)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Messages[0].Content != "part one part two" {
		t.Errorf("content = %q", out.Messages[0].Content)
	}
}

func TestAnthropicToOpenAI_NonTextBlockFailsValidation(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 16,
		Messages: []AnthropicMessage{
			{Role: "user", Content: json.RawMessage(`[{"type":"image","text":""}]`)},
		},
	}
	_, err := AnthropicToOpenAI(req)
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestAnthropicRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  AnthropicRequest
		ok   bool
	}{
		{"valid", AnthropicRequest{Model: "m", MaxTokens: 1,
			Messages: []AnthropicMessage{{Role: "user", Content: rawStr("x")}}}, true},
		{"missing model", AnthropicRequest{MaxTokens: 1,
			Messages: []AnthropicMessage{{Role: "user", Content: rawStr("x")}}}, false},
		{"empty messages", AnthropicRequest{Model: "m", MaxTokens: 1}, false},
		{"missing max_tokens", AnthropicRequest{Model: "m",
			Messages: []AnthropicMessage{{Role: "user", Content: rawStr("x")}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestStopReason_CoversAllFinishReasons(t *testing.T) {
	tests := []struct{ finish, stop string }{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"content_filter", "refusal"},
		{"tool_calls", "tool_use"},
		{"something_new", "end_turn"},
	}
	for _, tt := range tests {
		if got := StopReason(tt.finish); got != tt.stop {
			t.Errorf("StopReason(%q) = %q, want %q", tt.finish, got, tt.stop)
		}
	}
}

func TestOpenAIResponseToAnthropic(t *testing.T) {
	resp := &OpenAIResponse{
		ID:    "chatcmpl-123",
		Model: "gpt-4o",
		Choices: []OpenAIChoice{{
			Message:      OpenAIMessage{Role: "assistant", Content: "the answer"},
			FinishReason: "stop",
		}},
		Usage: OpenAIUsage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46},
	}

	out, err := OpenAIResponseToAnthropic(resp)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("envelope = %+v", out)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" || out.Content[0].Text != "the answer" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", out.StopReason)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 34 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestOpenAIResponseToAnthropic_NoChoices(t *testing.T) {
	if _, err := OpenAIResponseToAnthropic(&OpenAIResponse{}); err == nil {
		t.Fatal("expected error for a response with no choices")
	}
}

// Round trip: request translated to OpenAI, synthetic OpenAI response
// translated back, text and token counts must survive.
func TestRoundTrip(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 128,
		Messages:  []AnthropicMessage{{Role: "user", Content: rawStr("what is 2+2?")}},
	}
	oaReq, err := AnthropicToOpenAI(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	synthetic := &OpenAIResponse{
		ID:    "chatcmpl-rt",
		Model: oaReq.Model,
		Choices: []OpenAIChoice{{
			Message:      OpenAIMessage{Role: "assistant", Content: "4"},
			FinishReason: "stop",
		}},
		Usage: OpenAIUsage{PromptTokens: 7, CompletionTokens: 1},
	}
	out, err := OpenAIResponseToAnthropic(synthetic)
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if out.Content[0].Text != "4" {
		t.Errorf("content[0].text = %q, want the synthetic message content", out.Content[0].Text)
	}
	if out.Usage.InputTokens != synthetic.Usage.PromptTokens {
		t.Errorf("input_tokens = %d, want prompt_tokens %d",
			out.Usage.InputTokens, synthetic.Usage.PromptTokens)
	}
}
