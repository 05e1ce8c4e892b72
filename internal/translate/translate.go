// Package translate converts between the Anthropic Messages wire protocol and
// the OpenAI Chat Completions wire protocol.
//
// All functions are pure: they take a decoded request or response and return
// the translated shape or a validation error. Streaming bodies are never
// translated — the gateway pipes those through verbatim.
package translate

import (
	"encoding/json"
	"fmt"
)

// Anthropic Messages wire shapes. Content is raw JSON because the protocol
// allows either a plain string or an array of typed blocks.

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type AnthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []AnthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Stream    bool               `json:"stream,omitempty"`
}

type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []AnthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      AnthropicUsage          `json:"usage"`
}

// OpenAI Chat Completions wire shapes.

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type OpenAIRequest struct {
	Model     string          `json:"model"`
	Messages  []OpenAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// ValidationError marks a request shape problem the caller maps to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the protocol-required fields of an Anthropic request.
func (r *AnthropicRequest) Validate() error {
	if r.Model == "" {
		return validationf("model is required")
	}
	if len(r.Messages) == 0 {
		return validationf("messages is required and must be non-empty")
	}
	if r.MaxTokens <= 0 {
		return validationf("max_tokens is required and must be positive")
	}
	return nil
}

// Validate checks the protocol-required fields of an OpenAI request.
func (r *OpenAIRequest) Validate() error {
	if r.Model == "" {
		return validationf("model is required")
	}
	if len(r.Messages) == 0 {
		return validationf("messages is required and must be non-empty")
	}
	return nil
}

// contentText flattens an Anthropic message content field to plain text.
// Accepts a JSON string or an array of text blocks; any non-text block is a
// validation error rather than silently dropped data.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", validationf("message content is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", validationf("message content must be a string or an array of content blocks")
	}
	text := ""
	for _, b := range blocks {
		if b.Type != "text" {
			return "", validationf("unsupported content block type %q", b.Type)
		}
		text += b.Text
	}
	return text, nil
}

// AnthropicToOpenAI converts an Anthropic Messages request into an OpenAI
// Chat Completions request. A system field becomes the first system message;
// message order is otherwise preserved 1:1.
func AnthropicToOpenAI(req *AnthropicRequest) (*OpenAIRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	out := &OpenAIRequest{
		Model:     req.Model,
		Messages:  make([]OpenAIMessage, 0, len(req.Messages)+1),
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: req.System})
	}
	for i, m := range req.Messages {
		text, err := contentText(m.Content)
		if err != nil {
			return nil, validationf("messages[%d]: %v", i, err)
		}
		out.Messages = append(out.Messages, OpenAIMessage{Role: m.Role, Content: text})
	}
	return out, nil
}

// finish_reason → stop_reason. Every OpenAI finish reason maps to a distinct
// Anthropic stop reason.
var stopReasons = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"content_filter": "refusal",
	"tool_calls":     "tool_use",
}

// StopReason maps an OpenAI finish_reason to the Anthropic equivalent.
// Unknown reasons default to end_turn.
func StopReason(finishReason string) string {
	if sr, ok := stopReasons[finishReason]; ok {
		return sr
	}
	return "end_turn"
}

// OpenAIResponseToAnthropic converts an OpenAI Chat Completions response into
// an Anthropic Messages response.
func OpenAIResponseToAnthropic(resp *OpenAIResponse) (*AnthropicResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translate: upstream response has no choices")
	}
	choice := resp.Choices[0]

	return &AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    []AnthropicContentBlock{{Type: "text", Text: choice.Message.Content}},
		StopReason: StopReason(choice.FinishReason),
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
