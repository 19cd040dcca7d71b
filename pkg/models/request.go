package models

import "encoding/json"

// Message is a single text turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesRequest is the validated client request to the messages endpoint.
// Optional numeric fields are nil when the client omitted them.
type MessagesRequest struct {
	Model       string    `json:"model,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

// UpstreamRequest is the sanitized payload sent to the model API.
type UpstreamRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

// UpstreamUsage holds token counts reported by the model API.
type UpstreamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UpstreamResponse is the subset of a model API response the gateway reads.
// The body is forwarded to the client unchanged.
type UpstreamResponse struct {
	ID    string          `json:"id"`
	Model string          `json:"model"`
	Usage *UpstreamUsage  `json:"usage,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}
