// Package codex provides types for the Codex-style responses wire protocol:
// requests with an instructions string plus input items, and responses with
// typed output items.
package codex

import "encoding/json"

// Input and output item types.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemReasoning          = "reasoning"
)

// Content part types.
const (
	PartInputText  = "input_text"
	PartOutputText = "output_text"
)

// StatusCompleted marks a finished response.
const StatusCompleted = "completed"

// ResponsesRequest is the decoded form of a /v1/responses body, used only on
// the object-level fallback path.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           []InputItem     `json:"input"`
	Tools           json.RawMessage `json:"tools,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// InputItem is one element of the request input list.
type InputItem struct {
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// function_call_output fields
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ContentPart is one text part of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResponsesResponse is a /v1/responses response.
type ResponsesResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Model  string       `json:"model,omitempty"`
	Output []OutputItem `json:"output"`
	Usage  Usage        `json:"usage"`
}

// OutputItem is one element of the response output list.
type OutputItem struct {
	Type    string        `json:"type"`
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// function_call fields
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// Usage carries token accounting; cached tokens live in the input details.
type Usage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

// ContextTokens is the cache-relevant context size: cached input plus the
// fresh prompt the upstream just wrote into its cache.
func (u Usage) ContextTokens() int {
	return u.InputTokens
}

// TextOf concatenates the output_text parts of all message items.
func TextOf(items []OutputItem) string {
	var out string
	for _, item := range items {
		if item.Type != ItemMessage {
			continue
		}
		for _, part := range item.Content {
			if part.Type == PartOutputText {
				if out != "" {
					out += "\n"
				}
				out += part.Text
			}
		}
	}
	return out
}

// FunctionCalls returns the function_call items of a response.
func FunctionCalls(items []OutputItem) []OutputItem {
	var out []OutputItem
	for _, item := range items {
		if item.Type == ItemFunctionCall {
			out = append(out, item)
		}
	}
	return out
}
