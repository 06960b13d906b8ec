// Package claude provides types for the Claude-style messages wire protocol:
// requests with content-block messages and responses with typed blocks,
// including the SSE stream variant.
package claude

import "encoding/json"

// Stop reasons on a messages response.
const (
	// StopEndTurn means the assistant finished its turn.
	StopEndTurn = "end_turn"
	// StopToolUse means the assistant is waiting for tool results.
	StopToolUse = "tool_use"
	// StopMaxTokens means generation hit the token limit.
	StopMaxTokens = "max_tokens"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// MessagesRequest is the decoded form of a /v1/messages body. The proxy only
// decodes it when byte-level injection is impossible; System, Content, and
// Tools stay raw so unknown fields round-trip unchanged.
type MessagesRequest struct {
	Model     string          `json:"model"`
	System    json.RawMessage `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Extra     json.RawMessage `json:"-"`
}

// Message is one conversation turn. Content is either a JSON string or an
// array of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of an array-form message content or of a
// response body.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MessagesResponse is a non-streaming /v1/messages response.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage carries the token accounting of one exchange. The proxy's context
// size is CacheCreation+CacheRead: the prompt prefix the upstream actually
// holds for this conversation.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContextTokens is the cache-relevant context size.
func (u Usage) ContextTokens() int {
	return u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// DecodeBlocks parses a message content value into blocks. String content
// becomes a single text block.
func DecodeBlocks(content json.RawMessage) ([]ContentBlock, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// TextOf concatenates the text blocks of a response.
func TextOf(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of a response.
func ToolUses(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolResult reports whether any block is a tool_result.
func HasToolResult(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}
