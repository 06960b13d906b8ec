// Package adapter abstracts one upstream wire protocol per agent: request
// forwarding, byte-level injection, response inspection, and the follow-up
// request for the tool-expansion loop.
package adapter

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

// ToolCall is one tool invocation extracted from a response.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// IDs returns the "ids" argument of an expand tool call.
func (t *ToolCall) IDs() []string {
	raw, ok := t.Input["ids"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ResponseInfo is the adapter's inspection of one upstream response body.
type ResponseInfo struct {
	// Valid is false when the body could not be decoded as a response of
	// this protocol.
	Valid bool
	// EndTurn is true when the assistant finished its turn (no pending tool
	// results expected).
	EndTurn bool
	// Streaming is true when the body is an SSE transcript.
	Streaming bool
	// Text is the concatenated assistant text.
	Text string
	// Actions are the agent-tool invocations, for the step log.
	Actions []models.Action
	// ToolCalls are all tool invocations, internal ones included.
	ToolCalls []ToolCall
	// ExpandCall is the expand-tool invocation, nil when absent.
	ExpandCall *ToolCall
	// ContextTokens is the cache-relevant context size of the exchange.
	ContextTokens int
}

// UpstreamResponse is the raw upstream reply.
type UpstreamResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Adapter encapsulates one upstream wire protocol. Implementations never
// mutate their byte-slice inputs; injection methods return fresh buffers.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// CanHandle reports whether the adapter claims the request path.
	CanHandle(path string) bool

	// Forward sends the body upstream with sanitized headers.
	Forward(ctx context.Context, headers http.Header, body []byte) (*UpstreamResponse, error)

	// ExtractProjectPath derives the project key for session grouping.
	ExtractProjectPath(headers http.Header, body []byte) string
	// ExtractSessionID returns the client's own session identifier, if any.
	ExtractSessionID(headers http.Header, body []byte) string
	// ExtractUserMessage returns the text of the last user message.
	ExtractUserMessage(body []byte) string
	// MessageCount counts the conversation messages in the request.
	MessageCount(body []byte) int
	// LastMessageHasToolResult reports whether the final message carries a
	// tool result, marking a continuation turn.
	LastMessageHasToolResult(body []byte) bool
	// IsSubagentModel reports whether the request targets a low-cost
	// background model that bypasses the pipeline.
	IsSubagentModel(body []byte) bool

	// InjectSystem appends text to the system prompt, byte-level first with
	// an object-level fallback.
	InjectSystem(body []byte, text string) ([]byte, bool)
	// InjectUserDelta appends text to the last user message.
	InjectUserDelta(body []byte, text string) ([]byte, bool)
	// InjectPreviewAt appends text to the user message at the given index,
	// object-level. Returns false when the index is out of range or the
	// message there is not a user message.
	InjectPreviewAt(body []byte, position int, text string) ([]byte, bool)
	// TrimToLastUserMessage drops every message before the last user
	// message, for context-clear turns.
	TrimToLastUserMessage(body []byte) ([]byte, bool)
	// InjectExpandTool adds the expand tool definition.
	InjectExpandTool(body []byte) ([]byte, bool)
	// BuildKeepAliveBody appends the minimal keep-alive user message to a
	// stored request body, preserving the cached prefix bytes.
	BuildKeepAliveBody(body []byte) ([]byte, bool)

	// Inspect decodes an upstream response body.
	Inspect(respBody []byte) *ResponseInfo
	// BuildContinueBody produces the follow-up request that feeds the
	// expand-tool result back to the model.
	BuildContinueBody(reqBody []byte, call *ToolCall, result string) ([]byte, error)

	// FilterResponseHeaders keeps only the allow-listed response headers.
	FilterResponseHeaders(h http.Header) http.Header
	// ResponseContentType returns the content type for the client reply.
	ResponseContentType(respBody []byte) string
}

// Registry maps request paths to adapters. Immutable after registration.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an adapter. Later registrations never shadow earlier ones.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// ForPath returns the adapter claiming the path.
func (r *Registry) ForPath(path string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.CanHandle(path) {
			return a, true
		}
	}
	return nil, false
}

// Paths lists every path the registered adapters claim (for routing).
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, a := range r.adapters {
		if p, ok := a.(interface{ Path() string }); ok {
			out = append(out, p.Path())
		}
	}
	return out
}

// subagentMarkers identify low-cost background models.
var subagentMarkers = []string{"haiku", "mini"}

func isSubagentModelName(model string) bool {
	m := strings.ToLower(model)
	for _, marker := range subagentMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
