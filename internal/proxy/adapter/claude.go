package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/proxy/rawjson"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/pkg/claude"
)

const claudePath = "/v1/messages"

// claudeResponseHeaders is the allow-list of upstream response headers
// passed back to the client.
var claudeResponseHeaders = []string{
	"content-type",
	"x-request-id",
	"request-id",
	"x-should-retry",
	"retry-after",
	"retry-after-ms",
}

// ClaudeAdapter speaks the messages-with-content-blocks protocol.
type ClaudeAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClaude creates the Claude-style adapter.
func NewClaude(baseURL string, timeout time.Duration, log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("claude-adapter"),
	}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

// Path returns the endpoint this adapter claims.
func (a *ClaudeAdapter) Path() string { return claudePath }

func (a *ClaudeAdapter) CanHandle(path string) bool { return path == claudePath }

// Forward sends the request upstream with sanitized headers and buffers the
// full response, SSE included.
func (a *ClaudeAdapter) Forward(ctx context.Context, headers http.Header, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+claudePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = sanitizeRequestHeaders(headers)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return &UpstreamResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    respBody,
	}, nil
}

// requestShape is the partial decode used by the extractors.
type claudeRequestShape struct {
	Model    string `json:"model"`
	Metadata struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	Messages []claude.Message `json:"messages"`
}

func (a *ClaudeAdapter) decodeRequest(body []byte) (*claudeRequestShape, bool) {
	var req claudeRequestShape
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false
	}
	return &req, true
}

// ExtractProjectPath prefers the explicit header, then the working directory
// the client embeds in its system prompt, then the metadata user id.
func (a *ClaudeAdapter) ExtractProjectPath(headers http.Header, body []byte) string {
	if p := headers.Get("X-Grov-Project"); p != "" {
		return p
	}
	if cwd := extractJSONStringField(body, `"cwd":"`); cwd != "" {
		return cwd
	}
	if dir := extractWorkingDirectory(body); dir != "" {
		return dir
	}
	if req, ok := a.decodeRequest(body); ok && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	return "default"
}

func (a *ClaudeAdapter) ExtractSessionID(headers http.Header, body []byte) string {
	if id := headers.Get("X-Grov-Session"); id != "" {
		return id
	}
	if req, ok := a.decodeRequest(body); ok {
		return req.Metadata.UserID
	}
	return ""
}

// ExtractUserMessage returns the text of the last user message.
func (a *ClaudeAdapter) ExtractUserMessage(body []byte) string {
	req, ok := a.decodeRequest(body)
	if !ok {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		blocks, err := claude.DecodeBlocks(req.Messages[i].Content)
		if err != nil {
			return ""
		}
		return claude.TextOf(blocks)
	}
	return ""
}

func (a *ClaudeAdapter) MessageCount(body []byte) int {
	req, ok := a.decodeRequest(body)
	if !ok {
		return 0
	}
	return len(req.Messages)
}

func (a *ClaudeAdapter) LastMessageHasToolResult(body []byte) bool {
	req, ok := a.decodeRequest(body)
	if !ok || len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return false
	}
	blocks, err := claude.DecodeBlocks(last.Content)
	if err != nil {
		return false
	}
	return claude.HasToolResult(blocks)
}

func (a *ClaudeAdapter) IsSubagentModel(body []byte) bool {
	req, ok := a.decodeRequest(body)
	return ok && isSubagentModelName(req.Model)
}

// InjectSystem appends the text block to the system array byte-wise; when
// the system field is a plain string or missing, it falls back to decoding
// and re-serializing the object.
func (a *ClaudeAdapter) InjectSystem(body []byte, text string) ([]byte, bool) {
	if out, ok := rawjson.AppendTextBlockToSystem(body, text); ok {
		return out, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	var system []claude.ContentBlock
	if raw, ok := obj["system"]; ok && len(raw) > 0 {
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, false
			}
			system = []claude.ContentBlock{{Type: claude.BlockText, Text: s}}
		} else if err := json.Unmarshal(raw, &system); err != nil {
			return nil, false
		}
	}
	system = append(system, claude.ContentBlock{Type: claude.BlockText, Text: text})
	encoded, err := json.Marshal(system)
	if err != nil {
		return nil, false
	}
	obj["system"] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	a.logger.Debug("System injection used object-level fallback",
		zap.Int("system_blocks", len(system)))
	return out, true
}

func (a *ClaudeAdapter) InjectUserDelta(body []byte, text string) ([]byte, bool) {
	return rawjson.AppendToLastUserMessage(body, text, claude.BlockText)
}

// InjectPreviewAt re-applies a recorded preview to the user message at the
// given index. Object-level: the message list is decoded and re-serialized,
// untouched fields are carried through as raw bytes.
func (a *ClaudeAdapter) InjectPreviewAt(body []byte, position int, text string) ([]byte, bool) {
	return injectPreviewAtMessage(body, "messages", position, text, claude.BlockText)
}

// TrimToLastUserMessage keeps only the messages from the last user message
// onward, used when a queued plan summary replaces the history.
func (a *ClaudeAdapter) TrimToLastUserMessage(body []byte) ([]byte, bool) {
	return trimMessagesToLastUser(body, "messages")
}

func (a *ClaudeAdapter) InjectExpandTool(body []byte) ([]byte, bool) {
	return rawjson.AddTool(body, memory.ExpandToolJSONClaude, "messages")
}

// BuildKeepAliveBody appends a minimal user message; max_tokens and stream
// stay untouched so the cached prefix is preserved.
func (a *ClaudeAdapter) BuildKeepAliveBody(body []byte) ([]byte, bool) {
	return rawjson.AppendItemToArray(body, "messages", `{"role":"user","content":"."}`)
}

// Inspect decodes a response body, reconstructing streamed transcripts
// first.
func (a *ClaudeAdapter) Inspect(respBody []byte) *ResponseInfo {
	info := &ResponseInfo{}

	var resp *claude.MessagesResponse
	if claude.IsSSE(respBody) {
		info.Streaming = true
		parsed, err := claude.ParseSSE(respBody)
		if err != nil {
			return info
		}
		resp = parsed
	} else {
		var parsed claude.MessagesResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.Type != "message" {
			return info
		}
		resp = &parsed
	}

	info.Valid = true
	info.EndTurn = resp.StopReason != claude.StopToolUse
	info.Text = claude.TextOf(resp.Content)
	info.ContextTokens = resp.Usage.ContextTokens()

	for _, block := range claude.ToolUses(resp.Content) {
		call := ToolCall{ID: block.ID, Name: block.Name}
		if len(block.Input) > 0 {
			_ = json.Unmarshal(block.Input, &call.Input)
		}
		info.ToolCalls = append(info.ToolCalls, call)
		if block.Name == memory.ExpandToolName && info.ExpandCall == nil {
			expand := call
			info.ExpandCall = &expand
		} else {
			info.Actions = append(info.Actions, actionFromToolCall(call))
		}
	}
	return info
}

// actionFromToolCall maps an agent tool invocation to a step action.
func actionFromToolCall(call ToolCall) models.Action {
	action := models.Action{Type: models.ActionOther}
	switch strings.ToLower(call.Name) {
	case "edit", "str_replace_editor", "str_replace_based_edit_tool":
		action.Type = models.ActionEdit
	case "write", "create_file":
		action.Type = models.ActionWrite
	case "bash", "shell", "run_terminal_cmd":
		action.Type = models.ActionBash
	case "read", "read_file":
		action.Type = models.ActionRead
	case "glob":
		action.Type = models.ActionGlob
	case "grep", "search":
		action.Type = models.ActionGrep
	case "task", "agent":
		action.Type = models.ActionTask
	}
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := call.Input[key].(string); ok && v != "" {
			action.Files = append(action.Files, v)
		}
	}
	if v, ok := call.Input["command"].(string); ok {
		action.Command = v
	}
	return action
}

// BuildContinueBody appends the assistant's tool_use turn and the expand
// tool result to the already-injected request, producing the follow-up call
// of the expansion loop.
func (a *ClaudeAdapter) BuildContinueBody(reqBody []byte, call *ToolCall, result string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(reqBody, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode request for continue body: %w", err)
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(obj["messages"], &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages for continue body: %w", err)
	}

	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	assistantTurn := map[string]any{
		"role": "assistant",
		"content": []map[string]any{{
			"type":  claude.BlockToolUse,
			"id":    call.ID,
			"name":  call.Name,
			"input": input,
		}},
	}
	userTurn := map[string]any{
		"role": "user",
		"content": []map[string]any{{
			"type":        claude.BlockToolResult,
			"tool_use_id": call.ID,
			"content":     result,
		}},
	}
	for _, turn := range []map[string]any{assistantTurn, userTurn} {
		encoded, err := json.Marshal(turn)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded)
	}

	encoded, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	obj["messages"] = encoded
	return json.Marshal(obj)
}

func (a *ClaudeAdapter) FilterResponseHeaders(h http.Header) http.Header {
	return filterResponseHeaders(h, claudeResponseHeaders, []string{"anthropic-ratelimit-"})
}

func (a *ClaudeAdapter) ResponseContentType(respBody []byte) string {
	if claude.IsSSE(respBody) {
		return "text/event-stream; charset=utf-8"
	}
	return "application/json"
}

// extractJSONStringField returns the string value following the literal
// token, for cheap extraction without a full decode.
func extractJSONStringField(body []byte, token string) string {
	idx := bytes.Index(body, []byte(token))
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(token):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	value := string(rest[:end])
	if strings.ContainsAny(value, "\\") {
		var decoded string
		if err := json.Unmarshal([]byte(`"`+value+`"`), &decoded); err == nil {
			return decoded
		}
	}
	return value
}

// extractWorkingDirectory finds the working directory line agent clients
// embed in their system prompt.
func extractWorkingDirectory(body []byte) string {
	for _, marker := range []string{"Working directory: ", "cwd: "} {
		idx := bytes.Index(body, []byte(marker))
		if idx < 0 {
			continue
		}
		rest := body[idx+len(marker):]
		end := bytes.IndexAny(rest, "\\\n\"")
		if end < 0 {
			end = len(rest)
		}
		if dir := strings.TrimSpace(string(rest[:end])); dir != "" {
			return dir
		}
	}
	return ""
}
