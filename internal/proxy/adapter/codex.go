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

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/proxy/rawjson"
	"github.com/grovhq/grov-proxy/pkg/codex"
)

const codexPath = "/v1/responses"

var codexResponseHeaders = []string{
	"content-type",
	"x-request-id",
	"retry-after",
	"retry-after-ms",
}

// CodexAdapter speaks the responses-with-input-items protocol.
type CodexAdapter struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewCodex creates the Codex-style adapter.
func NewCodex(baseURL string, timeout time.Duration, log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithComponent("codex-adapter"),
	}
}

func (a *CodexAdapter) Name() string { return "codex" }

// Path returns the endpoint this adapter claims.
func (a *CodexAdapter) Path() string { return codexPath }

func (a *CodexAdapter) CanHandle(path string) bool { return path == codexPath }

func (a *CodexAdapter) Forward(ctx context.Context, headers http.Header, body []byte) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+codexPath, bytes.NewReader(body))
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

type codexRequestShape struct {
	Model        string            `json:"model"`
	Instructions string            `json:"instructions"`
	Input        []codex.InputItem `json:"input"`
}

func (a *CodexAdapter) decodeRequest(body []byte) (*codexRequestShape, bool) {
	var req codexRequestShape
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false
	}
	return &req, true
}

func (a *CodexAdapter) ExtractProjectPath(headers http.Header, body []byte) string {
	if p := headers.Get("X-Grov-Project"); p != "" {
		return p
	}
	if cwd := extractJSONStringField(body, `"cwd":"`); cwd != "" {
		return cwd
	}
	if dir := extractWorkingDirectory(body); dir != "" {
		return dir
	}
	return "default"
}

func (a *CodexAdapter) ExtractSessionID(headers http.Header, body []byte) string {
	return headers.Get("X-Grov-Session")
}

func (a *CodexAdapter) ExtractUserMessage(body []byte) string {
	req, ok := a.decodeRequest(body)
	if !ok {
		return ""
	}
	for i := len(req.Input) - 1; i >= 0; i-- {
		item := req.Input[i]
		if item.Role != "user" {
			continue
		}
		var out string
		for _, part := range item.Content {
			if part.Type == codex.PartInputText {
				if out != "" {
					out += "\n"
				}
				out += part.Text
			}
		}
		return out
	}
	return ""
}

func (a *CodexAdapter) MessageCount(body []byte) int {
	req, ok := a.decodeRequest(body)
	if !ok {
		return 0
	}
	return len(req.Input)
}

func (a *CodexAdapter) LastMessageHasToolResult(body []byte) bool {
	req, ok := a.decodeRequest(body)
	if !ok || len(req.Input) == 0 {
		return false
	}
	return req.Input[len(req.Input)-1].Type == codex.ItemFunctionCallOutput
}

func (a *CodexAdapter) IsSubagentModel(body []byte) bool {
	req, ok := a.decodeRequest(body)
	return ok && isSubagentModelName(req.Model)
}

// InjectSystem appends to the instructions string; Codex carries no system
// array, so the string splice is the primary path and object-level insertion
// of a missing instructions field is the fallback.
func (a *CodexAdapter) InjectSystem(body []byte, text string) ([]byte, bool) {
	if out, ok := rawjson.AppendToStringField(body, "instructions", "\n\n"+text); ok {
		return out, true
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, false
	}
	obj["instructions"] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	a.logger.Debug("Instructions injection used object-level fallback")
	return out, true
}

func (a *CodexAdapter) InjectUserDelta(body []byte, text string) ([]byte, bool) {
	return rawjson.AppendToLastUserMessage(body, text, codex.PartInputText)
}

// InjectPreviewAt re-applies a recorded preview to the user message item at
// the given index, object-level.
func (a *CodexAdapter) InjectPreviewAt(body []byte, position int, text string) ([]byte, bool) {
	return injectPreviewAtMessage(body, "input", position, text, codex.PartInputText)
}

// TrimToLastUserMessage keeps only the input items from the last user
// message onward.
func (a *CodexAdapter) TrimToLastUserMessage(body []byte) ([]byte, bool) {
	return trimMessagesToLastUser(body, "input")
}

func (a *CodexAdapter) InjectExpandTool(body []byte) ([]byte, bool) {
	return rawjson.AddTool(body, memory.ExpandToolJSONCodex, "input")
}

// BuildKeepAliveBody appends a minimal user message to the input list.
func (a *CodexAdapter) BuildKeepAliveBody(body []byte) ([]byte, bool) {
	return rawjson.AppendItemToArray(body, "input",
		`{"type":"message","role":"user","content":[{"type":"input_text","text":"."}]}`)
}

func (a *CodexAdapter) Inspect(respBody []byte) *ResponseInfo {
	info := &ResponseInfo{}

	var resp codex.ResponsesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.ID == "" {
		return info
	}

	info.Valid = true
	info.Text = codex.TextOf(resp.Output)
	info.ContextTokens = resp.Usage.ContextTokens()

	calls := codex.FunctionCalls(resp.Output)
	info.EndTurn = len(calls) == 0 && resp.Status == codex.StatusCompleted
	for _, fc := range calls {
		call := ToolCall{ID: fc.CallID, Name: fc.Name}
		if fc.Arguments != "" {
			_ = json.Unmarshal([]byte(fc.Arguments), &call.Input)
		}
		info.ToolCalls = append(info.ToolCalls, call)
		if fc.Name == memory.ExpandToolName && info.ExpandCall == nil {
			expand := call
			info.ExpandCall = &expand
		} else {
			info.Actions = append(info.Actions, actionFromToolCall(call))
		}
	}
	return info
}

// BuildContinueBody appends the function_call item and its output to the
// input list for the next round of the expansion loop.
func (a *CodexAdapter) BuildContinueBody(reqBody []byte, call *ToolCall, result string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(reqBody, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode request for continue body: %w", err)
	}
	var input []json.RawMessage
	if err := json.Unmarshal(obj["input"], &input); err != nil {
		return nil, fmt.Errorf("failed to decode input for continue body: %w", err)
	}

	args, err := json.Marshal(call.Input)
	if err != nil {
		return nil, err
	}
	callItem := map[string]any{
		"type":      codex.ItemFunctionCall,
		"call_id":   call.ID,
		"name":      call.Name,
		"arguments": string(args),
	}
	outputItem := map[string]any{
		"type":    codex.ItemFunctionCallOutput,
		"call_id": call.ID,
		"output":  result,
	}
	for _, item := range []map[string]any{callItem, outputItem} {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		input = append(input, encoded)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	obj["input"] = encoded
	return json.Marshal(obj)
}

func (a *CodexAdapter) FilterResponseHeaders(h http.Header) http.Header {
	return filterResponseHeaders(h, codexResponseHeaders, []string{"x-ratelimit-"})
}

func (a *CodexAdapter) ResponseContentType(respBody []byte) string {
	trimmed := bytes.TrimLeft(respBody, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("data:")) {
		return "text/event-stream; charset=utf-8"
	}
	return "application/json"
}
