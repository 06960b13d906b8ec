package claude

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// IsSSE reports whether a response body looks like an SSE transcript.
func IsSSE(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("data:"))
}

// streamEvent is the union of the SSE event payloads the proxy cares about.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage Usage  `json:"usage"`
	} `json:"message,omitempty"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// ParseSSE reconstructs a logical MessagesResponse from a complete SSE
// transcript, so the response-inspection path works identically for
// streaming and non-streaming upstreams. Unknown event types are skipped.
func ParseSSE(body []byte) (*MessagesResponse, error) {
	resp := &MessagesResponse{Type: "message", Role: "assistant"}
	blocks := map[int]*ContentBlock{}
	inputJSON := map[int]*strings.Builder{}
	maxIndex := -1

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.ID = ev.Message.ID
				resp.Model = ev.Message.Model
				resp.Usage = ev.Message.Usage
			}
		case "content_block_start":
			if ev.ContentBlock != nil {
				b := *ev.ContentBlock
				blocks[ev.Index] = &b
				if ev.Index > maxIndex {
					maxIndex = ev.Index
				}
			}
		case "content_block_delta":
			b := blocks[ev.Index]
			if b == nil || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				b.Text += ev.Delta.Text
			case "input_json_delta":
				sb := inputJSON[ev.Index]
				if sb == nil {
					sb = &strings.Builder{}
					inputJSON[ev.Index] = sb
				}
				sb.WriteString(ev.Delta.PartialJSON)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				if ev.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = ev.Usage.OutputTokens
				}
				if ev.Usage.CacheCreationInputTokens > 0 {
					resp.Usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
				}
				if ev.Usage.CacheReadInputTokens > 0 {
					resp.Usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i := 0; i <= maxIndex; i++ {
		b := blocks[i]
		if b == nil {
			continue
		}
		if sb := inputJSON[i]; sb != nil && sb.Len() > 0 {
			b.Input = json.RawMessage(sb.String())
		}
		resp.Content = append(resp.Content, *b)
	}
	return resp, nil
}
