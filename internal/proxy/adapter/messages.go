package adapter

import (
	"bytes"
	"encoding/json"
)

// messageRole returns the "role" of one raw message or input item, or "".
func messageRole(raw json.RawMessage) string {
	var m struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.Role
}

// decodeMessageList splits a request body into its top-level fields and the
// raw elements of the named message list.
func decodeMessageList(body []byte, field string) (map[string]json.RawMessage, []json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, nil, false
	}
	raw, ok := obj[field]
	if !ok {
		return nil, nil, false
	}
	var msgs []json.RawMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, nil, false
	}
	return obj, msgs, true
}

// encodeMessageList re-serializes the message list back into the body.
func encodeMessageList(obj map[string]json.RawMessage, msgs []json.RawMessage, field string) ([]byte, bool) {
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return nil, false
	}
	obj[field] = encoded
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

// injectPreviewAtMessage appends "\n\n"+text to the content of the user
// message at the given index. String content gets the text concatenated;
// array content gets a trailing text block of blockType. Unknown fields of
// the message survive as raw bytes. Fails when the index is out of range or
// the message there is not a user message.
func injectPreviewAtMessage(body []byte, field string, position int, text, blockType string) ([]byte, bool) {
	obj, msgs, ok := decodeMessageList(body, field)
	if !ok {
		return nil, false
	}
	if position < 0 || position >= len(msgs) {
		return nil, false
	}
	if messageRole(msgs[position]) != "user" {
		return nil, false
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal(msgs[position], &msg); err != nil {
		return nil, false
	}
	content, ok := msg["content"]
	if !ok || len(content) == 0 {
		return nil, false
	}

	var encoded []byte
	switch content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return nil, false
		}
		out, err := json.Marshal(s + "\n\n" + text)
		if err != nil {
			return nil, false
		}
		encoded = out
	case '[':
		var blocks []json.RawMessage
		if err := json.Unmarshal(content, &blocks); err != nil {
			return nil, false
		}
		block, err := json.Marshal(map[string]string{"type": blockType, "text": "\n\n" + text})
		if err != nil {
			return nil, false
		}
		blocks = append(blocks, block)
		out, err := json.Marshal(blocks)
		if err != nil {
			return nil, false
		}
		encoded = out
	default:
		return nil, false
	}

	msg["content"] = encoded
	updated, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	msgs = append(append([]json.RawMessage(nil), msgs[:position]...), append([]json.RawMessage{updated}, msgs[position+1:]...)...)
	return encodeMessageList(obj, msgs, field)
}

// trimMessagesToLastUser drops every message before the last user message.
func trimMessagesToLastUser(body []byte, field string) ([]byte, bool) {
	obj, msgs, ok := decodeMessageList(body, field)
	if !ok {
		return nil, false
	}
	last := -1
	for i, raw := range msgs {
		if messageRole(raw) == "user" {
			last = i
		}
	}
	if last < 0 {
		return nil, false
	}
	if last == 0 {
		// Nothing before the last user message; keep the original bytes.
		return bytes.Clone(body), true
	}
	return encodeMessageList(obj, msgs[last:], field)
}
