// Package rawjson performs byte-level edits on JSON request bodies without
// re-serialization, so every byte before the insertion point is preserved and
// the upstream prompt-prefix cache keeps hitting.
//
// Precondition: bodies are compact UTF-8 JSON without a leading BOM, which is
// what the supported agent clients emit. Bracket matching always skips over
// JSON strings, honoring \" escapes, regardless of nesting depth.
package rawjson

import (
	"bytes"
	"fmt"
)

// Escape encodes text for insertion inside a JSON string literal.
func Escape(text string) string {
	var buf bytes.Buffer
	for _, r := range text {
		switch r {
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				buf.WriteRune(r)
			}
		}
	}
	return buf.String()
}

// skipString returns the index just past the string literal opening at i
// (data[i] must be '"'), or -1 when the string is unterminated.
func skipString(data []byte, i int) int {
	i++ // opening quote
	for i < len(data) {
		switch data[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return -1
}

// matchBracket returns the index of the bracket closing the one opening at
// start (data[start] must be '[' or '{'), or -1. String literals are skipped
// so brackets and quotes inside them never count.
func matchBracket(data []byte, start int) int {
	open := data[start]
	var close byte
	switch open {
	case '[':
		close = ']'
	case '{':
		close = '}'
	default:
		return -1
	}

	depth := 0
	i := start
	for i < len(data) {
		switch data[i] {
		case '"':
			next := skipString(data, i)
			if next < 0 {
				return -1
			}
			i = next
		case open:
			depth++
			i++
		case close:
			depth--
			if depth == 0 {
				return i
			}
			i++
		default:
			i++
		}
	}
	return -1
}

// splice returns a new slice with insert placed at position pos.
func splice(data []byte, pos int, insert []byte) []byte {
	out := make([]byte, 0, len(data)+len(insert))
	out = append(out, data[:pos]...)
	out = append(out, insert...)
	out = append(out, data[pos:]...)
	return out
}

// arrayIsEmpty reports whether the array spanning [open, close] holds only
// whitespace.
func arrayIsEmpty(data []byte, open, close int) bool {
	for i := open + 1; i < close; i++ {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// AppendTextBlockToSystem inserts {"type":"text","text":...} as the last
// element of the "system" array. Returns (nil, false) when the system field
// is absent or not an array; callers fall back to object-level injection.
func AppendTextBlockToSystem(body []byte, text string) ([]byte, bool) {
	idx := bytes.Index(body, []byte(`"system":[`))
	if idx < 0 {
		return nil, false
	}
	open := idx + len(`"system":`)
	close := matchBracket(body, open)
	if close < 0 {
		return nil, false
	}

	block := `{"type":"text","text":"` + Escape(text) + `"}`
	if !arrayIsEmpty(body, open, close) {
		block = "," + block
	}
	return splice(body, close, []byte(block)), true
}

// AppendToStringField appends text to the value of a top-level string field
// such as Codex's "instructions". Returns (nil, false) when the field is
// absent or not a string.
func AppendToStringField(body []byte, field, text string) ([]byte, bool) {
	token := []byte(`"` + field + `":`)
	idx := bytes.Index(body, token)
	if idx < 0 {
		return nil, false
	}
	i := skipSpaces(body, idx+len(token))
	if i >= len(body) || body[i] != '"' {
		return nil, false
	}
	end := skipString(body, i)
	if end < 0 {
		return nil, false
	}
	// end-1 is the closing quote.
	return splice(body, end-1, []byte(Escape(text))), true
}

func skipSpaces(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// lastUserRoleIndex returns the byte offset of the final `"role":"user"`
// occurrence, or -1.
func lastUserRoleIndex(body []byte) int {
	return bytes.LastIndex(body, []byte(`"role":"user"`))
}

// AppendToLastUserMessage appends "\n\n"+text to the content of the last user
// message. String content gets the text spliced before its closing quote;
// array content gets a trailing {"type":"text","text":...} block. The
// textBlockType parameter names the block type for array content ("text" for
// Claude, "input_text" for Codex).
func AppendToLastUserMessage(body []byte, text, textBlockType string) ([]byte, bool) {
	roleIdx := lastUserRoleIndex(body)
	if roleIdx < 0 {
		return nil, false
	}
	contentIdx := bytes.Index(body[roleIdx:], []byte(`"content":`))
	if contentIdx < 0 {
		return nil, false
	}
	i := skipSpaces(body, roleIdx+contentIdx+len(`"content":`))
	if i >= len(body) {
		return nil, false
	}

	switch body[i] {
	case '"':
		end := skipString(body, i)
		if end < 0 {
			return nil, false
		}
		insert := `\n\n` + Escape(text)
		return splice(body, end-1, []byte(insert)), true
	case '[':
		close := matchBracket(body, i)
		if close < 0 {
			return nil, false
		}
		block := `{"type":"` + textBlockType + `","text":"\n\n` + Escape(text) + `"}`
		if !arrayIsEmpty(body, i, close) {
			block = "," + block
		}
		return splice(body, close, []byte(block)), true
	default:
		return nil, false
	}
}

// AddTool inserts toolJSON into the "tools" array. When the array is absent,
// a new `"tools":[...],` field is spliced directly before the anchor field
// (`"messages"` for Claude, `"input"` for Codex). toolJSON must be a complete
// JSON object.
func AddTool(body []byte, toolJSON, anchorField string) ([]byte, bool) {
	idx := bytes.Index(body, []byte(`"tools":[`))
	if idx < 0 {
		anchor := bytes.Index(body, []byte(`"`+anchorField+`":`))
		if anchor < 0 {
			return nil, false
		}
		insert := `"tools":[` + toolJSON + `],`
		return splice(body, anchor, []byte(insert)), true
	}

	open := idx + len(`"tools":`)
	close := matchBracket(body, open)
	if close < 0 {
		return nil, false
	}
	insert := toolJSON
	if !arrayIsEmpty(body, open, close) {
		insert = "," + insert
	}
	return splice(body, close, []byte(insert)), true
}

// AppendItemToArray inserts itemJSON as the last element of the named
// top-level array field (used by the extended cache to add the keep-alive
// user message to "messages").
func AppendItemToArray(body []byte, field, itemJSON string) ([]byte, bool) {
	idx := bytes.Index(body, []byte(`"`+field+`":[`))
	if idx < 0 {
		return nil, false
	}
	open := idx + len(`"`+field+`":`)
	close := matchBracket(body, open)
	if close < 0 {
		return nil, false
	}
	insert := itemJSON
	if !arrayIsEmpty(body, open, close) {
		insert = "," + insert
	}
	return splice(body, close, []byte(insert)), true
}
