package memory

// ExpandToolName is the synthetic tool exposed to the model.
const ExpandToolName = "grov_expand"

// ExpandToolDescription is the static system-prompt block that teaches the
// model the preview/expand protocol. It is injected verbatim on every turn
// so it lands inside the upstream prompt-prefix cache; never vary its bytes.
const ExpandToolDescription = `PROJECT KNOWLEDGE BASE PROTOCOL:
When the latest user message contains a [PROJECT KNOWLEDGE BASE: ...] preview:
1. Read ONLY the most recent preview in the latest user message. Ignore previews in earlier messages.
2. Immediately call the grov_expand tool with the IDs listed in that preview before doing anything else.
3. Analyze the expanded knowledge you receive.
4. Decide: answer directly from the expanded knowledge, or continue with your own code inspection if it is insufficient.
If the preview says no relevant entries exist, skip the tool and proceed normally.`

// ExpandToolJSONClaude is the tool definition inserted into a Claude-style
// "tools" array.
const ExpandToolJSONClaude = `{"name":"` + ExpandToolName + `","description":"Expand PROJECT KNOWLEDGE BASE entries to their full content. Pass the IDs shown in the preview.","input_schema":{"type":"object","properties":{"ids":{"type":"array","items":{"type":"string"},"description":"Knowledge entry IDs from the preview, e.g. [\"abcdef12\"]"}},"required":["ids"]}}`

// ExpandToolJSONCodex is the tool definition inserted into a Codex-style
// "tools" array.
const ExpandToolJSONCodex = `{"type":"function","name":"` + ExpandToolName + `","description":"Expand PROJECT KNOWLEDGE BASE entries to their full content. Pass the IDs shown in the preview.","parameters":{"type":"object","properties":{"ids":{"type":"array","items":{"type":"string"},"description":"Knowledge entry IDs from the preview, e.g. [\"abcdef12\"]"}},"required":["ids"]}}`

// NotFoundResult is the tool-result sentence for an unknown id.
func NotFoundResult(id string) string {
	return "No knowledge entry found for ID " + id + "."
}
