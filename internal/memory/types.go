// Package memory implements the team-memory side of the pipeline: the client
// for the external memory service, the per-turn preview builder, the
// per-project injection state, and the synthetic expand tool.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Memory is one knowledge-base entry returned by the memory service. The
// proxy treats most of it as opaque; only the fields below are interpreted.
type Memory struct {
	ID             string           `json:"id"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Goal           string           `json:"goal"`
	Summary        string           `json:"summary"`
	OriginalQuery  string           `json:"original_query,omitempty"`
	ReasoningTrace []ReasoningEntry `json:"reasoning_trace,omitempty"`
	Decisions      []Decision       `json:"decisions,omitempty"`
	FilesTouched   []string         `json:"files_touched,omitempty"`
}

// ShortID returns the first 8 characters of the id, used in previews.
func (m *Memory) ShortID() string {
	if len(m.ID) <= 8 {
		return m.ID
	}
	return m.ID[:8]
}

// ReasoningEntry is one element of a reasoning trace; the service emits
// either a plain string or a {conclusion, insight} record.
type ReasoningEntry struct {
	Conclusion string `json:"conclusion,omitempty"`
	Insight    string `json:"insight,omitempty"`
}

// UnmarshalJSON accepts both the string and the record form.
func (e *ReasoningEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.Conclusion = s
		return nil
	}
	type alias ReasoningEntry
	return json.Unmarshal(data, (*alias)(e))
}

func (e ReasoningEntry) String() string {
	if e.Insight == "" {
		return e.Conclusion
	}
	if e.Conclusion == "" {
		return e.Insight
	}
	return e.Conclusion + ": " + e.Insight
}

// Decision is one recorded design decision.
type Decision struct {
	Choice string `json:"choice"`
	Reason string `json:"reason,omitempty"`
}

// ExpandedBody renders the full knowledge text returned through the expand
// tool result.
func (m *Memory) ExpandedBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Knowledge #%s\n", m.ShortID())
	fmt.Fprintf(&b, "Goal: %s\n", m.Goal)
	fmt.Fprintf(&b, "Summary: %s\n", m.Summary)
	if m.OriginalQuery != "" {
		fmt.Fprintf(&b, "Original query: %s\n", m.OriginalQuery)
	}
	if len(m.ReasoningTrace) > 0 {
		b.WriteString("Reasoning:\n")
		for _, entry := range m.ReasoningTrace {
			fmt.Fprintf(&b, "- %s\n", entry.String())
		}
	}
	if len(m.Decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range m.Decisions {
			if d.Reason != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", d.Choice, d.Reason)
			} else {
				fmt.Fprintf(&b, "- %s\n", d.Choice)
			}
		}
	}
	if len(m.FilesTouched) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(m.FilesTouched, ", "))
	}
	return b.String()
}
