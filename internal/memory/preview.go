package memory

import (
	"fmt"
	"strings"
	"time"
)

// Literal pieces of the preview block. These strings are part of the prompt
// contract with the model and must stay byte-stable across turns.
const (
	previewHeaderFormat = "[PROJECT KNOWLEDGE BASE: %d verified entries - CURRENT]"
	previewEmpty        = "[PROJECT KNOWLEDGE BASE: No relevant entries for this query]"
	previewTrailer      = "Use grov_expand with these IDs to get full knowledge."
)

// BuildPreview renders the delta block appended to the last user message:
// header, one line per memory, and the expand-tool trailer. With no memories
// it returns the explicit empty marker so the model never reuses an older
// cached preview.
func BuildPreview(memories []*Memory, now time.Time) string {
	if len(memories) == 0 {
		return previewEmpty
	}
	var b strings.Builder
	fmt.Fprintf(&b, previewHeaderFormat, len(memories))
	for _, m := range memories {
		fmt.Fprintf(&b, "\n#%s: %q -> %s (%s)", m.ShortID(), m.Goal, m.Summary, AgeLabel(m.UpdatedAt, now))
	}
	b.WriteString("\n" + previewTrailer)
	return b.String()
}

// AgeLabel buckets the distance between updated and now into a human label.
func AgeLabel(updated, now time.Time) string {
	days := int(now.Sub(updated).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "1 day ago"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 14:
		return "1 week ago"
	case days < 28:
		return fmt.Sprintf("%d weeks ago", days/7)
	case days < 60:
		return "1 month ago"
	default:
		return fmt.Sprintf("%d months ago", days/30)
	}
}
