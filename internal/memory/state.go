package memory

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/common/logger"
)

// RequestType classifies an incoming turn relative to the previous one for
// the same project.
type RequestType string

const (
	// RequestRetry is a resend with the same message count; injection state
	// must not advance so the replay stays byte-identical.
	RequestRetry RequestType = "retry"
	// RequestNewConversation means the message count dropped by more than
	// one: the client restarted and the state was cleared.
	RequestNewConversation RequestType = "new_conversation"
	// RequestContinuation is a tool-result turn inside one logical exchange.
	RequestContinuation RequestType = "continuation"
	// RequestFirst opens a new exchange and triggers preview injection.
	RequestFirst RequestType = "first"
)

// RecordKind discriminates injection records.
type RecordKind string

const (
	RecordPreview   RecordKind = "preview"
	RecordToolCycle RecordKind = "tool_cycle"
)

// ToolUse captures the expand tool call the model made.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// InjectionRecord is one committed or pending injection. Position is the
// index of the last user message in the original message list at injection
// time.
type InjectionRecord struct {
	Kind       RecordKind `json:"kind"`
	Position   int        `json:"position"`
	Text       string     `json:"text,omitempty"`
	ToolUse    *ToolUse   `json:"tool_use,omitempty"`
	ToolResult string     `json:"tool_result,omitempty"`
}

type cachedPreview struct {
	text     string
	msgCount int
}

// sessionState is the per-project injection state. History is monotonic
// within a session; pending records are promoted to history at the start of
// the next first request.
type sessionState struct {
	mu sync.Mutex
	// turnMu serializes whole first-request sequences; mu only guards
	// individual field access.
	turnMu        sync.Mutex
	memories      map[string]*Memory
	history       []InjectionRecord
	pending       []InjectionRecord
	lastMsgCount  int
	cachedPreview *cachedPreview
}

// Engine owns one sessionState per project path.
type Engine struct {
	mu     sync.Mutex
	states map[string]*sessionState
	logger *logger.Logger
}

// NewEngine creates an empty injection-state engine.
func NewEngine(log *logger.Logger) *Engine {
	return &Engine{
		states: make(map[string]*sessionState),
		logger: log.WithComponent("injection-state"),
	}
}

func (e *Engine) state(projectPath string) *sessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[projectPath]
	if !ok {
		st = &sessionState{memories: make(map[string]*Memory)}
		e.states[projectPath] = st
	}
	return st
}

// SerializeFirst runs fn while holding the project's injection lock, so the
// commit-pending, build-preview, record-pending sequence of a first request
// is atomic with respect to concurrent turns for the same project.
func (e *Engine) SerializeFirst(projectPath string, fn func() error) error {
	st := e.state(projectPath)
	st.turnMu.Lock()
	defer st.turnMu.Unlock()
	return fn()
}

// DetectRequestType classifies the turn against the remembered message count
// and advances it. A drop of more than one message clears the state.
func (e *Engine) DetectRequestType(projectPath string, msgCount int, lastHasToolResult bool) RequestType {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.lastMsgCount
	switch {
	case prev > 0 && msgCount == prev:
		return RequestRetry
	case prev-msgCount > 1:
		e.logger.Info("Message count dropped, resetting injection state",
			zap.String("project", projectPath),
			zap.Int("previous", prev),
			zap.Int("current", msgCount))
		st.memories = make(map[string]*Memory)
		st.history = nil
		st.pending = nil
		st.cachedPreview = nil
		st.lastMsgCount = msgCount
		return RequestNewConversation
	case lastHasToolResult:
		st.lastMsgCount = msgCount
		return RequestContinuation
	default:
		st.lastMsgCount = msgCount
		return RequestFirst
	}
}

// CommitPending promotes pending records to committed history, in order.
func (e *Engine) CommitPending(projectPath string) {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.history = append(st.history, st.pending...)
	st.pending = nil
}

// CacheMemories stores fetched memories by id for later expansion.
func (e *Engine) CacheMemories(projectPath string, memories []*Memory) {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, m := range memories {
		if m.ID != "" {
			st.memories[m.ID] = m
		}
	}
}

// MemoryByID resolves a cached memory by full id or by prefix, in either
// direction: the query may be a prefix of the stored id (the usual 8-char
// short form) or the stored id a prefix of the query.
func (e *Engine) MemoryByID(projectPath, id string) (*Memory, bool) {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()

	if m, ok := st.memories[id]; ok {
		return m, true
	}
	query := strings.ToLower(id)
	if query == "" {
		return nil, false
	}
	for stored, m := range st.memories {
		s := strings.ToLower(stored)
		if strings.HasPrefix(s, query) || strings.HasPrefix(query, s) {
			return m, true
		}
	}
	return nil, false
}

// AddPreviewRecord registers a pending preview injection and caches the
// preview text for byte-stable retry replay.
func (e *Engine) AddPreviewRecord(projectPath string, position int, text string, msgCount int) {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = append(st.pending, InjectionRecord{
		Kind:     RecordPreview,
		Position: position,
		Text:     text,
	})
	st.cachedPreview = &cachedPreview{text: text, msgCount: msgCount}
}

// CachedPreview returns the preview injected at the given message count, for
// replaying a retry without consulting the memory service again.
func (e *Engine) CachedPreview(projectPath string, msgCount int) (string, bool) {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cachedPreview == nil || st.cachedPreview.msgCount != msgCount {
		return "", false
	}
	return st.cachedPreview.text, true
}

// HasToolCycleAtPosition reports whether a committed or pending tool_cycle
// record already exists for the position.
func (e *Engine) HasToolCycleAtPosition(projectPath string, position int) bool {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	return hasToolCycle(st.history, position) || hasToolCycle(st.pending, position)
}

func hasToolCycle(records []InjectionRecord, position int) bool {
	for _, r := range records {
		if r.Kind == RecordToolCycle && r.Position == position {
			return true
		}
	}
	return false
}

// AddToolCycleRecord registers a pending tool_cycle record unless one
// already exists for the position. Returns true when a record was added.
func (e *Engine) AddToolCycleRecord(projectPath string, position int, use *ToolUse, result string) bool {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	if hasToolCycle(st.history, position) || hasToolCycle(st.pending, position) {
		return false
	}
	st.pending = append(st.pending, InjectionRecord{
		Kind:       RecordToolCycle,
		Position:   position,
		ToolUse:    use,
		ToolResult: result,
	})
	return true
}

// History returns a copy of the committed records, in commit order.
func (e *Engine) History(projectPath string) []InjectionRecord {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]InjectionRecord(nil), st.history...)
}

// PendingCount reports how many records await promotion (used by tests and
// the health surface).
func (e *Engine) PendingCount(projectPath string) int {
	st := e.state(projectPath)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

// Clear drops all state for a project.
func (e *Engine) Clear(projectPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, projectPath)
}
