// Package events provides event types and utilities for the proxy event system.
// Session lifecycle, drift, and memory events are published on the bus so
// external observers (dashboards, audit sinks) can follow what the proxy does
// without being on the request path.
package events

// Event types for sessions
const (
	SessionCreated   = "session.created"
	SessionCompleted = "session.completed"
	SessionAbandoned = "session.abandoned"
	SessionSwitched  = "session.switched"
)

// Event types for drift
const (
	DriftDetected  = "drift.detected"
	DriftRecovered = "drift.recovered"
	DriftEscalated = "drift.escalated"
)

// Event types for memory
const (
	MemoryInjected = "memory.injected"
	MemoryExpanded = "memory.expanded"
	MemorySaved    = "memory.saved"
)

// Event types for the extended cache
const (
	CacheKeepAlive = "cache.keepalive"
	CacheEvicted   = "cache.evicted"
)

// Subjects group event types on the bus.
const (
	SubjectSessions = "grov.sessions"
	SubjectDrift    = "grov.drift"
	SubjectMemory   = "grov.memory"
	SubjectCache    = "grov.cache"
)
