// Package cache keeps the upstream prompt-prefix cache warm during user idle
// time: it snapshots the last end-of-turn request per project and replays it
// with a minimal appended user message.
package cache

import (
	"context"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/common/tracing"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/proxy/adapter"
)

const (
	// maxEntries bounds the cache; the LRU evicts the stalest project.
	maxEntries = 100
	// tickInterval is the sweep cadence.
	tickInterval = time.Minute
	// keepAliveAfter is the idle time before a keep-alive is attempted.
	keepAliveAfter = 4 * time.Minute
	// expireAfter is the idle time after which an entry is dropped; the
	// upstream cache is gone by then anyway.
	expireAfter = 10 * time.Minute
	// maxKeepAlives caps refreshes per entry between real turns.
	maxKeepAlives = 2
)

// Entry is one snapshot of a project's last end-of-turn request.
type Entry struct {
	Headers        http.Header
	Body           []byte
	Adapter        adapter.Adapter
	LastActivity   time.Time
	KeepAliveCount int
}

// ExtendedCache owns the snapshots and the keep-alive timer.
type ExtendedCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	enabled bool
	logger  *logger.Logger
	bus     bus.EventBus

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates the cache. When disabled, Store and Run are no-ops.
func New(enabled bool, eventBus bus.EventBus, log *logger.Logger) (*ExtendedCache, error) {
	entries, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &ExtendedCache{
		entries: entries,
		enabled: enabled,
		logger:  log.WithComponent("extended-cache"),
		bus:     eventBus,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}, nil
}

// Store snapshots the request of a successful end-of-turn exchange. Headers
// are copied so later client reuse cannot alias them.
func (c *ExtendedCache) Store(projectPath string, headers http.Header, body []byte, a adapter.Adapter) {
	if !c.enabled || projectPath == "" || len(body) == 0 {
		return
	}
	entry := &Entry{
		Headers:      headers.Clone(),
		Body:         append([]byte(nil), body...),
		Adapter:      a,
		LastActivity: c.now(),
	}
	c.mu.Lock()
	evicted := c.entries.Add(projectPath, entry)
	c.mu.Unlock()
	if evicted {
		c.logger.Debug("Evicted oldest cache entry", zap.String("stored", projectPath))
	}
}

// Touch resets the idle clock without replacing the snapshot.
func (c *ExtendedCache) Touch(projectPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries.Get(projectPath); ok {
		entry.LastActivity = c.now()
		entry.KeepAliveCount = 0
	}
}

// Len reports the current entry count.
func (c *ExtendedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Run ticks the sweep until Shutdown or ctx cancellation.
func (c *ExtendedCache) Run(ctx context.Context) {
	if !c.enabled {
		return
	}
	c.started = true
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Sweep expires stale entries and fans keep-alives out in parallel.
func (c *ExtendedCache) Sweep(ctx context.Context) {
	now := c.now()

	type target struct {
		project string
		entry   *Entry
	}
	var targets []target

	c.mu.Lock()
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		idle := now.Sub(entry.LastActivity)
		switch {
		case idle > expireAfter:
			c.entries.Remove(key)
			c.publish(ctx, events.CacheEvicted, key)
		case idle >= keepAliveAfter && entry.KeepAliveCount < maxKeepAlives:
			targets = append(targets, target{project: key, entry: entry})
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		t := targets[i]
		g.Go(func() error {
			c.keepAlive(gctx, t.project, t.entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *ExtendedCache) keepAlive(ctx context.Context, projectPath string, entry *Entry) {
	ctx, span := tracing.TraceKeepAlive(ctx, projectPath, entry.KeepAliveCount+1)
	defer span.End()

	body, ok := entry.Adapter.BuildKeepAliveBody(entry.Body)
	if !ok {
		c.logger.Warn("Keep-alive body build failed, dropping entry",
			zap.String("project", projectPath))
		c.remove(projectPath)
		return
	}

	resp, err := entry.Adapter.Forward(ctx, entry.Headers, body)
	if err != nil || resp.Status != http.StatusOK {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		c.logger.Info("Keep-alive failed, dropping entry",
			zap.String("project", projectPath),
			zap.Int("status", status),
			zap.Error(err))
		c.remove(projectPath)
		return
	}

	c.mu.Lock()
	entry.KeepAliveCount++
	count := entry.KeepAliveCount
	c.mu.Unlock()

	c.logger.Debug("Keep-alive sent",
		zap.String("project", projectPath),
		zap.Int("count", count))
	c.publish(ctx, events.CacheKeepAlive, projectPath)
}

func (c *ExtendedCache) remove(projectPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(projectPath)
}

// Shutdown stops the timer and wipes the cache: every header value is
// blanked and every body zeroed before the map is cleared, so request
// payloads never outlive the process in reachable memory.
func (c *ExtendedCache) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		for name, values := range entry.Headers {
			for i := range values {
				values[i] = ""
			}
			entry.Headers[name] = values
		}
		for i := range entry.Body {
			entry.Body[i] = 0
		}
		entry.Body = entry.Body[:0]
	}
	c.entries.Purge()
}

func (c *ExtendedCache) publish(ctx context.Context, eventType, projectPath string) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "extended-cache", map[string]any{"project": projectPath})
	if err := c.bus.Publish(ctx, events.SubjectCache, event); err != nil {
		c.logger.Debug("Event publish failed", zap.Error(err))
	}
}
