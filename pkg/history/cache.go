// Package history caches the persisted messages of threads. Reads are
// served from memory until the thread is invalidated; watchers get the
// list refreshed on an interval and after every invalidation.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/killallgit/kortix/pkg/api"
	"github.com/killallgit/kortix/pkg/logger"
	"github.com/killallgit/kortix/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Backend reads and appends thread messages
type Backend interface {
	ListMessages(ctx context.Context, threadID string) ([]api.Message, error)
	CreateMessage(ctx context.Context, threadID string, req api.CreateMessageRequest) (api.Message, error)
}

type entry struct {
	messages []api.Message
	fetched  bool
	stale    bool
	version  uint64
	watchers map[int]*watcher
}

type watcher struct {
	out     chan []api.Message
	refresh chan struct{}
}

// Cache is a per-thread message cache
type Cache struct {
	mu           sync.Mutex
	backend      Backend
	group        singleflight.Group
	entries      map[string]*entry
	nextID       int
	pollInterval time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithPollInterval sets how often watched threads are refetched
func WithPollInterval(d time.Duration) Option {
	return func(c *Cache) { c.pollInterval = d }
}

// WithMetrics records fetch outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the cache logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// NewCache creates an empty cache over backend
func NewCache(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend:      backend,
		entries:      make(map[string]*entry),
		pollInterval: 10 * time.Second,
		now:          time.Now,
		log:          logger.WithComponent("history"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMessages returns the messages of a thread ordered by creation time,
// fetching them when the cached copy is missing or invalidated.
func (c *Cache) GetMessages(ctx context.Context, threadID string) ([]api.Message, error) {
	c.mu.Lock()
	e := c.entryLocked(threadID)
	if e.fetched && !e.stale {
		msgs := clone(e.messages)
		c.mu.Unlock()
		return msgs, nil
	}
	c.mu.Unlock()

	return c.Refetch(ctx, threadID)
}

// Refetch loads the thread from the backend and replaces the cached list,
// optimistic entries included. Concurrent refetches of one thread share a
// single request.
func (c *Cache) Refetch(ctx context.Context, threadID string) ([]api.Message, error) {
	v, err, _ := c.group.Do(threadID, func() (any, error) {
		c.mu.Lock()
		version := c.entryLocked(threadID).version
		c.mu.Unlock()

		msgs, err := c.backend.ListMessages(ctx, threadID)
		c.metrics.RecordHistoryFetch(err)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages for thread %s: %w", threadID, err)
		}
		api.SortMessages(msgs)

		c.mu.Lock()
		defer c.mu.Unlock()
		e := c.entryLocked(threadID)
		e.messages = msgs
		e.fetched = true
		e.stale = e.version != version
		c.publishLocked(e)
		return clone(msgs), nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]api.Message)), nil
}

// Messages returns the cached list without fetching
func (c *Cache) Messages(threadID string) []api.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[threadID]; ok {
		return clone(e.messages)
	}
	return nil
}

// Invalidate marks the thread stale so the next read refetches, and wakes
// its watchers.
func (c *Cache) Invalidate(threadID string) {
	c.group.Forget(threadID)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(threadID)
	e.version++
	e.stale = true
	for _, w := range e.watchers {
		select {
		case w.refresh <- struct{}{}:
		default:
		}
	}
	c.log.Debug("Thread invalidated", "thread_id", threadID)
}

// AddOptimistic inserts a locally built message with a temporary id, then
// persists it. When persisting fails the temporary entry is removed again.
// On success the thread is marked stale; the next refetch replaces the
// temporary entry with the stored one.
func (c *Cache) AddOptimistic(ctx context.Context, threadID string, req api.CreateMessageRequest) (api.Message, error) {
	now := c.now()
	draft := api.Message{
		MessageID:    api.TempIDPrefix + uuid.NewString(),
		ThreadID:     threadID,
		Type:         req.Type,
		IsLLMMessage: req.IsLLMMessage,
		Content:      req.Content,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	c.mu.Lock()
	e := c.entryLocked(threadID)
	e.messages = append(clone(e.messages), draft)
	c.publishLocked(e)
	c.mu.Unlock()

	persisted, err := c.backend.CreateMessage(ctx, threadID, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.entryLocked(threadID)
	if err != nil {
		e.messages = without(e.messages, draft.MessageID)
		c.publishLocked(e)
		c.log.Warn("Rolled back optimistic message", "thread_id", threadID, "temp_id", draft.MessageID, "error", err)
		return api.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	e.stale = true
	return persisted, nil
}

// Watch streams the thread's messages until ctx is done. The list is
// fetched immediately, every poll interval and after each invalidation;
// local changes such as optimistic inserts are delivered as they happen.
// Slow readers only see the latest list.
func (c *Cache) Watch(ctx context.Context, threadID string) <-chan []api.Message {
	w := &watcher{
		out:     make(chan []api.Message, 1),
		refresh: make(chan struct{}, 1),
	}

	c.mu.Lock()
	e := c.entryLocked(threadID)
	id := c.nextID
	c.nextID++
	e.watchers[id] = w
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.entryLocked(threadID).watchers, id)
			close(w.out)
			c.mu.Unlock()
		}()

		c.refetchLogged(ctx, threadID)

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refetchLogged(ctx, threadID)
			case <-w.refresh:
				c.refetchLogged(ctx, threadID)
			}
		}
	}()

	return w.out
}

func (c *Cache) refetchLogged(ctx context.Context, threadID string) {
	if _, err := c.Refetch(ctx, threadID); err != nil && ctx.Err() == nil {
		c.log.Warn("History refresh failed", "thread_id", threadID, "error", err)
	}
}

func (c *Cache) entryLocked(threadID string) *entry {
	e, ok := c.entries[threadID]
	if !ok {
		e = &entry{watchers: make(map[int]*watcher)}
		c.entries[threadID] = e
	}
	return e
}

func (c *Cache) publishLocked(e *entry) {
	for _, w := range e.watchers {
		select {
		case <-w.out:
		default:
		}
		w.out <- clone(e.messages)
	}
}

func clone(msgs []api.Message) []api.Message {
	if msgs == nil {
		return nil
	}
	return append([]api.Message(nil), msgs...)
}

func without(msgs []api.Message, id string) []api.Message {
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID != id {
			out = append(out, m)
		}
	}
	return out
}
