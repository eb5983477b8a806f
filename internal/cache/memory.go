package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/memory-service/internal/pkg/logger"
)

// memoryCache is the single-process backend. It mirrors redis semantics
// closely enough for development and tests: monotonic stream ids, TTLs
// checked lazily on read, blocking stream reads via a broadcast cond.
type memoryCache struct {
	log *logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	records map[string]memRecord
	streams map[string]*memStream
	cancels map[string][]chan struct{}
	seq     int64
}

type memRecord struct {
	value     []byte
	expiresAt time.Time
}

type memStream struct {
	entries   []StreamEntry
	expiresAt time.Time
}

func NewMemory(logg *logger.Logger) Cache {
	c := &memoryCache{
		log:     logg.With("service", "MemoryCache"),
		records: map[string]memRecord{},
		streams: map[string]*memStream{},
		cancels: map[string][]chan struct{}{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memoryCache) Enabled() bool { return true }

func (c *memoryCache) Close() error { return nil }

func (c *memoryCache) GetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) (int64, bool, error) {
	raw, ok, err := c.GetRecord(ctx, epochKey(conversationID, clientID))
	if err != nil || !ok {
		return 0, false, err
	}
	var epoch int64
	if _, err := fmt.Sscanf(string(raw), "%d", &epoch); err != nil {
		return 0, false, nil
	}
	return epoch, true, nil
}

func (c *memoryCache) SetLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string, epoch int64) error {
	return c.SetRecord(ctx, epochKey(conversationID, clientID), []byte(fmt.Sprintf("%d", epoch)), epochTTL)
}

func (c *memoryCache) InvalidateLatestEpoch(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	return c.DeleteRecord(ctx, epochKey(conversationID, clientID))
}

func (c *memoryCache) GetRecord(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return nil, false, nil
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		delete(c.records, key)
		return nil, false, nil
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, true, nil
}

func (c *memoryCache) SetRecord(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	rec := memRecord{value: stored}
	if ttl > 0 {
		rec.expiresAt = time.Now().Add(ttl)
	}
	c.records[key] = rec
	return nil
}

func (c *memoryCache) DeleteRecord(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, key)
	return nil
}

func (c *memoryCache) AppendStream(_ context.Context, key string, data []byte, done bool, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[key]
	if !ok {
		s = &memStream{}
		c.streams[key] = s
	}
	c.seq++
	stored := make([]byte, len(data))
	copy(stored, data)
	s.entries = append(s.entries, StreamEntry{
		ID:   fmt.Sprintf("%d-0", c.seq),
		Data: stored,
		Done: done,
	})
	if ttl > 0 {
		s.expiresAt = time.Now().Add(ttl)
	}
	c.cond.Broadcast()
	return nil
}

func (c *memoryCache) ReadStream(ctx context.Context, key string, afterID string, block time.Duration) ([]StreamEntry, error) {
	deadline := time.Now().Add(block)
	if block > 0 {
		// The cond has no timed wait; a waker bounds the block duration.
		timer := time.AfterFunc(block, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		out := c.entriesAfterLocked(key, afterID)
		if len(out) > 0 || block <= 0 || time.Now().After(deadline) || ctx.Err() != nil {
			return out, nil
		}
		c.cond.Wait()
	}
}

func (c *memoryCache) entriesAfterLocked(key, afterID string) []StreamEntry {
	s, ok := c.streams[key]
	if !ok {
		return []StreamEntry{}
	}
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		delete(c.streams, key)
		return []StreamEntry{}
	}
	out := []StreamEntry{}
	seen := afterID == "" || afterID == "0"
	for _, e := range s.entries {
		if seen {
			out = append(out, e)
			continue
		}
		if e.ID == afterID {
			seen = true
		}
	}
	return out
}

func (c *memoryCache) DeleteStream(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, key)
	return nil
}

func (c *memoryCache) PublishCancel(_ context.Context, responseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.cancels[responseID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *memoryCache) SubscribeCancel(_ context.Context, responseID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.cancels[responseID] = append(c.cancels[responseID], ch)
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.cancels[responseID]
		for i, sub := range subs {
			if sub == ch {
				c.cancels[responseID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(c.cancels[responseID]) == 0 {
			delete(c.cancels, responseID)
		}
	}
	return ch, stop, nil
}
