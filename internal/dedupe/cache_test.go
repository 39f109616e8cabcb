// ABOUTME: Tests for the message dedupe cache
// ABOUTME: Validates TTL expiry, eviction order, sweeping and concurrent marking

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(ttl, size, WithClock(clock.Now))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_DuplicateWithinTTL(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	key := MessageKey("chat-1", "msg-1")

	assert.False(t, c.Seen(key))
	assert.False(t, c.Duplicate(key))
	assert.True(t, c.Seen(key))
	assert.True(t, c.Duplicate(key))
}

func TestCache_KeysAreScopedToChat(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Duplicate(MessageKey("chat-1", "msg-1")))
	assert.False(t, c.Duplicate(MessageKey("chat-2", "msg-1")))
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)
	key := MessageKey("chat-1", "msg-1")

	c.Duplicate(key)
	clock.Advance(time.Minute)

	assert.False(t, c.Seen(key))
	assert.False(t, c.Duplicate(key), "expired keys are treated as new")
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clock := newTestCache(t, time.Hour, 3)

	for _, k := range []string{"first", "second", "third"} {
		c.Duplicate(k)
		clock.Advance(time.Millisecond)
	}
	c.Duplicate("fourth")

	assert.False(t, c.Seen("first"))
	assert.True(t, c.Seen("second"))
	assert.True(t, c.Seen("fourth"))
	assert.Equal(t, 3, c.Len())
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Duplicate("old-1")
	c.Duplicate("old-2")
	clock.Advance(2 * time.Minute)
	c.Duplicate("fresh")

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("fresh"))
}

func TestCache_DuplicateIsAtomic(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Duplicate("contested") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_Defaults(t *testing.T) {
	c := New(0, 0)
	defer c.Close()
	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	assert.NotPanics(t, c.Close)
}
