package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"remittance_back/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testQuote(id string, created time.Time, ttl time.Duration) models.Quote {
	return models.Quote{
		ID:                  id,
		SourceAmount:        decimal.NewFromInt(50000),
		SourceCurrency:      "INR",
		DestinationCurrency: "RUB",
		Rate:                decimal.RequireFromString("1.12"),
		CreatedAt:           created,
		ExpiresAt:           created.Add(ttl),
	}
}

// quoteStoreSuite runs the same expectations against any QuoteStore.
func quoteStoreSuite(t *testing.T, store QuoteStore, clock *fakeClock) {
	ctx := context.Background()
	ttl := 15 * time.Minute
	q := testQuote("q-1", clock.Now(), ttl)

	if err := store.Put(ctx, q, ttl); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, q, ttl); err != ErrQuoteExists {
		t.Fatalf("second Put: expected ErrQuoteExists, got %v", err)
	}

	got, err := store.Get(ctx, "q-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Rate.Equal(q.Rate) || got.ID != q.ID {
		t.Fatalf("unexpected quote %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); err != ErrQuoteNotFound {
		t.Fatalf("expected ErrQuoteNotFound, got %v", err)
	}

	clock.Advance(ttl - time.Millisecond)
	if _, err := store.Get(ctx, "q-1"); err != nil {
		t.Fatalf("Get 1ms before expiry: %v", err)
	}
	clock.Advance(2 * time.Millisecond)
	if _, err := store.Get(ctx, "q-1"); err != ErrQuoteExpired {
		t.Fatalf("Get 1ms after expiry: expected ErrQuoteExpired, got %v", err)
	}
}

func TestMemoryQuoteStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryQuoteStore(10, time.Hour).WithClock(clock.Now)
	quoteStoreSuite(t, store, clock)
}

func TestMemoryQuoteStoreReadBound(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryQuoteStore(2, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	_ = store.Put(ctx, testQuote("q", clock.Now(), time.Minute), time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := store.Get(ctx, "q"); err != nil {
			t.Fatalf("read %d: %v", i+1, err)
		}
	}
	if _, err := store.Get(ctx, "q"); err != ErrQuoteNotFound {
		t.Fatalf("read past bound: expected ErrQuoteNotFound, got %v", err)
	}
}

func TestMemoryQuoteStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryQuoteStore(0, time.Minute).WithClock(clock.Now)
	ctx := context.Background()

	_ = store.Put(ctx, testQuote("old", clock.Now(), time.Minute), time.Minute)
	clock.Advance(90 * time.Second)
	_ = store.Put(ctx, testQuote("new", clock.Now(), time.Minute), time.Minute)
	clock.Advance(31 * time.Second)

	if n := store.Sweep(); n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if _, err := store.Get(ctx, "old"); err != ErrQuoteNotFound {
		t.Fatalf("evicted quote: expected ErrQuoteNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Fatalf("new quote: %v", err)
	}
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQuoteStore(t *testing.T) {
	_, client := newMiniredis(t)
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewRedisQuoteStore(client, "test:quote", 10, time.Hour).WithClock(clock.Now)
	quoteStoreSuite(t, store, clock)
}

func TestRedisQuoteStoreEvictionAndReads(t *testing.T) {
	mr, client := newMiniredis(t)
	store := NewRedisQuoteStore(client, "test:quote", 1, time.Minute)
	ctx := context.Background()
	ttl := 15 * time.Minute

	if err := store.Put(ctx, testQuote("q", time.Now(), ttl), ttl); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := mr.TTL("test:quote:{q}"); got != ttl+time.Minute {
		t.Fatalf("redis ttl = %s, want %s", got, ttl+time.Minute)
	}
	if _, err := store.Get(ctx, "q"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	// both script keys carry the {q} hash tag and share a cluster slot
	if !mr.Exists("test:quote:{q}:reads") {
		t.Fatalf("read counter not stored under the quote hash tag, keys = %v", mr.Keys())
	}
	if _, err := store.Get(ctx, "q"); err != ErrQuoteNotFound {
		t.Fatalf("second read: expected ErrQuoteNotFound, got %v", err)
	}

	mr.FastForward(ttl + 2*time.Minute)
	if _, err := store.Get(ctx, "q"); err != ErrQuoteNotFound {
		t.Fatalf("after eviction: expected ErrQuoteNotFound, got %v", err)
	}
}

func TestRateCacheStaleness(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := NewRateCache(10 * time.Minute)
	c.now = clock.Now

	c.SetAll(map[string]decimal.Decimal{"inr-rub": decimal.RequireFromString("1.1")})
	if rate, ok := c.Rate("INR", "RUB"); !ok || !rate.Equal(decimal.RequireFromString("1.1")) {
		t.Fatalf("expected fresh rate, got %s %v", rate, ok)
	}
	clock.Advance(11 * time.Minute)
	if _, ok := c.Rate("INR", "RUB"); ok {
		t.Fatalf("stale rate must not be returned")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	_, client := newMiniredis(t)
	limiter := NewRedisRateLimiter(client, "")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, retry, err := limiter.Consume(ctx, "transfers", "user-1", 2, time.Hour)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if count != i {
			t.Fatalf("count = %d, want %d", count, i)
		}
		if retry < 1 {
			t.Fatalf("retry-after must be positive, got %d", retry)
		}
	}

	count, _, err := limiter.Consume(ctx, "transfers", "user-2", 2, time.Hour)
	if err != nil || count != 1 {
		t.Fatalf("subjects must be isolated: count=%d err=%v", count, err)
	}

	var nilLimiter *RedisRateLimiter
	if count, _, err := nilLimiter.Consume(ctx, "transfers", "user-1", 2, time.Hour); count != 0 || err != nil {
		t.Fatalf("nil limiter must be a no-op")
	}
}
