package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"remittance_back/models"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Returns the stored quote and bumps its read counter in one round trip.
// The counter lives no longer than the quote itself.
var quoteReadScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return false
end
local n = redis.call("INCR", KEYS[2])
if n == 1 then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl > 0 then
    redis.call("PEXPIRE", KEYS[2], ttl)
  end
end
return {v, n}
`)

type RedisQuoteStore struct {
	client   redis.UniversalClient
	prefix   string
	maxReads int
	grace    time.Duration
	now      func() time.Time
}

func NewRedisQuoteStore(client redis.UniversalClient, prefix string, maxReads int, grace time.Duration) *RedisQuoteStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "remittance:quote"
	}
	return &RedisQuoteStore{
		client:   client,
		prefix:   prefix,
		maxReads: maxReads,
		grace:    grace,
		now:      time.Now,
	}
}

func (s *RedisQuoteStore) WithClock(now func() time.Time) *RedisQuoteStore {
	s.now = now
	return s
}

// key hash-tags the id so the quote and its read counter land in one cluster slot.
func (s *RedisQuoteStore) key(id string) string {
	return fmt.Sprintf("%s:{%s}", s.prefix, id)
}

func readsKey(key string) string {
	return key + ":reads"
}

func (s *RedisQuoteStore) Put(ctx context.Context, q models.Quote, ttl time.Duration) error {
	body, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(err, "marshal quote")
	}
	// the grace keeps an expired quote readable as expired instead of missing
	ok, err := s.client.SetNX(ctx, s.key(q.ID), body, ttl+s.grace).Result()
	if err != nil {
		return errors.Wrap(err, "redis setnx quote")
	}
	if !ok {
		return ErrQuoteExists
	}
	return nil
}

func (s *RedisQuoteStore) Get(ctx context.Context, id string) (models.Quote, error) {
	key := s.key(id)
	raw, err := quoteReadScript.Run(ctx, s.client, []string{key, readsKey(key)}).Result()
	if errors.Is(err, redis.Nil) {
		return models.Quote{}, ErrQuoteNotFound
	}
	if err != nil {
		return models.Quote{}, errors.Wrap(err, "redis read quote")
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return models.Quote{}, errors.Errorf("unexpected quote read response shape: %T", raw)
	}
	body, ok := values[0].(string)
	if !ok {
		return models.Quote{}, errors.Errorf("unexpected quote body type: %T", values[0])
	}
	reads, ok := values[1].(int64)
	if !ok {
		return models.Quote{}, errors.Errorf("unexpected quote read count type: %T", values[1])
	}

	var q models.Quote
	if err := json.Unmarshal([]byte(body), &q); err != nil {
		return models.Quote{}, errors.Wrap(err, "unmarshal quote")
	}
	if q.Expired(s.now()) {
		return models.Quote{}, ErrQuoteExpired
	}
	if s.maxReads > 0 && int(reads) > s.maxReads {
		return models.Quote{}, ErrQuoteNotFound
	}
	return q, nil
}
