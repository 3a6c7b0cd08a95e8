package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type CachedRate struct {
	Rate      decimal.Decimal
	Timestamp time.Time
}

// RateCache держит курсы из внешнего фида. Устаревший курс считается отсутствующим.
type RateCache struct {
	mu     sync.RWMutex
	rates  map[string]CachedRate
	maxAge time.Duration
	now    func() time.Time
}

func NewRateCache(maxAge time.Duration) *RateCache {
	return &RateCache{
		rates:  make(map[string]CachedRate),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func rateKey(src, dst string) string {
	return strings.ToUpper(src) + "-" + strings.ToUpper(dst)
}

// Rate возвращает курс из кэша или false, если его нет или он устарел
func (c *RateCache) Rate(src, dst string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.rates[rateKey(src, dst)]
	if !ok {
		return decimal.Zero, false
	}
	if c.maxAge > 0 && c.now().Sub(cached.Timestamp) > c.maxAge {
		return decimal.Zero, false
	}
	return cached.Rate, true
}

// Set сохраняет курс в кэш
func (c *RateCache) Set(src, dst string, rate decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rates[rateKey(src, dst)] = CachedRate{Rate: rate, Timestamp: c.now()}
}

// SetAll replaces rates keyed "SRC-DST" with one timestamp.
func (c *RateCache) SetAll(rates map[string]decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	for pair, rate := range rates {
		c.rates[strings.ToUpper(pair)] = CachedRate{Rate: rate, Timestamp: ts}
	}
	logrus.WithField("component", "rate_cache").Debugf("cached %d rates", len(rates))
}
