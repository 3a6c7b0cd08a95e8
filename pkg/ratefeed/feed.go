// Package ratefeed pulls base-currency rates from an HTTP feed and derives the
// cross rates the resolver prices with.
package ratefeed

import (
	"context"
	"strings"
	"time"

	"remittance_back/pkg/cache"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	URL     string
	APIKey  string
	Base    string
	Timeout time.Duration
}

type ratesResponse struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

type Feed struct {
	client     *resty.Client
	cfg        Config
	currencies []string
	cache      *cache.RateCache
}

func NewFeed(cfg Config, currencies []string, rateCache *cache.RateCache) *Feed {
	if cfg.Base == "" {
		cfg.Base = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("apikey", cfg.APIKey)
	}
	return &Feed{
		client:     client,
		cfg:        cfg,
		currencies: currencies,
		cache:      rateCache,
	}
}

// Fetch returns cross rates keyed "SRC-DST" for every allowlisted pair the feed covers.
func (f *Feed) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("base", f.cfg.Base).
		SetResult(&ratesResponse{}).
		Get(f.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "rate feed request")
	}
	if resp.IsError() {
		return nil, errors.Errorf("rate feed returned %s", resp.Status())
	}
	body, ok := resp.Result().(*ratesResponse)
	if !ok || len(body.Rates) == 0 {
		return nil, errors.New("rate feed returned no rates")
	}

	base := strings.ToUpper(f.cfg.Base)
	perBase := map[string]decimal.Decimal{base: decimal.NewFromInt(1)}
	for cur, rate := range body.Rates {
		if rate.IsPositive() {
			perBase[strings.ToUpper(cur)] = rate
		}
	}

	out := make(map[string]decimal.Decimal)
	for _, src := range f.currencies {
		for _, dst := range f.currencies {
			if src == dst {
				continue
			}
			srcRate, okSrc := perBase[src]
			dstRate, okDst := perBase[dst]
			if !okSrc || !okDst {
				continue
			}
			out[src+"-"+dst] = dstRate.Div(srcRate).Round(8)
		}
	}
	return out, nil
}

// Refresh fetches and stores rates. A failed refresh leaves older rates to age out.
func (f *Feed) Refresh(ctx context.Context) error {
	rates, err := f.Fetch(ctx)
	if err != nil {
		return err
	}
	f.cache.SetAll(rates)
	logrus.WithFields(logrus.Fields{
		"component": "rate_feed",
		"pairs":     len(rates),
	}).Info("exchange rates refreshed")
	return nil
}

// Job adapts Refresh to the scheduler.
func (f *Feed) Job() {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	if err := f.Refresh(ctx); err != nil {
		logrus.WithField("component", "rate_feed").Errorf("rate refresh failed: %s", err)
	}
}
