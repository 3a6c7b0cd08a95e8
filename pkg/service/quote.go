package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/cache"
	"remittance_back/pkg/metrics"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type QuoteService struct {
	pricer Pricer
	store  cache.QuoteStore
	ttl    time.Duration
	now    func() time.Time
}

func NewQuoteService(pricer Pricer, store cache.QuoteStore, ttl time.Duration, now func() time.Time) *QuoteService {
	return &QuoteService{pricer: pricer, store: store, ttl: ttl, now: now}
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// CreateQuote prices the request and locks the result for the quote TTL.
// requesterID is empty for anonymous quotes.
func (s *QuoteService) CreateQuote(ctx context.Context, requesterID string, req models.QuoteRequest) (models.Quote, error) {
	if !req.SourceAmount.IsPositive() {
		return models.Quote{}, apperr.Validation("sourceAmount must be greater than zero")
	}
	src, dst := normalizeCurrency(req.SourceCurrency), normalizeCurrency(req.DestinationCurrency)

	priced, err := s.pricer.Resolve(src, dst, req.SourceAmount)
	if err != nil {
		return models.Quote{}, err
	}

	now := s.now()
	q := models.Quote{
		ID:                  uuid.NewString(),
		RequesterID:         requesterID,
		SourceAmount:        req.SourceAmount,
		SourceCurrency:      src,
		DestinationCurrency: dst,
		SourceCountry:       strings.ToUpper(req.SourceCountry),
		DestinationCountry:  strings.ToUpper(req.DestinationCountry),
		Rate:                priced.Rate,
		Fees:                priced.Fees,
		DestinationAmount:   priced.DestinationAmount,
		TotalAmount:         priced.TotalAmount,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}
	if err := s.store.Put(ctx, q, s.ttl); err != nil {
		return models.Quote{}, errors.Wrap(err, "store quote")
	}

	metrics.QuotesIssued.WithLabelValues(fmt.Sprintf("%s-%s", src, dst)).Inc()
	logrus.WithFields(logrus.Fields{
		"component":    "quotes",
		"quote_id":     q.ID,
		"requester_id": requesterID,
		"live_rate":    priced.Live,
	}).Info("quote issued")
	return q, nil
}

func (s *QuoteService) GetRate(src, dst string) (models.RateView, error) {
	src, dst = normalizeCurrency(src), normalizeCurrency(dst)
	rate, live, err := s.pricer.Rate(src, dst)
	if err != nil {
		return models.RateView{}, err
	}
	return models.RateView{
		SourceCurrency:      src,
		DestinationCurrency: dst,
		Rate:                rate,
		Live:                live,
	}, nil
}
