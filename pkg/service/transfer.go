package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/cache"
	"remittance_back/pkg/ledger"
	"remittance_back/pkg/metrics"
	"remittance_back/pkg/repository"
	"remittance_back/pkg/settlement"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type TransferService struct {
	pricer     Pricer
	quotes     cache.QuoteStore
	gate       Gate
	ledger     Ledger
	dispatcher settlement.Dispatcher
	notifier   settlement.Notifier
	eta        time.Duration
	now        func() time.Time
}

func NewTransferService(d Deps) *TransferService {
	return &TransferService{
		pricer:     d.Pricer,
		quotes:     d.Quotes,
		gate:       d.Gate,
		ledger:     d.Ledger,
		dispatcher: d.Dispatcher,
		notifier:   d.Notifier,
		eta:        d.Config.EstimatedCompletion,
		now:        d.Now,
	}
}

func transferLog(id string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"component": "transfers", "transfer_id": id})
}

func normalizeTransferRequest(req models.CreateTransferRequest) models.CreateTransferRequest {
	req.QuoteID = strings.TrimSpace(req.QuoteID)
	req.SourceCurrency = normalizeCurrency(req.SourceCurrency)
	req.DestinationCurrency = normalizeCurrency(req.DestinationCurrency)
	req.SourceCountry = strings.ToUpper(strings.TrimSpace(req.SourceCountry))
	req.DestinationCountry = strings.ToUpper(strings.TrimSpace(req.DestinationCountry))
	req.RecipientName = strings.TrimSpace(req.RecipientName)
	req.RecipientPhone = strings.TrimSpace(req.RecipientPhone)
	req.RecipientEmail = strings.TrimSpace(req.RecipientEmail)
	return req
}

// requestHash fingerprints a normalized request so a replayed idempotency key can be
// told apart from a reused one.
func requestHash(req models.CreateTransferRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "marshal transfer request")
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// replay resolves a request whose idempotency key is already taken.
func replay(existing models.Transfer, hash, key string) (models.Transfer, bool, error) {
	if existing.RequestHash != hash {
		return models.Transfer{}, false, apperr.IdempotencyMismatch(key)
	}
	transferLog(existing.ID).WithField("idempotency_key", key).Info("idempotent replay")
	return existing, false, nil
}

func (s *TransferService) CreateTransfer(ctx context.Context, r models.Requester, req models.CreateTransferRequest, idempotencyKey string) (models.Transfer, bool, error) {
	req = normalizeTransferRequest(req)
	if !req.SourceAmount.IsPositive() {
		return models.Transfer{}, false, apperr.Validation("sourceAmount must be greater than zero")
	}
	if !s.pricer.Supports(req.SourceCurrency, req.DestinationCurrency) {
		return models.Transfer{}, false, apperr.UnsupportedCurrency(req.SourceCurrency, req.DestinationCurrency)
	}

	hash, err := requestHash(req)
	if err != nil {
		return models.Transfer{}, false, err
	}
	if idempotencyKey != "" {
		existing, found, err := s.ledger.FindByIdempotencyKey(ctx, r.ID, idempotencyKey)
		if err != nil {
			return models.Transfer{}, false, err
		}
		if found {
			return replay(existing, hash, idempotencyKey)
		}
	}

	if err := s.gate.Check(ctx, r, req.SourceAmount, req.SourceCurrency); err != nil {
		if appErr, ok := apperr.As(err); ok {
			metrics.EligibilityDenials.WithLabelValues(string(appErr.Code)).Inc()
		}
		return models.Transfer{}, false, err
	}

	now := s.now()
	t := models.Transfer{
		ID:                      uuid.NewString(),
		RequesterID:             r.ID,
		SourceAmount:            req.SourceAmount,
		SourceCurrency:          req.SourceCurrency,
		DestinationCurrency:     req.DestinationCurrency,
		RecipientName:           req.RecipientName,
		RecipientPhone:          req.RecipientPhone,
		Purpose:                 req.Purpose,
		SourceCountry:           req.SourceCountry,
		DestinationCountry:      req.DestinationCountry,
		RequestHash:             hash,
		EstimatedCompletionTime: now.Add(s.eta),
		CreatedAt:               now,
	}
	if req.RecipientEmail != "" {
		email := req.RecipientEmail
		t.RecipientEmail = &email
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		t.IdempotencyKey = &key
	}

	if req.QuoteID != "" {
		q, err := s.lockedQuote(ctx, r.ID, req, now)
		if err != nil {
			return models.Transfer{}, false, err
		}
		quoteID := q.ID
		t.QuoteID = &quoteID
		t.ExchangeRate = q.Rate
		t.Fee = q.Fees.Total
		t.DestinationAmount = q.DestinationAmount
		t.TotalAmount = q.TotalAmount
	}

	if t.SettlementPayload, err = settlement.BuildPayload(t); err != nil {
		return models.Transfer{}, false, err
	}

	created, err := s.ledger.Create(ctx, t)
	if errors.Is(err, repository.ErrDuplicate) && idempotencyKey != "" {
		// a concurrent request with the same key won the insert
		existing, found, findErr := s.ledger.FindByIdempotencyKey(ctx, r.ID, idempotencyKey)
		if findErr != nil {
			return models.Transfer{}, false, findErr
		}
		if found {
			return replay(existing, hash, idempotencyKey)
		}
	}
	if err != nil {
		return models.Transfer{}, false, err
	}

	if err := s.dispatcher.Dispatch(ctx, created.ID); err != nil {
		transferLog(created.ID).WithError(err).Warn("settlement dispatch failed, left to the reconciler")
	}
	return created, true, nil
}

// lockedQuote loads the quote a transfer refers to and checks it still matches the request.
func (s *TransferService) lockedQuote(ctx context.Context, requesterID string, req models.CreateTransferRequest, now time.Time) (models.Quote, error) {
	q, err := s.quotes.Get(ctx, req.QuoteID)
	switch {
	case errors.Is(err, cache.ErrQuoteNotFound):
		metrics.QuoteLookups.WithLabelValues("not_found").Inc()
		return q, apperr.QuoteNotFound(req.QuoteID)
	case errors.Is(err, cache.ErrQuoteExpired):
		metrics.QuoteLookups.WithLabelValues("expired").Inc()
		return q, apperr.QuoteExpired(req.QuoteID)
	case err != nil:
		return q, errors.Wrap(err, "load quote")
	}

	if !q.OwnedBy(requesterID) {
		metrics.QuoteLookups.WithLabelValues("not_found").Inc()
		return models.Quote{}, apperr.QuoteNotFound(req.QuoteID)
	}
	if q.Expired(now) {
		metrics.QuoteLookups.WithLabelValues("expired").Inc()
		return models.Quote{}, apperr.QuoteExpired(req.QuoteID)
	}
	if q.SourceCurrency != req.SourceCurrency || q.DestinationCurrency != req.DestinationCurrency {
		metrics.QuoteLookups.WithLabelValues("mismatch").Inc()
		return models.Quote{}, apperr.Validation(fmt.Sprintf("quote is for %s/%s", q.SourceCurrency, q.DestinationCurrency))
	}
	if !q.SourceAmount.Equal(req.SourceAmount) {
		metrics.QuoteLookups.WithLabelValues("mismatch").Inc()
		return models.Quote{}, apperr.AmountMismatch(q.SourceAmount, req.SourceAmount)
	}
	metrics.QuoteLookups.WithLabelValues("hit").Inc()
	return q, nil
}

func (s *TransferService) GetTransfer(ctx context.Context, id, requesterID string) (models.Transfer, error) {
	return s.ledger.GetForRequester(ctx, id, requesterID)
}

func (s *TransferService) ListTransfers(ctx context.Context, f models.TransferFilter) (models.TransferList, error) {
	if f.Status != "" && !f.Status.Valid() {
		return models.TransferList{}, apperr.Validation(fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return models.TransferList{}, apperr.Validation("startDate must not be after endDate")
	}
	return s.ledger.List(ctx, f)
}

func (s *TransferService) CancelTransfer(ctx context.Context, id, requesterID string) (models.Transfer, error) {
	return s.ledger.Cancel(ctx, id, requesterID)
}

// AttachSettlementResult applies an externally reported outcome. Repeated deliveries are
// answered with the current transfer.
func (s *TransferService) AttachSettlementResult(ctx context.Context, id string, res ledger.Result) (models.Transfer, error) {
	t, applied, err := s.ledger.AttachSettlementResult(ctx, id, res)
	if err != nil {
		return t, err
	}
	if applied && s.notifier != nil {
		s.notifier.TransferSettled(ctx, t)
	}
	return t, nil
}

// RetrySettlement hands an open transfer back to the dispatcher, including ones the
// reconciler has escalated.
func (s *TransferService) RetrySettlement(ctx context.Context, id string) (models.Transfer, error) {
	t, err := s.ledger.Get(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status.Terminal() {
		return t, apperr.Validation(fmt.Sprintf("transfer is already %s", t.Status))
	}
	if t.SubmissionUnresolved() {
		return t, apperr.Validation("settlement was submitted without a stored handle, resolve it through the settlement webhook")
	}
	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		return t, errors.Wrap(err, "dispatch settlement")
	}
	transferLog(id).WithField("attempts", t.SettlementAttempts).Info("settlement retry dispatched")
	return t, nil
}
