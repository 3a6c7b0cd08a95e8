// Package ledger is the durable transfer state machine. Every status change goes
// through a compare-and-set in the repository.
package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/metrics"
	"remittance_back/pkg/repository"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	// MaxPage keeps the row offset far from integer overflow.
	MaxPage         = 1_000_000
)

// Result is a terminal settlement outcome to attach to a transfer.
type Result struct {
	Confirmed bool
	Reference string
	Reason    string
}

func Confirmed(reference string) Result { return Result{Confirmed: true, Reference: reference} }

func Rejected(reason string) Result { return Result{Reason: reason} }

type Ledger struct {
	repo repository.Transfer
	now  func() time.Time
}

func New(repo repository.Transfer) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now()
}

func logger(id string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"component": "ledger", "transfer_id": id})
}

// Create persists t in PENDING. repository.ErrDuplicate is returned as is so the
// caller can resolve idempotent replays.
func (l *Ledger) Create(ctx context.Context, t models.Transfer) (models.Transfer, error) {
	now := l.now()
	t.Status = models.StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.SettlementReference = nil
	t.SettlementHandle = nil
	t.SettlementAttempts = 0

	if err := l.repo.Create(ctx, t); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return models.Transfer{}, err
		}
		return models.Transfer{}, errors.Wrap(err, "create transfer")
	}
	metrics.TransferTransitions.WithLabelValues(string(models.StatusPending)).Inc()
	logger(t.ID).WithField("requester_id", t.RequesterID).Info("transfer created")
	return t, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (models.Transfer, error) {
	t, err := l.repo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return t, apperr.TransferNotFound(id)
	}
	return t, errors.Wrap(err, "get transfer")
}

// GetForRequester hides transfers of other requesters behind TRANSFER_NOT_FOUND.
func (l *Ledger) GetForRequester(ctx context.Context, id, requesterID string) (models.Transfer, error) {
	t, err := l.Get(ctx, id)
	if err != nil {
		return t, err
	}
	if t.RequesterID != requesterID {
		return models.Transfer{}, apperr.TransferNotFound(id)
	}
	return t, nil
}

// FindByIdempotencyKey returns the transfer created earlier with key, if any.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, requesterID, key string) (models.Transfer, bool, error) {
	t, err := l.repo.GetByIdempotencyKey(ctx, requesterID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return t, false, nil
	}
	if err != nil {
		return t, false, errors.Wrap(err, "get transfer by idempotency key")
	}
	return t, true, nil
}

// List returns one page, newest first. Page defaults to 1 and the page size to 10, capped at 100.
func (l *Ledger) List(ctx context.Context, f models.TransferFilter) (models.TransferList, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Page > MaxPage {
		return models.TransferList{}, apperr.Validation(fmt.Sprintf("page must not exceed %d", MaxPage))
	}
	f.SourceCurrency = strings.ToUpper(f.SourceCurrency)
	f.DestinationCurrency = strings.ToUpper(f.DestinationCurrency)

	transfers, total, err := l.repo.List(ctx, f)
	if err != nil {
		return models.TransferList{}, errors.Wrap(err, "list transfers")
	}
	return models.TransferList{
		Transfers: transfers,
		Pagination: models.Pagination{
			Page:       f.Page,
			Limit:      f.Limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(f.Limit))),
		},
	}, nil
}

// Consumed implements eligibility.UsageReader over the ledger.
func (l *Ledger) Consumed(ctx context.Context, requesterID, currency string, since time.Time) (decimal.Decimal, error) {
	return l.repo.SumSince(ctx, requesterID, currency, since)
}

// AttachSettlementResult moves an open transfer to COMPLETED or FAILED. A transfer that
// is already terminal is left untouched and applied is false; this is not an error
// because confirmations can be delivered more than once.
func (l *Ledger) AttachSettlementResult(ctx context.Context, id string, res Result) (t models.Transfer, applied bool, err error) {
	tr := repository.Transition{
		ID:   id,
		From: models.OpenStatuses,
		At:   l.now(),
	}
	if res.Confirmed {
		if strings.TrimSpace(res.Reference) == "" {
			return t, false, apperr.Validation("confirmed settlement requires a reference")
		}
		ref := res.Reference
		tr.To = models.StatusCompleted
		tr.Reference = &ref
	} else {
		reason := res.Reason
		if reason == "" {
			reason = "settlement rejected"
		}
		tr.To = models.StatusFailed
		tr.FailureReason = &reason
	}

	t, err = l.repo.Transition(ctx, tr)
	switch {
	case err == nil:
		metrics.TransferTransitions.WithLabelValues(string(tr.To)).Inc()
		logger(id).WithField("status", tr.To).Info("settlement result attached")
		return t, true, nil
	case errors.Is(err, repository.ErrNotFound):
		return t, false, apperr.TransferNotFound(id)
	case errors.Is(err, repository.ErrConflict):
		l.logIgnoredResult(t, res)
		return t, false, nil
	default:
		return t, false, errors.Wrap(err, "attach settlement result")
	}
}

func (l *Ledger) logIgnoredResult(current models.Transfer, res Result) {
	entry := logger(current.ID).WithFields(logrus.Fields{
		"status":    current.Status,
		"confirmed": res.Confirmed,
		"reference": res.Reference,
	})
	switch {
	case res.Confirmed && current.Status == models.StatusCompleted &&
		current.SettlementReference != nil && *current.SettlementReference == res.Reference:
		entry.Info("duplicate settlement confirmation ignored")
	case res.Confirmed:
		// funds may have moved for a transfer the ledger already closed differently
		entry.Error("settlement confirmed for a closed transfer, manual reconciliation required")
	default:
		entry.Warn("settlement result ignored, transfer already terminal")
	}
}

// Cancel is allowed to the owner only while the transfer is open.
func (l *Ledger) Cancel(ctx context.Context, id, requesterID string) (models.Transfer, error) {
	t, err := l.repo.Transition(ctx, repository.Transition{
		ID:          id,
		From:        models.OpenStatuses,
		To:          models.StatusCancelled,
		RequesterID: requesterID,
		At:          l.now(),
	})
	switch {
	case err == nil:
		metrics.TransferTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
		logger(id).WithField("requester_id", requesterID).Info("transfer cancelled")
		return t, nil
	case errors.Is(err, repository.ErrNotFound):
		return models.Transfer{}, apperr.TransferNotFound(id)
	case errors.Is(err, repository.ErrConflict):
		return t, apperr.NotCancellable(string(t.Status))
	default:
		return models.Transfer{}, errors.Wrap(err, "cancel transfer")
	}
}

// BeginSubmission marks the transfer right before its payload is handed to the executor.
// It fails with repository.ErrConflict if an earlier submission is marked or the transfer closed.
func (l *Ledger) BeginSubmission(ctx context.Context, id string) error {
	err := l.repo.MarkSubmission(ctx, id, l.now())
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return errors.Wrap(err, "mark settlement submission")
	}
	return err
}

// AbandonSubmission clears the mark of a submission that never reached the executor.
func (l *Ledger) AbandonSubmission(ctx context.Context, id string) error {
	return errors.Wrap(l.repo.ClearSubmission(ctx, id), "clear settlement submission")
}

// RecordSubmission stores the executor handle. It fails with repository.ErrConflict if a
// handle is already stored or the transfer has closed.
func (l *Ledger) RecordSubmission(ctx context.Context, id, handle string, raw []byte) error {
	err := l.repo.SetSettlementHandle(ctx, id, handle, raw, l.now())
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		return errors.Wrap(err, "record settlement submission")
	}
	return err
}

// ApplyPricing freezes rate and fee once. If another writer priced it first, the stored values win.
func (l *Ledger) ApplyPricing(ctx context.Context, id string, p repository.Pricing) (models.Transfer, error) {
	t, err := l.repo.ApplyPricing(ctx, id, p, l.now())
	if errors.Is(err, repository.ErrConflict) {
		return t, nil
	}
	if err != nil {
		return t, errors.Wrap(err, "apply pricing")
	}
	logger(id).WithField("rate", p.Rate.String()).Info("pricing frozen on transfer")
	return t, nil
}

// AcquireLease claims the right to run a settlement attempt for ttl. ok is false when the
// transfer is closed or another worker holds a live lease.
func (l *Ledger) AcquireLease(ctx context.Context, id string, ttl time.Duration) (models.Transfer, bool, error) {
	now := l.now()
	t, err := l.repo.AcquireLease(ctx, id, now, now.Add(ttl))
	switch {
	case err == nil:
		return t, true, nil
	case errors.Is(err, repository.ErrConflict):
		return t, false, nil
	case errors.Is(err, repository.ErrNotFound):
		return t, false, apperr.TransferNotFound(id)
	default:
		return t, false, errors.Wrap(err, "acquire settlement lease")
	}
}

func (l *Ledger) ReleaseLease(ctx context.Context, id string) error {
	return l.repo.ReleaseLease(ctx, id)
}

// Unsettled lists open transfers created before staleAfter ago with no live lease.
func (l *Ledger) Unsettled(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Transfer, error) {
	now := l.now()
	transfers, err := l.repo.ListUnsettled(ctx, now.Add(-staleAfter), now, limit)
	return transfers, errors.Wrap(err, "list unsettled transfers")
}
