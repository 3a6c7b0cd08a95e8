package repository

import (
	"context"
	"time"

	"remittance_back/models"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("transfer not found")
	ErrConflict  = errors.New("transfer state changed concurrently")
	ErrDuplicate = errors.New("idempotency key already used")
)

// Transition is a compare-and-set status change. It applies only while the current
// status is one of From and, when RequesterID is set, only for that owner.
type Transition struct {
	ID            string
	From          []models.TransferStatus
	To            models.TransferStatus
	RequesterID   string
	Reference     *string
	FailureReason *string
	At            time.Time
}

// Pricing is the rate and fee frozen onto a transfer created without a quote.
type Pricing struct {
	Rate              decimal.Decimal
	Fee               decimal.Decimal
	DestinationAmount decimal.Decimal
	TotalAmount       decimal.Decimal
}

type Transfer interface {
	Create(ctx context.Context, t models.Transfer) error
	GetByID(ctx context.Context, id string) (models.Transfer, error)
	GetByIdempotencyKey(ctx context.Context, requesterID, key string) (models.Transfer, error)
	List(ctx context.Context, f models.TransferFilter) ([]models.Transfer, int, error)
	SumSince(ctx context.Context, requesterID, currency string, since time.Time) (decimal.Decimal, error)
	ListUnsettled(ctx context.Context, createdBefore, now time.Time, limit int) ([]models.Transfer, error)

	// Transition returns the updated row, or ErrConflict with the current row when
	// the status guard did not match.
	Transition(ctx context.Context, tr Transition) (models.Transfer, error)
	// MarkSubmission stamps an open transfer right before its payload goes out. It
	// returns ErrConflict if a submission is already marked or stored.
	MarkSubmission(ctx context.Context, id string, at time.Time) error
	// ClearSubmission drops a mark whose submission never left the process.
	ClearSubmission(ctx context.Context, id string) error
	// SetSettlementHandle records the submission handle once, while the transfer is open.
	SetSettlementHandle(ctx context.Context, id, handle string, raw []byte, at time.Time) error
	// ApplyPricing freezes rate and fee on an open, unpriced transfer.
	ApplyPricing(ctx context.Context, id string, p Pricing, at time.Time) (models.Transfer, error)
	// AcquireLease claims the settlement lease if none is live and counts an attempt.
	AcquireLease(ctx context.Context, id string, now, until time.Time) (models.Transfer, error)
	ReleaseLease(ctx context.Context, id string) error
}

type Repository struct {
	Transfer
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{
		Transfer: NewTransferPostgres(db),
	}
}

func NewMemoryRepository() *Repository {
	return &Repository{
		Transfer: NewTransferMemory(),
	}
}

func statusStrings(statuses []models.TransferStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func containsStatus(statuses []models.TransferStatus, s models.TransferStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// terminalStamps returns the completion, cancellation and failure timestamps for a move to status.
func terminalStamps(status models.TransferStatus, at time.Time) (completed, cancelled, failed *time.Time) {
	switch status {
	case models.StatusCompleted:
		completed = &at
	case models.StatusCancelled:
		cancelled = &at
	case models.StatusFailed:
		failed = &at
	}
	return
}
