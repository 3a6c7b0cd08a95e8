package service

import (
	"context"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/cache"
	"remittance_back/pkg/eligibility"
	"remittance_back/pkg/ledger"
	"remittance_back/pkg/pricing"
	"remittance_back/pkg/settlement"

	"github.com/shopspring/decimal"
)

type Quote interface {
	CreateQuote(ctx context.Context, requesterID string, req models.QuoteRequest) (models.Quote, error)
	GetRate(src, dst string) (models.RateView, error)
}

type Transfer interface {
	// CreateTransfer returns created=false when an idempotent replay matched an earlier transfer.
	CreateTransfer(ctx context.Context, r models.Requester, req models.CreateTransferRequest, idempotencyKey string) (t models.Transfer, created bool, err error)
	GetTransfer(ctx context.Context, id, requesterID string) (models.Transfer, error)
	ListTransfers(ctx context.Context, f models.TransferFilter) (models.TransferList, error)
	CancelTransfer(ctx context.Context, id, requesterID string) (models.Transfer, error)
	AttachSettlementResult(ctx context.Context, id string, res ledger.Result) (models.Transfer, error)
	RetrySettlement(ctx context.Context, id string) (models.Transfer, error)
}

type Compliance interface {
	Eligibility(ctx context.Context, r models.Requester, currency string) (models.EligibilitySnapshot, error)
	Limits() eligibility.LimitTable
}

type Service struct {
	Quote
	Transfer
	Compliance
}

// Pricer is the subset of *pricing.Resolver the services need.
type Pricer interface {
	Supports(src, dst string) bool
	Rate(src, dst string) (decimal.Decimal, bool, error)
	Resolve(src, dst string, amount decimal.Decimal) (pricing.Result, error)
}

type Gate interface {
	Check(ctx context.Context, r models.Requester, amount decimal.Decimal, currency string) error
	Snapshot(ctx context.Context, r models.Requester, currency string) (models.EligibilitySnapshot, error)
}

type Ledger interface {
	Create(ctx context.Context, t models.Transfer) (models.Transfer, error)
	Get(ctx context.Context, id string) (models.Transfer, error)
	GetForRequester(ctx context.Context, id, requesterID string) (models.Transfer, error)
	FindByIdempotencyKey(ctx context.Context, requesterID, key string) (models.Transfer, bool, error)
	List(ctx context.Context, f models.TransferFilter) (models.TransferList, error)
	Cancel(ctx context.Context, id, requesterID string) (models.Transfer, error)
	AttachSettlementResult(ctx context.Context, id string, res ledger.Result) (models.Transfer, bool, error)
}

type Config struct {
	QuoteTTL            time.Duration
	EstimatedCompletion time.Duration
}

// Deps собирает зависимости сервисов. Notifier может быть nil.
type Deps struct {
	Pricer     Pricer
	Quotes     cache.QuoteStore
	Gate       Gate
	Ledger     Ledger
	Dispatcher settlement.Dispatcher
	Notifier   settlement.Notifier
	Limits     eligibility.LimitTable
	Config     Config
	Now        func() time.Time
}

func NewService(d Deps) *Service {
	if d.Config.QuoteTTL <= 0 {
		d.Config.QuoteTTL = 15 * time.Minute
	}
	if d.Config.EstimatedCompletion <= 0 {
		d.Config.EstimatedCompletion = 30 * time.Minute
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		Quote:      NewQuoteService(d.Pricer, d.Quotes, d.Config.QuoteTTL, d.Now),
		Transfer:   NewTransferService(d),
		Compliance: NewComplianceService(d.Gate, d.Limits),
	}
}
