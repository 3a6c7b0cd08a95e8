package eligibility

import (
	"context"
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/apperr"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

// UsageReader reports how much a requester has already committed in a currency since a point in time.
type UsageReader interface {
	Consumed(ctx context.Context, requesterID, currency string, since time.Time) (decimal.Decimal, error)
}

// Gate decides whether a requester may create a transfer. It never writes.
type Gate struct {
	limits LimitFunc
	usage  UsageReader
	now    func() time.Time
}

// NewGate builds a gate. usage may be nil, which disables the rolling period checks.
func NewGate(limits LimitFunc, usage UsageReader) *Gate {
	return &Gate{limits: limits, usage: usage, now: time.Now}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check returns nil to allow the transfer or a typed denial.
// KYC is checked first, then the per-transaction cap, then daily and monthly consumption.
func (g *Gate) Check(ctx context.Context, r models.Requester, amount decimal.Decimal, currency string) error {
	if r.KYCStatus != models.KYCVerified {
		status := string(r.KYCStatus)
		if status == "" {
			status = string(models.KYCNotStarted)
		}
		return apperr.KYCRequired(status)
	}

	currency = strings.ToUpper(currency)
	limits := g.limits(r.Tier, currency)

	if limits.PerTransaction.IsPositive() && amount.GreaterThan(limits.PerTransaction) {
		return apperr.LimitExceeded(limits.PerTransaction, "transaction")
	}
	if g.usage == nil {
		return nil
	}

	now := g.now()
	periods := []struct {
		name   string
		limit  decimal.Decimal
		window time.Duration
	}{
		{"daily", limits.Daily, dailyWindow},
		{"monthly", limits.Monthly, monthlyWindow},
	}
	for _, p := range periods {
		if !p.limit.IsPositive() {
			continue
		}
		consumed, err := g.usage.Consumed(ctx, r.ID, currency, now.Add(-p.window))
		if err != nil {
			return errors.Wrapf(err, "read %s consumption", p.name)
		}
		if consumed.Add(amount).GreaterThan(p.limit) {
			return apperr.LimitExceeded(p.limit, p.name)
		}
	}
	return nil
}

// Snapshot reports the requester's current standing in currency.
func (g *Gate) Snapshot(ctx context.Context, r models.Requester, currency string) (models.EligibilitySnapshot, error) {
	currency = strings.ToUpper(currency)
	limits := g.limits(r.Tier, currency)
	snap := models.EligibilitySnapshot{
		RequesterID:     r.ID,
		KYCStatus:       r.KYCStatus,
		Tier:            r.Tier,
		Currency:        currency,
		PerTransaction:  limits.PerTransaction,
		DailyLimit:      limits.Daily,
		MonthlyLimit:    limits.Monthly,
		DailyConsumed:   decimal.Zero,
		MonthlyConsumed: decimal.Zero,
	}
	if g.usage == nil {
		return snap, nil
	}

	now := g.now()
	var err error
	if snap.DailyConsumed, err = g.usage.Consumed(ctx, r.ID, currency, now.Add(-dailyWindow)); err != nil {
		return snap, errors.Wrap(err, "read daily consumption")
	}
	if snap.MonthlyConsumed, err = g.usage.Consumed(ctx, r.ID, currency, now.Add(-monthlyWindow)); err != nil {
		return snap, errors.Wrap(err, "read monthly consumption")
	}
	return snap, nil
}
