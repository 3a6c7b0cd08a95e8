package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"remittance_back/models"

	"github.com/shopspring/decimal"
)

// TransferMemory is an in-process store with the same compare-and-set rules as Postgres.
// Used by tests and by storage.driver=memory.
type TransferMemory struct {
	mu        sync.Mutex
	transfers map[string]models.Transfer
}

func NewTransferMemory() *TransferMemory {
	return &TransferMemory{transfers: make(map[string]models.Transfer)}
}

func clone(t models.Transfer) models.Transfer {
	t.SettlementPayload = append([]byte(nil), t.SettlementPayload...)
	if t.SettlementHandleRaw != nil {
		t.SettlementHandleRaw = append([]byte(nil), t.SettlementHandleRaw...)
	}
	return t
}

func (r *TransferMemory) Create(_ context.Context, t models.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transfers[t.ID]; ok {
		return ErrDuplicate
	}
	if t.IdempotencyKey != nil {
		for _, existing := range r.transfers {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *t.IdempotencyKey &&
				existing.RequesterID == t.RequesterID {
				return ErrDuplicate
			}
		}
	}
	r.transfers[t.ID] = clone(t)
	return nil
}

func (r *TransferMemory) GetByID(_ context.Context, id string) (models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return models.Transfer{}, ErrNotFound
	}
	return clone(t), nil
}

func (r *TransferMemory) GetByIdempotencyKey(_ context.Context, requesterID, key string) (models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transfers {
		if t.RequesterID == requesterID && t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			return clone(t), nil
		}
	}
	return models.Transfer{}, ErrNotFound
}

func matches(t models.Transfer, f models.TransferFilter) bool {
	switch {
	case f.RequesterID != "" && t.RequesterID != f.RequesterID:
		return false
	case f.Status != "" && t.Status != f.Status:
		return false
	case f.SourceCurrency != "" && t.SourceCurrency != f.SourceCurrency:
		return false
	case f.DestinationCurrency != "" && t.DestinationCurrency != f.DestinationCurrency:
		return false
	case f.From != nil && t.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && t.CreatedAt.After(*f.To):
		return false
	}
	return true
}

func (r *TransferMemory) List(_ context.Context, f models.TransferFilter) ([]models.Transfer, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []models.Transfer
	for _, t := range r.transfers {
		if matches(t, f) {
			all = append(all, clone(t))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := f.Offset()
	if start < 0 || start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && f.Limit < end-start {
		end = start + f.Limit
	}
	return append([]models.Transfer{}, all[start:end]...), total, nil
}

func (r *TransferMemory) SumSince(_ context.Context, requesterID, currency string, since time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := decimal.Zero
	for _, t := range r.transfers {
		if t.RequesterID != requesterID || t.SourceCurrency != currency || t.CreatedAt.Before(since) {
			continue
		}
		if t.Status == models.StatusCancelled || t.Status == models.StatusFailed {
			continue
		}
		sum = sum.Add(t.SourceAmount)
	}
	return sum, nil
}

func leaseLive(t models.Transfer, now time.Time) bool {
	return t.SettlementLeaseUntil != nil && !t.SettlementLeaseUntil.Before(now)
}

func (r *TransferMemory) ListUnsettled(_ context.Context, createdBefore, now time.Time, limit int) ([]models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Transfer
	for _, t := range r.transfers {
		if t.Status.Terminal() || !t.CreatedAt.Before(createdBefore) || leaseLive(t, now) {
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TransferMemory) Transition(_ context.Context, tr Transition) (models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[tr.ID]
	if !ok || (tr.RequesterID != "" && t.RequesterID != tr.RequesterID) {
		return models.Transfer{}, ErrNotFound
	}
	if !containsStatus(tr.From, t.Status) {
		return clone(t), ErrConflict
	}

	t.Status = tr.To
	if tr.Reference != nil {
		t.SettlementReference = tr.Reference
	}
	if tr.FailureReason != nil {
		t.FailureReason = tr.FailureReason
	}
	completed, cancelled, failed := terminalStamps(tr.To, tr.At)
	if completed != nil {
		t.CompletedAt = completed
	}
	if cancelled != nil {
		t.CancelledAt = cancelled
	}
	if failed != nil {
		t.FailedAt = failed
	}
	t.SettlementLeaseUntil = nil
	t.UpdatedAt = tr.At
	r.transfers[t.ID] = t
	return clone(t), nil
}

func (r *TransferMemory) MarkSubmission(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if t.SettlementStartedAt != nil || t.SettlementHandle != nil || t.Status.Terminal() {
		return ErrConflict
	}
	t.SettlementStartedAt = &at
	t.UpdatedAt = at
	r.transfers[id] = t
	return nil
}

func (r *TransferMemory) ClearSubmission(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.transfers[id]; ok && t.SettlementHandle == nil {
		t.SettlementStartedAt = nil
		r.transfers[id] = t
	}
	return nil
}

func (r *TransferMemory) SetSettlementHandle(_ context.Context, id, handle string, raw []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return ErrNotFound
	}
	if t.SettlementHandle != nil || t.Status.Terminal() {
		return ErrConflict
	}
	t.SettlementHandle = &handle
	t.SettlementHandleRaw = append([]byte(nil), raw...)
	if t.SettlementStartedAt == nil {
		t.SettlementStartedAt = &at
	}
	t.UpdatedAt = at
	r.transfers[id] = t
	return nil
}

func (r *TransferMemory) ApplyPricing(_ context.Context, id string, p Pricing, at time.Time) (models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return models.Transfer{}, ErrNotFound
	}
	if t.Priced() || t.Status.Terminal() {
		return clone(t), ErrConflict
	}
	t.ExchangeRate = p.Rate
	t.Fee = p.Fee
	t.DestinationAmount = p.DestinationAmount
	t.TotalAmount = p.TotalAmount
	t.UpdatedAt = at
	r.transfers[id] = t
	return clone(t), nil
}

func (r *TransferMemory) AcquireLease(_ context.Context, id string, now, until time.Time) (models.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transfers[id]
	if !ok {
		return models.Transfer{}, ErrNotFound
	}
	if t.Status.Terminal() || (t.SettlementLeaseUntil != nil && !t.SettlementLeaseUntil.Before(now)) {
		return clone(t), ErrConflict
	}
	t.SettlementLeaseUntil = &until
	t.SettlementAttempts++
	t.UpdatedAt = now
	r.transfers[id] = t
	return clone(t), nil
}

func (r *TransferMemory) ReleaseLease(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.transfers[id]; ok {
		t.SettlementLeaseUntil = nil
		r.transfers[id] = t
	}
	return nil
}
