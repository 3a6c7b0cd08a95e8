package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"remittance_back/models"

	"github.com/shopspring/decimal"
)

func newTransfer(id, requester string, created time.Time) models.Transfer {
	return models.Transfer{
		ID:                  id,
		RequesterID:         requester,
		SourceAmount:        decimal.NewFromInt(1000),
		SourceCurrency:      "INR",
		DestinationCurrency: "RUB",
		RecipientName:       "Ivan",
		RecipientPhone:      "+79990000000",
		SourceCountry:       "IN",
		DestinationCountry:  "RU",
		Status:              models.StatusPending,
		SettlementPayload:   []byte(`{"transferId":"` + id + `"}`),
		CreatedAt:           created,
		UpdatedAt:           created,
	}
}

func TestMemoryTransitionIsCompareAndSet(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	now := time.Now()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", now))

	ref := "0xabc"
	done, err := repo.Transition(ctx, Transition{
		ID: "t-1", From: models.OpenStatuses, To: models.StatusCompleted, Reference: &ref, At: now,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || *done.SettlementReference != ref {
		t.Fatalf("completion not stamped: %+v", done)
	}

	current, err := repo.Transition(ctx, Transition{
		ID: "t-1", From: models.OpenStatuses, To: models.StatusCancelled, RequesterID: "u-1", At: now,
	})
	if err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if current.Status != models.StatusCompleted || current.CancelledAt != nil {
		t.Fatalf("terminal transfer was modified: %+v", current)
	}
}

func TestMemoryTransitionOwnerGuard(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", time.Now()))

	_, err := repo.Transition(ctx, Transition{
		ID: "t-1", From: models.OpenStatuses, To: models.StatusCancelled, RequesterID: "u-2", At: time.Now(),
	})
	if err != ErrNotFound {
		t.Fatalf("foreign requester must see ErrNotFound, got %v", err)
	}
}

func TestMemoryIdempotencyKeyUnique(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	key := "key-1"

	a := newTransfer("t-1", "u-1", time.Now())
	a.IdempotencyKey = &key
	b := newTransfer("t-2", "u-1", time.Now())
	b.IdempotencyKey = &key
	c := newTransfer("t-3", "u-2", time.Now())
	c.IdempotencyKey = &key

	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := repo.Create(ctx, b); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("keys are scoped per requester: %v", err)
	}
	got, err := repo.GetByIdempotencyKey(ctx, "u-1", key)
	if err != nil || got.ID != "t-1" {
		t.Fatalf("lookup by key: %+v %v", got, err)
	}
}

func TestMemoryLease(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	now := time.Now()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", now))

	leased, err := repo.AcquireLease(ctx, "t-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if leased.SettlementAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", leased.SettlementAttempts)
	}
	if _, err := repo.AcquireLease(ctx, "t-1", now.Add(time.Second), now.Add(time.Minute)); err != ErrConflict {
		t.Fatalf("live lease must block, got %v", err)
	}
	if _, err := repo.AcquireLease(ctx, "t-1", now.Add(2*time.Minute), now.Add(3*time.Minute)); err != nil {
		t.Fatalf("expired lease must be reclaimable: %v", err)
	}

	_ = repo.ReleaseLease(ctx, "t-1")
	unsettled, _ := repo.ListUnsettled(ctx, now.Add(time.Hour), now, 10)
	if len(unsettled) != 1 {
		t.Fatalf("released transfer must be listed as unsettled")
	}
}

func TestMemorySettlementHandleOnce(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", time.Now()))

	if err := repo.SetSettlementHandle(ctx, "t-1", "h-1", []byte("raw"), time.Now()); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := repo.SetSettlementHandle(ctx, "t-1", "h-2", nil, time.Now()); err != ErrConflict {
		t.Fatalf("second handle: expected ErrConflict, got %v", err)
	}
	got, _ := repo.GetByID(ctx, "t-1")
	if *got.SettlementHandle != "h-1" || string(got.SettlementHandleRaw) != "raw" {
		t.Fatalf("handle overwritten: %+v", got)
	}
}

func TestMemoryListAndSum(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		tr := newTransfer(fmt.Sprintf("t-%02d", i), "u-1", base.Add(time.Duration(i)*time.Hour))
		if i%5 == 0 {
			tr.Status = models.StatusCancelled
		}
		_ = repo.Create(ctx, tr)
	}
	_ = repo.Create(ctx, newTransfer("other", "u-2", base))

	page, total, err := repo.List(ctx, models.TransferFilter{RequesterID: "u-1", Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 25 || len(page) != 10 {
		t.Fatalf("total=%d len=%d", total, len(page))
	}
	if page[0].ID != "t-14" {
		t.Fatalf("page 2 should start at t-14 (newest first), got %s", page[0].ID)
	}

	_, cancelled, _ := repo.List(ctx, models.TransferFilter{RequesterID: "u-1", Status: models.StatusCancelled, Limit: 10})
	if cancelled != 5 {
		t.Fatalf("cancelled count = %d, want 5", cancelled)
	}

	sum, _ := repo.SumSince(ctx, "u-1", "INR", base.Add(20*time.Hour))
	// t-20..t-24, t-20 cancelled
	if !sum.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("sum = %s, want 4000", sum)
	}
}

func TestMemoryListFarPageIsEmpty(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", time.Now()))

	page, total, err := repo.List(ctx, models.TransferFilter{RequesterID: "u-1", Page: 92233720368547760, Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(page) != 0 {
		t.Fatalf("total=%d len=%d, want 1 and 0", total, len(page))
	}

	f := models.TransferFilter{Page: 92233720368547760, Limit: 100}
	if off := f.Offset(); off < 0 {
		t.Fatalf("offset overflowed: %d", off)
	}
}

func TestMemorySubmissionMark(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	now := time.Now()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", now))

	if err := repo.MarkSubmission(ctx, "t-1", now); err != nil {
		t.Fatalf("MarkSubmission: %v", err)
	}
	if err := repo.MarkSubmission(ctx, "t-1", now); err != ErrConflict {
		t.Fatalf("second mark: expected ErrConflict, got %v", err)
	}
	got, _ := repo.GetByID(ctx, "t-1")
	if !got.SubmissionUnresolved() {
		t.Fatalf("marked transfer without handle must be unresolved")
	}

	_ = repo.ClearSubmission(ctx, "t-1")
	if err := repo.MarkSubmission(ctx, "t-1", now); err != nil {
		t.Fatalf("mark after clear: %v", err)
	}
	if err := repo.SetSettlementHandle(ctx, "t-1", "h-1", nil, now); err != nil {
		t.Fatalf("SetSettlementHandle: %v", err)
	}
	_ = repo.ClearSubmission(ctx, "t-1")
	got, _ = repo.GetByID(ctx, "t-1")
	if got.SettlementStartedAt == nil || got.SubmissionUnresolved() {
		t.Fatalf("mark of a stored submission must stay: %+v", got.SettlementStartedAt)
	}
	if err := repo.MarkSubmission(ctx, "t-1", now); err != ErrConflict {
		t.Fatalf("mark with stored handle: expected ErrConflict, got %v", err)
	}
	if err := repo.MarkSubmission(ctx, "missing", now); err != ErrNotFound {
		t.Fatalf("missing transfer: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryApplyPricingOnce(t *testing.T) {
	repo := NewTransferMemory()
	ctx := context.Background()
	_ = repo.Create(ctx, newTransfer("t-1", "u-1", time.Now()))

	p := Pricing{Rate: decimal.RequireFromString("1.12"), Fee: decimal.NewFromInt(100)}
	if _, err := repo.ApplyPricing(ctx, "t-1", p, time.Now()); err != nil {
		t.Fatalf("ApplyPricing: %v", err)
	}
	p.Rate = decimal.NewFromInt(2)
	current, err := repo.ApplyPricing(ctx, "t-1", p, time.Now())
	if err != ErrConflict || !current.ExchangeRate.Equal(decimal.RequireFromString("1.12")) {
		t.Fatalf("pricing must freeze once: %v %s", err, current.ExchangeRate)
	}
}
