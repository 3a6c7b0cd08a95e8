package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	StatusPending    TransferStatus = "PENDING"
	StatusProcessing TransferStatus = "PROCESSING"
	StatusCompleted  TransferStatus = "COMPLETED"
	StatusFailed     TransferStatus = "FAILED"
	StatusCancelled  TransferStatus = "CANCELLED"
)

// OpenStatuses статусы, из которых перевод еще может выйти
var OpenStatuses = []TransferStatus{StatusPending, StatusProcessing}

func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TransferStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transfer запись перевода в леджере
type Transfer struct {
	ID                  string          `json:"id" db:"id"`
	RequesterID         string          `json:"requesterId" db:"requester_id"`
	QuoteID             *string         `json:"quoteId,omitempty" db:"quote_id"`
	SourceAmount        decimal.Decimal `json:"sourceAmount" db:"source_amount"`
	SourceCurrency      string          `json:"sourceCurrency" db:"source_currency"`
	DestinationCurrency string          `json:"destinationCurrency" db:"destination_currency"`
	DestinationAmount   decimal.Decimal `json:"destinationAmount" db:"destination_amount"`
	ExchangeRate        decimal.Decimal `json:"exchangeRate" db:"exchange_rate"`
	Fee                 decimal.Decimal `json:"fee" db:"fee"`
	TotalAmount         decimal.Decimal `json:"totalAmount" db:"total_amount"`

	RecipientName      string  `json:"recipientName" db:"recipient_name"`
	RecipientPhone     string  `json:"recipientPhone" db:"recipient_phone"`
	RecipientEmail     *string `json:"recipientEmail,omitempty" db:"recipient_email"`
	Purpose            string  `json:"purpose" db:"purpose"`
	SourceCountry      string  `json:"sourceCountry" db:"source_country"`
	DestinationCountry string  `json:"destinationCountry" db:"destination_country"`

	Status              TransferStatus `json:"status" db:"status"`
	SettlementReference *string        `json:"settlementReference" db:"settlement_reference"`
	FailureReason       *string        `json:"failureReason,omitempty" db:"failure_reason"`

	SettlementPayload    []byte     `json:"-" db:"settlement_payload"`
	SettlementHandle     *string    `json:"-" db:"settlement_handle"`
	SettlementHandleRaw  []byte     `json:"-" db:"settlement_handle_raw"`
	SettlementAttempts   int        `json:"-" db:"settlement_attempts"`
	SettlementLeaseUntil *time.Time `json:"-" db:"settlement_lease_until"`
	// SettlementStartedAt отмечается до отправки платежа исполнителю
	SettlementStartedAt  *time.Time `json:"-" db:"settlement_started_at"`
	IdempotencyKey       *string    `json:"-" db:"idempotency_key"`
	RequestHash          string     `json:"-" db:"request_hash"`

	EstimatedCompletionTime time.Time  `json:"estimatedCompletionTime" db:"estimated_completion_time"`
	CreatedAt               time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt               time.Time  `json:"updatedAt" db:"updated_at"`
	CompletedAt             *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	CancelledAt             *time.Time `json:"cancelledAt,omitempty" db:"cancelled_at"`
	FailedAt                *time.Time `json:"failedAt,omitempty" db:"failed_at"`
}

// Priced зафиксированы ли курс и комиссия на переводе
func (t Transfer) Priced() bool {
	return t.ExchangeRate.IsPositive()
}

// SubmissionUnresolved платеж мог уйти исполнителю, но его handle не сохранен
func (t Transfer) SubmissionUnresolved() bool {
	return t.SettlementStartedAt != nil && t.SettlementHandle == nil
}

type CreateTransferRequest struct {
	QuoteID             string          `json:"quoteId"`
	SourceAmount        decimal.Decimal `json:"sourceAmount"`
	SourceCurrency      string          `json:"sourceCurrency" binding:"required,len=3"`
	DestinationCurrency string          `json:"destinationCurrency" binding:"required,len=3"`
	RecipientName       string          `json:"recipientName" binding:"required,min=2,max=100"`
	RecipientPhone      string          `json:"recipientPhone" binding:"required"`
	RecipientEmail      string          `json:"recipientEmail" binding:"omitempty,email"`
	Purpose             string          `json:"purpose" binding:"omitempty,oneof=family-support education business investment other"`
	SourceCountry       string          `json:"sourceCountry" binding:"required,len=2"`
	DestinationCountry  string          `json:"destinationCountry" binding:"required,len=2"`
}

// TransferStatusView короткий ответ для поллинга статуса
type TransferStatusView struct {
	TransferID              string         `json:"transferId"`
	Status                  TransferStatus `json:"status"`
	SettlementReference     *string        `json:"settlementReference"`
	EstimatedCompletionTime time.Time      `json:"estimatedCompletionTime"`
	FailureReason           *string        `json:"failureReason,omitempty"`
}

func (t Transfer) StatusView() TransferStatusView {
	return TransferStatusView{
		TransferID:              t.ID,
		Status:                  t.Status,
		SettlementReference:     t.SettlementReference,
		EstimatedCompletionTime: t.EstimatedCompletionTime,
		FailureReason:           t.FailureReason,
	}
}

type TransferFilter struct {
	RequesterID         string
	Status              TransferStatus
	SourceCurrency      string
	DestinationCurrency string
	From                *time.Time
	To                  *time.Time
	Page                int
	Limit               int
}

func (f TransferFilter) Offset() int {
	if f.Page < 1 || f.Limit < 1 {
		return 0
	}
	if f.Page-1 > math.MaxInt/f.Limit {
		return math.MaxInt
	}
	return (f.Page - 1) * f.Limit
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type TransferList struct {
	Transfers  []Transfer `json:"transfers"`
	Pagination Pagination `json:"pagination"`
}
