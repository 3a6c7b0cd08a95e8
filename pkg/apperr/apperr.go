// Package apperr describes the expected, typed outcomes of the remittance core.
// Anything that is not an *Error is an internal fault.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Code string

const (
	CodeUnsupportedCurrency     Code = "UNSUPPORTED_CURRENCY"
	CodeQuoteNotFound           Code = "QUOTE_NOT_FOUND"
	CodeQuoteExpired            Code = "QUOTE_EXPIRED"
	CodeKYCRequired             Code = "KYC_REQUIRED"
	CodeLimitExceeded           Code = "TRANSFER_LIMIT_EXCEEDED"
	CodeAmountMismatch          Code = "AMOUNT_MISMATCH"
	CodeSettlementIndeterminate Code = "SETTLEMENT_INDETERMINATE"
	CodeSettlementRejected      Code = "SETTLEMENT_REJECTED"
	CodeNotCancellable          Code = "TRANSFER_NOT_CANCELLABLE"
	CodeTransferNotFound        Code = "TRANSFER_NOT_FOUND"
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeIdempotencyMismatch     Code = "IDEMPOTENCY_MISMATCH"
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeForbidden               Code = "FORBIDDEN"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeInternal                Code = "INTERNAL_ERROR"
)

// Error is an expected outcome that is safe to show to the caller.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) with(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// As returns the typed error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

func UnsupportedCurrency(src, dst string) *Error {
	return New(CodeUnsupportedCurrency, fmt.Sprintf("currency pair %s/%s is not supported", src, dst)).
		with("sourceCurrency", src).
		with("destinationCurrency", dst)
}

func QuoteNotFound(id string) *Error {
	return New(CodeQuoteNotFound, "quote not found").with("quoteId", id)
}

func QuoteExpired(id string) *Error {
	return New(CodeQuoteExpired, "quote has expired, request a new one").with("quoteId", id)
}

func KYCRequired(status string) *Error {
	return New(CodeKYCRequired, "KYC verification required").with("kycStatus", status)
}

// LimitExceeded carries the violated limit and the period it applies to
// ("transaction", "daily" or "monthly").
func LimitExceeded(limit decimal.Decimal, period string) *Error {
	return New(CodeLimitExceeded, fmt.Sprintf("%s transfer limit of %s exceeded", period, limit.String())).
		with("limit", limit).
		with("period", period)
}

func AmountMismatch(quoted, requested decimal.Decimal) *Error {
	return New(CodeAmountMismatch, "transfer does not match the referenced quote").
		with("quotedAmount", quoted).
		with("requestedAmount", requested)
}

func SettlementIndeterminate(reason string) *Error {
	return New(CodeSettlementIndeterminate, reason)
}

func SettlementRejected(reason string) *Error {
	return New(CodeSettlementRejected, "settlement rejected").with("reason", reason)
}

func NotCancellable(status string) *Error {
	return New(CodeNotCancellable, "transfer cannot be cancelled").with("status", status)
}

func TransferNotFound(id string) *Error {
	return New(CodeTransferNotFound, "transfer not found").with("transferId", id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func IdempotencyMismatch(key string) *Error {
	return New(CodeIdempotencyMismatch, "idempotency key was already used with a different request").
		with("idempotencyKey", key)
}
