package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeBreakdown разбивка комиссии по квоте или переводу
type FeeBreakdown struct {
	Base       decimal.Decimal `json:"baseFee"`
	Processing decimal.Decimal `json:"processingFee"`
	Total      decimal.Decimal `json:"totalFee"`
}

// Quote зафиксированные курс и комиссия. После создания не меняется.
type Quote struct {
	ID                  string          `json:"quoteId"`
	RequesterID         string          `json:"requesterId,omitempty"`
	SourceAmount        decimal.Decimal `json:"sourceAmount"`
	SourceCurrency      string          `json:"sourceCurrency"`
	DestinationCurrency string          `json:"destinationCurrency"`
	SourceCountry       string          `json:"sourceCountry,omitempty"`
	DestinationCountry  string          `json:"destinationCountry,omitempty"`
	Rate                decimal.Decimal `json:"rate"`
	Fees                FeeBreakdown    `json:"fees"`
	DestinationAmount   decimal.Decimal `json:"destinationAmount"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	CreatedAt           time.Time       `json:"createdAt"`
	ExpiresAt           time.Time       `json:"expiresAt"`
}

// Expired истекла ли котировка к моменту now. Ровно в ExpiresAt котировка еще действует.
func (q Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// OwnedBy может ли requesterID использовать котировку. Анонимная котировка доступна всем.
func (q Quote) OwnedBy(requesterID string) bool {
	return q.RequesterID == "" || q.RequesterID == requesterID
}

type QuoteRequest struct {
	SourceAmount        decimal.Decimal `json:"sourceAmount"`
	SourceCurrency      string          `json:"sourceCurrency" binding:"required,len=3"`
	DestinationCurrency string          `json:"destinationCurrency" binding:"required,len=3"`
	SourceCountry       string          `json:"sourceCountry" binding:"omitempty,len=2"`
	DestinationCountry  string          `json:"destinationCountry" binding:"omitempty,len=2"`
}

// RateView ответ для виджета курсов
type RateView struct {
	SourceCurrency      string          `json:"sourceCurrency"`
	DestinationCurrency string          `json:"destinationCurrency"`
	Rate                decimal.Decimal `json:"rate"`
	Live                bool            `json:"live"`
}
