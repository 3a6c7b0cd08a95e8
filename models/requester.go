package models

import "github.com/shopspring/decimal"

type KYCStatus string

const (
	KYCNotStarted KYCStatus = "NOT_STARTED"
	KYCPending    KYCStatus = "PENDING"
	KYCInReview   KYCStatus = "IN_REVIEW"
	KYCVerified   KYCStatus = "VERIFIED"
	KYCRejected   KYCStatus = "REJECTED"
)

const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleCompliance = "COMPLIANCE_OFFICER"
)

// Requester пользователь из токена провайдера идентификации
type Requester struct {
	ID        string    `json:"id"`
	KYCStatus KYCStatus `json:"kycStatus"`
	Tier      string    `json:"tier,omitempty"`
	Role      string    `json:"role"`
}

// Limits лимиты для пары (уровень верификации, валюта). Ноль отключает лимит периода.
type Limits struct {
	PerTransaction decimal.Decimal `json:"perTransaction" mapstructure:"per_transaction"`
	Daily          decimal.Decimal `json:"daily" mapstructure:"daily"`
	Monthly        decimal.Decimal `json:"monthly" mapstructure:"monthly"`
}

// EligibilitySnapshot считается на каждую проверку и не сохраняется
type EligibilitySnapshot struct {
	RequesterID     string          `json:"requesterId"`
	KYCStatus       KYCStatus       `json:"kycStatus"`
	Tier            string          `json:"tier,omitempty"`
	Currency        string          `json:"currency"`
	PerTransaction  decimal.Decimal `json:"perTransactionLimit"`
	DailyLimit      decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit    decimal.Decimal `json:"monthlyLimit"`
	DailyConsumed   decimal.Decimal `json:"dailyConsumed"`
	MonthlyConsumed decimal.Decimal `json:"monthlyConsumed"`
}
