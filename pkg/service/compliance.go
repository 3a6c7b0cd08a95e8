package service

import (
	"context"

	"remittance_back/models"
	"remittance_back/pkg/apperr"
	"remittance_back/pkg/eligibility"
)

type ComplianceService struct {
	gate   Gate
	limits eligibility.LimitTable
}

func NewComplianceService(gate Gate, limits eligibility.LimitTable) *ComplianceService {
	return &ComplianceService{gate: gate, limits: limits}
}

// Eligibility показывает статус KYC, лимиты и уже израсходованные суммы в валюте
func (s *ComplianceService) Eligibility(ctx context.Context, r models.Requester, currency string) (models.EligibilitySnapshot, error) {
	currency = normalizeCurrency(currency)
	if len(currency) != 3 {
		return models.EligibilitySnapshot{}, apperr.Validation("currency must be a 3-letter code")
	}
	return s.gate.Snapshot(ctx, r, currency)
}

func (s *ComplianceService) Limits() eligibility.LimitTable {
	return s.limits
}
