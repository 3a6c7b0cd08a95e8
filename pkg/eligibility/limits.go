package eligibility

import (
	"strings"

	"remittance_back/models"

	"github.com/shopspring/decimal"
)

// LimitFunc returns the limits that apply to a verification tier and currency.
type LimitFunc func(tier, currency string) models.Limits

// LimitTable resolves tier overrides first, then per-currency defaults, then the fallback.
type LimitTable struct {
	Default  map[string]models.Limits
	Tiers    map[string]map[string]models.Limits
	Fallback models.Limits
}

func DefaultLimitTable() LimitTable {
	return LimitTable{
		Default: map[string]models.Limits{
			"INR": {
				PerTransaction: decimal.NewFromInt(1000000),
				Daily:          decimal.NewFromInt(500000),
				Monthly:        decimal.NewFromInt(5000000),
			},
		},
		Fallback: models.Limits{
			PerTransaction: decimal.NewFromInt(10000),
			Daily:          decimal.NewFromInt(5000),
			Monthly:        decimal.NewFromInt(50000),
		},
	}
}

func (t LimitTable) Lookup(tier, currency string) models.Limits {
	tier, currency = strings.ToUpper(tier), strings.ToUpper(currency)
	if tier != "" {
		for name, byCurrency := range t.Tiers {
			if strings.ToUpper(name) != tier {
				continue
			}
			for cur, l := range byCurrency {
				if strings.ToUpper(cur) == currency {
					return l
				}
			}
		}
	}
	for cur, l := range t.Default {
		if strings.ToUpper(cur) == currency {
			return l
		}
	}
	return t.Fallback
}
