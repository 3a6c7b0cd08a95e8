package pricing

import (
	"testing"

	"remittance_back/pkg/apperr"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubLive map[string]decimal.Decimal

func (s stubLive) Rate(src, dst string) (decimal.Decimal, bool) {
	r, ok := s[src+"-"+dst]
	return r, ok
}

func newResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := NewResolver(cfg, nil)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveINRtoRUB(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	res, err := r.Resolve("INR", "RUB", d("50000"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Rate.Equal(d("1.12")) {
		t.Fatalf("rate = %s, want 1.12", res.Rate)
	}
	if !res.Fees.Total.Equal(d("900")) {
		t.Fatalf("fee = %s, want 900", res.Fees.Total)
	}
	if !res.DestinationAmount.Equal(d("56000")) {
		t.Fatalf("destination = %s, want 56000", res.DestinationAmount)
	}
	if !res.TotalAmount.Equal(d("50900")) {
		t.Fatalf("total = %s, want 50900", res.TotalAmount)
	}
}

func TestFeeClamp(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	tests := []struct {
		name   string
		src    string
		amount string
		want   string
	}{
		{"inr floor", "INR", "1000", "100"},
		{"inr zero amount takes floor", "INR", "0", "100"},
		{"inr proportional", "INR", "10000", "180"},
		{"inr ceiling", "INR", "1000000", "5000"},
		{"inr just below ceiling", "INR", "277777", "4999.99"},
		{"usd floor", "USD", "50", "2"},
		{"usd proportional", "USD", "1000", "18"},
		{"usd ceiling", "USD", "10000", "100"},
		{"rub uses default bounds", "RUB", "200000", "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Fee(tt.src, d(tt.amount))
			if !got.Total.Equal(d(tt.want)) {
				t.Fatalf("fee(%s %s) = %s, want %s", tt.amount, tt.src, got.Total, tt.want)
			}
			if !got.Base.Add(got.Processing).Equal(got.Total) {
				t.Fatalf("breakdown does not add up: %+v", got)
			}
		})
	}
}

func TestUnsupportedCurrency(t *testing.T) {
	r := newResolver(t, DefaultConfig())

	for _, pair := range [][2]string{{"EUR", "INR"}, {"INR", "GBP"}, {"INR", "INR"}} {
		_, err := r.Resolve(pair[0], pair[1], d("100"))
		if !apperr.Is(err, apperr.CodeUnsupportedCurrency) {
			t.Fatalf("%v: expected UNSUPPORTED_CURRENCY, got %v", pair, err)
		}
	}
}

func TestUnknownPairPolicy(t *testing.T) {
	cfg := DefaultConfig()
	// INR-USD is allowlisted but has no table entry
	r := newResolver(t, cfg)
	res, err := r.Resolve("INR", "USD", d("1000"))
	if err != nil {
		t.Fatalf("parity: %v", err)
	}
	if !res.Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("parity rate = %s", res.Rate)
	}

	cfg.UnknownPair = PolicyReject
	r = newResolver(t, cfg)
	if _, err := r.Resolve("INR", "USD", d("1000")); !apperr.Is(err, apperr.CodeUnsupportedCurrency) {
		t.Fatalf("reject: expected UNSUPPORTED_CURRENCY, got %v", err)
	}
}

func TestLowercaseConfigKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rates = map[string]decimal.Decimal{"inr-rub": d("1.5")}
	cfg.FeeBounds = map[string]FeeBounds{"inr": {Min: d("1"), Max: d("10")}}
	r := newResolver(t, cfg)

	res, err := r.Resolve("inr", "rub", d("100"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Rate.Equal(d("1.5")) || !res.Fees.Total.Equal(d("1.8")) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLiveRateWins(t *testing.T) {
	r, err := NewResolver(DefaultConfig(), stubLive{"INR-RUB": d("1.2")})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	res, err := r.Resolve("INR", "RUB", d("100"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Live || !res.Rate.Equal(d("1.2")) {
		t.Fatalf("expected live rate 1.2, got %+v", res)
	}

	res, _ = r.Resolve("RUB", "INR", d("100"))
	if res.Live || !res.Rate.Equal(d("0.89")) {
		t.Fatalf("expected static fallback, got %+v", res)
	}
}

func TestNewResolverRejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeeBounds = map[string]FeeBounds{"INR": {Min: d("10"), Max: d("1")}}
	if _, err := NewResolver(cfg, nil); err == nil {
		t.Fatalf("expected error for min > max")
	}

	cfg = DefaultConfig()
	cfg.UnknownPair = "guess"
	if _, err := NewResolver(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
