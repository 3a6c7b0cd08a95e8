package pricing

import (
	"fmt"
	"strings"

	"remittance_back/models"
	"remittance_back/pkg/apperr"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type UnknownPairPolicy string

const (
	// PolicyParity prices a supported pair without a table entry at 1.0.
	PolicyParity UnknownPairPolicy = "parity"
	// PolicyReject answers UNSUPPORTED_CURRENCY for such a pair.
	PolicyReject UnknownPairPolicy = "reject"
)

type FeeBounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Config is the full fee and rate schedule. Rates are keyed "SRC-DST".
type Config struct {
	Currencies       []string
	BaseFeeRate      decimal.Decimal
	FeeBounds        map[string]FeeBounds
	DefaultFeeBounds FeeBounds
	Rates            map[string]decimal.Decimal
	UnknownPair      UnknownPairPolicy
	Precision        int32
}

func DefaultConfig() Config {
	return Config{
		Currencies:  []string{"INR", "RUB", "USD"},
		BaseFeeRate: decimal.RequireFromString("0.018"),
		FeeBounds: map[string]FeeBounds{
			"INR": {Min: decimal.NewFromInt(100), Max: decimal.NewFromInt(5000)},
		},
		DefaultFeeBounds: FeeBounds{Min: decimal.NewFromInt(2), Max: decimal.NewFromInt(100)},
		Rates: map[string]decimal.Decimal{
			"INR-RUB": decimal.RequireFromString("1.12"),
			"RUB-INR": decimal.RequireFromString("0.89"),
			"USD-INR": decimal.RequireFromString("83.45"),
			"USD-RUB": decimal.RequireFromString("93.67"),
		},
		UnknownPair: PolicyParity,
		Precision:   2,
	}
}

// RateSource supplies live rates. ok is false when it has nothing fresh for the pair.
type RateSource interface {
	Rate(src, dst string) (rate decimal.Decimal, ok bool)
}

// Result is everything derived from (pair, amount). Callers never supply these values.
type Result struct {
	Rate              decimal.Decimal
	Fees              models.FeeBreakdown
	DestinationAmount decimal.Decimal
	TotalAmount       decimal.Decimal
	Live              bool
}

type Resolver struct {
	cfg       Config
	supported map[string]struct{}
	rates     map[string]decimal.Decimal
	bounds    map[string]FeeBounds
	live      RateSource
}

// NewResolver validates cfg. live may be nil.
func NewResolver(cfg Config, live RateSource) (*Resolver, error) {
	if len(cfg.Currencies) == 0 {
		return nil, errors.New("pricing: no supported currencies configured")
	}
	if cfg.BaseFeeRate.IsNegative() {
		return nil, errors.New("pricing: base fee rate must not be negative")
	}
	if cfg.Precision < 0 {
		return nil, errors.New("pricing: precision must not be negative")
	}
	switch cfg.UnknownPair {
	case "":
		cfg.UnknownPair = PolicyParity
	case PolicyParity, PolicyReject:
	default:
		return nil, errors.Errorf("pricing: unknown pair policy %q", cfg.UnknownPair)
	}
	if err := checkBounds("default", cfg.DefaultFeeBounds); err != nil {
		return nil, err
	}

	r := &Resolver{
		cfg:       cfg,
		supported: make(map[string]struct{}, len(cfg.Currencies)),
		rates:     make(map[string]decimal.Decimal, len(cfg.Rates)),
		bounds:    make(map[string]FeeBounds, len(cfg.FeeBounds)),
		live:      live,
	}
	for _, c := range cfg.Currencies {
		r.supported[normalize(c)] = struct{}{}
	}
	// viper lowercases map keys, so everything is normalized here
	for pair, rate := range cfg.Rates {
		if !rate.IsPositive() {
			return nil, errors.Errorf("pricing: rate for %s must be positive", pair)
		}
		r.rates[normalize(pair)] = rate
	}
	for cur, b := range cfg.FeeBounds {
		if err := checkBounds(cur, b); err != nil {
			return nil, err
		}
		r.bounds[normalize(cur)] = b
	}
	return r, nil
}

func checkBounds(name string, b FeeBounds) error {
	if b.Min.IsNegative() || b.Max.IsNegative() {
		return errors.Errorf("pricing: fee bounds for %s must not be negative", name)
	}
	if b.Min.GreaterThan(b.Max) {
		return errors.Errorf("pricing: min fee for %s exceeds max fee", name)
	}
	return nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func pairKey(src, dst string) string {
	return fmt.Sprintf("%s-%s", src, dst)
}

func (r *Resolver) Currencies() []string {
	out := make([]string, len(r.cfg.Currencies))
	for i, c := range r.cfg.Currencies {
		out[i] = normalize(c)
	}
	return out
}

// Supports reports whether src/dst is an allowed ordered pair.
func (r *Resolver) Supports(src, dst string) bool {
	src, dst = normalize(src), normalize(dst)
	if src == dst {
		return false
	}
	_, okSrc := r.supported[src]
	_, okDst := r.supported[dst]
	return okSrc && okDst
}

// Rate returns the rate for the ordered pair. A fresh live rate wins over the static table.
func (r *Resolver) Rate(src, dst string) (decimal.Decimal, bool, error) {
	src, dst = normalize(src), normalize(dst)
	if !r.Supports(src, dst) {
		return decimal.Zero, false, apperr.UnsupportedCurrency(src, dst)
	}
	if r.live != nil {
		if rate, ok := r.live.Rate(src, dst); ok && rate.IsPositive() {
			return rate, true, nil
		}
	}
	if rate, ok := r.rates[pairKey(src, dst)]; ok {
		return rate, false, nil
	}
	if r.cfg.UnknownPair == PolicyReject {
		return decimal.Zero, false, apperr.UnsupportedCurrency(src, dst)
	}
	return decimal.NewFromInt(1), false, nil
}

// Fee applies the schedule of the source currency: multiply, then floor to min, then cap at max.
func (r *Resolver) Fee(src string, amount decimal.Decimal) models.FeeBreakdown {
	b, ok := r.bounds[normalize(src)]
	if !ok {
		b = r.cfg.DefaultFeeBounds
	}
	fee := amount.Mul(r.cfg.BaseFeeRate)
	fee = decimal.Max(fee, b.Min)
	fee = decimal.Min(fee, b.Max)
	fee = fee.Round(r.cfg.Precision)

	processing := decimal.Zero
	return models.FeeBreakdown{
		Base:       fee,
		Processing: processing,
		Total:      fee.Add(processing),
	}
}

// Resolve prices amount of src into dst. Nothing is computed for an unsupported pair.
func (r *Resolver) Resolve(src, dst string, amount decimal.Decimal) (Result, error) {
	if amount.IsNegative() {
		return Result{}, apperr.Validation("amount must not be negative")
	}
	rate, live, err := r.Rate(src, dst)
	if err != nil {
		return Result{}, err
	}
	fees := r.Fee(src, amount)
	return Result{
		Rate:              rate,
		Fees:              fees,
		DestinationAmount: amount.Mul(rate).Round(r.cfg.Precision),
		TotalAmount:       amount.Add(fees.Total),
		Live:              live,
	}, nil
}
