// Package money provides fixed-point monetary arithmetic in integer minor
// units (e.g. cents, centimes). All platform amounts are int64 minor units;
// floating point never touches a balance.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	ErrInvalidAmount = errors.New("money: amount must be a positive integer of minor units")
	ErrInvalidRate   = errors.New("money: rate must be a decimal in [0,1]")
	ErrInvalidRatio  = errors.New("money: ratio must be a decimal in [0,1]")
)

var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// minorUnitDigits maps ISO 4217 codes to their minor-unit exponent.
// CFA francs (XAF/XOF) have no minor unit; everything else defaults to 2.
var minorUnitDigits = map[string]int{
	"XAF": 0,
	"XOF": 0,
	"GNF": 0,
	"USD": 2,
	"EUR": 2,
	"NGN": 2,
	"GHS": 2,
	"KES": 2,
}

// ValidCurrency reports whether code looks like an ISO 4217 currency code.
func ValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// Decimals returns the minor-unit exponent for a currency (default 2).
func Decimals(currency string) int {
	if d, ok := minorUnitDigits[strings.ToUpper(currency)]; ok {
		return d
	}
	return 2
}

// Format renders an amount of minor units as a human-readable decimal string,
// e.g. Format(150050, "USD") == "1500.50 USD", Format(5000, "XAF") == "5000 XAF".
func Format(amount int64, currency string) string {
	currency = strings.ToUpper(currency)
	d := Decimals(currency)
	if d == 0 {
		return fmt.Sprintf("%d %s", amount, currency)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	pow := int64(1)
	for i := 0; i < d; i++ {
		pow *= 10
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, amount/pow, d, amount%pow, currency)
}

// Rate is an exact decimal fraction in [0,1], used for commission rates and
// dispute-split ratios. Parsed from decimal strings so "0.10" means exactly
// one tenth, not the nearest float64.
type Rate struct {
	r *big.Rat
}

// ParseRate parses a decimal string such as "0.10" or "1" into a Rate.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, ErrInvalidRate
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Rate{}, ErrInvalidRate
	}
	if r.Sign() < 0 || r.Cmp(big.NewRat(1, 1)) > 0 {
		return Rate{}, ErrInvalidRate
	}
	return Rate{r: r}, nil
}

// MustRate parses a rate and panics on error. For constants and tests.
func MustRate(s string) Rate {
	r, err := ParseRate(s)
	if err != nil {
		panic("money: bad rate " + s + ": " + err.Error())
	}
	return r
}

// IsZero reports whether the rate is exactly zero (or unset).
func (r Rate) IsZero() bool {
	return r.r == nil || r.r.Sign() == 0
}

// Complement returns 1 - r.
func (r Rate) Complement() Rate {
	if r.r == nil {
		return Rate{r: big.NewRat(1, 1)}
	}
	return Rate{r: new(big.Rat).Sub(big.NewRat(1, 1), r.r)}
}

// String renders the rate as a decimal with up to 6 fractional digits.
func (r Rate) String() string {
	if r.r == nil {
		return "0"
	}
	return strings.TrimRight(strings.TrimRight(r.r.FloatString(6), "0"), ".")
}

// ApplyHalfUp multiplies amount by the rate and rounds half-up to the nearest
// minor unit. amount must be non-negative.
func (r Rate) ApplyHalfUp(amount int64) int64 {
	if r.r == nil || amount <= 0 {
		return 0
	}
	// floor((amount*num + den/2) / den) expressed without fractional halves:
	// (2*amount*num + den) / (2*den)
	num := new(big.Int).Mul(big.NewInt(amount), r.r.Num())
	den := r.r.Denom()
	q := new(big.Int).Add(new(big.Int).Lsh(num, 1), den)
	q.Quo(q, new(big.Int).Lsh(den, 1))
	return q.Int64()
}

// SplitCommission divides a total into the seller and platform legs.
// Commission is round-half-up(total * rate); the seller amount is derived as
// the remainder so the two legs always sum to the total exactly.
func SplitCommission(total int64, rate Rate) (seller, commission int64, err error) {
	if total <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	commission = rate.ApplyHalfUp(total)
	return total - commission, commission, nil
}

// SplitResolution divides a disputed escrow between seller and customer by
// ratio (the seller-side share), with the commission prorated by the same
// ratio. The three legs always sum to total exactly: the customer leg and the
// prorated commission are rounded, the seller leg is derived.
func SplitResolution(total, commission int64, ratio Rate) (seller, customer, platform int64, err error) {
	if total <= 0 || commission < 0 || commission > total {
		return 0, 0, 0, ErrInvalidAmount
	}
	if ratio.r == nil {
		return 0, 0, 0, ErrInvalidRatio
	}
	customer = ratio.Complement().ApplyHalfUp(total)
	platform = ratio.ApplyHalfUp(commission)
	seller = total - customer - platform
	if seller < 0 {
		// Full-refund ratios leave nothing for the seller; commission cannot
		// exceed what the seller side carries.
		platform += seller
		seller = 0
	}
	return seller, customer, platform, nil
}
