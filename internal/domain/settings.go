package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Settings holds the dynamic business rules of the programme. There is exactly
// one settings row.
type Settings struct {
	EarningPercent      decimal.Decimal `json:"earning_percent"`
	MaxDiscountPercent  decimal.Decimal `json:"max_discount_percent"`
	ExpiryDays          int             `json:"expiry_days"`
	MinRedemptionAmount int64           `json:"min_redemption_amount"`
	WelcomeBonus        int64           `json:"welcome_bonus"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// DefaultSettings are used when the settings row cannot be read and nothing
// has been cached yet.
func DefaultSettings() Settings {
	return Settings{
		EarningPercent:      decimal.NewFromInt(4),
		MaxDiscountPercent:  decimal.NewFromInt(20),
		ExpiryDays:          45,
		MinRedemptionAmount: 0,
		WelcomeBonus:        0,
	}
}

// Validate enforces the write-time rules for settings.
func (s Settings) Validate() error {
	switch {
	case s.EarningPercent.IsNegative():
		return errors.New("earning_percent must not be negative")
	case s.MaxDiscountPercent.IsNegative():
		return errors.New("max_discount_percent must not be negative")
	case !HasMoneyScale(s.EarningPercent):
		return errors.New("earning_percent must have at most 2 decimal places")
	case !HasMoneyScale(s.MaxDiscountPercent):
		return errors.New("max_discount_percent must have at most 2 decimal places")
	case s.MaxDiscountPercent.GreaterThan(hundred):
		return errors.New("max_discount_percent must not exceed 100")
	case s.EarningPercent.GreaterThan(s.MaxDiscountPercent):
		return errors.New("earning_percent must not exceed max_discount_percent")
	case s.ExpiryDays < 0:
		return errors.New("expiry_days must not be negative")
	case s.MinRedemptionAmount < 0:
		return errors.New("min_redemption_amount must not be negative")
	case s.WelcomeBonus < 0:
		return errors.New("welcome_bonus must not be negative")
	}
	return nil
}

// HasMoneyScale reports whether d fits the two decimal places that purchase
// amounts and percentages are stored with.
func HasMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// PointsFor returns round(amount × EarningPercent / 100), rounding half away
// from zero.
func (s Settings) PointsFor(amount decimal.Decimal) int64 {
	return amount.Mul(s.EarningPercent).Div(hundred).Round(0).IntPart()
}

// DiscountCap returns amount × MaxDiscountPercent / 100 without rounding.
func (s Settings) DiscountCap(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(s.MaxDiscountPercent).Div(hundred)
}
