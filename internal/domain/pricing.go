package domain

import "github.com/shopspring/decimal"

// MinorUnits is the scale between major currency amounts and stored integer counters.
const MinorUnits = 2

// PriceBreakdown captures the monetary result of pricing one service order.
type PriceBreakdown struct {
	ServiceSubtotal decimal.Decimal
	ServiceFee      decimal.Decimal
	DeliveryFee     decimal.Decimal
	AdditionalFee   decimal.Decimal
	PetroleumTax    decimal.Decimal
	DiscountAmount  decimal.Decimal
	Subtotal        decimal.Decimal
	VATRate         decimal.Decimal
	VATAmount       decimal.Decimal
	TotalAmount     decimal.Decimal
}

// ToMinor converts a major-unit amount to integer minor units, rounding half away from zero.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(MinorUnits).Round(0).IntPart()
}

// FromMinor converts integer minor units back to a major-unit amount.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnits)
}
