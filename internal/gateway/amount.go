package gateway

import (
	"github.com/shopspring/decimal"
)

// MajorUnits converts an integer minor-unit amount into the two-decimal major
// unit string a gateway wire call expects, e.g. 150000 -> "1500.00". This is
// the only place amounts leave their integer representation; nothing converts
// back.
func MajorUnits(minor int64) string {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100)).StringFixed(2)
}

// MinorUnits converts a gateway-reported decimal major-unit amount back into
// integer minor units, rounding to the nearest unit. Used only when reading
// gateway payloads, never when sending.
func MinorUnits(major string) int64 {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return 0
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
