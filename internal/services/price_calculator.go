package services

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LinePrice is the output of CalculateLinePrice. All amounts are minor currency units.
type LinePrice struct {
	UnitPrice        int64
	UnitPriceWithTax int64
	LinePrice        int64
	LinePriceWithTax int64
	LineTax          int64
}

// CalculateLinePrice prices quantity units of a listed price at the given tax rate (a percentage).
// Unit values are rounded half-up exactly once and line values are derived from them, so the
// per-unit tax multiplied by the quantity always equals the line tax.
func CalculateLinePrice(price int64, priceIncludesTax bool, rate decimal.Decimal, quantity int) LinePrice {
	var unit, unitWithTax int64
	if priceIncludesTax {
		unitWithTax = price
		unit = netOfTax(price, rate)
	} else {
		unit = price
		unitWithTax = grossOfTax(price, rate)
	}
	qty := int64(quantity)
	line := unit * qty
	lineWithTax := unitWithTax * qty
	return LinePrice{
		UnitPrice:        unit,
		UnitPriceWithTax: unitWithTax,
		LinePrice:        line,
		LinePriceWithTax: lineWithTax,
		LineTax:          lineWithTax - line,
	}
}

// netOfTax extracts the tax base from a tax-inclusive amount: price / (1 + rate/100).
func netOfTax(gross int64, rate decimal.Decimal) int64 {
	divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	if divisor.IsZero() {
		return gross
	}
	return roundMinor(decimal.NewFromInt(gross).Div(divisor))
}

// grossOfTax adds tax on top of a tax-exclusive amount.
func grossOfTax(net int64, rate decimal.Decimal) int64 {
	factor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	return roundMinor(decimal.NewFromInt(net).Mul(factor))
}

// roundMinor rounds half away from zero to a whole minor unit.
func roundMinor(value decimal.Decimal) int64 {
	return value.Round(0).IntPart()
}

// percentOf returns pct percent of amount, rounded half-up.
func percentOf(amount int64, pct decimal.Decimal) int64 {
	return roundMinor(decimal.NewFromInt(amount).Mul(pct).Div(hundred))
}

// scaleAmount returns amount * numerator / denominator rounded half-up, or 0 when denominator is 0.
func scaleAmount(amount, numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	return roundMinor(decimal.NewFromInt(amount).Mul(decimal.NewFromInt(numerator)).Div(decimal.NewFromInt(denominator)))
}

// prorate splits amount across weights proportionally. Every share except the last is rounded
// half-up; the last receives the residual so the shares always sum to amount. Negative weights
// count as zero, and when every weight is zero nothing is distributed.
func prorate(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 || amount == 0 {
		return shares
	}
	var total int64
	last := -1
	for i, w := range weights {
		if w > 0 {
			total += w
			last = i
		}
	}
	if total == 0 {
		return shares
	}
	var distributed int64
	for i, w := range weights {
		if w <= 0 || i == last {
			continue
		}
		shares[i] = scaleAmount(amount, w, total)
		distributed += shares[i]
	}
	shares[last] = amount - distributed
	return shares
}
