// Package shipping provides the pluggable eligibility checkers and price calculators that back
// shipping methods.
package shipping

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

// Checker decides whether a shipping method may be used for an order.
type Checker interface {
	Code() string
	Check(ctx context.Context, order domain.Order, args map[string]string) (bool, error)
}

// Calculator prices a shipping method for an order.
type Calculator interface {
	Code() string
	Calculate(ctx context.Context, order domain.Order, args map[string]string) (Quote, error)
}

// Quote is the price returned by a Calculator.
type Quote struct {
	Price            int64
	PriceIncludesTax bool
	TaxRate          decimal.Decimal
}

// Registry resolves checkers and calculators by code.
type Registry struct {
	checkers    map[string]Checker
	calculators map[string]Calculator
}

// NewRegistry registers the built-in checkers and calculators plus any extras. Later registrations
// replace earlier ones with the same code.
func NewRegistry(checkers []Checker, calculators []Calculator) *Registry {
	r := &Registry{
		checkers:    map[string]Checker{},
		calculators: map[string]Calculator{},
	}
	for _, c := range append([]Checker{DefaultChecker{}, CountryChecker{}}, checkers...) {
		r.checkers[c.Code()] = c
	}
	for _, c := range append([]Calculator{FlatRateCalculator{}, PerItemCalculator{}}, calculators...) {
		r.calculators[c.Code()] = c
	}
	return r
}

// Eligible runs the method's checker. A method without a checker is always eligible.
func (r *Registry) Eligible(ctx context.Context, method domain.ShippingMethod, order domain.Order) (bool, error) {
	if method.Checker.Code == "" {
		return true, nil
	}
	checker, ok := r.checkers[method.Checker.Code]
	if !ok {
		return false, fmt.Errorf("shipping: unknown checker %q", method.Checker.Code)
	}
	return checker.Check(ctx, order, method.Checker.Args)
}

// Quote runs the method's calculator.
func (r *Registry) Quote(ctx context.Context, method domain.ShippingMethod, order domain.Order) (Quote, error) {
	calc, ok := r.calculators[method.Calculator.Code]
	if !ok {
		return Quote{}, fmt.Errorf("shipping: unknown calculator %q", method.Calculator.Code)
	}
	return calc.Calculate(ctx, order, method.Calculator.Args)
}

// DefaultChecker accepts every order whose pre-tax subtotal reaches the optional orderMinimum.
type DefaultChecker struct{}

func (DefaultChecker) Code() string { return "default" }

func (DefaultChecker) Check(_ context.Context, order domain.Order, args map[string]string) (bool, error) {
	minimum, err := int64Arg(args, "orderMinimum")
	if err != nil {
		return false, err
	}
	var subtotal int64
	for _, line := range order.Lines {
		subtotal += line.LinePrice
	}
	return subtotal >= minimum, nil
}

// CountryChecker accepts orders shipping to one of the comma separated countries.
type CountryChecker struct{}

func (CountryChecker) Code() string { return "country" }

func (CountryChecker) Check(_ context.Context, order domain.Order, args map[string]string) (bool, error) {
	if order.ShippingAddress == nil {
		return false, nil
	}
	var allowed []string
	for _, c := range strings.Split(args["countries"], ",") {
		if trimmed := strings.ToUpper(strings.TrimSpace(c)); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	return slices.Contains(allowed, strings.ToUpper(order.ShippingAddress.CountryCode)), nil
}

// FlatRateCalculator charges a fixed price per order.
type FlatRateCalculator struct{}

func (FlatRateCalculator) Code() string { return "flat_rate" }

func (FlatRateCalculator) Calculate(_ context.Context, _ domain.Order, args map[string]string) (Quote, error) {
	return quoteFromArgs(args, 1)
}

// PerItemCalculator charges a price per unit across all lines.
type PerItemCalculator struct{}

func (PerItemCalculator) Code() string { return "per_item" }

func (PerItemCalculator) Calculate(_ context.Context, order domain.Order, args map[string]string) (Quote, error) {
	return quoteFromArgs(args, int64(order.TotalQuantity()))
}

func quoteFromArgs(args map[string]string, multiplier int64) (Quote, error) {
	price, err := int64Arg(args, "price")
	if err != nil {
		return Quote{}, err
	}
	rate := decimal.Zero
	if raw := strings.TrimSpace(args["taxRate"]); raw != "" {
		rate, err = decimal.NewFromString(raw)
		if err != nil {
			return Quote{}, fmt.Errorf("shipping: taxRate: %w", err)
		}
	}
	includes, _ := strconv.ParseBool(strings.TrimSpace(args["includesTax"]))
	return Quote{Price: price * multiplier, PriceIncludesTax: includes, TaxRate: rate}, nil
}

func int64Arg(args map[string]string, key string) (int64, error) {
	raw := strings.TrimSpace(args[key])
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shipping: %s: %w", key, err)
	}
	return v, nil
}
