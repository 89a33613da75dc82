package services

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
)

// DefaultPromotionConditions returns the built-in promotion conditions.
func DefaultPromotionConditions() []PromotionCondition {
	return []PromotionCondition{
		minimumOrderAmountCondition{},
		containsProductsCondition{},
		customerGroupCondition{},
	}
}

// DefaultPromotionActions returns the built-in promotion actions.
func DefaultPromotionActions() []PromotionAction {
	return []PromotionAction{
		orderPercentageDiscountAction{},
		orderFixedDiscountAction{},
		productPercentageDiscountAction{},
		freeShippingAction{},
	}
}

type minimumOrderAmountCondition struct{}

func (minimumOrderAmountCondition) Code() string { return "minimum_order_amount" }

func (minimumOrderAmountCondition) Check(_ context.Context, order domain.Order, args map[string]string) (bool, error) {
	amount, err := intArg(args, "amount", 0)
	if err != nil {
		return false, err
	}
	taxInclusive := boolArg(args, "taxInclusive")
	var subtotal int64
	for _, line := range order.Lines {
		if taxInclusive {
			subtotal += line.LinePriceWithTax
		} else {
			subtotal += line.LinePrice
		}
	}
	return subtotal >= amount, nil
}

type containsProductsCondition struct{}

func (containsProductsCondition) Code() string { return "contains_products" }

func (containsProductsCondition) Check(_ context.Context, order domain.Order, args map[string]string) (bool, error) {
	minimum, err := intArg(args, "minimum", 1)
	if err != nil {
		return false, err
	}
	ids := listArg(args, "productVariantIds")
	var qty int64
	for _, line := range order.Lines {
		if slices.Contains(ids, line.ProductVariantID) {
			qty += int64(line.Quantity)
		}
	}
	return qty >= minimum, nil
}

type customerGroupCondition struct{}

func (customerGroupCondition) Code() string { return "customer_group" }

func (customerGroupCondition) Check(_ context.Context, order domain.Order, args map[string]string) (bool, error) {
	group := strings.TrimSpace(args["customerGroupId"])
	if group == "" {
		return false, fmt.Errorf("customerGroupId is required")
	}
	if order.Customer == nil {
		return false, nil
	}
	return slices.Contains(order.Customer.GroupIDs, group), nil
}

type orderPercentageDiscountAction struct{}

func (orderPercentageDiscountAction) Code() string { return "order_percentage_discount" }

func (orderPercentageDiscountAction) Execute(_ context.Context, adj *DiscountAdjuster, args map[string]string) error {
	pct, err := percentArg(args, "discount")
	if err != nil {
		return err
	}
	adj.DiscountOrder(percentOf(adj.OrderBasis(), pct), "")
	return nil
}

type orderFixedDiscountAction struct{}

func (orderFixedDiscountAction) Code() string { return "order_fixed_discount" }

func (orderFixedDiscountAction) Execute(_ context.Context, adj *DiscountAdjuster, args map[string]string) error {
	amount, err := intArg(args, "amount", 0)
	if err != nil {
		return err
	}
	adj.DiscountOrder(amount, "")
	return nil
}

type productPercentageDiscountAction struct{}

func (productPercentageDiscountAction) Code() string { return "product_percentage_discount" }

func (productPercentageDiscountAction) Execute(_ context.Context, adj *DiscountAdjuster, args map[string]string) error {
	pct, err := percentArg(args, "discount")
	if err != nil {
		return err
	}
	ids := listArg(args, "productVariantIds")
	for i, line := range adj.Order().Lines {
		if slices.Contains(ids, line.ProductVariantID) {
			adj.DiscountLine(i, percentOf(adj.LineBasis(i), pct), "")
		}
	}
	return nil
}

type freeShippingAction struct{}

func (freeShippingAction) Code() string { return "free_shipping" }

func (freeShippingAction) Execute(_ context.Context, adj *DiscountAdjuster, _ map[string]string) error {
	for i := range adj.Order().ShippingLines {
		adj.DiscountShipping(i, adj.ShippingBasis(i), "")
	}
	return nil
}

func intArg(args map[string]string, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(args[key])
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return v, nil
}

func boolArg(args map[string]string, key string) bool {
	v, _ := strconv.ParseBool(strings.TrimSpace(args[key]))
	return v
}

func percentArg(args map[string]string, key string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(args[key]))
	if err != nil {
		return decimal.Zero, fmt.Errorf("argument %s: %w", key, err)
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return decimal.Zero, fmt.Errorf("argument %s: %s is outside 0..100", key, pct)
	}
	return pct, nil
}

func listArg(args map[string]string, key string) []string {
	var out []string
	for _, part := range strings.Split(args[key], ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
