package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// PromotionCondition decides whether a promotion applies to an order.
type PromotionCondition interface {
	Code() string
	Check(ctx context.Context, order domain.Order, args map[string]string) (bool, error)
}

// PromotionAction produces discounts for an order through a DiscountAdjuster.
type PromotionAction interface {
	Code() string
	Execute(ctx context.Context, adj *DiscountAdjuster, args map[string]string) error
}

// PromotionEngine evaluates promotions against an order. Apply always starts from an order with
// no discounts, so it can be re-run after every mutation.
type PromotionEngine struct {
	conditions map[string]PromotionCondition
	actions    map[string]PromotionAction
	clock      func() time.Time
}

// NewPromotionEngine registers the given conditions and actions. Nil slices select the built-in set.
func NewPromotionEngine(clock func() time.Time, conditions []PromotionCondition, actions []PromotionAction) *PromotionEngine {
	if clock == nil {
		clock = time.Now
	}
	if conditions == nil {
		conditions = DefaultPromotionConditions()
	}
	if actions == nil {
		actions = DefaultPromotionActions()
	}
	engine := &PromotionEngine{
		conditions: make(map[string]PromotionCondition, len(conditions)),
		actions:    make(map[string]PromotionAction, len(actions)),
		clock:      clock,
	}
	for _, c := range conditions {
		engine.conditions[c.Code()] = c
	}
	for _, a := range actions {
		engine.actions[a.Code()] = a
	}
	return engine
}

// PromotionAvailability classifies why a promotion is or is not usable right now.
type PromotionAvailability int

const (
	PromotionAvailable PromotionAvailability = iota
	PromotionDisabled
	PromotionNotStarted
	PromotionExpired
)

// Availability checks the enabled flag and the validity window.
func (e *PromotionEngine) Availability(promo domain.Promotion) PromotionAvailability {
	if !promo.Enabled {
		return PromotionDisabled
	}
	now := e.clock()
	if promo.StartsAt != nil && now.Before(*promo.StartsAt) {
		return PromotionNotStarted
	}
	if promo.EndsAt != nil && !now.Before(*promo.EndsAt) {
		return PromotionExpired
	}
	return PromotionAvailable
}

// ConditionsMet evaluates every condition of the promotion in order.
func (e *PromotionEngine) ConditionsMet(ctx context.Context, order domain.Order, promo domain.Promotion) (bool, error) {
	for _, op := range promo.Conditions {
		cond, ok := e.conditions[op.Code]
		if !ok {
			return false, fmt.Errorf("promotion %s: unknown condition %q", promo.ID, op.Code)
		}
		met, err := cond.Check(ctx, order, op.Args)
		if err != nil {
			return false, fmt.Errorf("promotion %s: condition %s: %w", promo.ID, op.Code, err)
		}
		if !met {
			return false, nil
		}
	}
	return true, nil
}

// Apply clears all discounts on the order and re-applies every eligible promotion. Coupon promotions
// run first in the order their codes were added, followed by automatic promotions by priority.
func (e *PromotionEngine) Apply(ctx context.Context, order *domain.Order, promotions []domain.Promotion) error {
	if order == nil {
		return errors.New("promotion engine: order is required")
	}
	clearDiscounts(order)

	for _, promo := range orderPromotions(order.CouponCodes, promotions) {
		if e.Availability(promo) != PromotionAvailable {
			continue
		}
		met, err := e.ConditionsMet(ctx, *order, promo)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		adj := &DiscountAdjuster{order: order, promotion: promo}
		for _, op := range promo.Actions {
			action, ok := e.actions[op.Code]
			if !ok {
				return fmt.Errorf("promotion %s: unknown action %q", promo.ID, op.Code)
			}
			if err := action.Execute(ctx, adj, op.Args); err != nil {
				return fmt.Errorf("promotion %s: action %s: %w", promo.ID, op.Code, err)
			}
		}
		if adj.applied {
			order.Promotions = append(order.Promotions, domain.AppliedPromotion{
				PromotionID: promo.ID,
				Name:        promo.Name,
				CouponCode:  promo.CouponCode,
			})
		}
	}

	finaliseDiscounts(order)
	return nil
}

func orderPromotions(couponCodes []string, promotions []domain.Promotion) []domain.Promotion {
	byCode := make(map[string]domain.Promotion)
	automatic := make([]domain.Promotion, 0, len(promotions))
	for _, p := range promotions {
		if p.CouponCode == "" {
			automatic = append(automatic, p)
			continue
		}
		byCode[strings.ToLower(p.CouponCode)] = p
	}
	sort.SliceStable(automatic, func(i, j int) bool {
		if automatic[i].Priority != automatic[j].Priority {
			return automatic[i].Priority < automatic[j].Priority
		}
		return automatic[i].ID < automatic[j].ID
	})

	ordered := make([]domain.Promotion, 0, len(couponCodes)+len(automatic))
	for _, code := range couponCodes {
		if p, ok := byCode[strings.ToLower(code)]; ok {
			ordered = append(ordered, p)
		}
	}
	return append(ordered, automatic...)
}

func clearDiscounts(order *domain.Order) {
	order.Discounts = nil
	order.Promotions = nil
	for i := range order.Lines {
		order.Lines[i].Discounts = nil
	}
	for i := range order.ShippingLines {
		order.ShippingLines[i].Discounts = nil
	}
	finaliseDiscounts(order)
}

func finaliseDiscounts(order *domain.Order) {
	for i := range order.Lines {
		line := &order.Lines[i]
		line.DiscountedLinePrice = line.LinePrice
		line.DiscountedLinePriceWithTax = line.LinePriceWithTax
		line.ProratedLinePrice = line.LinePrice
		line.ProratedLinePriceWithTax = line.LinePriceWithTax
		for _, d := range line.Discounts {
			if d.Type == domain.DiscountTypeLine {
				line.DiscountedLinePrice += d.Amount
				line.DiscountedLinePriceWithTax += d.AmountWithTax
			}
			line.ProratedLinePrice += d.Amount
			line.ProratedLinePriceWithTax += d.AmountWithTax
		}
	}
	for i := range order.ShippingLines {
		sl := &order.ShippingLines[i]
		sl.DiscountedPrice = sl.Price
		sl.DiscountedPriceWithTax = sl.PriceWithTax
		for _, d := range sl.Discounts {
			sl.DiscountedPrice += d.Amount
			sl.DiscountedPriceWithTax += d.AmountWithTax
		}
	}
}

// DiscountAdjuster lets actions discount lines, the order or shipping for one promotion. Amounts
// passed in are positive and expressed in the channel basis (tax inclusive when the channel prices
// include tax); the counterpart amount is derived from the current price ratio of the target.
type DiscountAdjuster struct {
	order     *domain.Order
	promotion domain.Promotion
	applied   bool
}

// Order returns a read-only view of the order being discounted.
func (a *DiscountAdjuster) Order() domain.Order {
	return *a.order
}

// LineBasis returns the current price of a line after discounts applied so far.
func (a *DiscountAdjuster) LineBasis(index int) int64 {
	basis, _ := a.linePrices(index)
	return basis
}

// OrderBasis sums LineBasis over every line.
func (a *DiscountAdjuster) OrderBasis() int64 {
	var total int64
	for i := range a.order.Lines {
		total += a.LineBasis(i)
	}
	return total
}

// ShippingBasis returns the current price of a shipping line after discounts applied so far.
func (a *DiscountAdjuster) ShippingBasis(index int) int64 {
	basis, _ := a.shippingPrices(index)
	return basis
}

// DiscountLine reduces a single line by amount, capped at the line's current price.
func (a *DiscountAdjuster) DiscountLine(index int, amount int64, description string) {
	if index < 0 || index >= len(a.order.Lines) || amount <= 0 {
		return
	}
	basis, other := a.linePrices(index)
	amount = min(amount, basis)
	if amount <= 0 {
		return
	}
	a.order.Lines[index].Discounts = append(a.order.Lines[index].Discounts,
		a.discount(domain.DiscountTypeLine, amount, scaleAmount(amount, other, basis), description))
	a.applied = true
}

// DiscountOrder apportions amount across lines weighted by their current price.
func (a *DiscountAdjuster) DiscountOrder(amount int64, description string) {
	if amount <= 0 || len(a.order.Lines) == 0 {
		return
	}
	weights := make([]int64, len(a.order.Lines))
	others := make([]int64, len(a.order.Lines))
	var total int64
	for i := range a.order.Lines {
		weights[i], others[i] = a.linePrices(i)
		total += weights[i]
	}
	amount = min(amount, total)
	if amount <= 0 {
		return
	}
	var sum, sumOther int64
	for i, share := range prorate(amount, weights) {
		if share == 0 {
			continue
		}
		otherShare := scaleAmount(share, others[i], weights[i])
		a.order.Lines[i].Discounts = append(a.order.Lines[i].Discounts,
			a.discount(domain.DiscountTypeOrder, share, otherShare, description))
		sum += share
		sumOther += otherShare
	}
	a.order.Discounts = append(a.order.Discounts, a.discount(domain.DiscountTypeOrder, sum, sumOther, description))
	a.applied = true
}

// DiscountShipping reduces a shipping line by amount, capped at its current price.
func (a *DiscountAdjuster) DiscountShipping(index int, amount int64, description string) {
	if index < 0 || index >= len(a.order.ShippingLines) || amount <= 0 {
		return
	}
	basis, other := a.shippingPrices(index)
	amount = min(amount, basis)
	if amount <= 0 {
		return
	}
	d := a.discount(domain.DiscountTypeShipping, amount, scaleAmount(amount, other, basis), description)
	a.order.ShippingLines[index].Discounts = append(a.order.ShippingLines[index].Discounts, d)
	a.order.Discounts = append(a.order.Discounts, d)
	a.applied = true
}

func (a *DiscountAdjuster) discount(kind domain.DiscountType, basisAmount, otherAmount int64, description string) domain.Discount {
	if description == "" {
		description = a.promotion.Name
	}
	d := domain.Discount{
		PromotionID: a.promotion.ID,
		Description: description,
		Type:        kind,
	}
	if a.order.PricesIncludeTax {
		d.AmountWithTax, d.Amount = -basisAmount, -otherAmount
	} else {
		d.Amount, d.AmountWithTax = -basisAmount, -otherAmount
	}
	return d
}

// linePrices returns (basis, counterpart) for the current discounted line price.
func (a *DiscountAdjuster) linePrices(index int) (int64, int64) {
	line := a.order.Lines[index]
	net, gross := line.LinePrice, line.LinePriceWithTax
	for _, d := range line.Discounts {
		net += d.Amount
		gross += d.AmountWithTax
	}
	if a.order.PricesIncludeTax {
		return gross, net
	}
	return net, gross
}

func (a *DiscountAdjuster) shippingPrices(index int) (int64, int64) {
	sl := a.order.ShippingLines[index]
	net, gross := sl.Price, sl.PriceWithTax
	for _, d := range sl.Discounts {
		net += d.Amount
		gross += d.AmountWithTax
	}
	if a.order.PricesIncludeTax {
		return gross, net
	}
	return net, gross
}
