package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

func (s *orderService) AddItemToOrder(ctx context.Context, rc RequestContext, orderID string, input AddItemInput) (OrderResult, error) {
	variantID := strings.TrimSpace(input.ProductVariantID)
	if variantID == "" {
		return OrderResult{}, fmt.Errorf("%w: product variant id is required", ErrOrderInvalidInput)
	}
	return s.mutate(ctx, rc, "add_item", orderID, func(ctx context.Context, m *mutation) error {
		if input.Quantity <= 0 {
			m.fail(negativeQuantityError())
			return nil
		}
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		variant, err := s.availableVariant(ctx, variantID)
		if err != nil {
			return err
		}
		fields := s.sanitizeFields(input.CustomFields)

		idx := -1
		for i, line := range m.order.Lines {
			if line.ProductVariantID == variantID && customFieldsEqual(line.CustomFields, fields) {
				idx = i
				break
			}
		}
		existing := 0
		if idx >= 0 {
			existing = m.order.Lines[idx].Quantity
		}
		if limit := s.cfg.OrderItemsLimit; limit > 0 && m.order.TotalQuantity()+input.Quantity > limit {
			m.fail(orderLimitError(limit))
			return nil
		}
		if limit := s.cfg.OrderLineItemsLimit; limit > 0 && existing+input.Quantity > limit {
			m.fail(orderLimitError(limit))
			return nil
		}

		added := input.Quantity
		available, tracked, err := s.availableForLine(ctx, m.order, variant, idx)
		if err != nil {
			return err
		}
		if tracked && existing+added > available {
			added = max(available-existing, 0)
			m.fail(insufficientStockError(added))
			if added == 0 {
				return nil
			}
		}

		now := s.now()
		if idx >= 0 {
			m.order.Lines[idx].Quantity += added
			m.order.Lines[idx].UpdatedAt = now
		} else {
			m.order.Lines = append(m.order.Lines, domain.OrderLine{
				ID:               s.nextID(orderLineIDPrefix),
				ProductVariantID: variant.ID,
				TaxCategoryID:    variant.TaxCategoryID,
				Quantity:         added,
				CustomFields:     fields,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
		}
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) AdjustOrderLine(ctx context.Context, rc RequestContext, orderID string, input AdjustLineInput) (OrderResult, error) {
	return s.mutate(ctx, rc, "adjust_line", orderID, func(ctx context.Context, m *mutation) error {
		if input.Quantity < 0 {
			m.fail(negativeQuantityError())
			return nil
		}
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		idx := m.order.LineIndex(input.OrderLineID)
		if idx < 0 {
			return fmt.Errorf("%w: order %s has no line %s", ErrOrderLineNotFound, m.order.ID, input.OrderLineID)
		}
		if input.Quantity == 0 {
			m.order.Lines = slices.Delete(m.order.Lines, idx, idx+1)
			return s.recalculate(ctx, m)
		}
		if limit := s.cfg.OrderItemsLimit; limit > 0 && m.order.TotalQuantity()-m.order.Lines[idx].Quantity+input.Quantity > limit {
			m.fail(orderLimitError(limit))
			return nil
		}
		if limit := s.cfg.OrderLineItemsLimit; limit > 0 && input.Quantity > limit {
			m.fail(orderLimitError(limit))
			return nil
		}

		line := &m.order.Lines[idx]
		variant, err := s.availableVariant(ctx, line.ProductVariantID)
		if err != nil {
			return err
		}
		quantity := input.Quantity
		available, tracked, err := s.availableForLine(ctx, m.order, variant, idx)
		if err != nil {
			return err
		}
		if tracked && quantity > available {
			quantity = max(available, 0)
			m.fail(insufficientStockError(quantity))
			if quantity == 0 {
				return nil
			}
		}
		line.Quantity = quantity
		if input.CustomFields != nil {
			line.CustomFields = s.sanitizeFields(input.CustomFields)
		}
		line.UpdatedAt = s.now()
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) RemoveOrderLine(ctx context.Context, rc RequestContext, orderID, lineID string) (OrderResult, error) {
	return s.mutate(ctx, rc, "remove_line", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		idx := m.order.LineIndex(lineID)
		if idx < 0 {
			return fmt.Errorf("%w: order %s has no line %s", ErrOrderLineNotFound, m.order.ID, lineID)
		}
		m.order.Lines = slices.Delete(m.order.Lines, idx, idx+1)
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) RemoveAllOrderLines(ctx context.Context, rc RequestContext, orderID string) (OrderResult, error) {
	return s.mutate(ctx, rc, "remove_all_lines", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		m.order.Lines = nil
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) AddSurchargeToOrder(ctx context.Context, rc RequestContext, orderID string, input SurchargeInput) (OrderResult, error) {
	description := s.sanitize(input.Description)
	if description == "" {
		return OrderResult{}, fmt.Errorf("%w: surcharge description is required", ErrOrderInvalidInput)
	}
	if input.TaxRate.IsNegative() {
		return OrderResult{}, fmt.Errorf("%w: surcharge tax rate must not be negative", ErrOrderInvalidInput)
	}
	return s.mutate(ctx, rc, "add_surcharge", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		m.order.Surcharges = append(m.order.Surcharges, domain.Surcharge{
			ID:                   s.nextID(surchargeIDPrefix),
			Description:          description,
			SKU:                  s.sanitize(input.SKU),
			ListPrice:            input.ListPrice,
			ListPriceIncludesTax: input.ListPriceIncludesTax,
			TaxRate:              input.TaxRate,
			CreatedAt:            s.now(),
		})
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) RemoveSurchargeFromOrder(ctx context.Context, rc RequestContext, orderID, surchargeID string) (OrderResult, error) {
	return s.mutate(ctx, rc, "remove_surcharge", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		idx := slices.IndexFunc(m.order.Surcharges, func(sc domain.Surcharge) bool { return sc.ID == surchargeID })
		if idx < 0 {
			return fmt.Errorf("%w: order %s has no surcharge %s", ErrOrderInvalidInput, m.order.ID, surchargeID)
		}
		m.order.Surcharges = slices.Delete(m.order.Surcharges, idx, idx+1)
		return s.recalculate(ctx, m)
	})
}

// availableVariant loads a variant that may be added to an order. Missing, disabled and deleted
// variants produce the same error.
func (s *orderService) availableVariant(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	variant, err := s.variants.FindByID(ctx, variantID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.ProductVariant{}, fmt.Errorf("%w: %s", ErrProductVariantNotFound, variantID)
		}
		return domain.ProductVariant{}, err
	}
	if !variant.Available() {
		return domain.ProductVariant{}, fmt.Errorf("%w: %s", ErrProductVariantNotFound, variantID)
	}
	return variant, nil
}

// availableForLine returns the saleable quantity of the variant that the line at skip may hold,
// after the other lines of the same variant take their share.
func (s *orderService) availableForLine(ctx context.Context, order domain.Order, variant domain.ProductVariant, skip int) (int, bool, error) {
	if s.stock == nil {
		return 0, false, nil
	}
	saleable, tracked, err := s.stock.Saleable(ctx, variant)
	if err != nil || !tracked {
		return 0, tracked, err
	}
	for i, line := range order.Lines {
		if i != skip && line.ProductVariantID == variant.ID {
			saleable -= line.Quantity
		}
	}
	return max(saleable, 0), true, nil
}
