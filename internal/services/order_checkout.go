package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

func (s *orderService) SetCustomerForOrder(ctx context.Context, rc RequestContext, orderID string, input CustomerInput) (OrderResult, error) {
	if s.guest == nil {
		return OrderResult{}, errors.New("order service: guest checkout strategy not configured")
	}
	input = s.sanitizeCustomer(input)
	return s.mutate(ctx, rc, "set_customer", orderID, func(ctx context.Context, m *mutation) error {
		if rc.Authenticated() {
			m.fail(newOrderError(ErrorCodeAlreadyLoggedIn, "Cannot set a Customer for the Order when already logged in"))
			return nil
		}
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		customer, orderErr, err := s.guest.SetCustomerForOrder(ctx, rc, m.order, input)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if orderErr != nil {
			m.fail(orderErr)
			return nil
		}
		m.order.CustomerID = customer.ID
		m.order.Customer = &customer
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) SetCustomerForDraftOrder(ctx context.Context, rc RequestContext, orderID string, input DraftCustomerInput) (OrderResult, error) {
	if s.customers == nil {
		return OrderResult{}, errors.New("order service: customer repository not configured")
	}
	if strings.TrimSpace(input.CustomerID) == "" && input.Customer == nil {
		return OrderResult{}, fmt.Errorf("%w: customer id or customer details are required", ErrOrderInvalidInput)
	}
	return s.mutate(ctx, rc, "set_draft_customer", orderID, func(ctx context.Context, m *mutation) error {
		if m.order.State != domain.OrderStateDraft {
			m.fail(orderModificationError())
			return nil
		}
		customer, err := s.draftCustomer(ctx, input)
		if err != nil {
			return err
		}
		m.order.CustomerID = customer.ID
		m.order.Customer = &customer
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) draftCustomer(ctx context.Context, input DraftCustomerInput) (domain.Customer, error) {
	if id := strings.TrimSpace(input.CustomerID); id != "" {
		customer, err := s.customers.FindByID(ctx, id)
		if err != nil {
			if repositories.IsNotFound(err) {
				return domain.Customer{}, fmt.Errorf("%w: customer %s not found", ErrOrderInvalidInput, id)
			}
			return domain.Customer{}, err
		}
		return customer, nil
	}
	details := s.sanitizeCustomer(*input.Customer)
	email, err := normalizeEmail(details.Email)
	if err != nil {
		return domain.Customer{}, err
	}
	existing, err := s.customers.FindByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !repositories.IsNotFound(err) {
		return domain.Customer{}, err
	}
	now := s.now()
	customer := domain.Customer{
		ID:        s.nextID(customerIDPrefix),
		Email:     email,
		FirstName: details.FirstName,
		LastName:  details.LastName,
		Phone:     details.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.customers.Insert(ctx, customer); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

func (s *orderService) sanitizeCustomer(input CustomerInput) CustomerInput {
	return CustomerInput{
		Email:     strings.TrimSpace(input.Email),
		FirstName: s.sanitize(input.FirstName),
		LastName:  s.sanitize(input.LastName),
		Phone:     s.sanitize(input.Phone),
	}
}

func (s *orderService) SetOrderShippingAddress(ctx context.Context, rc RequestContext, orderID string, address domain.Address) (OrderResult, error) {
	normalized, err := s.normalizeAddress(address)
	if err != nil {
		return OrderResult{}, err
	}
	return s.mutate(ctx, rc, "set_shipping_address", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		m.order.ShippingAddress = cloneAddress(&normalized)
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) SetOrderBillingAddress(ctx context.Context, rc RequestContext, orderID string, address domain.Address) (OrderResult, error) {
	normalized, err := s.normalizeAddress(address)
	if err != nil {
		return OrderResult{}, err
	}
	return s.mutate(ctx, rc, "set_billing_address", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		m.order.BillingAddress = cloneAddress(&normalized)
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) normalizeAddress(addr domain.Address) (domain.Address, error) {
	out := domain.Address{
		FullName:    s.sanitize(addr.FullName),
		Company:     s.sanitize(addr.Company),
		StreetLine1: s.sanitize(addr.StreetLine1),
		StreetLine2: s.sanitize(addr.StreetLine2),
		City:        s.sanitize(addr.City),
		Province:    s.sanitize(addr.Province),
		PostalCode:  s.sanitize(addr.PostalCode),
		Phone:       s.sanitize(addr.Phone),
	}
	if country := strings.TrimSpace(addr.CountryCode); country != "" {
		region, err := language.ParseRegion(country)
		if err != nil || !region.IsCountry() {
			return domain.Address{}, fmt.Errorf("%w: unknown country code %q", ErrOrderInvalidInput, country)
		}
		out.CountryCode = region.String()
	}
	return out, nil
}

func (s *orderService) SetOrderShippingMethod(ctx context.Context, rc RequestContext, orderID string, methodIDs []string) (OrderResult, error) {
	ids := make([]string, 0, len(methodIDs))
	for _, id := range methodIDs {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return OrderResult{}, fmt.Errorf("%w: at least one shipping method is required", ErrOrderInvalidInput)
	}
	if s.methods == nil {
		return OrderResult{}, errors.New("order service: shipping method repository not configured")
	}
	return s.mutate(ctx, rc, "set_shipping_method", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		lines := make([]domain.ShippingLine, 0, len(ids))
		for _, id := range ids {
			method, err := s.methods.FindByID(ctx, id)
			if err != nil && !repositories.IsNotFound(err) {
				return err
			}
			eligible := err == nil && method.Enabled
			if eligible {
				eligible, err = s.shipping.Eligible(ctx, method, m.order)
				if err != nil {
					return err
				}
			}
			if !eligible {
				m.fail(newOrderError(ErrorCodeIneligibleShippingMethod, "This Order is not eligible for the selected ShippingMethod"))
				return nil
			}
			line := domain.ShippingLine{ID: s.nextID(shippingLineIDPrefix), ShippingMethodID: method.ID}
			for _, existing := range m.order.ShippingLines {
				if existing.ShippingMethodID == method.ID {
					line.ID = existing.ID
				}
			}
			lines = append(lines, line)
		}
		m.order.ShippingLines = lines
		return s.recalculate(ctx, m)
	})
}

func (s *orderService) ApplyCouponCode(ctx context.Context, rc RequestContext, orderID, code string) (OrderResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return OrderResult{}, fmt.Errorf("%w: coupon code is required", ErrOrderInvalidInput)
	}
	if s.promotions == nil {
		return OrderResult{}, errors.New("order service: promotion repository not configured")
	}
	return s.mutate(ctx, rc, "apply_coupon", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		if containsFold(m.order.CouponCodes, code) {
			return s.recalculate(ctx, m)
		}
		promo, orderErr, err := s.validateCoupon(ctx, m.order, code)
		if err != nil {
			return err
		}
		if orderErr != nil {
			m.fail(orderErr)
			return nil
		}
		m.order.CouponCodes = append(m.order.CouponCodes, promo.CouponCode)
		if err := s.recalculate(ctx, m); err != nil {
			return err
		}
		m.emit(OrderEvent{
			Type:         orderEventCouponApplied,
			OrderID:      m.order.ID,
			OrderCode:    m.order.Code,
			CurrentState: string(m.order.State),
			ActorID:      actorID(rc),
			OccurredAt:   s.now(),
			Metadata:     map[string]any{"couponCode": promo.CouponCode, "promotionId": promo.ID},
		})
		return nil
	})
}

func (s *orderService) validateCoupon(ctx context.Context, order domain.Order, code string) (domain.Promotion, *OrderError, error) {
	invalid := &OrderError{
		Code:       ErrorCodeCouponCodeInvalid,
		Message:    fmt.Sprintf("Coupon code %q is not valid", code),
		CouponCode: code,
	}
	promo, err := s.promotions.FindByCouponCode(ctx, code)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Promotion{}, invalid, nil
		}
		return domain.Promotion{}, nil, err
	}
	switch s.engine.Availability(promo) {
	case PromotionDisabled, PromotionNotStarted:
		return domain.Promotion{}, invalid, nil
	case PromotionExpired:
		return domain.Promotion{}, &OrderError{
			Code:       ErrorCodeCouponCodeExpired,
			Message:    fmt.Sprintf("Coupon code %q has expired", code),
			CouponCode: code,
		}, nil
	}
	limitErr := &OrderError{
		Code:       ErrorCodeCouponCodeLimit,
		Message:    fmt.Sprintf("Coupon code %q has been used the maximum number of times", code),
		CouponCode: code,
	}
	if promo.UsageLimit > 0 && promo.UsageCount >= promo.UsageLimit {
		return domain.Promotion{}, limitErr, nil
	}
	if promo.PerCustomerUsageLimit > 0 && order.CustomerID != "" {
		used, err := s.promotions.CountUsage(ctx, promo.ID, order.CustomerID)
		if err != nil {
			return domain.Promotion{}, nil, err
		}
		if used >= promo.PerCustomerUsageLimit {
			return domain.Promotion{}, limitErr, nil
		}
	}
	met, err := s.engine.ConditionsMet(ctx, order, promo)
	if err != nil {
		return domain.Promotion{}, nil, err
	}
	if !met {
		return domain.Promotion{}, invalid, nil
	}
	return promo, nil, nil
}

func (s *orderService) RemoveCouponCode(ctx context.Context, rc RequestContext, orderID, code string) (OrderResult, error) {
	code = strings.TrimSpace(code)
	return s.mutate(ctx, rc, "remove_coupon", orderID, func(ctx context.Context, m *mutation) error {
		if !s.modifiable(m.order) {
			m.fail(orderModificationError())
			return nil
		}
		before := len(m.order.CouponCodes)
		m.order.CouponCodes = slices.DeleteFunc(m.order.CouponCodes, func(c string) bool {
			return strings.EqualFold(c, code)
		})
		if err := s.recalculate(ctx, m); err != nil {
			return err
		}
		if len(m.order.CouponCodes) != before {
			m.emit(OrderEvent{
				Type:         orderEventCouponRemoved,
				OrderID:      m.order.ID,
				OrderCode:    m.order.Code,
				CurrentState: string(m.order.State),
				ActorID:      actorID(rc),
				OccurredAt:   s.now(),
				Metadata:     map[string]any{"couponCode": code},
			})
		}
		return nil
	})
}

func (s *orderService) TransitionOrderToState(ctx context.Context, rc RequestContext, orderID string, state domain.OrderState) (OrderResult, error) {
	return s.mutate(ctx, rc, "transition", orderID, func(ctx context.Context, m *mutation) error {
		_, err := s.transition(ctx, m, state)
		return err
	})
}

func (s *orderService) CancelOrder(ctx context.Context, rc RequestContext, orderID, reason string) (OrderResult, error) {
	reason = s.sanitize(reason)
	return s.mutate(ctx, rc, "cancel", orderID, func(ctx context.Context, m *mutation) error {
		ok, err := s.transition(ctx, m, domain.OrderStateCancelled)
		if err != nil || !ok {
			return err
		}
		now := s.now()
		for i := range m.order.Payments {
			p := &m.order.Payments[i]
			if p.State == domain.PaymentStateCreated || p.State == domain.PaymentStateAuthorized {
				p.State = domain.PaymentStateCancelled
				p.UpdatedAt = now
			}
		}
		if reason != "" {
			m.order.CustomFields = ensureMap(cloneMap(m.order.CustomFields))
			m.order.CustomFields["cancellationReason"] = reason
			m.events[len(m.events)-1].Metadata = map[string]any{"reason": reason}
		}
		return nil
	})
}

func containsFold(values []string, target string) bool {
	return slices.ContainsFunc(values, func(v string) bool { return strings.EqualFold(v, target) })
}
