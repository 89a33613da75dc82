package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
)

func (s *orderService) AddPaymentToOrder(ctx context.Context, rc RequestContext, orderID string, input PaymentInput) (OrderResult, error) {
	method := strings.TrimSpace(input.Method)
	if method == "" {
		return OrderResult{}, fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	defer unlock()

	order, err := s.loadLocked(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	if order.State != domain.OrderStateArrangingPayment {
		return s.rejectPayment(ctx, newOrderError(ErrorCodeOrderPaymentState,
			"A Payment may only be added when Order is in \"ArrangingPayment\" state")), nil
	}
	handler, err := s.payments.Lookup(method)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedMethod) {
			return s.rejectPayment(ctx, newOrderError(ErrorCodeIneligiblePaymentMethod,
				fmt.Sprintf("The payment method %q is not eligible for this Order", method))), nil
		}
		return OrderResult{}, err
	}
	amount := order.TotalWithTax - coveredAmount(order, domain.PaymentStateAuthorized, domain.PaymentStateSettled)
	if amount <= 0 {
		return s.rejectPayment(ctx, newOrderError(ErrorCodeOrderPaymentState, "The Order is already covered by existing Payments")), nil
	}

	res, callErr := callCreatePayment(ctx, handler, payments.CreatePaymentRequest{
		Order:    order,
		Amount:   amount,
		Args:     cloneMap(input.Args),
		Metadata: cloneMap(input.Metadata),
	})
	if callErr != nil {
		s.logger(ctx, "order.payment.handler.failed", map[string]any{
			"order":  order.ID,
			"method": handler.Code(),
			"error":  callErr.Error(),
		})
		res = payments.CreatePaymentResult{State: domain.PaymentStateError, ErrorMessage: callErr.Error()}
	}
	if res.Amount <= 0 {
		res.Amount = amount
	}

	return s.mutateLocked(ctx, rc, "add_payment", orderID, func(ctx context.Context, m *mutation) error {
		now := s.now()
		payment := domain.Payment{
			ID:              s.nextID(paymentIDPrefix),
			Method:          handler.Code(),
			Amount:          res.Amount,
			State:           res.State,
			TransactionID:   res.TransactionID,
			ErrorMessage:    res.ErrorMessage,
			Metadata:        mergeMaps(input.Metadata, res.Metadata),
			PrivateMetadata: cloneMap(res.PrivateMetadata),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		m.order.Payments = append(m.order.Payments, payment)
		m.save = true
		m.emit(OrderEvent{
			Type:         orderEventPaymentAdded,
			OrderID:      m.order.ID,
			OrderCode:    m.order.Code,
			CurrentState: string(m.order.State),
			ActorID:      actorID(rc),
			OccurredAt:   now,
			Metadata: map[string]any{
				"paymentId": payment.ID,
				"method":    payment.Method,
				"amount":    payment.Amount,
				"state":     string(payment.State),
			},
		})

		switch payment.State {
		case domain.PaymentStateDeclined:
			m.fail(&OrderError{Code: ErrorCodePaymentDeclined, Message: "The payment was declined", PaymentMessage: payment.ErrorMessage})
			return nil
		case domain.PaymentStateError, domain.PaymentStateCancelled:
			m.fail(&OrderError{Code: ErrorCodePaymentFailed, Message: "The payment failed", PaymentMessage: payment.ErrorMessage})
			return nil
		}
		if m.order.State != domain.OrderStateArrangingPayment {
			return nil
		}
		_, err := s.advanceForPayments(ctx, m)
		return err
	})
}

func (s *orderService) rejectPayment(ctx context.Context, orderErr *OrderError) OrderResult {
	s.metrics.RecordOrderError(ctx, "add_payment", string(orderErr.Code))
	return OrderResult{Error: orderErr}
}

// advanceForPayments moves the order to PaymentSettled or PaymentAuthorized once payments cover the total.
func (s *orderService) advanceForPayments(ctx context.Context, m *mutation) (bool, error) {
	total := m.order.TotalWithTax
	switch {
	case coveredAmount(m.order, domain.PaymentStateSettled) >= total &&
		s.fsm.CanTransition(m.order, domain.OrderStatePaymentSettled):
		return s.transition(ctx, m, domain.OrderStatePaymentSettled)
	case coveredAmount(m.order, domain.PaymentStateAuthorized, domain.PaymentStateSettled) >= total &&
		s.fsm.CanTransition(m.order, domain.OrderStatePaymentAuthorized):
		return s.transition(ctx, m, domain.OrderStatePaymentAuthorized)
	}
	return false, nil
}

func (s *orderService) SettlePayment(ctx context.Context, rc RequestContext, orderID, paymentID string) (OrderResult, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	defer unlock()

	order, err := s.loadLocked(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	idx := paymentIndex(order, paymentID)
	if idx < 0 {
		return OrderResult{}, fmt.Errorf("%w: order %s has no payment %s", ErrPaymentNotFound, order.ID, paymentID)
	}
	payment := order.Payments[idx]
	if payment.State != domain.PaymentStateAuthorized {
		return s.rejectSettle(ctx, fmt.Sprintf("Payment %s is %s and cannot be settled", payment.ID, payment.State)), nil
	}
	handler, err := s.payments.Lookup(payment.Method)
	if err != nil {
		return OrderResult{}, err
	}
	if checker, ok := handler.(payments.TransitionChecker); ok {
		reason, err := checker.OnStateTransitionStart(ctx, order, payment, domain.PaymentStateSettled)
		if err != nil {
			return OrderResult{}, err
		}
		if reason != "" {
			return s.rejectSettle(ctx, reason), nil
		}
	}
	res, callErr := callSettlePayment(ctx, handler, order, payment)
	if callErr != nil {
		res = payments.SettlePaymentResult{ErrorMessage: callErr.Error()}
	}
	if !res.Success {
		orderErr := newOrderError(ErrorCodeSettlePayment, "The payment could not be settled")
		orderErr.PaymentMessage = res.ErrorMessage
		s.metrics.RecordOrderError(ctx, "settle_payment", string(orderErr.Code))
		return OrderResult{Order: order, Error: orderErr}, nil
	}

	return s.mutateLocked(ctx, rc, "settle_payment", orderID, func(ctx context.Context, m *mutation) error {
		i := paymentIndex(m.order, paymentID)
		if i < 0 {
			return fmt.Errorf("%w: order %s has no payment %s", ErrPaymentNotFound, m.order.ID, paymentID)
		}
		p := &m.order.Payments[i]
		p.State = domain.PaymentStateSettled
		p.Metadata = mergeMaps(p.Metadata, res.Metadata)
		p.UpdatedAt = s.now()
		m.save = true
		if m.order.State == domain.OrderStatePaymentAuthorized || m.order.State == domain.OrderStateArrangingPayment {
			_, err := s.advanceForPayments(ctx, m)
			return err
		}
		return nil
	})
}

func (s *orderService) rejectSettle(ctx context.Context, message string) OrderResult {
	s.metrics.RecordOrderError(ctx, "settle_payment", string(ErrorCodeSettlePayment))
	return OrderResult{Error: &OrderError{Code: ErrorCodeSettlePayment, Message: "The payment could not be settled", PaymentMessage: message}}
}

func (s *orderService) RefundPayment(ctx context.Context, rc RequestContext, orderID string, input RefundInput) (OrderResult, error) {
	unlock, err := s.lock(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	defer unlock()

	order, err := s.loadLocked(ctx, orderID)
	if err != nil {
		return OrderResult{}, err
	}
	idx := paymentIndex(order, input.PaymentID)
	if idx < 0 {
		return OrderResult{}, fmt.Errorf("%w: order %s has no payment %s", ErrPaymentNotFound, order.ID, input.PaymentID)
	}
	payment := order.Payments[idx]
	reject := func(message string) (OrderResult, error) {
		s.metrics.RecordOrderError(ctx, "refund_payment", string(ErrorCodeRefund))
		return OrderResult{Error: newOrderError(ErrorCodeRefund, message)}, nil
	}
	if payment.State != domain.PaymentStateSettled {
		return reject(fmt.Sprintf("Payment %s is %s and cannot be refunded", payment.ID, payment.State))
	}
	if input.Amount <= 0 || input.Amount > payment.Amount-payment.RefundedAmount() {
		return reject("The refund amount must be positive and may not exceed the unrefunded payment amount")
	}
	handler, err := s.payments.Lookup(payment.Method)
	if err != nil {
		return OrderResult{}, err
	}
	refunder, ok := handler.(payments.Refunder)
	if !ok {
		return reject(fmt.Sprintf("The payment method %q does not support refunds", payment.Method))
	}
	reason := s.sanitize(input.Reason)
	res, callErr := callCreateRefund(ctx, refunder, order, payment, input.Amount, reason)
	if callErr != nil {
		res = payments.RefundResult{State: domain.RefundStateFailed, ErrorMessage: callErr.Error()}
	}

	return s.mutateLocked(ctx, rc, "refund_payment", orderID, func(ctx context.Context, m *mutation) error {
		i := paymentIndex(m.order, input.PaymentID)
		if i < 0 {
			return fmt.Errorf("%w: order %s has no payment %s", ErrPaymentNotFound, m.order.ID, input.PaymentID)
		}
		now := s.now()
		refund := domain.Refund{
			ID:            s.nextID(refundIDPrefix),
			Amount:        input.Amount,
			Reason:        reason,
			State:         res.State,
			TransactionID: res.TransactionID,
			Metadata:      cloneMap(res.Metadata),
			CreatedAt:     now,
		}
		p := &m.order.Payments[i]
		p.Refunds = append(p.Refunds, refund)
		p.UpdatedAt = now
		m.save = true
		if refund.State == domain.RefundStateFailed {
			m.fail(&OrderError{Code: ErrorCodeRefund, Message: "The refund failed", PaymentMessage: res.ErrorMessage})
			return nil
		}
		m.emit(OrderEvent{
			Type:         orderEventPaymentRefunded,
			OrderID:      m.order.ID,
			OrderCode:    m.order.Code,
			CurrentState: string(m.order.State),
			ActorID:      actorID(rc),
			OccurredAt:   now,
			Metadata:     map[string]any{"paymentId": p.ID, "refundId": refund.ID, "amount": refund.Amount},
		})
		return nil
	})
}

func paymentIndex(order domain.Order, paymentID string) int {
	return slices.IndexFunc(order.Payments, func(p domain.Payment) bool { return p.ID == paymentID })
}

func callCreatePayment(ctx context.Context, h payments.Handler, req payments.CreatePaymentRequest) (res payments.CreatePaymentResult, err error) {
	defer recoverHandler(&err, "payment handler "+h.Code())
	return h.CreatePayment(ctx, req)
}

func callSettlePayment(ctx context.Context, h payments.Handler, order domain.Order, payment domain.Payment) (res payments.SettlePaymentResult, err error) {
	defer recoverHandler(&err, "payment handler "+h.Code())
	return h.SettlePayment(ctx, order, payment)
}

func callCreateRefund(ctx context.Context, r payments.Refunder, order domain.Order, payment domain.Payment, amount int64, reason string) (res payments.RefundResult, err error) {
	defer recoverHandler(&err, "refund handler "+payment.Method)
	return r.CreateRefund(ctx, order, payment, amount, reason)
}

func recoverHandler(err *error, name string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", name, r)
	}
}
