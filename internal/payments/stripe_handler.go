package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/hanko-field/orders/internal/domain"
)

// StripeLogger defines the logging contract for Stripe handler operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeHandlerConfig configures the StripeHandler.
type StripeHandlerConfig struct {
	APIKey        string
	AccountID     string
	ManualCapture bool
	Backends      *stripe.Backends
	Logger        StripeLogger

	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeHandler creates confirmed PaymentIntents. With ManualCapture the payment is authorised and
// captured on settlement; otherwise Stripe captures immediately.
type StripeHandler struct {
	intents       stripePaymentIntentAPI
	refunds       stripeRefundAPI
	account       string
	manualCapture bool
	logger        StripeLogger
}

// NewStripeHandler constructs a Stripe payment handler.
func NewStripeHandler(cfg StripeHandlerConfig) (*StripeHandler, error) {
	intents, refunds := cfg.intents, cfg.refunds
	if intents == nil || refunds == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sc := client.New(apiKey, cfg.Backends)
		intents, refunds = sc.PaymentIntents, sc.Refunds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeHandler{
		intents:       intents,
		refunds:       refunds,
		account:       strings.TrimSpace(cfg.AccountID),
		manualCapture: cfg.ManualCapture,
		logger:        logger,
	}, nil
}

// Code implements Handler.
func (h *StripeHandler) Code() string { return "stripe" }

// CreatePayment confirms a PaymentIntent with the payment method passed in args["paymentMethod"].
func (h *StripeHandler) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error) {
	paymentMethod, _ := req.Args["paymentMethod"].(string)
	if strings.TrimSpace(paymentMethod) == "" {
		return CreatePaymentResult{
			Amount:       req.Amount,
			State:        domain.PaymentStateError,
			ErrorMessage: "paymentMethod is required",
		}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Order.CurrencyCode)),
		PaymentMethod: stripe.String(paymentMethod),
		Confirm:       stripe.Bool(true),
	}
	if h.manualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if returnURL, ok := req.Args["returnUrl"].(string); ok && returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("%s:%d:%d", req.Order.ID, len(req.Order.Payments), req.Amount))
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	params.AddMetadata("orderId", req.Order.ID)
	params.AddMetadata("orderCode", req.Order.Code)

	intent, err := h.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			h.logger(ctx, "payments.stripe.intent.declined", map[string]any{
				"order": req.Order.ID,
				"code":  stripeErr.Code,
			})
			return CreatePaymentResult{
				Amount:       req.Amount,
				State:        domain.PaymentStateDeclined,
				ErrorMessage: stripeErr.Msg,
			}, nil
		}
		return CreatePaymentResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	h.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"order":         req.Order.ID,
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})

	result := CreatePaymentResult{
		Amount:        req.Amount,
		State:         paymentStateFromIntent(intent),
		TransactionID: intent.ID,
		Metadata:      map[string]any{"status": string(intent.Status)},
		PrivateMetadata: map[string]any{
			"clientSecret": intent.ClientSecret,
		},
	}
	if intent.LastPaymentError != nil {
		result.ErrorMessage = intent.LastPaymentError.Msg
	}
	return result, nil
}

// SettlePayment captures an authorised PaymentIntent.
func (h *StripeHandler) SettlePayment(ctx context.Context, _ domain.Order, payment domain.Payment) (SettlePaymentResult, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture:" + payment.ID)
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	intent, err := h.intents.Capture(payment.TransactionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return SettlePaymentResult{Success: false, ErrorMessage: stripeErr.Msg}, nil
		}
		return SettlePaymentResult{}, fmt.Errorf("stripe: capture payment intent: %w", err)
	}
	h.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"amountReceived": intent.AmountReceived,
	})
	return SettlePaymentResult{
		Success:  intent.Status == stripe.PaymentIntentStatusSucceeded,
		Metadata: map[string]any{"amountReceived": intent.AmountReceived},
	}, nil
}

// CreateRefund refunds part or all of a captured PaymentIntent.
func (h *StripeHandler) CreateRefund(ctx context.Context, _ domain.Order, payment domain.Payment, amount int64, reason string) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(payment.TransactionID),
		Amount:        stripe.Int64(amount),
	}
	if mapped := mapStripeRefundReason(reason); mapped != "" {
		params.Reason = stripe.String(mapped)
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("refund:%s:%d:%d", payment.ID, len(payment.Refunds), amount))
	if h.account != "" {
		params.SetStripeAccount(h.account)
	}
	refund, err := h.refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return RefundResult{State: domain.RefundStateFailed, ErrorMessage: stripeErr.Msg}, nil
		}
		return RefundResult{}, fmt.Errorf("stripe: create refund: %w", err)
	}
	state := domain.RefundStatePending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		state = domain.RefundStateSettled
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		state = domain.RefundStateFailed
	}
	return RefundResult{State: state, TransactionID: refund.ID}, nil
}

func paymentStateFromIntent(intent *stripe.PaymentIntent) domain.PaymentState {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.PaymentStateSettled
	case stripe.PaymentIntentStatusRequiresCapture:
		return domain.PaymentStateAuthorized
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return domain.PaymentStateDeclined
	case stripe.PaymentIntentStatusCanceled:
		return domain.PaymentStateError
	default:
		return domain.PaymentStateCreated
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
