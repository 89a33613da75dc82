package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const customerIDPrefix = "cus_"

// GuestCheckoutStrategy resolves the customer for an anonymous checkout.
type GuestCheckoutStrategy interface {
	SetCustomerForOrder(ctx context.Context, rc RequestContext, order domain.Order, input CustomerInput) (domain.Customer, *OrderError, error)
}

// GuestCheckoutOptions configures DefaultGuestCheckoutStrategy.
type GuestCheckoutOptions struct {
	AllowGuestCheckouts                      bool
	AllowGuestCheckoutForRegisteredCustomers bool
	CreateNewCustomerOnEmailAddressConflict  bool
}

// DefaultGuestCheckoutOptions allows guests but keeps registered email addresses reserved.
func DefaultGuestCheckoutOptions() GuestCheckoutOptions {
	return GuestCheckoutOptions{AllowGuestCheckouts: true}
}

// DefaultGuestCheckoutStrategy looks customers up by email and creates them when missing.
type DefaultGuestCheckoutStrategy struct {
	customers repositories.CustomerRepository
	options   GuestCheckoutOptions
	clock     func() time.Time
	newID     func() string
}

// NewDefaultGuestCheckoutStrategy constructs the strategy.
func NewDefaultGuestCheckoutStrategy(customers repositories.CustomerRepository, options GuestCheckoutOptions, clock func() time.Time, idGen func() string) (*DefaultGuestCheckoutStrategy, error) {
	if customers == nil {
		return nil, errors.New("guest checkout: customer repository is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if idGen == nil {
		idGen = defaultIDGenerator
	}
	return &DefaultGuestCheckoutStrategy{customers: customers, options: options, clock: clock, newID: idGen}, nil
}

// SetCustomerForOrder implements GuestCheckoutStrategy.
func (s *DefaultGuestCheckoutStrategy) SetCustomerForOrder(ctx context.Context, _ RequestContext, order domain.Order, input CustomerInput) (domain.Customer, *OrderError, error) {
	if !s.options.AllowGuestCheckouts {
		return domain.Customer{}, newOrderError(ErrorCodeGuestCheckout, "Guest checkouts are disabled"), nil
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return domain.Customer{}, nil, err
	}

	existing, err := s.customers.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if existing.Registered() && !s.options.AllowGuestCheckoutForRegisteredCustomers {
			return domain.Customer{}, newOrderError(ErrorCodeEmailAddressConflict, "The email address is not available."), nil
		}
		if s.options.CreateNewCustomerOnEmailAddressConflict && existing.ID != order.CustomerID {
			break
		}
		if !existing.Registered() {
			existing.FirstName = firstNonEmpty(input.FirstName, existing.FirstName)
			existing.LastName = firstNonEmpty(input.LastName, existing.LastName)
			existing.Phone = firstNonEmpty(input.Phone, existing.Phone)
			existing.UpdatedAt = s.clock().UTC()
			if err := s.customers.Update(ctx, existing); err != nil {
				return domain.Customer{}, nil, err
			}
		}
		return existing, nil, nil
	case !repositories.IsNotFound(err):
		return domain.Customer{}, nil, err
	}

	now := s.clock().UTC()
	customer := domain.Customer{
		ID:        customerIDPrefix + s.newID(),
		Email:     email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.customers.Insert(ctx, customer); err != nil {
		return domain.Customer{}, nil, err
	}
	return customer, nil, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: email address is required", ErrOrderInvalidInput)
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: email address %q is invalid", ErrOrderInvalidInput, raw)
	}
	return strings.ToLower(addr.Address), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ActiveOrderStrategy locates the shopper's active order and binds newly created orders to the
// request so later calls find them.
type ActiveOrderStrategy interface {
	Resolve(ctx context.Context, rc RequestContext) (string, error)
	Bind(ctx context.Context, rc RequestContext, order domain.Order) (string, error)
}

// SessionActiveOrderStrategy maps a session id to an order id. Signed-in customers without a
// session binding fall back to their most recent cart.
type SessionActiveOrderStrategy struct {
	Sessions repositories.SessionStore
	Orders   repositories.OrderRepository
}

// Resolve implements ActiveOrderStrategy.
func (s SessionActiveOrderStrategy) Resolve(ctx context.Context, rc RequestContext) (string, error) {
	if rc.SessionID != "" && s.Sessions != nil {
		id, err := s.Sessions.ActiveOrderID(ctx, rc.SessionID)
		if err != nil && !repositories.IsNotFound(err) {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	if rc.CustomerID == "" || s.Orders == nil {
		return "", nil
	}
	orders, err := s.Orders.ListByCustomer(ctx, rc.CustomerID, repositories.OrderListFilter{
		States: []domain.OrderState{domain.OrderStateAddingItems, domain.OrderStateArrangingPayment},
		Limit:  1,
	})
	if err != nil {
		return "", err
	}
	for _, o := range orders {
		if o.Active {
			return o.ID, nil
		}
	}
	return "", nil
}

// Bind implements ActiveOrderStrategy.
func (s SessionActiveOrderStrategy) Bind(ctx context.Context, rc RequestContext, order domain.Order) (string, error) {
	if rc.SessionID == "" || s.Sessions == nil {
		return "", nil
	}
	return "", s.Sessions.SetActiveOrderID(ctx, rc.SessionID, order.ID)
}

// OrderTokenCodec signs and verifies order tokens.
type OrderTokenCodec interface {
	Encode(orderID string) (string, error)
	Decode(token string) (string, error)
}

// TokenActiveOrderStrategy keeps the active order id in a signed token held by the client.
type TokenActiveOrderStrategy struct {
	Codec OrderTokenCodec
}

// Resolve implements ActiveOrderStrategy. Invalid or expired tokens resolve to no order.
func (s TokenActiveOrderStrategy) Resolve(_ context.Context, rc RequestContext) (string, error) {
	if rc.OrderToken == "" {
		return "", nil
	}
	id, err := s.Codec.Decode(rc.OrderToken)
	if err != nil {
		return "", nil
	}
	return id, nil
}

// Bind implements ActiveOrderStrategy.
func (s TokenActiveOrderStrategy) Bind(_ context.Context, _ RequestContext, order domain.Order) (string, error) {
	return s.Codec.Encode(order.ID)
}

// OrderCodeStrategy generates the public order code.
type OrderCodeStrategy interface {
	Generate(ctx context.Context, order domain.Order) (string, error)
}

// RandomOrderCodeStrategy returns the 16 character random component of a ULID.
type RandomOrderCodeStrategy struct{}

// Generate implements OrderCodeStrategy.
func (RandomOrderCodeStrategy) Generate(context.Context, domain.Order) (string, error) {
	return ulid.Make().String()[10:], nil
}

// CounterOrderCodeStrategy issues sequential codes such as ORD-2026-000042.
type CounterOrderCodeStrategy struct {
	Counters repositories.CounterRepository
	Prefix   string
}

// Generate implements OrderCodeStrategy.
func (s CounterOrderCodeStrategy) Generate(ctx context.Context, order domain.Order) (string, error) {
	seq, err := s.Counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "ORD"
	}
	return fmt.Sprintf("%s-%04d-%06d", prefix, order.CreatedAt.Year(), seq), nil
}
