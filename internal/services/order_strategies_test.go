package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

type stubCounters struct {
	next int64
}

func (c *stubCounters) Next(_ context.Context, _ string, step int64) (int64, error) {
	c.next += step
	return c.next, nil
}

type stubTokenCodec struct{}

func (stubTokenCodec) Encode(orderID string) (string, error) { return "tok." + orderID, nil }

func (stubTokenCodec) Decode(token string) (string, error) {
	if len(token) < 5 || token[:4] != "tok." {
		return "", errors.New("bad token")
	}
	return token[4:], nil
}

func TestCounterOrderCodeStrategy(t *testing.T) {
	strategy := CounterOrderCodeStrategy{Counters: &stubCounters{}}
	order := domain.Order{CreatedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}

	first, err := strategy.Generate(context.Background(), order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := strategy.Generate(context.Background(), order)
	if first != "ORD-2026-000001" || second != "ORD-2026-000002" {
		t.Fatalf("unexpected codes %s %s", first, second)
	}
}

func TestRandomOrderCodeStrategy(t *testing.T) {
	code, err := RandomOrderCodeStrategy{}.Generate(context.Background(), domain.Order{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code) != 16 {
		t.Fatalf("expected 16 character code, got %q", code)
	}
}

func TestTokenActiveOrderStrategy(t *testing.T) {
	strategy := TokenActiveOrderStrategy{Codec: stubTokenCodec{}}
	token, err := strategy.Bind(context.Background(), RequestContext{}, domain.Order{ID: "ord_9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, err := strategy.Resolve(context.Background(), RequestContext{OrderToken: token})
	if err != nil || id != "ord_9" {
		t.Fatalf("expected ord_9, got %q %v", id, err)
	}
	id, err = strategy.Resolve(context.Background(), RequestContext{OrderToken: "garbage"})
	if err != nil || id != "" {
		t.Fatalf("expected invalid token to resolve to nothing, got %q %v", id, err)
	}
}

func TestGuestCheckoutStrategy(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ids := &sequenceIDs{}
	ctx := context.Background()

	t.Run("creates customer with normalized email", func(t *testing.T) {
		customers := newMemCustomerRepo()
		strategy, err := NewDefaultGuestCheckoutStrategy(customers, DefaultGuestCheckoutOptions(), clock, ids.New)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		customer, orderErr, err := strategy.SetCustomerForOrder(ctx, RequestContext{}, domain.Order{}, CustomerInput{Email: " Ana <Ana@Example.com> ", FirstName: "Ana"})
		if err != nil || orderErr != nil {
			t.Fatalf("unexpected failure: %v %v", err, orderErr)
		}
		if customer.Email != "ana@example.com" || customer.ID == "" {
			t.Fatalf("unexpected customer %+v", customer)
		}
		again, _, _ := strategy.SetCustomerForOrder(ctx, RequestContext{}, domain.Order{}, CustomerInput{Email: "ana@example.com", Phone: "555"})
		if again.ID != customer.ID || again.Phone != "555" || again.FirstName != "Ana" {
			t.Fatalf("expected existing guest to be updated, got %+v", again)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		strategy, _ := NewDefaultGuestCheckoutStrategy(newMemCustomerRepo(), GuestCheckoutOptions{}, clock, ids.New)
		_, orderErr, err := strategy.SetCustomerForOrder(ctx, RequestContext{}, domain.Order{}, CustomerInput{Email: "a@b.co"})
		if err != nil || orderErr == nil || orderErr.Code != ErrorCodeGuestCheckout {
			t.Fatalf("expected guest checkout error, got %v %+v", err, orderErr)
		}
	})

	t.Run("registered email is reserved", func(t *testing.T) {
		customers := newMemCustomerRepo()
		customers.customers["cus_reg"] = domain.Customer{ID: "cus_reg", Email: "reg@example.com", UserID: "user-1"}
		strategy, _ := NewDefaultGuestCheckoutStrategy(customers, DefaultGuestCheckoutOptions(), clock, ids.New)
		_, orderErr, err := strategy.SetCustomerForOrder(ctx, RequestContext{}, domain.Order{}, CustomerInput{Email: "REG@example.com"})
		if err != nil || orderErr == nil || orderErr.Code != ErrorCodeEmailAddressConflict {
			t.Fatalf("expected email conflict, got %v %+v", err, orderErr)
		}
	})

	t.Run("invalid email", func(t *testing.T) {
		strategy, _ := NewDefaultGuestCheckoutStrategy(newMemCustomerRepo(), DefaultGuestCheckoutOptions(), clock, ids.New)
		_, _, err := strategy.SetCustomerForOrder(ctx, RequestContext{}, domain.Order{}, CustomerInput{Email: "not-an-email"})
		if !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	})
}
