package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Implementations may invoke fn more than once when the backend retries aborted transactions.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates including their lines, payments and fulfillments.
// Update must fail with a conflict when the stored version differs from order.Version-1.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, filter OrderListFilter) ([]domain.Order, error)
}

// OrderListFilter narrows customer order listings.
type OrderListFilter struct {
	States []domain.OrderState
	Limit  int
	// StartAfter continues a listing after the order with this creation time and id.
	StartAfter *OrderCursor
}

// OrderCursor is the keyset position of an order in a createdAt-descending listing.
type OrderCursor struct {
	CreatedAt time.Time
	OrderID   string
}

// VariantRepository resolves purchasable variants and their current channel price.
type VariantRepository interface {
	FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error)
}

// TaxRateRepository resolves configured tax rates.
type TaxRateRepository interface {
	// FindApplicable returns the enabled rate for the category and zone. When customerGroupID is
	// set and no group-specific rate exists, the rate without a group is returned.
	FindApplicable(ctx context.Context, categoryID, zoneID, customerGroupID string) (domain.TaxRate, error)
}

// PromotionRepository exposes promotion configuration and usage bookkeeping.
type PromotionRepository interface {
	ListEnabled(ctx context.Context) ([]domain.Promotion, error)
	FindByCouponCode(ctx context.Context, code string) (domain.Promotion, error)
	CountUsage(ctx context.Context, promotionID, customerID string) (int, error)
	RecordUsage(ctx context.Context, usage PromotionUsage) error
}

// PromotionUsage records that a placed order consumed a promotion.
type PromotionUsage struct {
	PromotionID string
	CustomerID  string
	OrderID     string
	UsedAt      time.Time
}

// ShippingMethodRepository resolves configured shipping methods.
type ShippingMethodRepository interface {
	FindByID(ctx context.Context, methodID string) (domain.ShippingMethod, error)
	ListEnabled(ctx context.Context) ([]domain.ShippingMethod, error)
}

// CustomerRepository persists customer records.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	FindByEmail(ctx context.Context, email string) (domain.Customer, error)
	FindByUserID(ctx context.Context, userID string) (domain.Customer, error)
	Insert(ctx context.Context, customer domain.Customer) error
	Update(ctx context.Context, customer domain.Customer) error
}

// StockRepository maintains stock levels together with their movement ledger. ApplyChanges must be
// atomic: either every change and movement is recorded or none is.
type StockRepository interface {
	Levels(ctx context.Context, variantID string) ([]domain.StockLevel, error)
	ListMovements(ctx context.Context, orderID string) ([]domain.StockMovement, error)
	ApplyChanges(ctx context.Context, changes []StockChange) error
}

// StockChange pairs a ledger movement with whether availability limits are enforced for it.
type StockChange struct {
	Movement domain.StockMovement
	Enforce  bool
}

// AllocatedDelta returns the change to the allocated counter implied by the movement.
func (c StockChange) AllocatedDelta() int {
	switch c.Movement.Type {
	case domain.StockMovementAllocation:
		return -c.Movement.Quantity
	case domain.StockMovementRelease:
		return -c.Movement.Quantity
	case domain.StockMovementSale:
		return c.Movement.Quantity
	}
	return 0
}

// OnHandDelta returns the change to the on-hand counter implied by the movement.
func (c StockChange) OnHandDelta() int {
	switch c.Movement.Type {
	case domain.StockMovementSale, domain.StockMovementCancellation, domain.StockMovementReturn, domain.StockMovementAdjustment:
		return c.Movement.Quantity
	}
	return 0
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// SessionStore binds shopper sessions to their active order.
type SessionStore interface {
	ActiveOrderID(ctx context.Context, sessionID string) (string, error)
	SetActiveOrderID(ctx context.Context, sessionID, orderID string) error
	ClearActiveOrder(ctx context.Context, sessionID string) error
}
