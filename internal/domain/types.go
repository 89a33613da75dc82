package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates the lifecycle states an order can occupy.
type OrderState string

const (
	// OrderStateDraft marks an order created by staff outside of the shopper cart flow.
	OrderStateDraft OrderState = "Draft"
	// OrderStateAddingItems is the initial state of a shopper cart.
	OrderStateAddingItems OrderState = "AddingItems"
	// OrderStateArrangingPayment indicates checkout details are complete and payment is pending.
	OrderStateArrangingPayment OrderState = "ArrangingPayment"
	// OrderStatePaymentAuthorized indicates payments covering the total have been authorised.
	OrderStatePaymentAuthorized OrderState = "PaymentAuthorized"
	// OrderStatePaymentSettled indicates payments covering the total have been captured.
	OrderStatePaymentSettled OrderState = "PaymentSettled"
	// OrderStatePartiallyShipped indicates some but not all lines have shipped.
	OrderStatePartiallyShipped OrderState = "PartiallyShipped"
	// OrderStateShipped indicates every line has shipped.
	OrderStateShipped OrderState = "Shipped"
	// OrderStatePartiallyDelivered indicates some but not all lines have been delivered.
	OrderStatePartiallyDelivered OrderState = "PartiallyDelivered"
	// OrderStateDelivered indicates every line has been delivered.
	OrderStateDelivered OrderState = "Delivered"
	// OrderStateCancelled is terminal.
	OrderStateCancelled OrderState = "Cancelled"
)

// OrderStates lists every known order state in lifecycle order.
var OrderStates = []OrderState{
	OrderStateDraft,
	OrderStateAddingItems,
	OrderStateArrangingPayment,
	OrderStatePaymentAuthorized,
	OrderStatePaymentSettled,
	OrderStatePartiallyShipped,
	OrderStateShipped,
	OrderStatePartiallyDelivered,
	OrderStateDelivered,
	OrderStateCancelled,
}

// Order is the aggregate root of the ordering domain. Money fields are integer minor units and
// are written exclusively by the order calculator.
type Order struct {
	ID               string
	Code             string
	State            OrderState
	Active           bool
	OrderPlacedAt    *time.Time
	ChannelID        string
	CurrencyCode     string
	PricesIncludeTax bool
	CustomerID       string
	Customer         *Customer
	ShippingAddress  *Address
	BillingAddress   *Address
	Lines            []OrderLine
	ShippingLines    []ShippingLine
	Payments         []Payment
	Surcharges       []Surcharge
	Fulfillments     []Fulfillment
	CouponCodes      []string
	Promotions       []AppliedPromotion
	Discounts        []Discount
	TaxSummary       []TaxSummary
	SubTotal         int64
	SubTotalWithTax  int64
	Shipping         int64
	ShippingWithTax  int64
	Total            int64
	TotalWithTax     int64
	CustomFields     map[string]any
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TotalQuantity sums the quantities of every line.
func (o Order) TotalQuantity() int {
	total := 0
	for _, line := range o.Lines {
		total += line.Quantity
	}
	return total
}

// LineIndex returns the index of the line with the given id or -1.
func (o Order) LineIndex(lineID string) int {
	for i := range o.Lines {
		if o.Lines[i].ID == lineID {
			return i
		}
	}
	return -1
}

// OrderLine groups a quantity of one product variant sharing identical custom field values.
type OrderLine struct {
	ID                         string
	ProductVariantID           string
	TaxCategoryID              string
	Quantity                   int
	CustomFields               map[string]any
	ListPrice                  int64
	ListPriceIncludesTax       bool
	InitialListPrice           int64
	UnitPrice                  int64
	UnitPriceWithTax           int64
	LinePrice                  int64
	LinePriceWithTax           int64
	DiscountedLinePrice        int64
	DiscountedLinePriceWithTax int64
	ProratedLinePrice          int64
	ProratedLinePriceWithTax   int64
	TaxLines                   []TaxLine
	Discounts                  []Discount
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// LineTax returns the tax portion of the undiscounted line price.
func (l OrderLine) LineTax() int64 {
	return l.LinePriceWithTax - l.LinePrice
}

// UnitPriceChangeSinceAdded reports how far the listed price moved since the line was created.
func (l OrderLine) UnitPriceChangeSinceAdded() int64 {
	return l.ListPrice - l.InitialListPrice
}

// TaxRateValue returns the combined rate of all tax lines.
func (l OrderLine) TaxRateValue() decimal.Decimal {
	total := decimal.Zero
	for _, tl := range l.TaxLines {
		total = total.Add(tl.TaxRate)
	}
	return total
}

// TaxLine describes a single tax contributing to a line.
type TaxLine struct {
	Description string
	TaxRate     decimal.Decimal
}

// TaxSummary aggregates tax per rate across the order.
type TaxSummary struct {
	Description string
	TaxRate     decimal.Decimal
	TaxBase     int64
	TaxTotal    int64
}

// DiscountType identifies which part of the order a discount adjusts.
type DiscountType string

const (
	// DiscountTypeLine adjusts a single line.
	DiscountTypeLine DiscountType = "line"
	// DiscountTypeOrder is an order level discount apportioned across lines.
	DiscountTypeOrder DiscountType = "order"
	// DiscountTypeShipping adjusts a shipping line.
	DiscountTypeShipping DiscountType = "shipping"
)

// Discount is a negative adjustment produced by a promotion action.
type Discount struct {
	PromotionID   string
	Description   string
	Type          DiscountType
	Amount        int64
	AmountWithTax int64
}

// AppliedPromotion records a promotion that contributed discounts during the last recalculation.
type AppliedPromotion struct {
	PromotionID string
	Name        string
	CouponCode  string
}

// ShippingLine holds the selected shipping method and its computed price.
type ShippingLine struct {
	ID                     string
	ShippingMethodID       string
	Price                  int64
	PriceWithTax           int64
	DiscountedPrice        int64
	DiscountedPriceWithTax int64
	TaxRate                decimal.Decimal
	Discounts              []Discount
}

// Surcharge is an ad-hoc order-level charge (positive) or credit (negative).
type Surcharge struct {
	ID                   string
	Description          string
	SKU                  string
	ListPrice            int64
	ListPriceIncludesTax bool
	TaxRate              decimal.Decimal
	Price                int64
	PriceWithTax         int64
	CreatedAt            time.Time
}

// Address is stored on orders as a value snapshot.
type Address struct {
	FullName    string
	Company     string
	StreetLine1 string
	StreetLine2 string
	City        string
	Province    string
	PostalCode  string
	CountryCode string
	Phone       string
}

// Customer identifies the buyer. A customer with a UserID is registered.
type Customer struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	UserID    string
	GroupIDs  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registered reports whether the customer is linked to an authenticated account.
func (c Customer) Registered() bool {
	return c.UserID != ""
}

// PaymentState enumerates payment lifecycle states.
type PaymentState string

const (
	PaymentStateCreated    PaymentState = "Created"
	PaymentStateAuthorized PaymentState = "Authorized"
	PaymentStateSettled    PaymentState = "Settled"
	PaymentStateDeclined   PaymentState = "Declined"
	PaymentStateError      PaymentState = "Error"
	PaymentStateCancelled  PaymentState = "Cancelled"
)

// Payment records an attempt to pay for an order. PrivateMetadata is never exposed to shoppers.
type Payment struct {
	ID              string
	Method          string
	Amount          int64
	State           PaymentState
	TransactionID   string
	ErrorMessage    string
	Metadata        map[string]any
	PrivateMetadata map[string]any
	Refunds         []Refund
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RefundedAmount sums refunds that did not fail.
func (p Payment) RefundedAmount() int64 {
	var total int64
	for _, r := range p.Refunds {
		if r.State != RefundStateFailed {
			total += r.Amount
		}
	}
	return total
}

// RefundState enumerates refund lifecycle states.
type RefundState string

const (
	RefundStatePending RefundState = "Pending"
	RefundStateSettled RefundState = "Settled"
	RefundStateFailed  RefundState = "Failed"
)

// Refund records money returned against a payment.
type Refund struct {
	ID            string
	Amount        int64
	Reason        string
	State         RefundState
	TransactionID string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// FulfillmentState enumerates fulfillment lifecycle states.
type FulfillmentState string

const (
	FulfillmentStateCreated   FulfillmentState = "Created"
	FulfillmentStatePending   FulfillmentState = "Pending"
	FulfillmentStateShipped   FulfillmentState = "Shipped"
	FulfillmentStateDelivered FulfillmentState = "Delivered"
	FulfillmentStateCancelled FulfillmentState = "Cancelled"
)

// Fulfillment groups order line quantities shipped together.
type Fulfillment struct {
	ID           string
	State        FulfillmentState
	HandlerCode  string
	Method       string
	TrackingCode string
	Lines        []FulfillmentLine
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FulfillmentLine references a quantity of an order line.
type FulfillmentLine struct {
	OrderLineID string
	Quantity    int
}

// ConfigurableOperation names a registered condition, action, checker or calculator with its arguments.
type ConfigurableOperation struct {
	Code string
	Args map[string]string
}

// Promotion grants discounts when its conditions hold. Promotions without a coupon code apply automatically.
type Promotion struct {
	ID                    string
	Name                  string
	CouponCode            string
	Enabled               bool
	StartsAt              *time.Time
	EndsAt                *time.Time
	Priority              int
	Conditions            []ConfigurableOperation
	Actions               []ConfigurableOperation
	UsageLimit            int
	PerCustomerUsageLimit int
	UsageCount            int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ProductVariant is the purchasable unit referenced by order lines.
type ProductVariant struct {
	ID             string
	ProductID      string
	SKU            string
	Name           string
	Price          int64
	TaxCategoryID  string
	Enabled        bool
	TrackInventory bool
	DeletedAt      *time.Time
}

// Available reports whether the variant can be added to an order.
func (v ProductVariant) Available() bool {
	return v.Enabled && v.DeletedAt == nil
}

// Channel carries per-storefront pricing configuration.
type Channel struct {
	ID               string
	Code             string
	CurrencyCode     string
	PricesIncludeTax bool
	DefaultTaxZoneID string
	PriceFactor      decimal.Decimal
	TrackInventory   bool
}

// TaxRate is the configured rate for a category within a zone, optionally scoped to a customer group.
type TaxRate struct {
	ID              string
	Name            string
	CategoryID      string
	ZoneID          string
	CustomerGroupID string
	Value           decimal.Decimal
	Enabled         bool
}

// ShippingMethod pairs an eligibility checker with a price calculator.
type ShippingMethod struct {
	ID         string
	Code       string
	Name       string
	Enabled    bool
	Checker    ConfigurableOperation
	Calculator ConfigurableOperation
}

// StockLevel is the materialised stock counter for a variant at a location.
type StockLevel struct {
	ProductVariantID string
	StockLocationID  string
	StockOnHand      int
	StockAllocated   int
	UpdatedAt        time.Time
}

// StockMovementType enumerates ledger entry kinds.
type StockMovementType string

const (
	StockMovementAdjustment   StockMovementType = "Adjustment"
	StockMovementAllocation   StockMovementType = "Allocation"
	StockMovementRelease      StockMovementType = "Release"
	StockMovementSale         StockMovementType = "Sale"
	StockMovementCancellation StockMovementType = "Cancellation"
	StockMovementReturn       StockMovementType = "Return"
)

// StockMovement is an immutable ledger entry. Quantity is negative for allocations and sales.
type StockMovement struct {
	ID               string
	Type             StockMovementType
	ProductVariantID string
	StockLocationID  string
	Quantity         int
	OrderID          string
	OrderLineID      string
	CreatedAt        time.Time
}
