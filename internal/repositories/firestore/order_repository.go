package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	ordersCollection = "orders"
	defaultListLimit = 50
)

// OrderRepository stores order aggregates as single documents so every mutation is one write.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
	unit *pfirestore.UnitOfWork
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		unit: pfirestore.NewUnitOfWork(provider),
	}, nil
}

// Insert creates the order document and fails with a conflict when the id is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	return r.base.Create(ctx, order.ID, newOrderDocument(order))
}

// Update replaces the stored order when its version is exactly one behind.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	return r.unit.RunInTx(ctx, func(ctx context.Context) error {
		current, err := getDocument(ctx, r.base, "orders.update", order.ID)
		if err != nil {
			return err
		}
		if current.Data.Version != order.Version-1 {
			return repositories.NewConflictError("orders.update",
				fmt.Errorf("order %s is at version %d, expected %d", order.ID, current.Data.Version, order.Version-1))
		}
		return r.base.Set(ctx, order.ID, newOrderDocument(order))
	})
}

// FindByID loads an order by id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := getDocument(ctx, r.base, "orders.get", orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByCode loads an order by its public code.
func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByCode", "code is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewNotFoundError("orders.findByCode", "order "+code+" not found")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListByCustomer returns the customer's orders, most recently placed first.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", customerID)
		if len(states) > 0 {
			q = q.Where("state", "in", states)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor := filter.StartAfter; cursor != nil {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.OrderID)
		}
		return q.Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

type orderDocument struct {
	Code             string                  `firestore:"code"`
	State            string                  `firestore:"state"`
	Active           bool                    `firestore:"active"`
	OrderPlacedAt    *time.Time              `firestore:"orderPlacedAt,omitempty"`
	ChannelID        string                  `firestore:"channelId,omitempty"`
	CurrencyCode     string                  `firestore:"currencyCode"`
	PricesIncludeTax bool                    `firestore:"pricesIncludeTax"`
	CustomerID       string                  `firestore:"customerId,omitempty"`
	Customer         *customerDocument       `firestore:"customer,omitempty"`
	ShippingAddress  *addressDocument        `firestore:"shippingAddress,omitempty"`
	BillingAddress   *addressDocument        `firestore:"billingAddress,omitempty"`
	Lines            []orderLineDocument     `firestore:"lines"`
	ShippingLines    []shippingLineDocument  `firestore:"shippingLines,omitempty"`
	Payments         []paymentDocument       `firestore:"payments,omitempty"`
	Surcharges       []surchargeDocument     `firestore:"surcharges,omitempty"`
	Fulfillments     []fulfillmentDocument   `firestore:"fulfillments,omitempty"`
	CouponCodes      []string                `firestore:"couponCodes,omitempty"`
	Promotions       []appliedPromotionDoc   `firestore:"promotions,omitempty"`
	Discounts        []discountDocument      `firestore:"discounts,omitempty"`
	TaxSummary       []taxSummaryDocument    `firestore:"taxSummary,omitempty"`
	SubTotal         int64                   `firestore:"subTotal"`
	SubTotalWithTax  int64                   `firestore:"subTotalWithTax"`
	Shipping         int64                   `firestore:"shipping"`
	ShippingWithTax  int64                   `firestore:"shippingWithTax"`
	Total            int64                   `firestore:"total"`
	TotalWithTax     int64                   `firestore:"totalWithTax"`
	CustomFields     map[string]any          `firestore:"customFields,omitempty"`
	Version          int64                   `firestore:"version"`
	CreatedAt        time.Time               `firestore:"createdAt"`
	UpdatedAt        time.Time               `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ID                         string             `firestore:"id"`
	ProductVariantID           string             `firestore:"productVariantId"`
	TaxCategoryID              string             `firestore:"taxCategoryId,omitempty"`
	Quantity                   int                `firestore:"quantity"`
	CustomFields               map[string]any     `firestore:"customFields,omitempty"`
	ListPrice                  int64              `firestore:"listPrice"`
	ListPriceIncludesTax       bool               `firestore:"listPriceIncludesTax"`
	InitialListPrice           int64              `firestore:"initialListPrice"`
	UnitPrice                  int64              `firestore:"unitPrice"`
	UnitPriceWithTax           int64              `firestore:"unitPriceWithTax"`
	LinePrice                  int64              `firestore:"linePrice"`
	LinePriceWithTax           int64              `firestore:"linePriceWithTax"`
	DiscountedLinePrice        int64              `firestore:"discountedLinePrice"`
	DiscountedLinePriceWithTax int64              `firestore:"discountedLinePriceWithTax"`
	ProratedLinePrice          int64              `firestore:"proratedLinePrice"`
	ProratedLinePriceWithTax   int64              `firestore:"proratedLinePriceWithTax"`
	TaxLines                   []taxLineDocument  `firestore:"taxLines,omitempty"`
	Discounts                  []discountDocument `firestore:"discounts,omitempty"`
	CreatedAt                  time.Time          `firestore:"createdAt"`
	UpdatedAt                  time.Time          `firestore:"updatedAt"`
}

type taxLineDocument struct {
	Description string `firestore:"description"`
	TaxRate     string `firestore:"taxRate"`
}

type taxSummaryDocument struct {
	Description string `firestore:"description"`
	TaxRate     string `firestore:"taxRate"`
	TaxBase     int64  `firestore:"taxBase"`
	TaxTotal    int64  `firestore:"taxTotal"`
}

type discountDocument struct {
	PromotionID   string `firestore:"promotionId"`
	Description   string `firestore:"description,omitempty"`
	Type          string `firestore:"type"`
	Amount        int64  `firestore:"amount"`
	AmountWithTax int64  `firestore:"amountWithTax"`
}

type appliedPromotionDoc struct {
	PromotionID string `firestore:"promotionId"`
	Name        string `firestore:"name,omitempty"`
	CouponCode  string `firestore:"couponCode,omitempty"`
}

type shippingLineDocument struct {
	ID                     string             `firestore:"id"`
	ShippingMethodID       string             `firestore:"shippingMethodId"`
	Price                  int64              `firestore:"price"`
	PriceWithTax           int64              `firestore:"priceWithTax"`
	DiscountedPrice        int64              `firestore:"discountedPrice"`
	DiscountedPriceWithTax int64              `firestore:"discountedPriceWithTax"`
	TaxRate                string             `firestore:"taxRate,omitempty"`
	Discounts              []discountDocument `firestore:"discounts,omitempty"`
}

type surchargeDocument struct {
	ID                   string    `firestore:"id"`
	Description          string    `firestore:"description"`
	SKU                  string    `firestore:"sku,omitempty"`
	ListPrice            int64     `firestore:"listPrice"`
	ListPriceIncludesTax bool      `firestore:"listPriceIncludesTax"`
	TaxRate              string    `firestore:"taxRate,omitempty"`
	Price                int64     `firestore:"price"`
	PriceWithTax         int64     `firestore:"priceWithTax"`
	CreatedAt            time.Time `firestore:"createdAt"`
}

type addressDocument struct {
	FullName    string `firestore:"fullName,omitempty"`
	Company     string `firestore:"company,omitempty"`
	StreetLine1 string `firestore:"streetLine1,omitempty"`
	StreetLine2 string `firestore:"streetLine2,omitempty"`
	City        string `firestore:"city,omitempty"`
	Province    string `firestore:"province,omitempty"`
	PostalCode  string `firestore:"postalCode,omitempty"`
	CountryCode string `firestore:"countryCode,omitempty"`
	Phone       string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	ID              string           `firestore:"id"`
	Method          string           `firestore:"method"`
	Amount          int64            `firestore:"amount"`
	State           string           `firestore:"state"`
	TransactionID   string           `firestore:"transactionId,omitempty"`
	ErrorMessage    string           `firestore:"errorMessage,omitempty"`
	Metadata        map[string]any   `firestore:"metadata,omitempty"`
	PrivateMetadata map[string]any   `firestore:"privateMetadata,omitempty"`
	Refunds         []refundDocument `firestore:"refunds,omitempty"`
	CreatedAt       time.Time        `firestore:"createdAt"`
	UpdatedAt       time.Time        `firestore:"updatedAt"`
}

type refundDocument struct {
	ID            string         `firestore:"id"`
	Amount        int64          `firestore:"amount"`
	Reason        string         `firestore:"reason,omitempty"`
	State         string         `firestore:"state"`
	TransactionID string         `firestore:"transactionId,omitempty"`
	Metadata      map[string]any `firestore:"metadata,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
}

type fulfillmentDocument struct {
	ID           string                    `firestore:"id"`
	State        string                    `firestore:"state"`
	HandlerCode  string                    `firestore:"handlerCode"`
	Method       string                    `firestore:"method,omitempty"`
	TrackingCode string                    `firestore:"trackingCode,omitempty"`
	Lines        []fulfillmentLineDocument `firestore:"lines"`
	CreatedAt    time.Time                 `firestore:"createdAt"`
	UpdatedAt    time.Time                 `firestore:"updatedAt"`
}

type fulfillmentLineDocument struct {
	OrderLineID string `firestore:"orderLineId"`
	Quantity    int    `firestore:"quantity"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Code:             order.Code,
		State:            string(order.State),
		Active:           order.Active,
		ChannelID:        order.ChannelID,
		CurrencyCode:     order.CurrencyCode,
		PricesIncludeTax: order.PricesIncludeTax,
		CustomerID:       order.CustomerID,
		ShippingAddress:  newAddressDocument(order.ShippingAddress),
		BillingAddress:   newAddressDocument(order.BillingAddress),
		CouponCodes:      append([]string(nil), order.CouponCodes...),
		Discounts:        newDiscountDocuments(order.Discounts),
		SubTotal:         order.SubTotal,
		SubTotalWithTax:  order.SubTotalWithTax,
		Shipping:         order.Shipping,
		ShippingWithTax:  order.ShippingWithTax,
		Total:            order.Total,
		TotalWithTax:     order.TotalWithTax,
		CustomFields:     cloneAnyMap(order.CustomFields),
		Version:          order.Version,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
	if order.OrderPlacedAt != nil {
		placed := order.OrderPlacedAt.UTC()
		doc.OrderPlacedAt = &placed
	}
	if order.Customer != nil {
		customer := newCustomerDocument(*order.Customer)
		doc.Customer = &customer
	}

	doc.Lines = make([]orderLineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		lineDoc := orderLineDocument{
			ID:                         line.ID,
			ProductVariantID:           line.ProductVariantID,
			TaxCategoryID:              line.TaxCategoryID,
			Quantity:                   line.Quantity,
			CustomFields:               cloneAnyMap(line.CustomFields),
			ListPrice:                  line.ListPrice,
			ListPriceIncludesTax:       line.ListPriceIncludesTax,
			InitialListPrice:           line.InitialListPrice,
			UnitPrice:                  line.UnitPrice,
			UnitPriceWithTax:           line.UnitPriceWithTax,
			LinePrice:                  line.LinePrice,
			LinePriceWithTax:           line.LinePriceWithTax,
			DiscountedLinePrice:        line.DiscountedLinePrice,
			DiscountedLinePriceWithTax: line.DiscountedLinePriceWithTax,
			ProratedLinePrice:          line.ProratedLinePrice,
			ProratedLinePriceWithTax:   line.ProratedLinePriceWithTax,
			Discounts:                  newDiscountDocuments(line.Discounts),
			CreatedAt:                  line.CreatedAt.UTC(),
			UpdatedAt:                  line.UpdatedAt.UTC(),
		}
		for _, tl := range line.TaxLines {
			lineDoc.TaxLines = append(lineDoc.TaxLines, taxLineDocument{Description: tl.Description, TaxRate: tl.TaxRate.String()})
		}
		doc.Lines = append(doc.Lines, lineDoc)
	}

	for _, sl := range order.ShippingLines {
		doc.ShippingLines = append(doc.ShippingLines, shippingLineDocument{
			ID:                     sl.ID,
			ShippingMethodID:       sl.ShippingMethodID,
			Price:                  sl.Price,
			PriceWithTax:           sl.PriceWithTax,
			DiscountedPrice:        sl.DiscountedPrice,
			DiscountedPriceWithTax: sl.DiscountedPriceWithTax,
			TaxRate:                decimalString(sl.TaxRate),
			Discounts:              newDiscountDocuments(sl.Discounts),
		})
	}

	for _, p := range order.Payments {
		paymentDoc := paymentDocument{
			ID:              p.ID,
			Method:          p.Method,
			Amount:          p.Amount,
			State:           string(p.State),
			TransactionID:   p.TransactionID,
			ErrorMessage:    p.ErrorMessage,
			Metadata:        cloneAnyMap(p.Metadata),
			PrivateMetadata: cloneAnyMap(p.PrivateMetadata),
			CreatedAt:       p.CreatedAt.UTC(),
			UpdatedAt:       p.UpdatedAt.UTC(),
		}
		for _, refund := range p.Refunds {
			paymentDoc.Refunds = append(paymentDoc.Refunds, refundDocument{
				ID:            refund.ID,
				Amount:        refund.Amount,
				Reason:        refund.Reason,
				State:         string(refund.State),
				TransactionID: refund.TransactionID,
				Metadata:      cloneAnyMap(refund.Metadata),
				CreatedAt:     refund.CreatedAt.UTC(),
			})
		}
		doc.Payments = append(doc.Payments, paymentDoc)
	}

	for _, s := range order.Surcharges {
		doc.Surcharges = append(doc.Surcharges, surchargeDocument{
			ID:                   s.ID,
			Description:          s.Description,
			SKU:                  s.SKU,
			ListPrice:            s.ListPrice,
			ListPriceIncludesTax: s.ListPriceIncludesTax,
			TaxRate:              decimalString(s.TaxRate),
			Price:                s.Price,
			PriceWithTax:         s.PriceWithTax,
			CreatedAt:            s.CreatedAt.UTC(),
		})
	}

	for _, f := range order.Fulfillments {
		fulfillmentDoc := fulfillmentDocument{
			ID:           f.ID,
			State:        string(f.State),
			HandlerCode:  f.HandlerCode,
			Method:       f.Method,
			TrackingCode: f.TrackingCode,
			CreatedAt:    f.CreatedAt.UTC(),
			UpdatedAt:    f.UpdatedAt.UTC(),
		}
		for _, fl := range f.Lines {
			fulfillmentDoc.Lines = append(fulfillmentDoc.Lines, fulfillmentLineDocument{OrderLineID: fl.OrderLineID, Quantity: fl.Quantity})
		}
		doc.Fulfillments = append(doc.Fulfillments, fulfillmentDoc)
	}

	for _, p := range order.Promotions {
		doc.Promotions = append(doc.Promotions, appliedPromotionDoc{PromotionID: p.PromotionID, Name: p.Name, CouponCode: p.CouponCode})
	}
	for _, ts := range order.TaxSummary {
		doc.TaxSummary = append(doc.TaxSummary, taxSummaryDocument{
			Description: ts.Description,
			TaxRate:     ts.TaxRate.String(),
			TaxBase:     ts.TaxBase,
			TaxTotal:    ts.TaxTotal,
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:               id,
		Code:             d.Code,
		State:            domain.OrderState(d.State),
		Active:           d.Active,
		ChannelID:        d.ChannelID,
		CurrencyCode:     d.CurrencyCode,
		PricesIncludeTax: d.PricesIncludeTax,
		CustomerID:       d.CustomerID,
		ShippingAddress:  d.ShippingAddress.toDomain(),
		BillingAddress:   d.BillingAddress.toDomain(),
		CouponCodes:      append([]string(nil), d.CouponCodes...),
		Discounts:        discountsFromDocuments(d.Discounts),
		SubTotal:         d.SubTotal,
		SubTotalWithTax:  d.SubTotalWithTax,
		Shipping:         d.Shipping,
		ShippingWithTax:  d.ShippingWithTax,
		Total:            d.Total,
		TotalWithTax:     d.TotalWithTax,
		CustomFields:     cloneAnyMap(d.CustomFields),
		Version:          d.Version,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.OrderPlacedAt != nil {
		placed := *d.OrderPlacedAt
		order.OrderPlacedAt = &placed
	}
	if d.Customer != nil {
		customer := d.Customer.toDomain(d.CustomerID)
		order.Customer = &customer
	}

	for _, ld := range d.Lines {
		line := domain.OrderLine{
			ID:                         ld.ID,
			ProductVariantID:           ld.ProductVariantID,
			TaxCategoryID:              ld.TaxCategoryID,
			Quantity:                   ld.Quantity,
			CustomFields:               cloneAnyMap(ld.CustomFields),
			ListPrice:                  ld.ListPrice,
			ListPriceIncludesTax:       ld.ListPriceIncludesTax,
			InitialListPrice:           ld.InitialListPrice,
			UnitPrice:                  ld.UnitPrice,
			UnitPriceWithTax:           ld.UnitPriceWithTax,
			LinePrice:                  ld.LinePrice,
			LinePriceWithTax:           ld.LinePriceWithTax,
			DiscountedLinePrice:        ld.DiscountedLinePrice,
			DiscountedLinePriceWithTax: ld.DiscountedLinePriceWithTax,
			ProratedLinePrice:          ld.ProratedLinePrice,
			ProratedLinePriceWithTax:   ld.ProratedLinePriceWithTax,
			Discounts:                  discountsFromDocuments(ld.Discounts),
			CreatedAt:                  ld.CreatedAt,
			UpdatedAt:                  ld.UpdatedAt,
		}
		for _, tl := range ld.TaxLines {
			line.TaxLines = append(line.TaxLines, domain.TaxLine{Description: tl.Description, TaxRate: parseDecimal(tl.TaxRate)})
		}
		order.Lines = append(order.Lines, line)
	}

	for _, sd := range d.ShippingLines {
		order.ShippingLines = append(order.ShippingLines, domain.ShippingLine{
			ID:                     sd.ID,
			ShippingMethodID:       sd.ShippingMethodID,
			Price:                  sd.Price,
			PriceWithTax:           sd.PriceWithTax,
			DiscountedPrice:        sd.DiscountedPrice,
			DiscountedPriceWithTax: sd.DiscountedPriceWithTax,
			TaxRate:                parseDecimal(sd.TaxRate),
			Discounts:              discountsFromDocuments(sd.Discounts),
		})
	}

	for _, pd := range d.Payments {
		payment := domain.Payment{
			ID:              pd.ID,
			Method:          pd.Method,
			Amount:          pd.Amount,
			State:           domain.PaymentState(pd.State),
			TransactionID:   pd.TransactionID,
			ErrorMessage:    pd.ErrorMessage,
			Metadata:        cloneAnyMap(pd.Metadata),
			PrivateMetadata: cloneAnyMap(pd.PrivateMetadata),
			CreatedAt:       pd.CreatedAt,
			UpdatedAt:       pd.UpdatedAt,
		}
		for _, rd := range pd.Refunds {
			payment.Refunds = append(payment.Refunds, domain.Refund{
				ID:            rd.ID,
				Amount:        rd.Amount,
				Reason:        rd.Reason,
				State:         domain.RefundState(rd.State),
				TransactionID: rd.TransactionID,
				Metadata:      cloneAnyMap(rd.Metadata),
				CreatedAt:     rd.CreatedAt,
			})
		}
		order.Payments = append(order.Payments, payment)
	}

	for _, sd := range d.Surcharges {
		order.Surcharges = append(order.Surcharges, domain.Surcharge{
			ID:                   sd.ID,
			Description:          sd.Description,
			SKU:                  sd.SKU,
			ListPrice:            sd.ListPrice,
			ListPriceIncludesTax: sd.ListPriceIncludesTax,
			TaxRate:              parseDecimal(sd.TaxRate),
			Price:                sd.Price,
			PriceWithTax:         sd.PriceWithTax,
			CreatedAt:            sd.CreatedAt,
		})
	}

	for _, fd := range d.Fulfillments {
		fulfillment := domain.Fulfillment{
			ID:           fd.ID,
			State:        domain.FulfillmentState(fd.State),
			HandlerCode:  fd.HandlerCode,
			Method:       fd.Method,
			TrackingCode: fd.TrackingCode,
			CreatedAt:    fd.CreatedAt,
			UpdatedAt:    fd.UpdatedAt,
		}
		for _, fl := range fd.Lines {
			fulfillment.Lines = append(fulfillment.Lines, domain.FulfillmentLine{OrderLineID: fl.OrderLineID, Quantity: fl.Quantity})
		}
		order.Fulfillments = append(order.Fulfillments, fulfillment)
	}

	for _, p := range d.Promotions {
		order.Promotions = append(order.Promotions, domain.AppliedPromotion{PromotionID: p.PromotionID, Name: p.Name, CouponCode: p.CouponCode})
	}
	for _, ts := range d.TaxSummary {
		order.TaxSummary = append(order.TaxSummary, domain.TaxSummary{
			Description: ts.Description,
			TaxRate:     parseDecimal(ts.TaxRate),
			TaxBase:     ts.TaxBase,
			TaxTotal:    ts.TaxTotal,
		})
	}
	return order
}

func newAddressDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		FullName:    addr.FullName,
		Company:     addr.Company,
		StreetLine1: addr.StreetLine1,
		StreetLine2: addr.StreetLine2,
		City:        addr.City,
		Province:    addr.Province,
		PostalCode:  addr.PostalCode,
		CountryCode: addr.CountryCode,
		Phone:       addr.Phone,
	}
}

func (d *addressDocument) toDomain() *domain.Address {
	if d == nil {
		return nil
	}
	return &domain.Address{
		FullName:    d.FullName,
		Company:     d.Company,
		StreetLine1: d.StreetLine1,
		StreetLine2: d.StreetLine2,
		City:        d.City,
		Province:    d.Province,
		PostalCode:  d.PostalCode,
		CountryCode: d.CountryCode,
		Phone:       d.Phone,
	}
}

func newDiscountDocuments(discounts []domain.Discount) []discountDocument {
	if len(discounts) == 0 {
		return nil
	}
	out := make([]discountDocument, 0, len(discounts))
	for _, d := range discounts {
		out = append(out, discountDocument{
			PromotionID:   d.PromotionID,
			Description:   d.Description,
			Type:          string(d.Type),
			Amount:        d.Amount,
			AmountWithTax: d.AmountWithTax,
		})
	}
	return out
}

func discountsFromDocuments(docs []discountDocument) []domain.Discount {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.Discount, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.Discount{
			PromotionID:   d.PromotionID,
			Description:   d.Description,
			Type:          domain.DiscountType(d.Type),
			Amount:        d.Amount,
			AmountWithTax: d.AmountWithTax,
		})
	}
	return out
}
