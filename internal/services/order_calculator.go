package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/shipping"
)

// ChannelProvider resolves the pricing configuration of a sales channel.
type ChannelProvider interface {
	Channel(ctx context.Context, channelID string) (domain.Channel, error)
}

// StaticChannels serves channels from configuration. An empty or unknown id resolves to Default
// when Strict is false.
type StaticChannels struct {
	Default domain.Channel
	ByID    map[string]domain.Channel
	Strict  bool
}

// Channel implements ChannelProvider.
func (s StaticChannels) Channel(_ context.Context, channelID string) (domain.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || channelID == s.Default.ID {
		return s.Default, nil
	}
	if ch, ok := s.ByID[channelID]; ok {
		return ch, nil
	}
	if s.Strict {
		return domain.Channel{}, fmt.Errorf("%w: unknown channel %q", ErrOrderInvalidInput, channelID)
	}
	return s.Default, nil
}

// OrderCalculator derives every money field of an order from its lines, selections and the
// current catalog. Running it twice without intervening changes yields identical figures.
type OrderCalculator struct {
	channels   ChannelProvider
	variants   repositories.VariantRepository
	promotions repositories.PromotionRepository
	methods    repositories.ShippingMethodRepository
	taxes      *TaxCalculator
	shipping   *shipping.Registry
	engine     *PromotionEngine
}

// OrderCalculatorDeps bundles calculator collaborators.
type OrderCalculatorDeps struct {
	Channels        ChannelProvider
	Variants        repositories.VariantRepository
	Promotions      repositories.PromotionRepository
	ShippingMethods repositories.ShippingMethodRepository
	Taxes           *TaxCalculator
	Shipping        *shipping.Registry
	Engine          *PromotionEngine
}

// NewOrderCalculator validates and wires the calculator.
func NewOrderCalculator(deps OrderCalculatorDeps) (*OrderCalculator, error) {
	if deps.Channels == nil {
		return nil, errors.New("order calculator: channel provider is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("order calculator: variant repository is required")
	}
	if deps.Taxes == nil {
		return nil, errors.New("order calculator: tax calculator is required")
	}
	reg := deps.Shipping
	if reg == nil {
		reg = shipping.NewRegistry(nil, nil)
	}
	engine := deps.Engine
	if engine == nil {
		engine = NewPromotionEngine(nil, nil, nil)
	}
	return &OrderCalculator{
		channels:   deps.Channels,
		variants:   deps.Variants,
		promotions: deps.Promotions,
		methods:    deps.ShippingMethods,
		taxes:      deps.Taxes,
		shipping:   reg,
		engine:     engine,
	}, nil
}

// Recalculate re-prices lines, shipping and surcharges, re-applies promotions from scratch and
// recomputes totals and the tax summary.
func (c *OrderCalculator) Recalculate(ctx context.Context, _ RequestContext, order *domain.Order) error {
	if order == nil {
		return errors.New("order calculator: order is required")
	}
	ctx, span := serviceTracer.Start(ctx, "order.recalculate")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("order.lines", len(order.Lines)))

	channel, err := c.channels.Channel(ctx, order.ChannelID)
	if err != nil {
		return err
	}
	order.PricesIncludeTax = channel.PricesIncludeTax
	if order.CurrencyCode == "" {
		order.CurrencyCode = channel.CurrencyCode
	}

	resolver := c.taxes.Resolver(ctx, channel, *order)
	for i := range order.Lines {
		if err := c.priceLine(ctx, channel, resolver, &order.Lines[i]); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if err := c.priceShipping(ctx, order); err != nil {
		span.RecordError(err)
		return err
	}
	for i := range order.Surcharges {
		s := &order.Surcharges[i]
		lp := CalculateLinePrice(s.ListPrice, s.ListPriceIncludesTax, s.TaxRate, 1)
		s.Price, s.PriceWithTax = lp.UnitPrice, lp.UnitPriceWithTax
	}

	var promotions []domain.Promotion
	if c.promotions != nil {
		promotions, err = c.promotions.ListEnabled(ctx)
		if err != nil {
			return fmt.Errorf("order calculator: list promotions: %w", err)
		}
	}
	if err := c.engine.Apply(ctx, order, promotions); err != nil {
		span.RecordError(err)
		return err
	}

	applyTotals(order)
	order.TaxSummary = taxSummary(*order)
	return nil
}

func (c *OrderCalculator) priceLine(ctx context.Context, channel domain.Channel, resolver *TaxRateResolver, line *domain.OrderLine) error {
	variant, err := c.variants.FindByID(ctx, line.ProductVariantID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrProductVariantNotFound, line.ProductVariantID)
		}
		return err
	}
	rate, err := resolver.RateFor(ctx, variant.TaxCategoryID)
	if err != nil {
		return err
	}
	price := channelPrice(variant.Price, channel.PriceFactor)
	lp := CalculateLinePrice(price, channel.PricesIncludeTax, rate.Value, line.Quantity)

	line.TaxCategoryID = variant.TaxCategoryID
	line.ListPrice = price
	line.ListPriceIncludesTax = channel.PricesIncludeTax
	if line.InitialListPrice == 0 {
		line.InitialListPrice = price
	}
	line.UnitPrice = lp.UnitPrice
	line.UnitPriceWithTax = lp.UnitPriceWithTax
	line.LinePrice = lp.LinePrice
	line.LinePriceWithTax = lp.LinePriceWithTax
	line.TaxLines = TaxLinesFor(rate)
	return nil
}

func (c *OrderCalculator) priceShipping(ctx context.Context, order *domain.Order) error {
	for i := range order.ShippingLines {
		sl := &order.ShippingLines[i]
		if c.methods == nil {
			return fmt.Errorf("%w: %s", ErrShippingMethodNotFound, sl.ShippingMethodID)
		}
		method, err := c.methods.FindByID(ctx, sl.ShippingMethodID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return fmt.Errorf("%w: %s", ErrShippingMethodNotFound, sl.ShippingMethodID)
			}
			return err
		}
		quote, err := c.shipping.Quote(ctx, method, *order)
		if err != nil {
			return fmt.Errorf("shipping method %s: %w", method.Code, err)
		}
		lp := CalculateLinePrice(quote.Price, quote.PriceIncludesTax, quote.TaxRate, 1)
		sl.Price, sl.PriceWithTax = lp.UnitPrice, lp.UnitPriceWithTax
		sl.TaxRate = quote.TaxRate
	}
	return nil
}

func channelPrice(price int64, factor decimal.Decimal) int64 {
	if factor.IsZero() || factor.Equal(decimal.NewFromInt(1)) {
		return price
	}
	return roundMinor(decimal.NewFromInt(price).Mul(factor))
}

func applyTotals(order *domain.Order) {
	var sub, subTax, ship, shipTax, shipDisc, shipDiscTax, sur, surTax int64
	for _, line := range order.Lines {
		sub += line.ProratedLinePrice
		subTax += line.ProratedLinePriceWithTax
	}
	for _, sl := range order.ShippingLines {
		ship += sl.Price
		shipTax += sl.PriceWithTax
		shipDisc += sl.DiscountedPrice - sl.Price
		shipDiscTax += sl.DiscountedPriceWithTax - sl.PriceWithTax
	}
	for _, s := range order.Surcharges {
		sur += s.Price
		surTax += s.PriceWithTax
	}
	order.SubTotal, order.SubTotalWithTax = sub, subTax
	order.Shipping, order.ShippingWithTax = ship, shipTax
	order.Total = sub + ship + shipDisc + sur
	order.TotalWithTax = subTax + shipTax + shipDiscTax + surTax
}

func taxSummary(order domain.Order) []domain.TaxSummary {
	type key struct {
		description string
		rate        string
	}
	rows := map[key]*domain.TaxSummary{}
	var keys []key
	add := func(description string, rate decimal.Decimal, net, gross int64) {
		k := key{description: description, rate: rate.String()}
		row, ok := rows[k]
		if !ok {
			row = &domain.TaxSummary{Description: description, TaxRate: rate}
			rows[k] = row
			keys = append(keys, k)
		}
		row.TaxBase += net
		row.TaxTotal += gross - net
	}
	for _, line := range order.Lines {
		description := ""
		if len(line.TaxLines) > 0 {
			description = line.TaxLines[0].Description
		}
		add(description, line.TaxRateValue(), line.ProratedLinePrice, line.ProratedLinePriceWithTax)
	}
	for _, sl := range order.ShippingLines {
		add("shipping tax", sl.TaxRate, sl.DiscountedPrice, sl.DiscountedPriceWithTax)
	}
	for _, s := range order.Surcharges {
		add(s.Description, s.TaxRate, s.Price, s.PriceWithTax)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return rows[keys[i]].TaxRate.GreaterThan(rows[keys[j]].TaxRate)
	})
	out := make([]domain.TaxSummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, *rows[k])
	}
	return out
}
