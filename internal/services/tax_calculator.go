package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// TaxZoneStrategy decides which tax zone applies to an order.
type TaxZoneStrategy interface {
	DetermineZone(ctx context.Context, channel domain.Channel, order domain.Order) string
}

// CountryTaxZoneStrategy maps the shipping (or billing) address country to a zone, falling back to
// the channel default zone.
type CountryTaxZoneStrategy struct {
	CountryZones map[string]string
}

// DetermineZone implements TaxZoneStrategy.
func (s CountryTaxZoneStrategy) DetermineZone(_ context.Context, channel domain.Channel, order domain.Order) string {
	for _, addr := range []*domain.Address{order.ShippingAddress, order.BillingAddress} {
		if addr == nil {
			continue
		}
		country := strings.ToLower(strings.TrimSpace(addr.CountryCode))
		if zone, ok := s.CountryZones[country]; ok && zone != "" {
			return zone
		}
	}
	return channel.DefaultTaxZoneID
}

// TaxCalculator resolves applicable tax rates for order lines.
type TaxCalculator struct {
	rates repositories.TaxRateRepository
	zones TaxZoneStrategy
}

// NewTaxCalculator constructs a TaxCalculator.
func NewTaxCalculator(rates repositories.TaxRateRepository, zones TaxZoneStrategy) (*TaxCalculator, error) {
	if rates == nil {
		return nil, errors.New("tax calculator: tax rate repository is required")
	}
	if zones == nil {
		zones = CountryTaxZoneStrategy{}
	}
	return &TaxCalculator{rates: rates, zones: zones}, nil
}

// TaxRateResolver caches rate lookups for the duration of a single recalculation.
type TaxRateResolver struct {
	calc  *TaxCalculator
	zone  string
	group string
	cache map[string]domain.TaxRate
}

// Resolver binds the zone and customer group of the order so repeated lookups are cheap.
func (c *TaxCalculator) Resolver(ctx context.Context, channel domain.Channel, order domain.Order) *TaxRateResolver {
	group := ""
	if order.Customer != nil && len(order.Customer.GroupIDs) > 0 {
		group = order.Customer.GroupIDs[0]
	}
	return &TaxRateResolver{
		calc:  c,
		zone:  c.zones.DetermineZone(ctx, channel, order),
		group: group,
		cache: make(map[string]domain.TaxRate),
	}
}

// Zone returns the zone the resolver was bound to.
func (r *TaxRateResolver) Zone() string {
	return r.zone
}

// RateFor returns the tax rate for a tax category. A missing rate is fatal for recalculation.
func (r *TaxRateResolver) RateFor(ctx context.Context, categoryID string) (domain.TaxRate, error) {
	if rate, ok := r.cache[categoryID]; ok {
		return rate, nil
	}
	rate, err := r.calc.rates.FindApplicable(ctx, categoryID, r.zone, r.group)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.TaxRate{}, fmt.Errorf("%w: category %q zone %q", ErrTaxRateNotFound, categoryID, r.zone)
		}
		return domain.TaxRate{}, err
	}
	r.cache[categoryID] = rate
	return rate, nil
}

// TaxLinesFor builds the tax lines for a rate.
func TaxLinesFor(rate domain.TaxRate) []domain.TaxLine {
	return []domain.TaxLine{{Description: rate.Name, TaxRate: rate.Value}}
}
