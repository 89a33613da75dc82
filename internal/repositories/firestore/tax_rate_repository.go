package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const taxRatesCollection = "taxRates"

// TaxRateRepository resolves tax rates by category, zone and customer group.
type TaxRateRepository struct {
	base *pfirestore.BaseRepository[taxRateDocument]
}

// NewTaxRateRepository constructs a Firestore-backed tax rate repository.
func NewTaxRateRepository(provider *pfirestore.Provider) (*TaxRateRepository, error) {
	if provider == nil {
		return nil, errors.New("tax rate repository requires firestore provider")
	}
	return &TaxRateRepository{
		base: pfirestore.NewBaseRepository[taxRateDocument](provider, taxRatesCollection),
	}, nil
}

// FindApplicable prefers a rate scoped to the customer group and falls back to the ungrouped rate.
func (r *TaxRateRepository) FindApplicable(ctx context.Context, categoryID, zoneID, customerGroupID string) (domain.TaxRate, error) {
	categoryID = strings.TrimSpace(categoryID)
	zoneID = strings.TrimSpace(zoneID)
	customerGroupID = strings.TrimSpace(customerGroupID)

	if customerGroupID != "" {
		rate, err := r.find(ctx, categoryID, zoneID, customerGroupID)
		if err == nil || !repositories.IsNotFound(err) {
			return rate, err
		}
	}
	return r.find(ctx, categoryID, zoneID, "")
}

func (r *TaxRateRepository) find(ctx context.Context, categoryID, zoneID, groupID string) (domain.TaxRate, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("categoryId", "==", categoryID).
			Where("zoneId", "==", zoneID).
			Where("customerGroupId", "==", groupID).
			Where("enabled", "==", true).
			Limit(1)
	})
	if err != nil {
		return domain.TaxRate{}, err
	}
	if len(docs) == 0 {
		return domain.TaxRate{}, repositories.NewNotFoundError("taxRates.findApplicable",
			"no rate for category "+categoryID+" in zone "+zoneID)
	}
	d := docs[0].Data
	return domain.TaxRate{
		ID:              docs[0].ID,
		Name:            d.Name,
		CategoryID:      d.CategoryID,
		ZoneID:          d.ZoneID,
		CustomerGroupID: d.CustomerGroupID,
		Value:           parseDecimal(d.Value),
		Enabled:         d.Enabled,
	}, nil
}

type taxRateDocument struct {
	Name            string `firestore:"name"`
	CategoryID      string `firestore:"categoryId"`
	ZoneID          string `firestore:"zoneId"`
	CustomerGroupID string `firestore:"customerGroupId"`
	Value           string `firestore:"value"`
	Enabled         bool   `firestore:"enabled"`
}
