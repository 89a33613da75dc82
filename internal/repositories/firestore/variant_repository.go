package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const variantsCollection = "productVariants"

// VariantRepository resolves purchasable product variants.
type VariantRepository struct {
	base *pfirestore.BaseRepository[variantDocument]
}

// NewVariantRepository constructs a Firestore-backed variant repository.
func NewVariantRepository(provider *pfirestore.Provider) (*VariantRepository, error) {
	if provider == nil {
		return nil, errors.New("variant repository requires firestore provider")
	}
	return &VariantRepository{
		base: pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection),
	}, nil
}

func (r *VariantRepository) FindByID(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	doc, err := getDocument(ctx, r.base, "productVariants.get", variantID)
	if err != nil {
		return domain.ProductVariant{}, err
	}
	d := doc.Data
	variant := domain.ProductVariant{
		ID:             doc.ID,
		ProductID:      d.ProductID,
		SKU:            d.SKU,
		Name:           d.Name,
		Price:          d.Price,
		TaxCategoryID:  d.TaxCategoryID,
		Enabled:        d.Enabled,
		TrackInventory: d.TrackInventory,
	}
	if d.DeletedAt != nil {
		deleted := *d.DeletedAt
		variant.DeletedAt = &deleted
	}
	return variant, nil
}

type variantDocument struct {
	ProductID      string     `firestore:"productId"`
	SKU            string     `firestore:"sku"`
	Name           string     `firestore:"name"`
	Price          int64      `firestore:"price"`
	TaxCategoryID  string     `firestore:"taxCategoryId,omitempty"`
	Enabled        bool       `firestore:"enabled"`
	TrackInventory bool       `firestore:"trackInventory"`
	DeletedAt      *time.Time `firestore:"deletedAt,omitempty"`
}
