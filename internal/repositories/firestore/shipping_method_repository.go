package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
)

const shippingMethodsCollection = "shippingMethods"

// ShippingMethodRepository resolves configured shipping methods.
type ShippingMethodRepository struct {
	base *pfirestore.BaseRepository[shippingMethodDocument]
}

// NewShippingMethodRepository constructs a Firestore-backed shipping method repository.
func NewShippingMethodRepository(provider *pfirestore.Provider) (*ShippingMethodRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping method repository requires firestore provider")
	}
	return &ShippingMethodRepository{
		base: pfirestore.NewBaseRepository[shippingMethodDocument](provider, shippingMethodsCollection),
	}, nil
}

func (r *ShippingMethodRepository) FindByID(ctx context.Context, methodID string) (domain.ShippingMethod, error) {
	doc, err := getDocument(ctx, r.base, "shippingMethods.get", methodID)
	if err != nil {
		return domain.ShippingMethod{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ShippingMethodRepository) ListEnabled(ctx context.Context) ([]domain.ShippingMethod, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("enabled", "==", true)
	})
	if err != nil {
		return nil, err
	}
	methods := make([]domain.ShippingMethod, 0, len(docs))
	for _, doc := range docs {
		methods = append(methods, doc.Data.toDomain(doc.ID))
	}
	return methods, nil
}

type shippingMethodDocument struct {
	Code       string            `firestore:"code"`
	Name       string            `firestore:"name"`
	Enabled    bool              `firestore:"enabled"`
	Checker    operationDocument `firestore:"checker"`
	Calculator operationDocument `firestore:"calculator"`
}

func (d shippingMethodDocument) toDomain(id string) domain.ShippingMethod {
	return domain.ShippingMethod{
		ID:         id,
		Code:       d.Code,
		Name:       d.Name,
		Enabled:    d.Enabled,
		Checker:    d.Checker.toDomain(),
		Calculator: d.Calculator.toDomain(),
	}
}
