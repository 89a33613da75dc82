package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	promotionsCollection      = "promotions"
	promotionUsagesCollection = "promotionUsages"
)

// PromotionRepository reads promotion configuration and records coupon usage.
type PromotionRepository struct {
	promotions *pfirestore.BaseRepository[promotionDocument]
	usages     *pfirestore.BaseRepository[promotionUsageDocument]
}

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		promotions: pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection),
		usages:     pfirestore.NewBaseRepository[promotionUsageDocument](provider, promotionUsagesCollection),
	}, nil
}

// ListEnabled returns enabled promotions. Date windows are evaluated by the promotion engine.
func (r *PromotionRepository) ListEnabled(ctx context.Context) ([]domain.Promotion, error) {
	docs, err := r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("enabled", "==", true)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Promotion, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// FindByCouponCode matches coupon codes case-insensitively.
func (r *PromotionRepository) FindByCouponCode(ctx context.Context, code string) (domain.Promotion, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return domain.Promotion{}, repositories.NewNotFoundError("promotions.findByCoupon", "coupon code is required")
	}
	docs, err := r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("couponCodeKey", "==", normalized).Limit(1)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(docs) == 0 {
		return domain.Promotion{}, repositories.NewNotFoundError("promotions.findByCoupon", "coupon "+code+" not found")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *PromotionRepository) CountUsage(ctx context.Context, promotionID, customerID string) (int, error) {
	docs, err := r.usages.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("promotionId", "==", strings.TrimSpace(promotionID))
		if customerID = strings.TrimSpace(customerID); customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		return q
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// RecordUsage stores the usage keyed by promotion and order, then bumps the promotion usage count.
func (r *PromotionRepository) RecordUsage(ctx context.Context, usage repositories.PromotionUsage) error {
	promotionID := strings.TrimSpace(usage.PromotionID)
	orderID := strings.TrimSpace(usage.OrderID)
	if promotionID == "" || orderID == "" {
		return errors.New("promotion repository: promotion and order ids are required")
	}
	usedAt := usage.UsedAt.UTC()
	if usedAt.IsZero() {
		usedAt = time.Now().UTC()
	}
	if err := r.usages.Create(ctx, promotionID+"_"+orderID, promotionUsageDocument{
		PromotionID: promotionID,
		CustomerID:  strings.TrimSpace(usage.CustomerID),
		OrderID:     orderID,
		UsedAt:      usedAt,
	}); err != nil {
		return err
	}
	return r.promotions.Update(ctx, promotionID, []firestore.Update{
		{Path: "usageCount", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: usedAt},
	})
}

type promotionDocument struct {
	Name                  string              `firestore:"name"`
	CouponCode            string              `firestore:"couponCode,omitempty"`
	CouponCodeKey         string              `firestore:"couponCodeKey,omitempty"`
	Enabled               bool                `firestore:"enabled"`
	StartsAt              *time.Time          `firestore:"startsAt,omitempty"`
	EndsAt                *time.Time          `firestore:"endsAt,omitempty"`
	Priority              int                 `firestore:"priority"`
	Conditions            []operationDocument `firestore:"conditions,omitempty"`
	Actions               []operationDocument `firestore:"actions,omitempty"`
	UsageLimit            int                 `firestore:"usageLimit,omitempty"`
	PerCustomerUsageLimit int                 `firestore:"perCustomerUsageLimit,omitempty"`
	UsageCount            int                 `firestore:"usageCount"`
	CreatedAt             time.Time           `firestore:"createdAt"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
}

type promotionUsageDocument struct {
	PromotionID string    `firestore:"promotionId"`
	CustomerID  string    `firestore:"customerId,omitempty"`
	OrderID     string    `firestore:"orderId"`
	UsedAt      time.Time `firestore:"usedAt"`
}

func (d promotionDocument) toDomain(id string) domain.Promotion {
	promo := domain.Promotion{
		ID:                    id,
		Name:                  d.Name,
		CouponCode:            d.CouponCode,
		Enabled:               d.Enabled,
		Priority:              d.Priority,
		Conditions:            operationsFromDocuments(d.Conditions),
		Actions:               operationsFromDocuments(d.Actions),
		UsageLimit:            d.UsageLimit,
		PerCustomerUsageLimit: d.PerCustomerUsageLimit,
		UsageCount:            d.UsageCount,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	if d.StartsAt != nil {
		starts := *d.StartsAt
		promo.StartsAt = &starts
	}
	if d.EndsAt != nil {
		ends := *d.EndsAt
		promo.EndsAt = &ends
	}
	return promo
}
