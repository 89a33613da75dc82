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
	stockLevelsCollection    = "stockLevels"
	stockMovementsCollection = "stockMovements"
)

// StockRepository keeps stock levels and their movement ledger consistent inside one transaction.
type StockRepository struct {
	levels    *pfirestore.BaseRepository[stockLevelDocument]
	movements *pfirestore.BaseRepository[stockMovementDocument]
	unit      *pfirestore.UnitOfWork
	clock     func() time.Time
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	return &StockRepository{
		levels:    pfirestore.NewBaseRepository[stockLevelDocument](provider, stockLevelsCollection),
		movements: pfirestore.NewBaseRepository[stockMovementDocument](provider, stockMovementsCollection),
		unit:      pfirestore.NewUnitOfWork(provider),
		clock:     time.Now,
	}, nil
}

// Levels returns the variant's levels ordered by location id.
func (r *StockRepository) Levels(ctx context.Context, variantID string) ([]domain.StockLevel, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return nil, nil
	}
	docs, err := r.levels.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("productVariantId", "==", variantID).OrderBy("stockLocationId", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockLevel, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain())
	}
	return out, nil
}

// ListMovements returns the order's ledger entries in creation order.
func (r *StockRepository) ListMovements(ctx context.Context, orderID string) ([]domain.StockMovement, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil
	}
	docs, err := r.movements.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", orderID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StockMovement, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

// ApplyChanges reads every touched level, validates the resulting counters and stages the level and
// ledger writes. Nothing is written when any change fails validation.
func (r *StockRepository) ApplyChanges(ctx context.Context, changes []repositories.StockChange) error {
	if len(changes) == 0 {
		return nil
	}
	return r.unit.RunInTx(ctx, func(ctx context.Context) error {
		now := r.clock().UTC()
		staged := make(map[string]stockLevelDocument, len(changes))
		order := make([]string, 0, len(changes))

		for _, change := range changes {
			mv := change.Movement
			key := stockLevelID(mv.ProductVariantID, mv.StockLocationID)
			level, seen := staged[key]
			if !seen {
				doc, err := r.levels.Get(ctx, key)
				switch {
				case err == nil:
					level = doc.Data
				case repositories.IsNotFound(err):
					if change.Enforce {
						return repositories.NewStockError(repositories.StockErrorLevelNotFound, mv.ProductVariantID, mv.StockLocationID)
					}
					level = stockLevelDocument{ProductVariantID: mv.ProductVariantID, StockLocationID: mv.StockLocationID}
				default:
					return err
				}
				order = append(order, key)
			}

			level.StockAllocated += change.AllocatedDelta()
			level.StockOnHand += change.OnHandDelta()
			if change.Enforce && level.StockAllocated > level.StockOnHand {
				return repositories.NewStockError(repositories.StockErrorInsufficient, mv.ProductVariantID, mv.StockLocationID)
			}
			if level.StockAllocated < 0 {
				return repositories.NewStockError(repositories.StockErrorNegative, mv.ProductVariantID, mv.StockLocationID)
			}
			level.UpdatedAt = now
			staged[key] = level
		}

		for _, key := range order {
			if err := r.levels.Set(ctx, key, staged[key]); err != nil {
				return err
			}
		}
		for _, change := range changes {
			mv := change.Movement
			if mv.CreatedAt.IsZero() {
				mv.CreatedAt = now
			}
			if err := r.movements.Create(ctx, mv.ID, newStockMovementDocument(mv)); err != nil {
				return err
			}
		}
		return nil
	})
}

func stockLevelID(variantID, locationID string) string {
	return strings.TrimSpace(variantID) + "_" + strings.TrimSpace(locationID)
}

type stockLevelDocument struct {
	ProductVariantID string    `firestore:"productVariantId"`
	StockLocationID  string    `firestore:"stockLocationId"`
	StockOnHand      int       `firestore:"stockOnHand"`
	StockAllocated   int       `firestore:"stockAllocated"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

func (d stockLevelDocument) toDomain() domain.StockLevel {
	return domain.StockLevel{
		ProductVariantID: d.ProductVariantID,
		StockLocationID:  d.StockLocationID,
		StockOnHand:      d.StockOnHand,
		StockAllocated:   d.StockAllocated,
		UpdatedAt:        d.UpdatedAt,
	}
}

type stockMovementDocument struct {
	Type             string    `firestore:"type"`
	ProductVariantID string    `firestore:"productVariantId"`
	StockLocationID  string    `firestore:"stockLocationId"`
	Quantity         int       `firestore:"quantity"`
	OrderID          string    `firestore:"orderId,omitempty"`
	OrderLineID      string    `firestore:"orderLineId,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt"`
}

func newStockMovementDocument(mv domain.StockMovement) stockMovementDocument {
	return stockMovementDocument{
		Type:             string(mv.Type),
		ProductVariantID: mv.ProductVariantID,
		StockLocationID:  mv.StockLocationID,
		Quantity:         mv.Quantity,
		OrderID:          mv.OrderID,
		OrderLineID:      mv.OrderLineID,
		CreatedAt:        mv.CreatedAt.UTC(),
	}
}

func (d stockMovementDocument) toDomain(id string) domain.StockMovement {
	return domain.StockMovement{
		ID:               id,
		Type:             domain.StockMovementType(d.Type),
		ProductVariantID: d.ProductVariantID,
		StockLocationID:  d.StockLocationID,
		Quantity:         d.Quantity,
		OrderID:          d.OrderID,
		OrderLineID:      d.OrderLineID,
		CreatedAt:        d.CreatedAt,
	}
}
