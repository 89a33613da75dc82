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

const customersCollection = "customers"

// CustomerRepository persists shopper records.
type CustomerRepository struct {
	base *pfirestore.BaseRepository[customerDocument]
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		base: pfirestore.NewBaseRepository[customerDocument](provider, customersCollection),
	}, nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	doc, err := getDocument(ctx, r.base, "customers.get", customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByEmail matches the normalised (lower-cased) email address.
func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	return r.findOne(ctx, "customers.findByEmail", "email", strings.ToLower(strings.TrimSpace(email)))
}

func (r *CustomerRepository) FindByUserID(ctx context.Context, userID string) (domain.Customer, error) {
	return r.findOne(ctx, "customers.findByUserId", "userId", strings.TrimSpace(userID))
}

func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) error {
	return r.base.Create(ctx, customer.ID, newCustomerDocument(customer))
}

func (r *CustomerRepository) Update(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return errors.New("customer repository: customer id is required")
	}
	return r.base.Set(ctx, customer.ID, newCustomerDocument(customer))
}

func (r *CustomerRepository) findOne(ctx context.Context, op, field, value string) (domain.Customer, error) {
	if value == "" {
		return domain.Customer{}, repositories.NewNotFoundError(op, field+" is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, repositories.NewNotFoundError(op, "customer not found")
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

type customerDocument struct {
	Email     string    `firestore:"email"`
	FirstName string    `firestore:"firstName,omitempty"`
	LastName  string    `firestore:"lastName,omitempty"`
	Phone     string    `firestore:"phone,omitempty"`
	UserID    string    `firestore:"userId,omitempty"`
	GroupIDs  []string  `firestore:"groupIds,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newCustomerDocument(c domain.Customer) customerDocument {
	return customerDocument{
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
		UserID:    strings.TrimSpace(c.UserID),
		GroupIDs:  append([]string(nil), c.GroupIDs...),
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

func (d customerDocument) toDomain(id string) domain.Customer {
	return domain.Customer{
		ID:        id,
		Email:     d.Email,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		Phone:     d.Phone,
		UserID:    d.UserID,
		GroupIDs:  append([]string(nil), d.GroupIDs...),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
