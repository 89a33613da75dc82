package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

type operationDocument struct {
	Code string            `firestore:"code"`
	Args map[string]string `firestore:"args,omitempty"`
}

func newOperationDocument(op domain.ConfigurableOperation) operationDocument {
	return operationDocument{Code: strings.TrimSpace(op.Code), Args: cloneStringMap(op.Args)}
}

func (d operationDocument) toDomain() domain.ConfigurableOperation {
	return domain.ConfigurableOperation{Code: d.Code, Args: cloneStringMap(d.Args)}
}

func operationsFromDocuments(docs []operationDocument) []domain.ConfigurableOperation {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.ConfigurableOperation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	return out
}

// decimals are stored as strings to keep the exact rate value.
func decimalString(value decimal.Decimal) string {
	if value.IsZero() {
		return ""
	}
	return value.String()
}

func parseDecimal(value string) decimal.Decimal {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return parsed
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// getDocument loads a document and maps Firestore not-found into a repository not-found error.
func getDocument[T any](ctx context.Context, base *pfirestore.BaseRepository[T], op, id string) (pfirestore.Document[T], error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return pfirestore.Document[T]{}, repositories.NewNotFoundError(op, "id is required")
	}
	doc, err := base.Get(ctx, id)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return pfirestore.Document[T]{}, repositories.NewNotFoundError(op, id+" not found")
		}
		return pfirestore.Document[T]{}, err
	}
	return doc, nil
}
