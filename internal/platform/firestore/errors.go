package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/repositories"
)

// WrapError classifies a Firestore error as a repositories.PersistenceError so services can tell a
// missing order from a lost optimistic race. Aborted transactions surface as conflicts, which the
// order service retries. Context cancellations pass through untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var persistence *repositories.PersistenceError
	if errors.As(err, &persistence) {
		if persistence.Op == "" {
			persistence.Op = op
		}
		return persistence
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.NotFound:
		return repositories.NewNotFoundError(op, status.Convert(err).Message())
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewConflictError(op, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		return repositories.NewUnavailableError(op, err)
	default:
		return &repositories.PersistenceError{Op: op, Err: err}
	}
}
