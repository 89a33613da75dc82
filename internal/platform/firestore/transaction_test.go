package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/repositories"
)

func TestTransactionFromWithoutUnitOfWork(t *testing.T) {
	tx, ok := TransactionFrom(context.Background())
	require.False(t, ok)
	require.Nil(t, tx)
}

func TestUnitOfWorkJoinsOuterTransaction(t *testing.T) {
	state := &txState{pending: map[string]any{}}
	ctx := context.WithValue(context.Background(), txStateKey{}, state)

	called := false
	err := (&UnitOfWork{}).RunInTx(ctx, func(inner context.Context) error {
		called = true
		require.Same(t, state, stateFrom(inner))
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestUnitOfWorkRequiresProvider(t *testing.T) {
	err := NewUnitOfWork(nil).RunInTx(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
}

func TestTxStateStagesAndFlushes(t *testing.T) {
	state := &txState{pending: map[string]any{}}
	var order []string
	state.stage("orders/ord_1", "v1", func(*firestore.Transaction) error { order = append(order, "a"); return nil })
	state.stage("orders/ord_1", nil, func(*firestore.Transaction) error { order = append(order, "b"); return nil })

	value, ok := state.staged("orders/ord_1")
	require.True(t, ok)
	require.Nil(t, value)

	require.NoError(t, state.flush())
	require.Equal(t, []string{"a", "b"}, order)
	require.NoError(t, state.flush())
	require.Len(t, order, 2)
}

func TestWrapErrorClassification(t *testing.T) {
	require.NoError(t, WrapError("op", nil))

	notFound := WrapError("orders.get", status.Error(codes.NotFound, "missing"))
	require.True(t, repositories.IsNotFound(notFound))
	require.EqualError(t, notFound, "orders.get: missing")

	require.True(t, repositories.IsConflict(WrapError("orders.create", status.Error(codes.AlreadyExists, "exists"))))
	require.True(t, repositories.IsConflict(WrapError("orders.update", status.Error(codes.Aborted, "contention"))))
	require.True(t, repositories.IsUnavailable(WrapError("orders.get", status.Error(codes.Unavailable, "down"))))

	require.ErrorIs(t, WrapError("orders.get", status.Error(codes.Canceled, "stop")), context.Canceled)

	wrapped := WrapError("orders.save", repositories.NewConflictError("", errors.New("stale")))
	var persistence *repositories.PersistenceError
	require.True(t, errors.As(wrapped, &persistence))
	require.Equal(t, "orders.save", persistence.Op)
}
