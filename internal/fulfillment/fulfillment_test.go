package fulfillment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/orders/internal/domain"
)

func TestManualHandlerRequiresMethod(t *testing.T) {
	reg := NewRegistry()
	h, ok := reg.Lookup("manual")
	require.True(t, ok)

	_, err := h.CreateFulfillment(context.Background(), domain.Order{}, nil, map[string]string{})
	require.Error(t, err)

	res, err := h.CreateFulfillment(context.Background(), domain.Order{}, nil, map[string]string{"method": "Yamato ", "trackingCode": " 1234"})
	require.NoError(t, err)
	require.Equal(t, Result{Method: "Yamato", TrackingCode: "1234"}, res)

	_, ok = reg.Lookup("dhl")
	require.False(t, ok)
}
