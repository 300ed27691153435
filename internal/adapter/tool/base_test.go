package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type shiftParams struct {
	Action string `json:"action"`
	KWh    float64
}

func shiftHandler() func(context.Context, trace.Span, shiftParams) (any, error) {
	return Dispatch(func(p shiftParams) string { return p.Action }, ActionMap[shiftParams]{
		"precondition": func(_ context.Context, _ shiftParams) (any, error) { return "rooms warmed", nil },
		"charge_storage": func(_ context.Context, p shiftParams) (any, error) {
			if p.KWh <= 0 {
				return nil, assert.AnError
			}
			return p.KWh, nil
		},
		"defer_load": func(_ context.Context, _ shiftParams) (any, error) { return "deferred", nil },
	})
}

func TestDispatch_RoutesByAction(t *testing.T) {
	h := shiftHandler()
	span := trace.SpanFromContext(context.Background())

	got, err := h(context.Background(), span, shiftParams{Action: "precondition"})
	require.NoError(t, err)
	assert.Equal(t, "rooms warmed", got)

	got, err = h(context.Background(), span, shiftParams{Action: "charge_storage", KWh: 12})
	require.NoError(t, err)
	assert.Equal(t, 12.0, got)
}

func TestDispatch_HandlerErrorPropagated(t *testing.T) {
	_, err := shiftHandler()(context.Background(), trace.SpanFromContext(context.Background()),
		shiftParams{Action: "charge_storage"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDispatch_UnknownActionListsValidOnesSorted(t *testing.T) {
	_, err := shiftHandler()(context.Background(), trace.SpanFromContext(context.Background()),
		shiftParams{Action: "sell_back"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "sell_back"`)
	assert.Contains(t, err.Error(), "charge_storage, defer_load, precondition")
}
