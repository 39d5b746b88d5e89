package util

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFromCtx(t *testing.T) {
	type payload struct {
		Field string
	}

	tests := []struct {
		name     string
		setupCtx func() context.Context
		key      ContextKey
		want     any
		wantErr  error
	}{
		{
			name: "string value",
			setupCtx: func() context.Context {
				return ValueToCtx(context.Background(), "string-key", "test-value")
			},
			key:  "string-key",
			want: "test-value",
		},
		{
			name: "struct value",
			setupCtx: func() context.Context {
				return ValueToCtx(context.Background(), "struct-key", payload{Field: "test"})
			},
			key:  "struct-key",
			want: payload{Field: "test"},
		},
		{
			name:     "missing value",
			setupCtx: context.Background,
			key:      "missing",
			wantErr:  ErrValueNotFoundInContext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.setupCtx()
			switch want := tt.want.(type) {
			case string:
				got, err := ValueFromCtx[string](ctx, tt.key)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			case payload:
				got, err := ValueFromCtx[payload](ctx, tt.key)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			default:
				_, err := ValueFromCtx[string](ctx, tt.key)
				assert.True(t, stderrors.Is(err, tt.wantErr))
			}
		})
	}
}

func TestValueFromCtxWrongType(t *testing.T) {
	ctx := ValueToCtx(context.Background(), "int-key", 42)

	_, err := ValueFromCtx[string](ctx, "int-key")
	assert.True(t, stderrors.Is(err, ErrInvalidValueInContext))
}

func TestConnectionIdRoundTrip(t *testing.T) {
	ctx := ConnectionIdToCtx(context.Background(), "conn-1")

	id, err := ConnectionIdFromCtx(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", id)

	_, err = CorrelationIdFromCtx(ctx)
	assert.Error(t, err)
}
