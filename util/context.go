package util

import (
	"context"
	"fmt"
)

type ContextKey string

const (
	CorrelationIdKey ContextKey = "CorrelationId"
	ConnectionIdKey  ContextKey = "ConnectionId"
)

func ValueToCtx[T any](ctx context.Context, key ContextKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func ValueFromCtx[T any](ctx context.Context, key ContextKey) (T, error) {
	raw := ctx.Value(key)
	if raw == nil {
		return *new(T), ErrValueNotFoundInContext.Wrap(fmt.Errorf("%v not found in context", key))
	}
	value, ok := raw.(T)
	if !ok {
		return *new(T), ErrInvalidValueInContext.Wrap(fmt.Errorf("%v is not of type %T on context", key, *new(T)))
	}
	return value, nil
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return ValueToCtx(ctx, CorrelationIdKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, CorrelationIdKey)
}

func ConnectionIdToCtx(ctx context.Context, connectionId string) context.Context {
	return ValueToCtx(ctx, ConnectionIdKey, connectionId)
}

func ConnectionIdFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, ConnectionIdKey)
}
