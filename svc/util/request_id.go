package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns "" outside a request; background jobs set their own.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom keeps an inbound id only when it is a well-formed UUID.
func RequestIDFrom(inbound string) string {
	if inbound != "" {
		if id, err := uuid.Parse(inbound); err == nil {
			return id.String()
		}
	}
	return NewRequestID()
}
