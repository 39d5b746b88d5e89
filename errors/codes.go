package errors

import "net/http"

const (
	CodeBrokerUnavailable int64 = 20000 + iota
	CodeSubscriptionExhausted
	CodeTransportError
	CodeInvalidMessage
	CodeAuthorizationDenied
	CodeUnauthenticated
)

var (
	// ErrBrokerUnavailable is returned when a publish or stream open failed after all retries.
	ErrBrokerUnavailable = NewError(CodeBrokerUnavailable, "broker unavailable", nil).WithStatusCode(http.StatusServiceUnavailable)

	// ErrSubscriptionExhausted is surfaced when a bridge subscription ran out of reconnect attempts.
	ErrSubscriptionExhausted = NewError(CodeSubscriptionExhausted, "subscription reconnect attempts exhausted", nil)

	// ErrTransportError marks a failed read or write on a single connection.
	ErrTransportError = NewError(CodeTransportError, "transport error", nil)

	// ErrInvalidMessage marks malformed or unknown-type input.
	ErrInvalidMessage = NewError(CodeInvalidMessage, "invalid message", nil).WithStatusCode(http.StatusBadRequest)

	// ErrAuthorizationDenied is returned when a principal lacks scope for a channel.
	ErrAuthorizationDenied = NewError(CodeAuthorizationDenied, "authorization denied", nil).WithStatusCode(http.StatusForbidden)

	// ErrUnauthenticated is returned when credentials cannot be validated.
	ErrUnauthenticated = NewError(CodeUnauthenticated, "unauthenticated", nil).WithStatusCode(http.StatusUnauthorized)
)
