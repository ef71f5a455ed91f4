package origin

import (
	"fmt"
	"net/http"
)

// Kind enumerates the ways the origin verifier rejects a request,
// mirroring the teacher SDK's PaymentError{Code, Message} shape
// (coinbase-x402/go/errors.go).
type Kind string

const (
	KindInvalidPayment       Kind = "invalid_payment"
	KindIdempotencyConflict  Kind = "idempotency_key_conflict"
	KindPaymentRequired      Kind = "payment_required"
)

// Error is the error type returned by verifier operations; it knows
// its own HTTP status so handlers don't have to duplicate the mapping.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status returns the HTTP status code this error kind maps to.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInvalidPayment:
		return http.StatusUnprocessableEntity
	case KindIdempotencyConflict:
		return http.StatusConflict
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func invalidPayment(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidPayment, Message: fmt.Sprintf(format, args...)}
}

func idempotencyConflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIdempotencyConflict, Message: fmt.Sprintf(format, args...)}
}
