package session

import "fmt"

// Kind enumerates the ways signForChallenge (and the ledger operations
// around it) can reject an attempt, mirroring the teacher SDK's
// PaymentError{Code, Message} shape (coinbase-x402/go/errors.go) but
// scoped to the session side of the protocol.
type Kind string

const (
	KindSessionExpired     Kind = "session_expired"
	KindChallengeRejected  Kind = "challenge_rejected"
	KindChallengeMismatch  Kind = "challenge_mismatch"
	KindSpendLimitExceeded Kind = "spend_limit_exceeded"
	KindPayerMismatch      Kind = "payer_mismatch"
	KindNotFound           Kind = "session_not_found"
	KindInvalidArgument    Kind = "invalid_argument"
)

// Error is the error type returned by session.Ledger operations.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}
