// Package common defines the sentinel errors and small helpers shared by the
// server, the admin tool and their tests. Callers should use errors.Is to
// match these values, or KindOf to classify an arbitrary error.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal           = errors.New("internal error")
	ErrorUnauthorized       = errors.New("unauthorized")
	ErrConflict             = errors.New("conflict")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrReconciliationFailed = errors.New("identity reconciliation failed")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired = errors.New("token expired")
)

// Kind is the closed set of failure categories every core operation reports.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindUnauthenticated
	KindInvalidToken
	KindExpired
	KindInvalidArgument
	KindReconciliationFailed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidToken:
		return "invalid_token"
	case KindExpired:
		return "token_expired"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindReconciliationFailed:
		return "reconciliation_failed"
	default:
		return "internal"
	}
}

// KindOf maps err onto exactly one Kind. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrReconciliationFailed):
		return KindReconciliationFailed
	case errors.Is(err, ErrorNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTokenExpired):
		return KindExpired
	case errors.Is(err, ErrInvalidToken):
		return KindInvalidToken
	case errors.Is(err, ErrorUnauthorized):
		return KindUnauthenticated
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
