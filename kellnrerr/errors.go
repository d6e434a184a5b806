// Package kellnrerr defines the typed error taxonomy shared by every
// registry component: DbProvider, blobstore, auth, and the webhook and
// doc-build queues all return errors built from this package so callers
// can branch on Kind() instead of string-matching messages.
package kellnrerr

import "fmt"

// Kind classifies an error into one of a small number of buckets that the
// HTTP layer maps directly onto status codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindUnauthenticated
	KindAuthorization
	KindValidation
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is a typed registry error. It wraps an optional cause so
// errors.Unwrap and errors.Is still work against underlying driver
// errors (e.g. gorm.ErrRecordNotFound).
type Error struct {
	kind    Kind
	msg     string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports which bucket this error belongs to.
func (e *Error) Kind() Kind { return e.kind }

func new_(k Kind, msg string, cause error) *Error {
	return &Error{kind: k, msg: msg, cause: cause}
}

// NotFound builds a KindNotFound error, e.g. a crate, user, or webhook
// that does not exist.
func NotFound(msg string, cause error) *Error { return new_(KindNotFound, msg, cause) }

// Conflict builds a KindConflict error, e.g. publishing a version that
// already exists, or registering a username that is taken.
func Conflict(msg string, cause error) *Error { return new_(KindConflict, msg, cause) }

// Unauthenticated builds a KindUnauthenticated error: the request
// carried no credentials, or credentials that do not resolve to any
// identity.
func Unauthenticated(msg string, cause error) *Error {
	return new_(KindUnauthenticated, msg, cause)
}

// Authorization builds a KindAuthorization error: the actor is known but
// not permitted to perform the operation.
func Authorization(msg string, cause error) *Error { return new_(KindAuthorization, msg, cause) }

// Validation builds a KindValidation error: malformed input, e.g. a
// crate manifest missing a required field.
func Validation(msg string, cause error) *Error { return new_(KindValidation, msg, cause) }

// Integrity builds a KindIntegrity error: a checksum mismatch or other
// detected data-corruption condition.
func Integrity(msg string, cause error) *Error { return new_(KindIntegrity, msg, cause) }

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.kind == k
}
