package upstream

import "fmt"

// Kind classifies an upstream failure for retry and boundary-mapping
// decisions. The dispatcher switches on Kind, never on error identity.
type Kind string

const (
	KindRateLimit    Kind = "rate_limit"
	KindConnection   Kind = "connection"
	KindServer       Kind = "server"
	KindBadRequest   Kind = "bad_request"
	KindAuth         Kind = "auth"
	KindUnclassified Kind = "unclassified"
)

// Error is a classified upstream failure. It preserves the provider status
// and message so the boundary can map it without re-parsing anything.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure is transient: rate limiting,
// connection trouble or an upstream 5xx.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindConnection, KindServer:
		return true
	}
	return false
}

// classifyStatus maps a non-200 provider status to a Kind.
func classifyStatus(status int, message string) *Error {
	var kind Kind
	switch {
	case status == 429:
		kind = KindRateLimit
	case status == 401 || status == 403:
		kind = KindAuth
	case status >= 400 && status < 500:
		kind = KindBadRequest
	case status >= 500:
		kind = KindServer
	default:
		kind = KindUnclassified
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// connectionError wraps a transport-level failure.
func connectionError(err error) *Error {
	return &Error{Kind: KindConnection, Message: err.Error(), cause: err}
}

// unclassifiedError covers failures outside the taxonomy, such as a
// malformed body on a 200.
func unclassifiedError(err error) *Error {
	return &Error{Kind: KindUnclassified, Message: err.Error(), cause: err}
}
