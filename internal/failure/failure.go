// Package failure defines the closed error taxonomy used by both executors.
//
// Backends translate their client-specific errors into *Error at the call
// boundary; Classify maps any error onto exactly one Kind so that retry
// decisions never depend on a particular transport library.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one entry of the error taxonomy.
type Kind string

const (
	KindAuth         Kind = "auth"         // invalid credentials; fatal, job-scoped
	KindRateLimit    Kind = "rate_limit"   // retryable
	KindServer       Kind = "server"       // retryable
	KindNetwork      Kind = "network"      // retryable
	KindTimeout      Kind = "timeout"      // retryable
	KindMalformed    Kind = "malformed"    // unusable response; task fails, no retry
	KindUnclassified Kind = "unclassified" // anything else; task fails, no retry
	KindJobLevel     Kind = "job_level"    // async job failed/expired/cancelled as a unit
)

// Fatal reports whether the kind must stop further dispatch.
func (k Kind) Fatal() bool {
	return k == KindAuth
}

// Retryable reports whether the failed call may be re-issued.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// Error is a classified error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New returns a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies cause as kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// statusCoder is implemented by errors that carry an HTTP status code.
type statusCoder interface {
	StatusCode() int
}

// Classify maps err onto exactly one Kind. It never returns an empty kind for
// a non-nil error.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return FromHTTPStatus(sc.StatusCode())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return fromGRPCCode(st.Code())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var opErr *net.OpError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return KindNetwork
	}

	return KindUnclassified
}

// FromHTTPStatus maps an HTTP response status onto the taxonomy.
func FromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	default:
		return KindUnclassified
	}
}

func fromGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuth
	case codes.ResourceExhausted:
		return KindRateLimit
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return KindServer
	case codes.DataLoss:
		return KindMalformed
	default:
		return KindUnclassified
	}
}
