package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err  error
	Code codes.Code
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable, recording the RPC code if any.
func NewTransientError(err error, code codes.Code) *TransientError {
	return &TransientError{Err: err, Code: code}
}

// temporary is implemented by broker client errors such as kafka.Error.
type temporary interface {
	Temporary() bool
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a retryable gRPC status, a temporary broker error or a
// network-level timeout, reset or refusal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		return IsTransientCode(st.Code())
	}

	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"connection refused",
		"i/o timeout",
		"transport is closing",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientCode reports whether a gRPC status code is retryable.
func IsTransientCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted:
		return true
	default:
		return false
	}
}
