package resilience

import (
	"errors"
	"net"
	"net/http"
	"syscall"
)

// TransientError marks a collaborator failure that is worth retrying.
type TransientError struct {
	Err error
	// StatusCode is 0 when the failure did not come from an HTTP response.
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// retryableStatus holds the statuses the classifier and generators retry.
// 529 is Anthropic's "overloaded".
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	529:                            true,
}

// MarkHTTPStatus returns err wrapped as transient when status is retryable,
// and err unchanged otherwise.
func MarkHTTPStatus(err error, status int) error {
	if err == nil || !retryableStatus[status] {
		return err
	}
	return NewTransientError(err, status)
}

// IsTransient reports whether err should be retried: an explicit
// TransientError, a network timeout, or a reset or refused connection.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
