package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is a Bot API reply with ok=false or a non-2xx status.
type APIError struct {
	Method      string
	HTTPStatus  int
	Code        int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s failed: %s (code=%d http=%d)", e.Method, e.Description, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("telegram %s failed: http=%d", e.Method, e.HTTPStatus)
}

// IsTimeout reports whether err is a client-side timeout. An idle long poll
// that outlives the HTTP client ends this way and is not a failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
