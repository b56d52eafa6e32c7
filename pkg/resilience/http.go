package resilience

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from an HTTP collaborator.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Body)
}

// RetryableHTTP retries transport errors, 429 and 5xx responses. Other
// status codes mean the request itself is wrong and will not improve.
func RetryableHTTP(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}
