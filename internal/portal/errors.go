package portal

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrRateLimited             = errors.New("rate limited")
	ErrLoginVerificationFailed = errors.New("login verification failed")
	ErrSessionExpired          = errors.New("session expired")
	ErrCsrfExpired             = errors.New("anti-forgery token expired")
	ErrParse                   = errors.New("unexpected response shape")
	ErrCheckedOut              = errors.New("session already checked out")
)

// HTTPError is a non-2xx status without a more specific meaning.
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d from %s", e.Status, e.URL)
}

// statusError maps the status codes shared by the JSON endpoints.
func statusError(resp *Response) error {
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrSessionExpired, resp.Status)
	case resp.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.Status == http.StatusUnprocessableEntity:
		return ErrCsrfExpired
	case resp.Status < 200 || resp.Status >= 300:
		return &HTTPError{Status: resp.Status, URL: resp.URL.String()}
	}
	return nil
}

func parseError(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrParse, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrParse, what, err)
}
