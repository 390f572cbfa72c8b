package vendors

import (
	"errors"
	"fmt"
)

// Error kinds reported by adapters
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamAuth        = errors.New("upstream authentication failed")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
)

// UpstreamError describes a failed call to a firewall API
type UpstreamError struct {
	Vendor     Vendor
	Host       string
	Op         string
	Kind       error
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s %s %s: %v", e.Vendor, e.Host, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *UpstreamError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func upstreamErr(kind error, target Target, op string, status int, body []byte, cause error) *UpstreamError {
	return &UpstreamError{
		Vendor:     target.Vendor,
		Host:       target.Hostname,
		Op:         op,
		Kind:       kind,
		StatusCode: status,
		Body:       excerpt(body),
		Err:        cause,
	}
}

func excerpt(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
