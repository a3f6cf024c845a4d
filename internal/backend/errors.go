package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Reason classifies why a completion attempt failed.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonAuth        Reason = "auth"
	ReasonConfig      Reason = "config"
	ReasonRateLimited Reason = "rate_limited"
	ReasonUpstream    Reason = "upstream"
	ReasonMalformed   Reason = "malformed"
)

// Transient reports whether a later attempt against the same provider could succeed.
func (r Reason) Transient() bool {
	switch r {
	case ReasonTimeout, ReasonRateLimited, ReasonUpstream:
		return true
	default:
		return false
	}
}

// Error is a failed completion attempt.
type Error struct {
	Provider   Provider
	Reason     Reason
	StatusCode int // upstream HTTP status, 0 if none
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: %s (status %d): %v", e.Provider, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %s: %v", e.Provider, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err. Context deadlines and
// network timeouts are ReasonTimeout; unknown errors are ReasonUpstream.
func ReasonOf(err error) Reason {
	var be *Error
	if errors.As(err, &be) {
		return be.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonUpstream
}

// reasonForStatus maps an upstream HTTP status to a Reason.
func reasonForStatus(code int) Reason {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ReasonAuth
	case code == http.StatusTooManyRequests:
		return ReasonRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ReasonTimeout
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		return ReasonConfig
	default:
		return ReasonUpstream
	}
}

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 512

func statusError(p Provider, code int, body []byte) *Error {
	msg := truncateUTF8(string(body), maxErrorBody)
	return &Error{Provider: p, Reason: reasonForStatus(code), StatusCode: code, Err: errors.New(msg)}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// transportError wraps a failure to reach the provider.
func transportError(ctx context.Context, p Provider, err error) *Error {
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	reason := ReasonUpstream
	if ReasonOf(err) == ReasonTimeout {
		reason = ReasonTimeout
	}
	return &Error{Provider: p, Reason: reason, Err: err}
}

func missingKey(p Provider) *Error {
	return &Error{Provider: p, Reason: ReasonConfig, Err: errors.New("no API key configured")}
}

func malformed(p Provider, format string, args ...any) *Error {
	return &Error{Provider: p, Reason: ReasonMalformed, Err: fmt.Errorf(format, args...)}
}
