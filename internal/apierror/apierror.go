// Package apierror maps every pipeline failure onto a closed set of error
// kinds, each with a fixed HTTP status. Classify is the single translation
// point; nothing else decides what a caller sees.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/backend"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/fallback"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/quota"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
)

// Kind is an error category exposed to callers.
type Kind string

const (
	KindAuthenticationFailed Kind = "authentication_failed"
	KindValidationFailed     Kind = "validation_failed"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindBackendUnavailable   Kind = "backend_unavailable"
	KindAllBackendsFailed    Kind = "all_backends_failed"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal_error"
)

// Kinds lists every kind.
var Kinds = []Kind{
	KindAuthenticationFailed, KindValidationFailed, KindRateLimitExceeded,
	KindBackendUnavailable, KindAllBackendsFailed, KindTimeout, KindInternal,
}

// Status returns the HTTP status for k.
func (k Kind) Status() int {
	switch k {
	case KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindBackendUnavailable, KindAllBackendsFailed:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ClassifiedError is the caller-facing form of a failure.
type ClassifiedError struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// RetryAfter is set for rate limit errors.
	RetryAfter time.Duration `json:"-"`
	// Cause is the underlying error, for server-side logging only.
	Cause error `json:"-"`
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// Status returns the HTTP status code.
func (e *ClassifiedError) Status() int { return e.Kind.Status() }

// ValidationError is a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid returns a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Internal messages never leave the server.
const internalMessage = "an internal error occurred"

// Classify maps err onto the taxonomy. A nil error yields nil; an error that
// is already classified is returned as is.
func Classify(err error) *ClassifiedError {
	return ClassifyAt(err, time.Now())
}

// ClassifyAt is Classify with an explicit clock for retry-after computation.
func ClassifyAt(err error, now time.Time) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ClassifiedError{Kind: KindValidationFailed, Message: ve.Error(), Cause: err}
	}

	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return &ClassifiedError{Kind: KindAuthenticationFailed, Message: "authentication required", Cause: err}
	case errors.Is(err, auth.ErrTokenExpired):
		return &ClassifiedError{Kind: KindAuthenticationFailed, Message: "credential expired", Cause: err}
	case errors.Is(err, auth.ErrInvalidToken):
		return &ClassifiedError{Kind: KindAuthenticationFailed, Message: "invalid credential", Cause: err}
	}

	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		return &ClassifiedError{
			Kind:       KindRateLimitExceeded,
			Message:    fmt.Sprintf("rate limit of %d requests exceeded", exceeded.Decision.Limit),
			Retryable:  true,
			RetryAfter: exceeded.Decision.RetryAfter(now),
			Cause:      err,
		}
	}

	var exhausted *fallback.ExhaustedError
	if errors.As(err, &exhausted) {
		return classifyExhausted(exhausted, err)
	}

	switch {
	case errors.Is(err, fallback.ErrNoCandidates):
		return &ClassifiedError{Kind: KindBackendUnavailable, Message: "no AI backend is configured", Retryable: true, Cause: err}
	case errors.Is(err, quota.ErrStoreUnavailable):
		return &ClassifiedError{Kind: KindBackendUnavailable, Message: "quota service unavailable", Retryable: true, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ClassifiedError{Kind: KindTimeout, Message: "request timed out", Retryable: true, Cause: err}
	case errors.Is(err, context.Canceled):
		return &ClassifiedError{Kind: KindTimeout, Message: "request cancelled", Retryable: true, Cause: err}
	}

	return &ClassifiedError{Kind: KindInternal, Message: internalMessage, Cause: err}
}

// classifyExhausted picks the message by the failure reasons. A list with a
// single candidate has no fallback to exhaust, so it reports unavailability.
func classifyExhausted(ex *fallback.ExhaustedError, err error) *ClassifiedError {
	kind := KindAllBackendsFailed
	if len(ex.Failures) == 1 {
		kind = KindBackendUnavailable
	}
	switch {
	case ex.AllIn(backend.ReasonAuth, backend.ReasonConfig):
		return &ClassifiedError{Kind: kind, Message: "AI service is misconfigured", Retryable: false, Cause: err}
	case ex.AllIn(backend.ReasonTimeout, backend.ReasonRateLimited):
		return &ClassifiedError{Kind: kind, Message: "AI service is temporarily unavailable, please retry", Retryable: true, Cause: err}
	case kind == KindBackendUnavailable:
		return &ClassifiedError{Kind: kind, Message: "AI service is unavailable", Retryable: anyTransient(ex), Cause: err}
	default:
		return &ClassifiedError{Kind: kind, Message: "all AI backends failed", Retryable: anyTransient(ex), Cause: err}
	}
}

func anyTransient(ex *fallback.ExhaustedError) bool {
	for _, f := range ex.Failures {
		if f.Reason.Transient() {
			return true
		}
	}
	return false
}
