// Package fallback walks the backend candidates in priority order until one
// produces a completion.
//
// Attempts are sequential and each is bounded by its candidate's timeout.
// A timed-out attempt is cancelled and abandoned, never awaited, and the
// same candidate is never retried within one request.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/backend"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/format"
)

// ErrNoCandidates is returned when no backend is configured.
var ErrNoCandidates = errors.New("fallback: no backend candidates configured")

// Request is the prompt sent to every candidate.
type Request struct {
	System string
	Prompt string
}

// Attempt records one call to one candidate.
type Attempt struct {
	CandidateID string
	Provider    backend.Provider
	Model       string
	Latency     time.Duration
	// Reason and Err are empty for the successful attempt.
	Reason backend.Reason
	Err    error
}

// Succeeded reports whether the attempt produced a completion.
func (a Attempt) Succeeded() bool { return a.Err == nil }

// Completion is a successful result.
type Completion struct {
	backend.Response
	CandidateID string
	// Depth is the zero-based position of the serving candidate in the fallback order.
	Depth    int
	Attempts []Attempt
}

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Failures []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.CandidateID, f.Reason)
	}
	return fmt.Sprintf("fallback: all %d backends failed (%s)", len(e.Failures), strings.Join(parts, ", "))
}

// SameReason returns the shared failure reason if every failure has the same one.
func (e *ExhaustedError) SameReason() (backend.Reason, bool) {
	if len(e.Failures) == 0 {
		return "", false
	}
	r := e.Failures[0].Reason
	for _, f := range e.Failures[1:] {
		if f.Reason != r {
			return "", false
		}
	}
	return r, true
}

// AllIn reports whether every failure has one of the given reasons.
func (e *ExhaustedError) AllIn(reasons ...backend.Reason) bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		found := false
		for _, r := range reasons {
			if f.Reason == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Orchestrator runs completions with ordered fallback.
type Orchestrator struct {
	candidates []backend.Bound
	logger     *zap.Logger
	tracer     trace.Tracer
	onAttempt  func(Attempt)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithAttemptHook registers fn to be called after every attempt.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(o *Orchestrator) { o.onAttempt = fn }
}

// New creates an Orchestrator. Candidates are tried by ascending Priority;
// candidates of equal priority keep the order given.
func New(candidates []backend.Bound, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		candidates: append([]backend.Bound(nil), candidates...),
		logger:     logger,
		tracer:     otel.Tracer("github.com/bigdegenenergy/open-cloud-ops/lumen/internal/fallback"),
		onAttempt:  func(Attempt) {},
	}
	sort.SliceStable(o.candidates, func(i, j int) bool {
		return o.candidates[i].Priority < o.candidates[j].Priority
	})
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Candidates returns the configured candidates in attempt order.
func (o *Orchestrator) Candidates() []backend.Candidate {
	out := make([]backend.Candidate, len(o.candidates))
	for i, b := range o.candidates {
		out[i] = b.Candidate
	}
	return out
}

// Complete tries each candidate in order. overrideKey, when set, replaces the
// configured API key for every candidate.
//
// It returns ErrNoCandidates for an empty list, *ExhaustedError when every
// candidate failed, or the context error when ctx ends first.
func (o *Orchestrator) Complete(ctx context.Context, req Request, overrideKey string) (Completion, error) {
	if len(o.candidates) == 0 {
		return Completion{}, ErrNoCandidates
	}

	var attempts []Attempt
	for i, b := range o.candidates {
		if err := ctx.Err(); err != nil {
			return Completion{}, fmt.Errorf("fallback: before candidate %s: %w", b.ID, err)
		}

		resp, att := o.attempt(ctx, b, backend.Request{
			System:    req.System,
			Prompt:    req.Prompt,
			Model:     b.Model,
			MaxTokens: b.MaxTokens,
			APIKey:    overrideKey,
		})
		attempts = append(attempts, att)
		o.onAttempt(att)

		if att.Succeeded() {
			return Completion{Response: resp, CandidateID: b.ID, Depth: i, Attempts: attempts}, nil
		}

		// The overall budget ran out during this attempt; nothing after it can run.
		if err := ctx.Err(); err != nil {
			return Completion{}, fmt.Errorf("fallback: during candidate %s: %w", b.ID, err)
		}

		switch att.Reason {
		case backend.ReasonAuth, backend.ReasonConfig:
			o.logger.Error("fallback: backend misconfigured",
				zap.String("candidate", b.ID), zap.String("provider", string(b.Provider)),
				zap.String("reason", string(att.Reason)), zap.Error(att.Err))
		default:
			o.logger.Warn("fallback: backend attempt failed",
				zap.String("candidate", b.ID), zap.String("provider", string(b.Provider)),
				zap.String("reason", string(att.Reason)), zap.Duration("latency", att.Latency), zap.Error(att.Err))
		}
	}

	ex := &ExhaustedError{Failures: attempts}
	fields := []zap.Field{zap.Int("attempts", len(attempts))}
	if r, same := ex.SameReason(); same {
		fields = append(fields, zap.String("reason", string(r)))
	}
	o.logger.Warn("fallback: every backend failed", fields...)
	return Completion{}, ex
}

type result struct {
	resp backend.Response
	err  error
}

// attempt runs one bounded call. The call runs in its own goroutine so that a
// client ignoring its context cannot hold up the fallback walk.
func (o *Orchestrator) attempt(ctx context.Context, b backend.Bound, req backend.Request) (backend.Response, Attempt) {
	ctx, span := o.tracer.Start(ctx, "fallback.attempt", trace.WithAttributes(
		attribute.String("lumen.candidate.id", b.ID),
		attribute.String("lumen.candidate.provider", string(b.Provider)),
		attribute.String("lumen.candidate.model", b.Model),
	))
	defer span.End()

	start := time.Now()
	att := Attempt{CandidateID: b.ID, Provider: b.Provider, Model: b.Model}

	actx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		resp, err := b.Client.Complete(actx, req)
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-actx.Done():
		// Prefer a result that raced the deadline.
		select {
		case res = <-done:
		default:
			res.err = &backend.Error{
				Provider: b.Provider,
				Reason:   backend.ReasonTimeout,
				Err:      fmt.Errorf("no response within %s: %w", b.Timeout, actx.Err()),
			}
		}
	}
	att.Latency = time.Since(start)

	if res.err == nil && format.Blank(res.resp.Text) {
		res.err = &backend.Error{
			Provider: b.Provider,
			Reason:   backend.ReasonMalformed,
			Err:      errors.New("completion is empty once markdown fences are removed"),
		}
	}
	if res.err == nil {
		span.SetStatus(codes.Ok, "")
		return res.resp, att
	}

	att.Err = res.err
	att.Reason = backend.ReasonOf(res.err)
	if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		att.Reason = backend.ReasonTimeout
	}
	span.SetAttributes(attribute.String("lumen.failure.reason", string(att.Reason)))
	span.RecordError(res.err)
	span.SetStatus(codes.Error, string(att.Reason))
	return backend.Response{}, att
}
