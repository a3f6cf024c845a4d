// Package pipeline composes authentication, validation, admission, backend
// fallback and formatting into a single enhancement run.
//
// A run moves through the states Received, Authenticated, Validated,
// Admitted, Dispatched, Formatted and Completed, and may jump to Failed from
// any of them. Validation happens before admission so that rejected requests
// never cost quota. Quota is charged on admission and is not refunded when
// every backend then fails.
package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/apierror"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/billing"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/fallback"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/format"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/technique"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

// State is a step of a pipeline run.
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateValidated     State = "validated"
	StateAdmitted      State = "admitted"
	StateDispatched    State = "dispatched"
	StateFormatted     State = "formatted"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultMaxPromptLength bounds prompts, in characters.
const DefaultMaxPromptLength = 8000

// Request is the caller's enhancement request as received.
type Request struct {
	Prompt       string `json:"prompt"`
	Technique    string `json:"technique"`
	OutputFormat string `json:"output_format"`
}

// Call is one invocation of the pipeline.
type Call struct {
	Request     Request
	Credential  string
	ClientIP    string
	RequireAuth bool
	// OverrideKey replaces the configured provider key for every backend.
	OverrideKey string
	// RequestID is generated when empty.
	RequestID string
}

// Metadata describes how a result was produced.
type Metadata struct {
	// Model is the id of the backend candidate that served the request.
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	ProviderModel    string    `json:"provider_model"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Confidence       float64   `json:"confidence"`
	Timestamp        time.Time `json:"timestamp"`
	Attempts         int       `json:"attempts"`
	FallbackDepth    int       `json:"fallback_depth"`
	Conformed        bool      `json:"conformed"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	RequestID        string    `json:"request_id"`
}

// Result is a successful enhancement.
type Result struct {
	Original  string   `json:"original"`
	Enhanced  string   `json:"enhanced"`
	Technique string   `json:"technique"`
	Format    string   `json:"format"`
	Metadata  Metadata `json:"metadata"`
}

// Outcome is what a run produced. Exactly one of Result and Err is set.
type Outcome struct {
	Result *Result
	Err    *apierror.ClassifiedError
	// RateLimit is set once admission ran and produced a decision.
	RateLimit *ratelimit.Decision
	Identity  auth.Identity
	Tier      ratelimit.Tier
	RequestID string
	States    []State
}

// Final returns the terminal state of the run.
func (o Outcome) Final() State {
	if len(o.States) == 0 {
		return StateReceived
	}
	return o.States[len(o.States)-1]
}

// Authenticator resolves a credential into an identity. *auth.Verifier implements it.
type Authenticator interface {
	Resolve(credential, clientIP string, required bool) (auth.Identity, error)
}

// Limiter makes admission decisions. *ratelimit.Limiter implements it.
type Limiter interface {
	Admit(ctx context.Context, identity string, tier ratelimit.Tier) (ratelimit.Decision, error)
	Peek(ctx context.Context, identity string, tier ratelimit.Tier) (ratelimit.Decision, error)
}

// Completer runs the backend fallback chain. *fallback.Orchestrator implements it.
type Completer interface {
	Complete(ctx context.Context, req fallback.Request, overrideKey string) (fallback.Completion, error)
}

// Recorder stores pipeline events. *database.DB implements it.
type Recorder interface {
	InsertEvent(ctx context.Context, e *models.EnhancementEvent) error
}

// Enhancer runs the pipeline.
type Enhancer struct {
	auth      Authenticator
	plans     billing.PlanSource
	limiter   Limiter
	completer Completer

	recorder  Recorder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	maxPrompt int
	now       func() time.Time
	newID     func() string

	pending sync.WaitGroup
}

// Option configures an Enhancer.
type Option func(*Enhancer)

// WithRecorder stores an event for every terminal outcome.
func WithRecorder(r Recorder) Option {
	return func(e *Enhancer) { e.recorder = r }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enhancer) { e.metrics = m }
}

// WithTracer sets the tracer for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Enhancer) { e.tracer = t }
}

// WithMaxPromptLength bounds prompt length in characters.
func WithMaxPromptLength(n int) Option {
	return func(e *Enhancer) { e.maxPrompt = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enhancer) { e.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Enhancer) { e.newID = fn }
}

// New creates an Enhancer. A nil plan source treats every user as free.
func New(a Authenticator, plans billing.PlanSource, limiter Limiter, completer Completer, logger *zap.Logger, opts ...Option) *Enhancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if plans == nil {
		plans = billing.Fixed(ratelimit.TierFree)
	}
	e := &Enhancer{
		auth:      a,
		plans:     plans,
		limiter:   limiter,
		completer: completer,
		tracer:    otel.Tracer("github.com/bigdegenenergy/open-cloud-ops/lumen/internal/pipeline"),
		logger:    logger,
		maxPrompt: DefaultMaxPromptLength,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the state of one Enhance call.
type run struct {
	out   Outcome
	start time.Time
	event models.EnhancementEvent
	span  trace.Span
}

func (r *run) enter(s State) {
	r.out.States = append(r.out.States, s)
	r.span.AddEvent(string(s))
}

// Enhance runs call through the pipeline. It always returns an Outcome;
// failures are classified into Outcome.Err.
func (e *Enhancer) Enhance(ctx context.Context, call Call) Outcome {
	r := &run{start: e.now()}
	r.out.RequestID = call.RequestID
	if r.out.RequestID == "" {
		r.out.RequestID = e.newID()
	}
	ctx, r.span = e.tracer.Start(ctx, "pipeline.enhance", trace.WithAttributes(
		attribute.String("lumen.request_id", r.out.RequestID),
	))
	defer r.span.End()

	r.event = models.EnhancementEvent{
		RequestID:   r.out.RequestID,
		Technique:   call.Request.Technique,
		Format:      call.Request.OutputFormat,
		PromptChars: utf8.RuneCountInString(call.Request.Prompt),
	}
	r.enter(StateReceived)

	id, err := e.auth.Resolve(call.Credential, call.ClientIP, call.RequireAuth)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	r.out.Identity = id
	r.event.Identity = id.ID
	r.enter(StateAuthenticated)

	v, err := e.validate(call.Request)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	r.event.Technique = v.technique.ID
	r.event.Format = string(v.format)
	r.enter(StateValidated)

	tier := e.tierFor(ctx, id)
	r.out.Tier = tier
	r.event.Tier = string(tier)
	r.span.SetAttributes(attribute.String("lumen.tier", string(tier)))

	decision, err := e.limiter.Admit(ctx, id.ID, tier)
	var exceeded *ratelimit.ExceededError
	if err == nil || errors.As(err, &exceeded) {
		r.out.RateLimit = &decision
		if e.metrics != nil {
			e.metrics.RecordAdmission(string(tier), decision.Allowed)
		}
	}
	if err != nil {
		return e.fail(ctx, r, err)
	}
	r.enter(StateAdmitted)

	r.enter(StateDispatched)
	completion, err := e.completer.Complete(ctx, fallback.Request{
		System: format.Instruction(v.format),
		Prompt: v.technique.Instruction(v.prompt),
	}, call.OverrideKey)
	if err != nil {
		var exhausted *fallback.ExhaustedError
		if errors.As(err, &exhausted) {
			r.event.Attempts = len(exhausted.Failures)
		}
		return e.fail(ctx, r, err)
	}

	formatted := format.Apply(completion.Text, v.format)
	r.enter(StateFormatted)

	elapsed := e.now().Sub(r.start)
	result := &Result{
		Original:  call.Request.Prompt,
		Enhanced:  formatted.Text,
		Technique: v.technique.ID,
		Format:    string(v.format),
		Metadata: Metadata{
			Model:            completion.CandidateID,
			Provider:         providerOf(completion),
			ProviderModel:    completion.Model,
			ProcessingTimeMs: elapsed.Milliseconds(),
			Confidence:       Confidence(completion.Depth, formatted.Conformed),
			Timestamp:        e.now().UTC(),
			Attempts:         len(completion.Attempts),
			FallbackDepth:    completion.Depth,
			Conformed:        formatted.Conformed,
			InputTokens:      completion.InputTokens,
			OutputTokens:     completion.OutputTokens,
			RequestID:        r.out.RequestID,
		},
	}
	r.out.Result = result
	r.enter(StateCompleted)
	r.span.SetStatus(codes.Ok, "")

	r.event.Outcome = models.OutcomeCompleted
	r.event.CandidateID = completion.CandidateID
	r.event.Provider = result.Metadata.Provider
	r.event.Model = completion.Model
	r.event.Attempts = result.Metadata.Attempts
	r.event.FallbackDepth = completion.Depth
	r.event.InputTokens = completion.InputTokens
	r.event.OutputTokens = completion.OutputTokens
	r.event.Confidence = result.Metadata.Confidence
	e.finish(ctx, r, elapsed, "")

	e.logger.Info("pipeline: enhancement completed",
		zap.String("request_id", r.out.RequestID),
		zap.String("identity", id.ID),
		zap.String("technique", v.technique.ID),
		zap.String("format", string(v.format)),
		zap.String("candidate", completion.CandidateID),
		zap.Int("fallback_depth", completion.Depth),
		zap.Bool("conformed", formatted.Conformed),
		zap.Duration("elapsed", elapsed))
	return r.out
}

type validated struct {
	prompt    string
	technique technique.Descriptor
	format    format.Format
}

// validate checks the request shape. Errors are *apierror.ValidationError.
func (e *Enhancer) validate(req Request) (validated, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return validated{}, apierror.Invalid("prompt", "must not be empty")
	}
	if n := utf8.RuneCountInString(prompt); e.maxPrompt > 0 && n > e.maxPrompt {
		return validated{}, apierror.Invalid("prompt", "must be at most %d characters, got %d", e.maxPrompt, n)
	}
	desc, ok := technique.Resolve(req.Technique)
	if !ok {
		return validated{}, apierror.Invalid("technique", "unknown technique %q", req.Technique)
	}
	f, ok := format.Parse(req.OutputFormat)
	if !ok {
		names := make([]string, len(format.Formats))
		for i, f := range format.Formats {
			names[i] = string(f)
		}
		return validated{}, apierror.Invalid("output_format", "unknown output format %q, expected one of %s", req.OutputFormat, strings.Join(names, ", "))
	}
	return validated{prompt: prompt, technique: desc, format: f}, nil
}

// tierFor looks up the plan of an authenticated caller. Lookup errors fall
// back to free.
func (e *Enhancer) tierFor(ctx context.Context, id auth.Identity) ratelimit.Tier {
	if !id.Authenticated {
		return ratelimit.TierAnonymous
	}
	tier, err := e.plans.Tier(ctx, id.Subject)
	if err != nil {
		e.logger.Warn("pipeline: plan lookup failed, using free tier",
			zap.String("identity", id.ID), zap.Error(err))
		return ratelimit.TierFree
	}
	return tier
}

func (e *Enhancer) fail(ctx context.Context, r *run, err error) Outcome {
	ce := apierror.ClassifyAt(err, e.now())
	r.out.Err = ce
	r.enter(StateFailed)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(ce.Kind))

	fields := []zap.Field{
		zap.String("request_id", r.out.RequestID),
		zap.String("identity", r.out.Identity.ID),
		zap.String("kind", string(ce.Kind)),
		zap.Error(err),
	}
	switch ce.Kind {
	case apierror.KindInternal, apierror.KindAllBackendsFailed:
		e.logger.Error("pipeline: enhancement failed", fields...)
	case apierror.KindValidationFailed, apierror.KindRateLimitExceeded, apierror.KindAuthenticationFailed:
		e.logger.Debug("pipeline: request rejected", fields...)
	default:
		e.logger.Warn("pipeline: enhancement failed", fields...)
	}

	var exhausted *fallback.ExhaustedError
	if e.metrics != nil && errors.As(err, &exhausted) {
		e.metrics.RecordExhausted(string(ce.Kind))
	}

	r.event.Outcome = models.OutcomeFailed
	r.event.ErrorKind = string(ce.Kind)
	e.finish(ctx, r, e.now().Sub(r.start), string(ce.Kind))
	return r.out
}

// finish records metrics and hands the event to the recorder. The write runs
// in the background so that a slow database never delays the response.
func (e *Enhancer) finish(ctx context.Context, r *run, elapsed time.Duration, kind string) {
	if e.metrics != nil {
		e.metrics.RecordRequest(string(r.event.Outcome), kind, r.event.Technique, r.event.Format, elapsed)
		if r.event.Outcome == models.OutcomeCompleted {
			e.metrics.RecordFallbackDepth(r.event.FallbackDepth)
		}
	}
	if e.recorder == nil {
		return
	}

	r.event.LatencyMs = elapsed.Milliseconds()
	r.event.Timestamp = e.now().UTC()
	ev := r.event
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.recorder.InsertEvent(wctx, &ev); err != nil {
			e.logger.Warn("pipeline: failed to record event",
				zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}()
}

// Usage is a caller's standing in the current quota window.
type Usage struct {
	Identity  string         `json:"identity"`
	Tier      ratelimit.Tier `json:"tier"`
	Limit     int            `json:"limit"`
	Remaining int            `json:"remaining"`
	ResetAt   time.Time      `json:"reset_at"`
}

// Usage reports the caller's current window without consuming from it.
func (e *Enhancer) Usage(ctx context.Context, credential, clientIP string, requireAuth bool) (Usage, *apierror.ClassifiedError) {
	id, err := e.auth.Resolve(credential, clientIP, requireAuth)
	if err != nil {
		return Usage{}, apierror.ClassifyAt(err, e.now())
	}
	tier := e.tierFor(ctx, id)
	d, err := e.limiter.Peek(ctx, id.ID, tier)
	if err != nil {
		ce := apierror.ClassifyAt(err, e.now())
		e.logger.Warn("pipeline: usage lookup failed", zap.String("identity", id.ID), zap.Error(err))
		return Usage{}, ce
	}
	return Usage{
		Identity:  id.ID,
		Tier:      tier,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
	}, nil
}

// Wait blocks until every pending event write has finished.
func (e *Enhancer) Wait() {
	e.pending.Wait()
}

// Confidence scores a result: 0.95 from the primary candidate, 0.1 less for
// each fallback step and 0.2 less when the output had to be wrapped.
// The score stays within [0.05, 1].
func Confidence(depth int, conformed bool) float64 {
	c := 0.95 - 0.1*float64(depth)
	if !conformed {
		c -= 0.2
	}
	c = math.Max(0.05, math.Min(1, c))
	return math.Round(c*100) / 100
}

func providerOf(c fallback.Completion) string {
	if n := len(c.Attempts); n > 0 {
		return string(c.Attempts[n-1].Provider)
	}
	return ""
}
