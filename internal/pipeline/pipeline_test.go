package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/apierror"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/auth"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/backend"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/billing"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/fallback"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/quota"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/internal/ratelimit"
	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

const testSecret = "pipeline-test-secret"

var t0 = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	enhancer *Enhancer
	store    *quota.MemoryStore
	verifier *auth.Verifier
	calls    *atomic.Int32
	keys     chan string
	recorder *memRecorder
}

type memRecorder struct {
	mu     sync.Mutex
	events []models.EnhancementEvent
}

func (m *memRecorder) InsertEvent(_ context.Context, e *models.EnhancementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memRecorder) all() []models.EnhancementEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EnhancementEvent(nil), m.events...)
}

func reply(text string) backend.Client {
	return backend.ClientFunc(func(_ context.Context, req backend.Request) (backend.Response, error) {
		return backend.Response{Text: text, Model: req.Model, InputTokens: 12, OutputTokens: 34}, nil
	})
}

func failing(reason backend.Reason) backend.Client {
	return backend.ClientFunc(func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{}, &backend.Error{Provider: backend.ProviderOpenAI, Reason: reason, Err: errors.New("upstream said no")}
	})
}

func candidate(id string, c backend.Client) backend.Bound {
	return backend.Bound{
		Candidate: backend.Candidate{ID: id, Provider: backend.ProviderOpenAI, Model: "model-" + id, MaxTokens: 256, Timeout: time.Second},
		Client:    c,
	}
}

type options struct {
	clients []backend.Bound
	plans   billing.PlanSource
	limits  ratelimit.Limits
	store   quota.Store
	extra   []Option
}

func newFixture(t *testing.T, o options) *fixture {
	t.Helper()
	f := &fixture{
		store:    quota.NewMemoryStore(),
		verifier: auth.NewVerifier(testSecret, ""),
		calls:    &atomic.Int32{},
		keys:     make(chan string, 16),
		recorder: &memRecorder{},
	}
	if o.clients == nil {
		o.clients = []backend.Bound{candidate("primary", reply("Think step by step about recursion."))}
	}
	// Count every backend call and capture the key it was given.
	wrapped := make([]backend.Bound, len(o.clients))
	for i, b := range o.clients {
		inner := b.Client
		b.Client = backend.ClientFunc(func(ctx context.Context, req backend.Request) (backend.Response, error) {
			f.calls.Add(1)
			select {
			case f.keys <- req.APIKey:
			default:
			}
			return inner.Complete(ctx, req)
		})
		wrapped[i] = b
	}
	if o.limits == (ratelimit.Limits{}) {
		o.limits = ratelimit.DefaultLimits
	}
	var store quota.Store = f.store
	if o.store != nil {
		store = o.store
	}

	clock := func() time.Time { return t0 }
	limiter := ratelimit.NewLimiter(store, o.limits, nil, ratelimit.WithClock(clock))
	orch := fallback.New(wrapped, nil)
	opts := append([]Option{WithClock(clock), WithRecorder(f.recorder), WithMetrics(metrics.New())}, o.extra...)
	f.enhancer = New(f.verifier, o.plans, limiter, orch, nil, opts...)
	return f
}

func (f *fixture) token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := f.verifier.Issue(sub, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) used(t *testing.T, identity string) int {
	t.Helper()
	w, found, err := f.store.Peek(context.Background(), identity, t0)
	require.NoError(t, err)
	if !found {
		return 0
	}
	return w.Count
}

func TestEnhance_HappyPath(t *testing.T) {
	f := newFixture(t, options{
		clients: []backend.Bound{
			candidate("primary", reply("Think step by step about recursion.")),
			candidate("secondary", reply("unused")),
		},
		plans: billing.Fixed(ratelimit.TierFree),
	})

	out := f.enhancer.Enhance(context.Background(), Call{
		Credential: f.token(t, "alice"),
		ClientIP:   "10.0.0.1",
		Request:    Request{Prompt: "explain recursion", Technique: "chain-of-thought", OutputFormat: "natural"},
	})

	require.Nil(t, out.Err)
	require.NotNil(t, out.Result)
	assert.NotEmpty(t, out.Result.Enhanced)
	assert.Equal(t, "explain recursion", out.Result.Original)
	assert.Equal(t, "chain-of-thought", out.Result.Technique)
	assert.Equal(t, "natural", out.Result.Format)
	assert.Equal(t, "primary", out.Result.Metadata.Model)
	assert.Equal(t, "model-primary", out.Result.Metadata.ProviderModel)
	assert.Equal(t, 0.95, out.Result.Metadata.Confidence)
	assert.Equal(t, 1, out.Result.Metadata.Attempts)
	assert.Equal(t, out.RequestID, out.Result.Metadata.RequestID)

	assert.Equal(t, []State{
		StateReceived, StateAuthenticated, StateValidated, StateAdmitted,
		StateDispatched, StateFormatted, StateCompleted,
	}, out.States)
	assert.True(t, out.Final().Terminal())

	assert.Equal(t, "user:alice", out.Identity.ID)
	assert.Equal(t, ratelimit.TierFree, out.Tier)
	require.NotNil(t, out.RateLimit)
	assert.True(t, out.RateLimit.Allowed)
	assert.Equal(t, 10, out.RateLimit.Limit)
	assert.Equal(t, 9, out.RateLimit.Remaining)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestEnhance_QuotaBoundary(t *testing.T) {
	limits := ratelimit.Limits{Window: time.Hour, Anonymous: 1, Free: 3, Pro: 10}
	f := newFixture(t, options{limits: limits, plans: billing.Fixed(ratelimit.TierFree)})
	call := Call{
		Credential: f.token(t, "bob"),
		Request:    Request{Prompt: "summarize this", Technique: "clarity"},
	}

	for i := 0; i < 2; i++ {
		require.Nil(t, f.enhancer.Enhance(context.Background(), call).Err)
	}
	require.Equal(t, 2, f.used(t, "user:bob"), "count is limit-1")

	last := f.enhancer.Enhance(context.Background(), call)
	require.Nil(t, last.Err)
	assert.True(t, last.RateLimit.Allowed)
	assert.Equal(t, 0, last.RateLimit.Remaining)
	assert.Equal(t, 3, f.used(t, "user:bob"))

	denied := f.enhancer.Enhance(context.Background(), call)
	require.NotNil(t, denied.Err)
	assert.Equal(t, apierror.KindRateLimitExceeded, denied.Err.Kind)
	assert.True(t, denied.Err.Retryable)
	assert.Equal(t, time.Hour, denied.Err.RetryAfter)
	require.NotNil(t, denied.RateLimit)
	assert.False(t, denied.RateLimit.Allowed)
	assert.Equal(t, 0, denied.RateLimit.Remaining)
	assert.Nil(t, denied.Result)
	assert.Equal(t, int32(3), f.calls.Load(), "a denied request never reaches a backend")
	assert.Equal(t, StateFailed, denied.Final())
}

func TestEnhance_TotalOutageStillConsumesQuota(t *testing.T) {
	f := newFixture(t, options{clients: []backend.Bound{
		candidate("a", failing(backend.ReasonUpstream)),
		candidate("b", failing(backend.ReasonTimeout)),
		candidate("c", failing(backend.ReasonUpstream)),
	}})

	out := f.enhancer.Enhance(context.Background(), Call{
		ClientIP: "192.0.2.7",
		Request:  Request{Prompt: "write a haiku", Technique: "storytelling", OutputFormat: "json"},
	})

	require.NotNil(t, out.Err)
	assert.Equal(t, apierror.KindAllBackendsFailed, out.Err.Kind)
	assert.Nil(t, out.Result, "no partial result on exhaustion")
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, 1, f.used(t, "anon:192.0.2.7"), "quota is charged on admission and kept")
	assert.Equal(t, []State{
		StateReceived, StateAuthenticated, StateValidated, StateAdmitted, StateDispatched, StateFailed,
	}, out.States)
}

func TestEnhance_InvalidTechniqueCostsNothing(t *testing.T) {
	f := newFixture(t, options{})

	out := f.enhancer.Enhance(context.Background(), Call{
		ClientIP: "192.0.2.8",
		Request:  Request{Prompt: "hello", Technique: "not-a-real-technique"},
	})

	require.NotNil(t, out.Err)
	assert.Equal(t, apierror.KindValidationFailed, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "technique")
	assert.Nil(t, out.RateLimit)
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Equal(t, 0, f.used(t, "anon:192.0.2.8"))
	assert.Equal(t, []State{StateReceived, StateAuthenticated, StateFailed}, out.States)
}

func TestEnhance_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"empty prompt", Request{Prompt: "", Technique: "clarity"}, "prompt"},
		{"blank prompt", Request{Prompt: " \n\t ", Technique: "clarity"}, "prompt"},
		{"too long", Request{Prompt: strings.Repeat("é", 101), Technique: "clarity"}, "prompt"},
		{"unknown format", Request{Prompt: "hi", Technique: "clarity", OutputFormat: "yaml"}, "output_format"},
		{"missing technique", Request{Prompt: "hi"}, "technique"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, options{extra: []Option{WithMaxPromptLength(100)}})
			out := f.enhancer.Enhance(context.Background(), Call{ClientIP: "1.1.1.1", Request: tt.req})
			require.NotNil(t, out.Err)
			assert.Equal(t, apierror.KindValidationFailed, out.Err.Kind)
			assert.True(t, strings.HasPrefix(out.Err.Message, tt.field+":"), out.Err.Message)
			assert.Equal(t, 0, f.used(t, "anon:1.1.1.1"))
		})
	}
}

func TestEnhance_PromptAtLengthLimitIsAccepted(t *testing.T) {
	f := newFixture(t, options{extra: []Option{WithMaxPromptLength(100)}})
	out := f.enhancer.Enhance(context.Background(), Call{
		Request: Request{Prompt: strings.Repeat("é", 100), Technique: "clarity"},
	})
	assert.Nil(t, out.Err)
}

func TestEnhance_BadCredentialFallsBackToAnonymous(t *testing.T) {
	f := newFixture(t, options{plans: billing.Fixed(ratelimit.TierPro)})

	out := f.enhancer.Enhance(context.Background(), Call{
		Credential: "not-a-jwt",
		ClientIP:   "203.0.113.9",
		Request:    Request{Prompt: "hi", Technique: "few-shot"},
	})

	require.Nil(t, out.Err)
	assert.False(t, out.Identity.Authenticated)
	assert.Equal(t, "anon:203.0.113.9", out.Identity.ID)
	assert.Equal(t, ratelimit.TierAnonymous, out.Tier)
	assert.Equal(t, ratelimit.DefaultLimits.Anonymous, out.RateLimit.Limit)
}

func TestEnhance_RequiredAuth(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		message    string
	}{
		{"missing", "", "authentication required"},
		{"garbage", "abc.def.ghi", "invalid credential"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, options{})
			out := f.enhancer.Enhance(context.Background(), Call{
				Credential:  tt.credential,
				RequireAuth: true,
				ClientIP:    "198.51.100.1",
				Request:     Request{Prompt: "hi", Technique: "clarity"},
			})
			require.NotNil(t, out.Err)
			assert.Equal(t, apierror.KindAuthenticationFailed, out.Err.Kind)
			assert.Equal(t, tt.message, out.Err.Message)
			assert.Equal(t, []State{StateReceived, StateFailed}, out.States)
			assert.Equal(t, int32(0), f.calls.Load())
		})
	}
}

func TestEnhance_OverrideKeyReachesBackend(t *testing.T) {
	f := newFixture(t, options{})
	out := f.enhancer.Enhance(context.Background(), Call{
		OverrideKey: "sk-caller-own",
		Request:     Request{Prompt: "hi", Technique: "clarity"},
	})
	require.Nil(t, out.Err)
	assert.Equal(t, "sk-caller-own", <-f.keys)
}

func TestEnhance_PlanLookupErrorDefaultsToFree(t *testing.T) {
	plans := billing.PlanFunc(func(context.Context, string) (ratelimit.Tier, error) {
		return ratelimit.TierPro, errors.New("billing offline")
	})
	f := newFixture(t, options{plans: plans})

	out := f.enhancer.Enhance(context.Background(), Call{
		Credential: f.token(t, "carol"),
		Request:    Request{Prompt: "hi", Technique: "clarity"},
	})
	require.Nil(t, out.Err)
	assert.Equal(t, ratelimit.TierFree, out.Tier)
	assert.Equal(t, ratelimit.DefaultLimits.Free, out.RateLimit.Limit)
}

func TestEnhance_ProTier(t *testing.T) {
	f := newFixture(t, options{plans: billing.Fixed(ratelimit.TierPro)})
	out := f.enhancer.Enhance(context.Background(), Call{
		Credential: f.token(t, "dave"),
		Request:    Request{Prompt: "hi", Technique: "clarity"},
	})
	require.Nil(t, out.Err)
	assert.Equal(t, ratelimit.DefaultLimits.Pro, out.RateLimit.Limit)
}

func TestEnhance_FallbackLowersConfidence(t *testing.T) {
	f := newFixture(t, options{clients: []backend.Bound{
		candidate("primary", failing(backend.ReasonRateLimited)),
		candidate("secondary", reply("not json at all")),
	}})

	out := f.enhancer.Enhance(context.Background(), Call{
		Request: Request{Prompt: "hi", Technique: "clarity", OutputFormat: "json"},
	})
	require.Nil(t, out.Err)
	md := out.Result.Metadata
	assert.Equal(t, "secondary", md.Model)
	assert.Equal(t, 1, md.FallbackDepth)
	assert.Equal(t, 2, md.Attempts)
	assert.False(t, md.Conformed)
	assert.Equal(t, 0.65, md.Confidence)
	assert.Contains(t, out.Result.Enhanced, `"enhanced_prompt": "not json at all"`)
}

func TestEnhance_FenceOnlyReplyFallsBack(t *testing.T) {
	f := newFixture(t, options{clients: []backend.Bound{
		candidate("primary", reply("```json\n```")),
		candidate("secondary", reply("Better prompt")),
	}})

	out := f.enhancer.Enhance(context.Background(), Call{
		Request: Request{Prompt: "hi", Technique: "clarity", OutputFormat: "natural"},
	})
	require.Nil(t, out.Err)
	assert.Equal(t, "Better prompt", out.Result.Enhanced)
	md := out.Result.Metadata
	assert.Equal(t, "secondary", md.Model)
	assert.Equal(t, 1, md.FallbackDepth)
	assert.Equal(t, 2, md.Attempts)
	assert.True(t, md.Conformed)
	assert.Equal(t, 0.85, md.Confidence)
}

func TestEnhance_SingleCandidateOutage(t *testing.T) {
	tests := []struct {
		name      string
		client    backend.Client
		retryable bool
	}{
		{"upstream error", failing(backend.ReasonUpstream), true},
		{"fence-only reply", reply("``````"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, options{clients: []backend.Bound{candidate("only", tt.client)}})

			out := f.enhancer.Enhance(context.Background(), Call{
				ClientIP: "192.0.2.9",
				Request:  Request{Prompt: "hi", Technique: "clarity"},
			})
			require.NotNil(t, out.Err)
			assert.Equal(t, apierror.KindBackendUnavailable, out.Err.Kind)
			assert.Equal(t, tt.retryable, out.Err.Retryable)
			assert.Nil(t, out.Result)
			assert.Equal(t, int32(1), f.calls.Load())
			assert.Equal(t, 1, f.used(t, "anon:192.0.2.9"))
			assert.Equal(t, StateFailed, out.Final())
		})
	}
}

func TestEnhance_OutputFormatDefaultsToNatural(t *testing.T) {
	f := newFixture(t, options{clients: []backend.Bound{candidate("primary", reply("```\nA sharper prompt\n```"))}})

	out := f.enhancer.Enhance(context.Background(), Call{
		Request: Request{Prompt: "hi", Technique: "clarity"},
	})
	require.Nil(t, out.Err)
	assert.Equal(t, "natural", out.Result.Format)
	assert.Equal(t, "A sharper prompt", out.Result.Enhanced)

	bad := f.enhancer.Enhance(context.Background(), Call{
		Request: Request{Prompt: "hi", Technique: "clarity", OutputFormat: "yaml"},
	})
	require.NotNil(t, bad.Err)
	assert.Contains(t, bad.Err.Message, "expected one of natural, json, xml")
}

func TestEnhance_NoCandidates(t *testing.T) {
	f := newFixture(t, options{clients: []backend.Bound{}})
	out := f.enhancer.Enhance(context.Background(), Call{Request: Request{Prompt: "hi", Technique: "clarity"}})
	require.NotNil(t, out.Err)
	assert.Equal(t, apierror.KindBackendUnavailable, out.Err.Kind)
}

type downStore struct{}

func (downStore) Take(context.Context, string, int, time.Duration, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, quota.ErrStoreUnavailable
}

func (downStore) Peek(context.Context, string, time.Time) (quota.Window, bool, error) {
	return quota.Window{}, false, quota.ErrStoreUnavailable
}

func TestEnhance_QuotaStoreDownFailsClosed(t *testing.T) {
	f := newFixture(t, options{store: downStore{}})
	out := f.enhancer.Enhance(context.Background(), Call{Request: Request{Prompt: "hi", Technique: "clarity"}})
	require.NotNil(t, out.Err)
	assert.Equal(t, apierror.KindBackendUnavailable, out.Err.Kind)
	assert.Equal(t, "quota service unavailable", out.Err.Message)
	assert.Nil(t, out.RateLimit)
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestEnhance_OverallDeadline(t *testing.T) {
	slow := backend.ClientFunc(func(ctx context.Context, _ backend.Request) (backend.Response, error) {
		<-ctx.Done()
		return backend.Response{}, ctx.Err()
	})
	f := newFixture(t, options{clients: []backend.Bound{candidate("slow", slow), candidate("never", reply("x"))}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := f.enhancer.Enhance(ctx, Call{Request: Request{Prompt: "hi", Technique: "clarity"}})
	require.NotNil(t, out.Err)
	assert.Equal(t, apierror.KindTimeout, out.Err.Kind)
}

func TestEnhance_RecordsEventsWithoutText(t *testing.T) {
	f := newFixture(t, options{extra: []Option{WithIDGenerator(func() string { return "req-1" })}})

	f.enhancer.Enhance(context.Background(), Call{
		ClientIP: "192.0.2.1",
		Request:  Request{Prompt: "secret plans", Technique: "Clarity"},
	})
	f.enhancer.Enhance(context.Background(), Call{
		RequestID: "req-2",
		ClientIP:  "192.0.2.1",
		Request:   Request{Prompt: "", Technique: "clarity"},
	})
	f.enhancer.Wait()

	events := f.recorder.all()
	require.Len(t, events, 2)
	byID := map[string]models.EnhancementEvent{}
	for _, e := range events {
		byID[e.RequestID] = e
	}

	ok := byID["req-1"]
	assert.Equal(t, models.OutcomeCompleted, ok.Outcome)
	assert.Equal(t, "clarity", ok.Technique, "normalized id is recorded")
	assert.Equal(t, "natural", ok.Format)
	assert.Equal(t, "anon:192.0.2.1", ok.Identity)
	assert.Equal(t, "anonymous", ok.Tier)
	assert.Equal(t, "primary", ok.CandidateID)
	assert.Equal(t, len("secret plans"), ok.PromptChars)
	assert.Equal(t, int64(12), ok.InputTokens)

	bad := byID["req-2"]
	assert.Equal(t, models.OutcomeFailed, bad.Outcome)
	assert.Equal(t, string(apierror.KindValidationFailed), bad.ErrorKind)
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		depth     int
		conformed bool
		want      float64
	}{
		{0, true, 0.95},
		{1, true, 0.85},
		{2, true, 0.75},
		{0, false, 0.75},
		{2, false, 0.55},
		{20, true, 0.05},
		{20, false, 0.05},
	}
	for _, tt := range tests {
		if got := Confidence(tt.depth, tt.conformed); got != tt.want {
			t.Errorf("Confidence(%d, %v) = %v, want %v", tt.depth, tt.conformed, got, tt.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateReceived, StateAuthenticated, StateValidated, StateAdmitted, StateDispatched, StateFormatted} {
		assert.False(t, s.Terminal(), s)
	}
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestUsage_DoesNotConsume(t *testing.T) {
	f := newFixture(t, options{plans: billing.Fixed(ratelimit.TierPro)})
	tok := f.token(t, "erin")

	u, ce := f.enhancer.Usage(context.Background(), tok, "", false)
	require.Nil(t, ce)
	assert.Equal(t, "user:erin", u.Identity)
	assert.Equal(t, ratelimit.TierPro, u.Tier)
	assert.Equal(t, 100, u.Limit)
	assert.Equal(t, 100, u.Remaining)

	require.Nil(t, f.enhancer.Enhance(context.Background(), Call{
		Credential: tok,
		Request:    Request{Prompt: "hi", Technique: "clarity"},
	}).Err)

	u, ce = f.enhancer.Usage(context.Background(), tok, "", false)
	require.Nil(t, ce)
	assert.Equal(t, 99, u.Remaining)
	assert.Equal(t, t0.Add(time.Hour), u.ResetAt)
	assert.Equal(t, 1, f.used(t, "user:erin"))
}

func TestUsage_RequiredAuth(t *testing.T) {
	f := newFixture(t, options{})
	_, ce := f.enhancer.Usage(context.Background(), "", "10.1.1.1", true)
	require.NotNil(t, ce)
	assert.Equal(t, apierror.KindAuthenticationFailed, ce.Kind)
}
