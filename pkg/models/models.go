// Package models defines the persisted data structures used across Lumen.
package models

import "time"

// Plan names stored in the subscriptions table.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Subscription is a user's billing plan as last recorded.
type Subscription struct {
	UserID               string    `json:"user_id" db:"user_id"`
	Plan                 string    `json:"plan" db:"plan"`
	Status               string    `json:"status" db:"status"`
	StripeCustomerID     string    `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`
	CurrentPeriodEnd     time.Time `json:"current_period_end" db:"current_period_end"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Outcome is the terminal state of an enhancement request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// EnhancementEvent records one pipeline run.
// Note: prompt and response text are NEVER stored, only their sizes.
type EnhancementEvent struct {
	RequestID     string    `json:"request_id" db:"request_id"`
	Identity      string    `json:"identity" db:"identity"`
	Tier          string    `json:"tier" db:"tier"`
	Technique     string    `json:"technique" db:"technique"`
	Format        string    `json:"format" db:"format"`
	Outcome       Outcome   `json:"outcome" db:"outcome"`
	ErrorKind     string    `json:"error_kind,omitempty" db:"error_kind"`
	CandidateID   string    `json:"candidate_id,omitempty" db:"candidate_id"`
	Provider      string    `json:"provider,omitempty" db:"provider"`
	Model         string    `json:"model,omitempty" db:"model"`
	Attempts      int       `json:"attempts" db:"attempts"`
	FallbackDepth int       `json:"fallback_depth" db:"fallback_depth"`
	InputTokens   int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens" db:"output_tokens"`
	PromptChars   int       `json:"prompt_chars" db:"prompt_chars"`
	LatencyMs     int64     `json:"latency_ms" db:"latency_ms"`
	Confidence    float64   `json:"confidence" db:"confidence"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// TechniqueUsage aggregates events for one technique.
type TechniqueUsage struct {
	Technique    string  `json:"technique"`
	Requests     int64   `json:"requests"`
	Completed    int64   `json:"completed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ModelUsage aggregates completed events served by one model.
type ModelUsage struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	Requests          int64   `json:"requests"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	AvgConfidence     float64 `json:"avg_confidence"`
	AvgFallbackDepth  float64 `json:"avg_fallback_depth"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
}

// OutcomeCount counts events by outcome and error kind.
type OutcomeCount struct {
	Outcome   Outcome `json:"outcome"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Count     int64   `json:"count"`
}
