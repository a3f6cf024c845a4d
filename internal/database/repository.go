package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// GetSubscription retrieves the subscription for a user.
func (db *DB) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	var s models.Subscription
	err := db.Pool.QueryRow(ctx, `
		SELECT user_id, plan, status, stripe_customer_id, stripe_subscription_id,
		       current_period_end, updated_at
		FROM subscriptions WHERE user_id = $1
	`, userID).Scan(
		&s.UserID, &s.Plan, &s.Status, &s.StripeCustomerID, &s.StripeSubscriptionID,
		&s.CurrentPeriodEnd, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &s, nil
}

// UpsertSubscription creates or updates a user's subscription.
func (db *DB) UpsertSubscription(ctx context.Context, s *models.Subscription) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO subscriptions (user_id, plan, status, stripe_customer_id, stripe_subscription_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET plan = EXCLUDED.plan,
		    status = EXCLUDED.status,
		    stripe_customer_id = EXCLUDED.stripe_customer_id,
		    stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		    current_period_end = EXCLUDED.current_period_end,
		    updated_at = NOW()
	`, s.UserID, s.Plan, s.Status, s.StripeCustomerID, s.StripeSubscriptionID, s.CurrentPeriodEnd)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}
	return nil
}

// InsertEvent stores a pipeline event.
func (db *DB) InsertEvent(ctx context.Context, e *models.EnhancementEvent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO enhancement_events (
			request_id, identity, tier, technique, format, outcome, error_kind,
			candidate_id, provider, model, attempts, fallback_depth,
			input_tokens, output_tokens, prompt_chars, latency_ms, confidence, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (request_id) DO NOTHING
	`, e.RequestID, e.Identity, e.Tier, e.Technique, e.Format, string(e.Outcome), e.ErrorKind,
		e.CandidateID, e.Provider, e.Model, e.Attempts, e.FallbackDepth,
		e.InputTokens, e.OutputTokens, e.PromptChars, e.LatencyMs, e.Confidence, e.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent N events.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]models.EnhancementEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT request_id, identity, tier, technique, format, outcome, error_kind,
		       candidate_id, provider, model, attempts, fallback_depth,
		       input_tokens, output_tokens, prompt_chars, latency_ms, confidence, timestamp
		FROM enhancement_events ORDER BY timestamp DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	var results []models.EnhancementEvent
	for rows.Next() {
		var e models.EnhancementEvent
		var outcome string
		if err := rows.Scan(
			&e.RequestID, &e.Identity, &e.Tier, &e.Technique, &e.Format, &outcome, &e.ErrorKind,
			&e.CandidateID, &e.Provider, &e.Model, &e.Attempts, &e.FallbackDepth,
			&e.InputTokens, &e.OutputTokens, &e.PromptChars, &e.LatencyMs, &e.Confidence, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Outcome = models.Outcome(outcome)
		results = append(results, e)
	}
	return results, rows.Err()
}
