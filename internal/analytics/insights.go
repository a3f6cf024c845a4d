// Package analytics turns the enhancement event log into usage reports and
// operational insights.
//
// The insights engine looks for failure spikes (a day where failures of one
// kind exceed twice their rolling average) and for degraded primaries (a
// large share of completions served by a fallback candidate).
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/lumen/pkg/models"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightFailureSpike    InsightType = "failure_spike"
	InsightPrimaryDegraded InsightType = "primary_degraded"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Insight represents an actionable alert.
type Insight struct {
	ID             string      `json:"id"`
	Type           InsightType `json:"type"`
	Severity       Severity    `json:"severity"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	AffectedEntity string      `json:"affected_entity"`
	CreatedAt      time.Time   `json:"created_at"`
}

const (
	// SpikeThreshold is the multiple of the rolling average that counts as a spike.
	SpikeThreshold = 2.0
	// CriticalSpikeMultiple escalates a spike to critical.
	CriticalSpikeMultiple = 5.0
	// FallbackShareWarning is the share of completions served by a fallback
	// candidate above which the primary is reported as degraded.
	FallbackShareWarning = 0.25
	// FallbackShareCritical escalates a degraded primary to critical.
	FallbackShareCritical = 0.6
	// minFallbackSample avoids reporting on a handful of requests.
	minFallbackSample = 20
)

// InsightsEngine generates insights and reports from the event log.
type InsightsEngine struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewInsightsEngine creates a new InsightsEngine.
func NewInsightsEngine(pool *pgxpool.Pool) *InsightsEngine {
	return &InsightsEngine{pool: pool, now: time.Now}
}

// DetectSpikes finds days in the last two weeks where failures of one kind
// exceeded SpikeThreshold times their 7-day rolling average.
func (e *InsightsEngine) DetectSpikes(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	rows, err := e.pool.Query(ctx, `
		WITH daily_failures AS (
			SELECT
				DATE(timestamp) AS day,
				error_kind,
				COUNT(*)::float8 AS failures
			FROM enhancement_events
			WHERE outcome = 'failed'
			  AND timestamp > NOW() - INTERVAL '14 days'
			GROUP BY DATE(timestamp), error_kind
		),
		rolling_avg AS (
			SELECT
				day,
				error_kind,
				failures,
				AVG(failures) OVER (
					PARTITION BY error_kind
					ORDER BY day
					ROWS BETWEEN 7 PRECEDING AND 1 PRECEDING
				) AS avg_failures
			FROM daily_failures
		)
		SELECT day, error_kind, failures, avg_failures
		FROM rolling_avg
		WHERE failures > avg_failures * $1
		  AND avg_failures > 0
		ORDER BY day DESC
		LIMIT 20
	`, SpikeThreshold)
	if err != nil {
		return nil, fmt.Errorf("detecting spikes: %w", err)
	}
	defer rows.Close()

	var insights []Insight
	for rows.Next() {
		var day time.Time
		var kind string
		var failures, avg float64
		if err := rows.Scan(&day, &kind, &failures, &avg); err != nil {
			return nil, fmt.Errorf("scanning spike row: %w", err)
		}
		insights = append(insights, spikeInsight(day, kind, failures, avg, e.now()))
	}
	return insights, rows.Err()
}

// DetectDegradedPrimaries reports when a large share of the last 24 hours of
// completions were served by a fallback candidate.
func (e *InsightsEngine) DetectDegradedPrimaries(ctx context.Context) ([]Insight, error) {
	if e.pool == nil {
		return nil, nil
	}

	var total, fallbacks int64
	err := e.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE fallback_depth > 0)
		FROM enhancement_events
		WHERE outcome = 'completed'
		  AND timestamp > NOW() - INTERVAL '24 hours'
	`).Scan(&total, &fallbacks)
	if err != nil {
		return nil, fmt.Errorf("querying fallback share: %w", err)
	}

	if in, ok := fallbackInsight(total, fallbacks, e.now()); ok {
		return []Insight{in}, nil
	}
	return nil, nil
}

// spikeInsight builds the insight for one spike row.
func spikeInsight(day time.Time, kind string, failures, avg float64, now time.Time) Insight {
	multiple := failures / avg
	return Insight{
		ID:       fmt.Sprintf("spike-%s-%s", kind, day.Format("2006-01-02")),
		Type:     InsightFailureSpike,
		Severity: spikeSeverity(multiple),
		Title:    fmt.Sprintf("Failure spike: %s", kind),
		Description: fmt.Sprintf(
			"On %s there were %.0f %s failures, %.1fx the 7-day rolling average of %.1f.",
			day.Format("Jan 2"), failures, kind, multiple, avg,
		),
		AffectedEntity: kind,
		CreatedAt:      now,
	}
}

func spikeSeverity(multiple float64) Severity {
	if multiple >= CriticalSpikeMultiple {
		return SeverityCritical
	}
	return SeverityWarning
}

// fallbackInsight reports a degraded primary when enough completions came
// from a fallback candidate.
func fallbackInsight(total, fallbacks int64, now time.Time) (Insight, bool) {
	if total < minFallbackSample {
		return Insight{}, false
	}
	share := float64(fallbacks) / float64(total)
	if share < FallbackShareWarning {
		return Insight{}, false
	}
	severity := SeverityWarning
	if share >= FallbackShareCritical {
		severity = SeverityCritical
	}
	pct := math.Round(share * 100)
	return Insight{
		ID:       fmt.Sprintf("primary-degraded-%s", now.UTC().Format("2006-01-02T15")),
		Type:     InsightPrimaryDegraded,
		Severity: severity,
		Title:    fmt.Sprintf("Primary backend degraded: %.0f%% of requests fell back", pct),
		Description: fmt.Sprintf(
			"%d of %d completed requests in the last 24 hours were served by a fallback candidate.",
			fallbacks, total,
		),
		AffectedEntity: "primary",
		CreatedAt:      now,
	}, true
}

// GenerateReport creates a usage summary for a time period.
func (e *InsightsEngine) GenerateReport(ctx context.Context, from, to time.Time) (*Report, error) {
	if e.pool == nil {
		return nil, nil
	}

	report := Report{From: from, To: to}
	err := e.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'completed'),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(confidence) FILTER (WHERE outcome = 'completed'), 0),
			COUNT(DISTINCT identity)
		FROM enhancement_events
		WHERE timestamp >= $1 AND timestamp <= $2
	`, from, to).Scan(
		&report.TotalRequests,
		&report.Completed,
		&report.TotalTokens,
		&report.AvgLatencyMs,
		&report.AvgConfidence,
		&report.UniqueIdentities,
	)
	if err != nil {
		return nil, fmt.Errorf("generating report: %w", err)
	}
	report.SuccessRate = successRate(report.Completed, report.TotalRequests)

	if report.Techniques, err = e.techniqueUsage(ctx, from, to); err != nil {
		return nil, err
	}
	if report.Models, err = e.modelUsage(ctx, from, to); err != nil {
		return nil, err
	}
	if report.Outcomes, err = e.outcomeCounts(ctx, from, to); err != nil {
		return nil, err
	}
	return &report, nil
}

func (e *InsightsEngine) techniqueUsage(ctx context.Context, from, to time.Time) ([]models.TechniqueUsage, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT technique, COUNT(*), COUNT(*) FILTER (WHERE outcome = 'completed'), COALESCE(AVG(latency_ms), 0)
		FROM enhancement_events
		WHERE timestamp >= $1 AND timestamp <= $2 AND technique <> ''
		GROUP BY technique
		ORDER BY COUNT(*) DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying technique usage: %w", err)
	}
	defer rows.Close()

	var out []models.TechniqueUsage
	for rows.Next() {
		var u models.TechniqueUsage
		if err := rows.Scan(&u.Technique, &u.Requests, &u.Completed, &u.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning technique usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (e *InsightsEngine) modelUsage(ctx context.Context, from, to time.Time) ([]models.ModelUsage, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT
			provider, model, COUNT(*),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(confidence), 0),
			COALESCE(AVG(fallback_depth), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM enhancement_events
		WHERE timestamp >= $1 AND timestamp <= $2 AND outcome = 'completed'
		GROUP BY provider, model
		ORDER BY COUNT(*) DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying model usage: %w", err)
	}
	defer rows.Close()

	var out []models.ModelUsage
	for rows.Next() {
		var u models.ModelUsage
		if err := rows.Scan(&u.Provider, &u.Model, &u.Requests, &u.AvgLatencyMs, &u.AvgConfidence,
			&u.AvgFallbackDepth, &u.TotalInputTokens, &u.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scanning model usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (e *InsightsEngine) outcomeCounts(ctx context.Context, from, to time.Time) ([]models.OutcomeCount, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT outcome, error_kind, COUNT(*)
		FROM enhancement_events
		WHERE timestamp >= $1 AND timestamp <= $2
		GROUP BY outcome, error_kind
		ORDER BY COUNT(*) DESC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.OutcomeCount
	for rows.Next() {
		var c models.OutcomeCount
		var outcome string
		if err := rows.Scan(&outcome, &c.ErrorKind, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		c.Outcome = models.Outcome(outcome)
		out = append(out, c)
	}
	return out, rows.Err()
}

func successRate(completed, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)/float64(total)*1000) / 1000
}

// Report is a summary of pipeline usage over a time period.
type Report struct {
	From             time.Time               `json:"from"`
	To               time.Time               `json:"to"`
	TotalRequests    int64                   `json:"total_requests"`
	Completed        int64                   `json:"completed"`
	SuccessRate      float64                 `json:"success_rate"`
	TotalTokens      int64                   `json:"total_tokens"`
	AvgLatencyMs     float64                 `json:"avg_latency_ms"`
	AvgConfidence    float64                 `json:"avg_confidence"`
	UniqueIdentities int64                   `json:"unique_identities"`
	Techniques       []models.TechniqueUsage `json:"techniques"`
	Models           []models.ModelUsage     `json:"models"`
	Outcomes         []models.OutcomeCount   `json:"outcomes"`
	Insights         []Insight               `json:"insights,omitempty"`
}
