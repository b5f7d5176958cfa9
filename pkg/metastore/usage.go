package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// UsageRepo appends usage metric rows and serves the aggregate queries
// behind the analytics endpoints.
type UsageRepo struct {
	store *Store
}

func NewUsageRepo(store *Store) *UsageRepo {
	return &UsageRepo{store: store}
}

// Insert records one chat turn; called on success and failure alike.
func (r *UsageRepo) Insert(ctx context.Context, m *domain.UsageMetric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	// Stored as an RFC 3339 string so strftime and range comparisons see
	// a format SQLite understands.
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO usage_metrics (id, conversation_id, provider, model, prompt_tokens,
			completion_tokens, response_time_ms, timestamp, success, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Provider, m.Model, m.PromptTokens,
		m.CompletionTokens, m.ResponseTimeMs, m.Timestamp.UTC().Format(time.RFC3339),
		boolToInt(m.Success), m.ErrorKind)
	if err != nil {
		return fmt.Errorf("insert usage metric: %w", err)
	}
	return nil
}

// ModelUsage is the aggregate over one provider/model/day group.
type ModelUsage struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	Day               string  `json:"day"` // YYYY-MM-DD, UTC
	Requests          int     `json:"requests"`
	PromptTokens      int64   `json:"promptTokens"`
	CompletionTokens  int64   `json:"completionTokens"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	SuccessRate       float64 `json:"successRate"`
}

// AggregateByModelDay groups metrics since the cutoff by provider, model
// and UTC day.
func (r *UsageRepo) AggregateByModelDay(ctx context.Context, since time.Time) ([]ModelUsage, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT provider, model, strftime('%Y-%m-%d', timestamp) AS day,
			COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(AVG(response_time_ms), 0),
			COALESCE(AVG(success), 0)
		FROM usage_metrics
		WHERE timestamp >= ?
		GROUP BY provider, model, day
		ORDER BY day DESC, provider, model`, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.Provider, &u.Model, &u.Day, &u.Requests,
			&u.PromptTokens, &u.CompletionTokens, &u.AvgResponseTimeMs, &u.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Totals is the all-up summary since a cutoff.
type Totals struct {
	Requests          int     `json:"requests"`
	PromptTokens      int64   `json:"promptTokens"`
	CompletionTokens  int64   `json:"completionTokens"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	SuccessRate       float64 `json:"successRate"`
}

// TotalsSince sums all metrics recorded at or after the cutoff.
func (r *UsageRepo) TotalsSince(ctx context.Context, since time.Time) (*Totals, error) {
	var t Totals
	var avgMs, rate sql.NullFloat64
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			AVG(response_time_ms),
			AVG(success)
		FROM usage_metrics WHERE timestamp >= ?`, since.UTC().Format(time.RFC3339)).
		Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &avgMs, &rate)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	t.AvgResponseTimeMs = avgMs.Float64
	t.SuccessRate = rate.Float64
	return &t, nil
}

// Recent returns the latest metric rows, newest first.
func (r *UsageRepo) Recent(ctx context.Context, limit int) ([]domain.UsageMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, conversation_id, provider, model, prompt_tokens, completion_tokens,
			response_time_ms, timestamp, success, error_kind
		FROM usage_metrics ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.UsageMetric
	for rows.Next() {
		var m domain.UsageMetric
		var convID, errorKind sql.NullString
		var ts string
		var success int
		if err := rows.Scan(&m.ID, &convID, &m.Provider, &m.Model, &m.PromptTokens,
			&m.CompletionTokens, &m.ResponseTimeMs, &ts, &success, &errorKind); err != nil {
			return nil, fmt.Errorf("scan usage metric: %w", err)
		}
		m.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse usage timestamp %q: %w", ts, err)
		}
		if convID.Valid {
			v := convID.String
			m.ConversationID = &v
		}
		m.Success = success != 0
		m.ErrorKind = errorKind.String
		out = append(out, m)
	}
	return out, rows.Err()
}
