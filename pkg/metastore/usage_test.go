package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

func TestUsageAggregates(t *testing.T) {
	s := openTestStore(t)
	repo := NewUsageRepo(s)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(provider, model string, prompt, completion int, ms int64, success bool, at time.Time) {
		require.NoError(t, repo.Insert(ctx, &domain.UsageMetric{
			Provider: provider, Model: model,
			PromptTokens: prompt, CompletionTokens: completion,
			ResponseTimeMs: ms, Success: success, Timestamp: at,
		}))
	}

	insert("openai", "gpt-4o-mini", 100, 50, 200, true, now)
	insert("openai", "gpt-4o-mini", 300, 150, 400, true, now)
	insert("openai", "gpt-4o-mini", 0, 0, 100, false, now)
	insert("anthropic", "claude-sonnet-4-5", 80, 40, 900, true, now)
	// Outside the window; must be excluded.
	insert("openai", "gpt-4o-mini", 999, 999, 999, true, now.AddDate(0, 0, -40))

	since := now.AddDate(0, 0, -30)
	groups, err := repo.AggregateByModelDay(ctx, since)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	var openai *ModelUsage
	for i := range groups {
		if groups[i].Provider == "openai" {
			openai = &groups[i]
		}
	}
	require.NotNil(t, openai)
	assert.Equal(t, 3, openai.Requests)
	assert.Equal(t, int64(400), openai.PromptTokens)
	assert.Equal(t, int64(200), openai.CompletionTokens)
	assert.InDelta(t, 2.0/3.0, openai.SuccessRate, 0.001)
	assert.Equal(t, now.Format("2006-01-02"), openai.Day)

	totals, err := repo.TotalsSince(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 4, totals.Requests)
	assert.Equal(t, int64(480), totals.PromptTokens)
	assert.InDelta(t, 0.75, totals.SuccessRate, 0.001)

	// The stored timestamp survives the round trip.
	recent, err := repo.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.WithinDuration(t, now, recent[0].Timestamp, time.Second)
}

func TestUsageRecordsFailureKind(t *testing.T) {
	s := openTestStore(t)
	repo := NewUsageRepo(s)
	ctx := context.Background()

	convID := "conv-1"
	require.NoError(t, repo.Insert(ctx, &domain.UsageMetric{
		ConversationID: &convID,
		Provider:       "ollama",
		Model:          "llama3.2",
		Success:        false,
		ErrorKind:      string(domain.KindProviderUnavailable),
	}))

	recent, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Success)
	assert.Equal(t, string(domain.KindProviderUnavailable), recent[0].ErrorKind)
	require.NotNil(t, recent[0].ConversationID)
	assert.Equal(t, "conv-1", *recent[0].ConversationID)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].Timestamp.IsZero())
}

func TestTotalsSinceEmpty(t *testing.T) {
	s := openTestStore(t)
	repo := NewUsageRepo(s)

	totals, err := repo.TotalsSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, totals.Requests)
	assert.Zero(t, totals.SuccessRate)
}
