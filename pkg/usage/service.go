// Package usage sits between the chat orchestrator and the metric rows:
// writes go straight through, reads are aggregated and cached for a few
// seconds so the analytics endpoints and agent tools can poll freely.
package usage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/metastore"
)

const aggregateWindow = 30 * 24 * time.Hour

// Snapshot is the cached analytics read model.
type Snapshot struct {
	Totals     metastore.Totals      `json:"totals"`
	ByModelDay []metastore.ModelUsage `json:"byModelDay"`
	ComputedAt time.Time             `json:"computedAt"`
}

// Service owns the usage write path and the cached aggregates.
type Service struct {
	repo     *metastore.UsageRepo
	settings *metastore.Settings

	mu       sync.Mutex
	snapshot *Snapshot

	notifyMu  sync.Mutex
	listeners []func()
}

func NewService(repo *metastore.UsageRepo, settings *metastore.Settings) *Service {
	return &Service{repo: repo, settings: settings}
}

// OnChange registers a callback fired after new metrics land or the
// aggregates are recomputed. Callbacks must not block.
func (s *Service) OnChange(fn func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// RecordTurn writes one metric row and invalidates the cache. Write
// failures are logged, not returned: a lost metric must never fail the
// chat turn that produced it.
func (s *Service) RecordTurn(ctx context.Context, m *domain.UsageMetric) {
	if err := s.repo.Insert(ctx, m); err != nil {
		log.Error().Err(err).Str("provider", m.Provider).Str("model", m.Model).
			Msg("failed to record usage metric")
		return
	}
	s.invalidate()
	s.notify()
}

// Overview returns the cached aggregate snapshot, recomputing it when
// the TTL has lapsed.
func (s *Service) Overview(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	ttl := time.Duration(s.settings.IntOr("UsageCacheTTLSeconds", 30)) * time.Second
	if s.snapshot != nil && time.Since(s.snapshot.ComputedAt) < ttl {
		snap := s.snapshot
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	since := time.Now().UTC().Add(-aggregateWindow)
	totals, err := s.repo.TotalsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	byModel, err := s.repo.AggregateByModelDay(ctx, since)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Totals:     *totals,
		ByModelDay: byModel,
		ComputedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	s.notify()
	return snap, nil
}

// ModelSummary folds the per-day aggregates into one row per model.
type ModelSummary struct {
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	Requests          int     `json:"requests"`
	PromptTokens      int64   `json:"promptTokens"`
	CompletionTokens  int64   `json:"completionTokens"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
	SuccessRate       float64 `json:"successRate"`
}

// PopularModels returns per-model summaries ordered by request count.
func (s *Service) PopularModels(ctx context.Context) ([]ModelSummary, error) {
	snap, err := s.Overview(ctx)
	if err != nil {
		return nil, err
	}

	byKey := map[string]*ModelSummary{}
	for _, u := range snap.ByModelDay {
		key := u.Provider + "/" + u.Model
		sum, ok := byKey[key]
		if !ok {
			sum = &ModelSummary{Provider: u.Provider, Model: u.Model}
			byKey[key] = sum
		}
		// Requests-weighted averages keep busy days from being diluted.
		total := float64(sum.Requests + u.Requests)
		sum.AvgResponseTimeMs = (sum.AvgResponseTimeMs*float64(sum.Requests) +
			u.AvgResponseTimeMs*float64(u.Requests)) / total
		sum.SuccessRate = (sum.SuccessRate*float64(sum.Requests) +
			u.SuccessRate*float64(u.Requests)) / total
		sum.Requests += u.Requests
		sum.PromptTokens += u.PromptTokens
		sum.CompletionTokens += u.CompletionTokens
	}

	out := make([]ModelSummary, 0, len(byKey))
	for _, sum := range byKey {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// ModelPerformance returns the summary for one model by name, matching
// on the model identifier alone.
func (s *Service) ModelPerformance(ctx context.Context, model string) (*ModelSummary, error) {
	models, err := s.PopularModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range models {
		if strings.EqualFold(models[i].Model, model) {
			return &models[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

// Recent exposes the raw tail of the metric log.
func (s *Service) Recent(ctx context.Context, limit int) ([]domain.UsageMetric, error) {
	return s.repo.Recent(ctx, limit)
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

func (s *Service) notify() {
	s.notifyMu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.notifyMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
