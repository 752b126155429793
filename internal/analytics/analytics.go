// Package analytics aggregates letter counts for the admin dashboard.
package analytics

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const (
	stageCountsKey   = "stage_counts"
	defaultCountsTTL = 10 * time.Minute
)

type Snapshot struct {
	GeneratedAt         time.Time             `json:"generated_at"`
	Total               int                   `json:"total"`
	ByStage             map[letters.Stage]int `json:"by_stage"`
	BySafetyTier        map[string]int        `json:"by_safety_tier"`
	ByQuarantineTier    map[string]int        `json:"by_quarantine_tier"`
	NeedsReview         int                   `json:"needs_review"`
	Last24h             int                   `json:"last_24h"`
	Last7d              int                   `json:"last_7d"`
	AverageQualityScore float64               `json:"average_quality_score"`
}

type Options struct {
	Store     storage.Store
	Logger    *zap.Logger
	Now       func() time.Time
	CountsTTL time.Duration
}

// Aggregator caches stage counts in memory and persists the full snapshot as an option.
type Aggregator struct {
	store  storage.Store
	logger *zap.Logger
	now    func() time.Time
	counts *cache.Cache
}

func New(opts Options) *Aggregator {
	ttl := opts.CountsTTL
	if ttl <= 0 {
		ttl = defaultCountsTTL
	}
	a := &Aggregator{
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
		counts: cache.New(ttl, 2*ttl),
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Counts returns letters per stage, served from cache until PurgeCounts.
func (a *Aggregator) Counts(ctx context.Context) (map[letters.Stage]int, error) {
	if cached, ok := a.counts.Get(stageCountsKey); ok {
		return copyCounts(cached.(map[letters.Stage]int)), nil
	}
	counts, err := a.store.CountLettersByStage(ctx)
	if err != nil {
		return nil, err
	}
	for _, stage := range letters.AllStages {
		if _, ok := counts[stage]; !ok {
			counts[stage] = 0
		}
	}
	a.counts.SetDefault(stageCountsKey, copyCounts(counts))
	return counts, nil
}

// PurgeCounts drops the cached counts. The engine calls it after every letter.
func (a *Aggregator) PurgeCounts() {
	a.counts.Delete(stageCountsKey)
}

func copyCounts(in map[letters.Stage]int) map[letters.Stage]int {
	out := make(map[letters.Stage]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot returns the stored snapshot, building one if none exists yet.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	ok, err := storage.GetJSONOption(ctx, a.store, letters.OptionAnalyticsSnapshot, &snapshot)
	if err != nil {
		a.logger.Warn("stored analytics snapshot unreadable, rebuilding", zap.Error(err))
	}
	if ok && err == nil {
		return snapshot, nil
	}
	return a.Rebuild(ctx)
}

// Rebuild recomputes the snapshot from the store and persists it.
func (a *Aggregator) Rebuild(ctx context.Context) (Snapshot, error) {
	a.PurgeCounts()
	byStage, err := a.Counts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := a.now().UTC()
	snapshot := Snapshot{GeneratedAt: now, ByStage: byStage}
	for _, count := range byStage {
		snapshot.Total += count
	}
	if snapshot.BySafetyTier, err = a.store.GroupLettersByMeta(ctx, letters.MetaSafetyTier); err != nil {
		return Snapshot{}, err
	}
	if snapshot.ByQuarantineTier, err = a.store.GroupLettersByMeta(ctx, letters.MetaQuarantineTier); err != nil {
		return Snapshot{}, err
	}
	needsReview, err := a.store.GroupLettersByMeta(ctx, letters.MetaNeedsReview)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.NeedsReview = needsReview["1"]
	if snapshot.Last24h, err = a.store.CountLettersCreatedSince(ctx, now.Add(-24*time.Hour)); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Last7d, err = a.store.CountLettersCreatedSince(ctx, now.Add(-7*24*time.Hour)); err != nil {
		return Snapshot{}, err
	}
	scores, err := a.store.GroupLettersByMeta(ctx, letters.MetaQualityScore)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.AverageQualityScore = averageScore(scores)

	if err := storage.SetJSONOption(ctx, a.store, letters.OptionAnalyticsSnapshot, snapshot); err != nil {
		return Snapshot{}, err
	}
	a.logger.Info("analytics snapshot rebuilt", zap.Int("total", snapshot.Total), zap.Int("needs_review", snapshot.NeedsReview))
	return snapshot, nil
}

// averageScore averages grouped quality scores to two decimals.
func averageScore(scores map[string]int) float64 {
	var sum, n int
	for raw, count := range scores {
		score, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		sum += score * count
		n += count
	}
	if n == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(n)*100) / 100
}
