package moderation

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const learnedWeightsCacheKey = "weights"

// LearnedWeightProvider supplies per-flag weights learned from reviewer feedback.
// Missing flags fall back to the rule's base weight.
type LearnedWeightProvider interface {
	Weights(ctx context.Context) map[SafetyFlag]float64
}

type NoopWeights struct{}

func (NoopWeights) Weights(context.Context) map[SafetyFlag]float64 {
	return nil
}

// OptionWeights reads the learned weights option and caches it for a few minutes.
type OptionWeights struct {
	options storage.OptionStore
	logger  *zap.Logger
	cache   *cache.Cache
}

func NewOptionWeights(options storage.OptionStore, ttl time.Duration, logger *zap.Logger) *OptionWeights {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OptionWeights{
		options: options,
		logger:  logger,
		cache:   cache.New(ttl, 2*ttl),
	}
}

func (w *OptionWeights) Weights(ctx context.Context) map[SafetyFlag]float64 {
	if cached, ok := w.cache.Get(learnedWeightsCacheKey); ok {
		return cached.(map[SafetyFlag]float64)
	}
	raw := map[string]float64{}
	if _, err := storage.GetJSONOption(ctx, w.options, letters.OptionLearnedSafetyWeights, &raw); err != nil {
		w.logger.Warn("learned safety weights unreadable, using base weights", zap.Error(err))
		raw = map[string]float64{}
	}
	weights := make(map[SafetyFlag]float64, len(raw))
	for flag, weight := range raw {
		weights[SafetyFlag(flag)] = weight
	}
	w.cache.SetDefault(learnedWeightsCacheKey, weights)
	return weights
}

// Invalidate drops the cached weights so the next scan rereads the option.
func (w *OptionWeights) Invalidate() {
	w.cache.Delete(learnedWeightsCacheKey)
}
