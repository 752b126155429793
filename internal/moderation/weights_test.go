package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

func TestOptionWeightsCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := store.SetOption(ctx, letters.OptionLearnedSafetyWeights, `{"spam": 14.5}`); err != nil {
		t.Fatalf("set option: %v", err)
	}
	weights := NewOptionWeights(store, time.Minute, nil)
	if got := weights.Weights(ctx)[FlagSpam]; got != 14.5 {
		t.Fatalf("expected 14.5, got %v", got)
	}

	if err := store.SetOption(ctx, letters.OptionLearnedSafetyWeights, `{"spam": 4}`); err != nil {
		t.Fatalf("set option: %v", err)
	}
	if got := weights.Weights(ctx)[FlagSpam]; got != 14.5 {
		t.Fatalf("expected cached 14.5, got %v", got)
	}
	weights.Invalidate()
	if got := weights.Weights(ctx)[FlagSpam]; got != 4 {
		t.Fatalf("expected 4 after invalidate, got %v", got)
	}
}

func TestOptionWeightsIgnoresMalformedOption(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SetOption(ctx, letters.OptionLearnedSafetyWeights, `not json`)
	weights := NewOptionWeights(store, 0, nil)
	if got := weights.Weights(ctx); len(got) != 0 {
		t.Fatalf("expected no learned weights, got %v", got)
	}
	if got := (NoopWeights{}).Weights(ctx); len(got) != 0 {
		t.Fatalf("expected noop weights to be empty, got %v", got)
	}
}
