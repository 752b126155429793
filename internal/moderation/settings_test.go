package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

func TestSettingsDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	settings, err := LoadSettings(ctx, store)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.TrustedImport || settings.QualityMinScore != 25 || settings.IPDailyThreshold != 20 {
		t.Fatalf("unexpected defaults: %+v", settings)
	}

	if err := SaveSettings(ctx, store, Settings{TrustedImport: true, QualityMinScore: 40, IPDailyThreshold: 5}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	raw, _, _ := store.GetOption(ctx, letters.OptionTrustedImport)
	if !letters.ParseBool(raw) {
		t.Fatalf("expected trusted import option to be set, got %q", raw)
	}
	settings, err = LoadSettings(ctx, store)
	if err != nil {
		t.Fatalf("reload settings: %v", err)
	}
	if !settings.TrustedImport || settings.QualityMinScore != 40 || settings.IPDailyThreshold != 5 {
		t.Fatalf("unexpected settings after save: %+v", settings)
	}
}

func TestSaveSettingsValidates(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := SaveSettings(ctx, store, Settings{QualityMinScore: 101, IPDailyThreshold: 5}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected invalid input for quality score, got %v", err)
	}
	if err := SaveSettings(ctx, store, Settings{QualityMinScore: 10}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected invalid input for ip threshold, got %v", err)
	}
	if _, ok, _ := store.GetOption(ctx, letters.OptionQualityMinScore); ok {
		t.Fatalf("rejected settings must not be written")
	}
}
