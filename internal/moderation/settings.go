package moderation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

// Settings are the moderation options an admin can change at runtime.
type Settings struct {
	TrustedImport    bool `json:"trusted_import"`
	QualityMinScore  int  `json:"quality_min_score"`
	IPDailyThreshold int  `json:"ip_daily_threshold"`
}

func LoadSettings(ctx context.Context, options storage.OptionStore) (Settings, error) {
	settings := Settings{QualityMinScore: defaultQualityThreshold, IPDailyThreshold: defaultIPDailyThreshold}
	if raw, ok, err := options.GetOption(ctx, letters.OptionTrustedImport); err != nil {
		return Settings{}, err
	} else if ok {
		settings.TrustedImport = letters.ParseBool(raw)
	}
	if raw, ok, err := options.GetOption(ctx, letters.OptionQualityMinScore); err != nil {
		return Settings{}, err
	} else if ok {
		settings.QualityMinScore = letters.ParseInt(raw, defaultQualityThreshold)
	}
	if raw, ok, err := options.GetOption(ctx, letters.OptionIPDailyThreshold); err != nil {
		return Settings{}, err
	} else if ok {
		settings.IPDailyThreshold = letters.ParseInt(raw, defaultIPDailyThreshold)
	}
	return settings, nil
}

func SaveSettings(ctx context.Context, options storage.OptionStore, settings Settings) error {
	if settings.QualityMinScore < 0 || settings.QualityMinScore > 100 {
		return fmt.Errorf("%w: quality_min_score must be between 0 and 100", storage.ErrInvalidInput)
	}
	if settings.IPDailyThreshold < 1 {
		return fmt.Errorf("%w: ip_daily_threshold must be at least 1", storage.ErrInvalidInput)
	}
	if err := options.SetOption(ctx, letters.OptionTrustedImport, letters.BoolString(settings.TrustedImport)); err != nil {
		return err
	}
	if err := options.SetOption(ctx, letters.OptionQualityMinScore, strconv.Itoa(settings.QualityMinScore)); err != nil {
		return err
	}
	return options.SetOption(ctx, letters.OptionIPDailyThreshold, strconv.Itoa(settings.IPDailyThreshold))
}
