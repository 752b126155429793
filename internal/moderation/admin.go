package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/storage"
)

const defaultReviewPageSize = 20

// Admin applies reviewer actions. Every state change here is explicit; nothing in this file
// runs without a human request.
type Admin struct {
	engine *Engine
}

func NewAdmin(engine *Engine) *Admin {
	return &Admin{engine: engine}
}

type ReviewItem struct {
	ID           int64                  `json:"id"`
	Title        string                 `json:"title"`
	Excerpt      string                 `json:"excerpt"`
	Tier         letters.QuarantineTier `json:"tier"`
	Reasons      []ReasonCode           `json:"reasons"`
	Phrases      []string               `json:"phrases"`
	QualityScore int                    `json:"qualityScore"`
	SystemError  string                 `json:"systemError,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
}

func (a *Admin) letter(ctx context.Context, id int64) (letters.Letter, letters.Stage, error) {
	letter, err := a.engine.store.GetLetter(ctx, id)
	if err != nil {
		return letters.Letter{}, "", err
	}
	if letter.Type != letters.PostType {
		return letters.Letter{}, "", ErrNotALetter
	}
	stage, err := a.engine.currentStage(ctx, id)
	if err != nil {
		return letters.Letter{}, "", err
	}
	return letter, stage, nil
}

func (a *Admin) purge() {
	if a.engine.counts != nil {
		a.engine.counts.PurgeCounts()
	}
}

// Approve publishes a letter that is waiting for review or sitting in quarantine.
func (a *Admin) Approve(ctx context.Context, id int64) error {
	letter, stage, err := a.letter(ctx, id)
	if err != nil {
		return err
	}
	if letter.Trashed() {
		return fmt.Errorf("%w: letter %d is deleted", ErrInvalidTransition, id)
	}
	if stage != letters.StagePendingReview && stage != letters.StageQuarantined {
		return fmt.Errorf("%w: cannot approve from %s", ErrInvalidTransition, stage)
	}
	store := a.engine.store
	if err := store.SetLetterStatus(ctx, id, letters.StatusPublish); err != nil {
		return err
	}
	for _, key := range []string{letters.MetaNeedsReview, letters.MetaQuarantineTier, letters.MetaAdminOverride} {
		if err := store.DeleteMeta(ctx, id, key); err != nil {
			return err
		}
	}
	if err := store.SetMeta(ctx, id, letters.MetaModerationStatus, letters.ModerationApproved); err != nil {
		return err
	}
	if err := a.engine.setStage(ctx, id, letters.StagePublished); err != nil {
		return err
	}
	a.engine.logger.Info("letter approved", zap.Int64("letter_id", id), zap.String("from", string(stage)))
	a.purge()
	return nil
}

// Override vouches for a quarantined letter and reprocesses it. The flag is consumed by the
// next passing run.
func (a *Admin) Override(ctx context.Context, id int64) (Result, error) {
	_, stage, err := a.letter(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if stage != letters.StageQuarantined && stage != letters.StageUnprocessed {
		return Result{}, fmt.Errorf("%w: cannot override from %s", ErrInvalidTransition, stage)
	}
	if err := a.engine.store.SetMeta(ctx, id, letters.MetaAdminOverride, "1"); err != nil {
		return Result{}, err
	}
	a.engine.logger.Info("admin override set", zap.Int64("letter_id", id))
	return a.engine.ProcessLetter(ctx, id, true)
}

// Recheck reprocesses a letter on request. A letter waiting for review goes back through
// the full pipeline; published letters are left alone.
func (a *Admin) Recheck(ctx context.Context, id int64) (Result, error) {
	_, stage, err := a.letter(ctx, id)
	if err != nil {
		return Result{}, err
	}
	switch stage {
	case letters.StagePublished:
		return Result{}, fmt.Errorf("%w: cannot recheck a published letter", ErrInvalidTransition)
	case letters.StagePendingReview:
		if err := a.engine.setStage(ctx, id, letters.StageUnprocessed); err != nil {
			return Result{}, err
		}
	}
	return a.engine.ProcessLetter(ctx, id, true)
}

// SoftDelete hides a letter and moves it to the trash, remembering its previous status.
func (a *Admin) SoftDelete(ctx context.Context, id int64, reason string) error {
	letter, _, err := a.letter(ctx, id)
	if err != nil {
		return err
	}
	if letter.Trashed() {
		return nil
	}
	store := a.engine.store
	values := []struct{ key, value string }{
		{letters.MetaHidden, "1"},
		{letters.MetaDeletedAt, letters.FormatTime(a.engine.now())},
		{letters.MetaDeletedReason, strings.TrimSpace(reason)},
		{letters.MetaDeletedStatus, string(letter.Status)},
	}
	for _, v := range values {
		if err := store.SetMeta(ctx, id, v.key, v.value); err != nil {
			return err
		}
	}
	if err := store.TrashLetter(ctx, id); err != nil {
		return err
	}
	a.engine.logger.Info("letter soft-deleted", zap.Int64("letter_id", id), zap.String("reason", reason))
	a.purge()
	return nil
}

// Restore reverses SoftDelete. The audit meta is removed and the previous status returns.
func (a *Admin) Restore(ctx context.Context, id int64) error {
	letter, _, err := a.letter(ctx, id)
	if err != nil {
		return err
	}
	if !letter.Trashed() {
		return nil
	}
	store := a.engine.store
	previous, _, err := store.GetMeta(ctx, id, letters.MetaDeletedStatus)
	if err != nil {
		return err
	}
	status := letters.Status(previous)
	if status == "" || status == letters.StatusTrash {
		status = letters.StatusPending
	}
	if err := store.SetLetterStatus(ctx, id, status); err != nil {
		return err
	}
	for _, key := range []string{letters.MetaHidden, letters.MetaDeletedAt, letters.MetaDeletedReason, letters.MetaDeletedStatus} {
		if err := store.DeleteMeta(ctx, id, key); err != nil {
			return err
		}
	}
	a.engine.logger.Info("letter restored", zap.Int64("letter_id", id), zap.String("status", string(status)))
	a.purge()
	return nil
}

// ReviewQueue pages through quarantined letters, oldest first.
func (a *Admin) ReviewQueue(ctx context.Context, limit, offset int) ([]ReviewItem, error) {
	if limit <= 0 {
		limit = defaultReviewPageSize
	}
	if offset < 0 {
		offset = 0
	}
	store := a.engine.store
	ids, err := store.ListLettersByStage(ctx, []letters.Stage{letters.StageQuarantined}, offset+limit)
	if err != nil {
		return nil, err
	}
	if offset >= len(ids) {
		return []ReviewItem{}, nil
	}
	ids = ids[offset:]

	items := make([]ReviewItem, 0, len(ids))
	for _, id := range ids {
		item, err := reviewItem(ctx, store, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func reviewItem(ctx context.Context, store storage.Store, id int64) (ReviewItem, error) {
	letter, err := store.GetLetter(ctx, id)
	if err != nil {
		return ReviewItem{}, err
	}
	meta, err := store.AllMeta(ctx, id)
	if err != nil {
		return ReviewItem{}, err
	}
	reasons := []ReasonCode{}
	if raw := meta[letters.MetaModerationReasons]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
			reasons = []ReasonCode{}
		}
	}
	return ReviewItem{
		ID:           id,
		Title:        letter.Title,
		Excerpt:      excerpt(PlainText(letter.Content), 160),
		Tier:         letters.QuarantineTier(meta[letters.MetaQuarantineTier]),
		Reasons:      reasons,
		Phrases:      TranslateReasons(reasons),
		QualityScore: letters.ParseInt(meta[letters.MetaQualityScore], 0),
		SystemError:  meta[letters.MetaSystemError],
		CreatedAt:    letter.CreatedAt,
	}, nil
}

func excerpt(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
