package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/reasonstostay/letterflow/internal/letters"
)

const blockedLetter = goodLetter + " But honestly you should kill yourself."

func TestAdminApprovePublishesReviewedLetter(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)

	if err := f.admin.Approve(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unprocessed letter to be rejected, got %v", err)
	}
	if _, err := f.engine.ProcessLetter(ctx, id, false); err != nil {
		t.Fatalf("process letter: %v", err)
	}
	if err := f.admin.Approve(ctx, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	letter, _ := f.store.GetLetter(ctx, id)
	if letter.Status != letters.StatusPublish {
		t.Fatalf("expected publish status, got %s", letter.Status)
	}
	if f.stage(t, id) != letters.StagePublished {
		t.Fatalf("expected published stage, got %s", f.stage(t, id))
	}
	if status, _ := f.meta(t, id, letters.MetaModerationStatus); status != letters.ModerationApproved {
		t.Fatalf("expected approved status, got %q", status)
	}
}

func TestAdminOverrideReleasesHardBlock(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, blockedLetter)
	if result, _ := f.engine.ProcessLetter(ctx, id, false); result.Outcome != OutcomeQuarantined {
		t.Fatalf("expected quarantine first, got %+v", result)
	}

	result, err := f.admin.Override(ctx, id)
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if result.Outcome != OutcomePendingReview {
		t.Fatalf("expected override to reach review, got %+v", result)
	}
	if _, ok := f.meta(t, id, letters.MetaAdminOverride); ok {
		t.Fatalf("override flag is single use")
	}
	if _, ok := f.meta(t, id, letters.MetaQuarantineTier); ok {
		t.Fatalf("quarantine tier should be cleared")
	}

	if _, err := f.admin.Override(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected override outside quarantine to fail, got %v", err)
	}
}

func TestAdminRecheck(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)
	if _, err := f.engine.ProcessLetter(ctx, id, false); err != nil {
		t.Fatalf("process letter: %v", err)
	}
	before, _ := f.store.GetLetter(ctx, id)

	result, err := f.admin.Recheck(ctx, id)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if result.Outcome != OutcomePendingReview {
		t.Fatalf("expected recheck to return to review, got %+v", result)
	}
	after, _ := f.store.GetLetter(ctx, id)
	if after.Content != before.Content {
		t.Fatalf("normalized content should be stable across rechecks")
	}

	if err := f.admin.Approve(ctx, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.admin.Recheck(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected published recheck to fail, got %v", err)
	}
}

func TestAdminSoftDeleteAndRestore(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id := f.create(t, goodLetter)

	if err := f.admin.SoftDelete(ctx, id, " duplicate "); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	letter, _ := f.store.GetLetter(ctx, id)
	if !letter.Trashed() {
		t.Fatalf("expected letter in trash")
	}
	if hidden, _ := f.meta(t, id, letters.MetaHidden); hidden != "1" {
		t.Fatalf("expected hidden flag")
	}
	if reason, _ := f.meta(t, id, letters.MetaDeletedReason); reason != "duplicate" {
		t.Fatalf("expected trimmed reason, got %q", reason)
	}
	if result, _ := f.engine.ProcessLetter(ctx, id, true); result.SkipReason != "trashed" {
		t.Fatalf("deleted letters are never processed, got %+v", result)
	}

	if err := f.admin.Restore(ctx, id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	letter, _ = f.store.GetLetter(ctx, id)
	if letter.Status != letters.StatusPending {
		t.Fatalf("expected previous status restored, got %s", letter.Status)
	}
	for _, key := range []string{letters.MetaHidden, letters.MetaDeletedAt, letters.MetaDeletedReason, letters.MetaDeletedStatus} {
		if _, ok := f.meta(t, id, key); ok {
			t.Fatalf("expected %s removed on restore", key)
		}
	}
}

func TestAdminReviewQueuePages(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	first := f.create(t, blockedLetter)
	second := f.create(t, blockedLetter)
	f.create(t, goodLetter)
	for _, id := range []int64{first, second, 3} {
		if _, err := f.engine.ProcessLetter(ctx, id, false); err != nil {
			t.Fatalf("process letter %d: %v", id, err)
		}
	}

	all, err := f.admin.ReviewQueue(ctx, 0, 0)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 quarantined letters, got %d", len(all))
	}
	page, err := f.admin.ReviewQueue(ctx, 1, 1)
	if err != nil {
		t.Fatalf("review queue page: %v", err)
	}
	if len(page) != 1 || page[0].ID != second {
		t.Fatalf("expected second letter on page two, got %+v", page)
	}
	item := page[0]
	if item.Tier != letters.QuarantineHardBlock {
		t.Fatalf("expected hard_block tier, got %s", item.Tier)
	}
	found := false
	for _, phrase := range item.Phrases {
		if phrase == "Encourages self-harm" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected translated phrase, got %v", item.Phrases)
	}
	if item.Excerpt == "" {
		t.Fatalf("expected an excerpt")
	}
	empty, _ := f.admin.ReviewQueue(ctx, 10, 5)
	if len(empty) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(empty))
	}
}

func TestAdminRejectsNonLetters(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	id, _ := f.store.CreateLetter(ctx, letters.Letter{Type: "page"}, letters.OriginAdmin)
	if err := f.admin.Approve(ctx, id); !errors.Is(err, ErrNotALetter) {
		t.Fatalf("expected ErrNotALetter, got %v", err)
	}
}
