package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/reasonstostay/letterflow/internal/letters"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func runStoreContract(t *testing.T, store Store, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()

	var saved []SaveEvent
	store.OnLetterSaved(func(_ context.Context, event SaveEvent) {
		saved = append(saved, event)
	})

	id, err := store.CreateLetter(ctx, letters.Letter{Title: "draft", Content: "hello"}, letters.OriginSubmission)
	if err != nil {
		t.Fatalf("create letter failed: %v", err)
	}
	letter, err := store.GetLetter(ctx, id)
	if err != nil {
		t.Fatalf("get letter failed: %v", err)
	}
	if letter.Type != letters.PostType || letter.Status != letters.StatusPending || letter.Content != "hello" {
		t.Fatalf("unexpected letter defaults: %+v", letter)
	}
	if _, err := store.GetLetter(ctx, id+1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown letter, got %v", err)
	}
	if err := store.UpdateLetterContent(ctx, id, "<p>hello</p>", letters.OriginEngine); err != nil {
		t.Fatalf("update content failed: %v", err)
	}
	if len(saved) != 2 || !saved[0].Created || saved[1].Origin != letters.OriginEngine {
		t.Fatalf("unexpected save hook events: %+v", saved)
	}
	if err := store.UpdateLetterTitle(ctx, id, "Letter #1"); err != nil {
		t.Fatalf("update title failed: %v", err)
	}

	if err := store.SetMeta(ctx, id, letters.MetaStage, string(letters.StageQuarantined)); err != nil {
		t.Fatalf("set meta failed: %v", err)
	}
	if err := store.SetMeta(ctx, id, letters.MetaStage, string(letters.StagePendingReview)); err != nil {
		t.Fatalf("overwrite meta failed: %v", err)
	}
	value, ok, err := store.GetMeta(ctx, id, letters.MetaStage)
	if err != nil || !ok || value != string(letters.StagePendingReview) {
		t.Fatalf("expected pending_review meta, got %q ok=%v err=%v", value, ok, err)
	}
	if err := store.DeleteMeta(ctx, id, letters.MetaStage); err != nil {
		t.Fatalf("delete meta failed: %v", err)
	}
	if _, ok, _ := store.GetMeta(ctx, id, letters.MetaStage); ok {
		t.Fatalf("expected meta to be deleted")
	}

	for i := 0; i < 3; i++ {
		otherID, err := store.CreateLetter(ctx, letters.Letter{Content: fmt.Sprintf("letter %d", i)}, letters.OriginImport)
		if err != nil {
			t.Fatalf("create letter %d failed: %v", i, err)
		}
		if err := store.SetMeta(ctx, otherID, letters.MetaSubmissionIPHash, "hash_a"); err != nil {
			t.Fatalf("set ip hash failed: %v", err)
		}
		if i == 2 {
			if err := store.SetMeta(ctx, otherID, letters.MetaStage, string(letters.StageQuarantined)); err != nil {
				t.Fatalf("set stage failed: %v", err)
			}
		}
	}
	unprocessed, err := store.ListLettersByStage(ctx, []letters.Stage{letters.StageUnprocessed}, 10)
	if err != nil {
		t.Fatalf("list by stage failed: %v", err)
	}
	if len(unprocessed) != 3 || unprocessed[0] != id {
		t.Fatalf("expected three unprocessed letters starting with %d, got %v", id, unprocessed)
	}
	limited, err := store.ListLettersByStage(ctx, []letters.Stage{letters.StageUnprocessed, letters.StageQuarantined}, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %v err=%v", limited, err)
	}
	if err := store.TrashLetter(ctx, id); err != nil {
		t.Fatalf("trash failed: %v", err)
	}
	counts, err := store.CountLettersByStage(ctx)
	if err != nil {
		t.Fatalf("count by stage failed: %v", err)
	}
	if counts[letters.StageUnprocessed] != 2 || counts[letters.StageQuarantined] != 1 {
		t.Fatalf("unexpected stage counts: %+v", counts)
	}
	ipCount, err := store.CountLettersByMeta(ctx, letters.MetaSubmissionIPHash, "hash_a", clock.Now().Add(-time.Hour))
	if err != nil || ipCount != 3 {
		t.Fatalf("expected 3 letters for ip hash, got %d err=%v", ipCount, err)
	}
	ipCount, err = store.CountLettersByMeta(ctx, letters.MetaSubmissionIPHash, "hash_a", clock.Now().Add(time.Hour))
	if err != nil || ipCount != 0 {
		t.Fatalf("expected cutoff to exclude letters, got %d err=%v", ipCount, err)
	}
	groups, err := store.GroupLettersByMeta(ctx, letters.MetaStage)
	if err != nil || groups[string(letters.StageQuarantined)] != 1 {
		t.Fatalf("unexpected meta groups: %+v err=%v", groups, err)
	}
	recent, err := store.CountLettersCreatedSince(ctx, clock.Now().Add(-time.Minute))
	if err != nil || recent != 3 {
		t.Fatalf("expected 3 recent non-trashed letters, got %d err=%v", recent, err)
	}

	if err := store.SetOption(ctx, "counter", "1"); err != nil {
		t.Fatalf("set option failed: %v", err)
	}
	if err := store.UpdateOption(ctx, "counter", func(current string, exists bool) (string, error) {
		if !exists || current != "1" {
			return "", fmt.Errorf("unexpected current value %q", current)
		}
		return "2", nil
	}); err != nil {
		t.Fatalf("update option failed: %v", err)
	}
	if err := store.UpdateOption(ctx, "fresh", func(current string, exists bool) (string, error) {
		if exists {
			return "", fmt.Errorf("expected missing option")
		}
		return "new", nil
	}); err != nil {
		t.Fatalf("update missing option failed: %v", err)
	}
	if value, ok, _ := store.GetOption(ctx, "counter"); !ok || value != "2" {
		t.Fatalf("expected counter=2, got %q", value)
	}
	if err := store.DeleteOption(ctx, "fresh"); err != nil {
		t.Fatalf("delete option failed: %v", err)
	}
	if _, ok, _ := store.GetOption(ctx, "fresh"); ok {
		t.Fatalf("expected option to be deleted")
	}
	if err := store.UpdateOption(ctx, "skipped", func(string, bool) (string, error) {
		return "", ErrSkipUpdate
	}); err != nil {
		t.Fatalf("skipped update should not fail: %v", err)
	}
	if _, ok, _ := store.GetOption(ctx, "skipped"); ok {
		t.Fatalf("skipped update must not create the option")
	}

	acquired, err := store.AddTransient(ctx, "letter_lock:1", "1", 5*time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected first lock acquisition to succeed, got %v err=%v", acquired, err)
	}
	acquired, err = store.AddTransient(ctx, "letter_lock:1", "1", 5*time.Minute)
	if err != nil || acquired {
		t.Fatalf("expected second lock acquisition to fail, got %v err=%v", acquired, err)
	}
	clock.now = clock.now.Add(6 * time.Minute)
	if _, ok, _ := store.GetTransient(ctx, "letter_lock:1"); ok {
		t.Fatalf("expected transient to expire")
	}
	acquired, err = store.AddTransient(ctx, "letter_lock:1", "1", 5*time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected expired lock to be reacquired, got %v err=%v", acquired, err)
	}
	if err := store.DeleteTransient(ctx, "letter_lock:1"); err != nil {
		t.Fatalf("delete transient failed: %v", err)
	}
	if err := store.SetTransient(ctx, "ip_lock:x", "1", time.Minute); err != nil {
		t.Fatalf("set transient failed: %v", err)
	}
	if _, ok, _ := store.GetTransient(ctx, "ip_lock:x"); !ok {
		t.Fatalf("expected transient to be readable")
	}

	hopeless, err := store.FindOrCreateTerm(ctx, letters.TaxonomyFeeling, "Hopeless")
	if err != nil {
		t.Fatalf("create term failed: %v", err)
	}
	again, err := store.FindOrCreateTerm(ctx, letters.TaxonomyFeeling, "hopeless")
	if err != nil || again != hopeless {
		t.Fatalf("expected idempotent term lookup, got %d vs %d err=%v", again, hopeless, err)
	}
	gentle, err := store.FindOrCreateTerm(ctx, letters.TaxonomyTone, "Gentle")
	if err != nil {
		t.Fatalf("create tone term failed: %v", err)
	}
	if err := store.SetEntityTerms(ctx, unprocessed[1], letters.TaxonomyFeeling, []int64{hopeless}); err != nil {
		t.Fatalf("set entity terms failed: %v", err)
	}
	if err := store.SetEntityTerms(ctx, unprocessed[1], letters.TaxonomyTone, []int64{gentle}); err != nil {
		t.Fatalf("set tone terms failed: %v", err)
	}
	terms, err := store.EntityTerms(ctx, unprocessed[1], letters.TaxonomyFeeling)
	if err != nil || len(terms) != 1 || terms[0].Slug != "hopeless" {
		t.Fatalf("unexpected entity terms: %+v err=%v", terms, err)
	}
}
