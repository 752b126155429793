package diagnostics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/reasonstostay/letterflow/internal/storage"
)

func TestRecordKeepsNewestEntriesWithinCapacity(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	log := New(store, Options{Capacity: 3})
	for i := 0; i < 5; i++ {
		log.Record(ctx, "pump_run", map[string]any{"run": i})
	}
	entries, err := log.Entries(ctx, 0)
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if got := fmt.Sprint(entries[0].Data["run"]); got != "2" {
		t.Fatalf("expected oldest kept entry to be run 2, got %s", got)
	}
	latest, _ := log.Entries(ctx, 1)
	if len(latest) != 1 || fmt.Sprint(latest[0].Data["run"]) != "4" {
		t.Fatalf("expected newest entry, got %+v", latest)
	}
	if err := log.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if entries, _ := log.Entries(ctx, 0); len(entries) != 0 {
		t.Fatalf("expected empty log after clear, got %d", len(entries))
	}
}

func TestRecordDefaultsToTwoHundredFiftyEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	log := New(store, Options{})
	for i := 0; i < DefaultCapacity+10; i++ {
		log.Record(ctx, "pump_run", nil)
	}
	entries, _ := log.Entries(ctx, 0)
	if len(entries) != DefaultCapacity {
		t.Fatalf("expected %d entries, got %d", DefaultCapacity, len(entries))
	}
}

func TestRecordBridgesToLoggerLevels(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	log := New(storage.NewMemoryStore(), Options{Logger: zap.New(core)})
	ctx := context.Background()
	log.Record(ctx, EventLetterQuarantined, map[string]any{"letter_id": 4})
	log.Record(ctx, "import_batch_failed", nil)
	log.Record(ctx, EventPumpRun, nil)

	logs := observed.All()
	if len(logs) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(logs))
	}
	if logs[0].Level != zapcore.WarnLevel || logs[1].Level != zapcore.WarnLevel || logs[2].Level != zapcore.InfoLevel {
		t.Fatalf("unexpected levels: %v %v %v", logs[0].Level, logs[1].Level, logs[2].Level)
	}
}

func TestMergeState(t *testing.T) {
	log := New(storage.NewMemoryStore(), Options{})
	ctx := context.Background()
	if err := log.MergeState(ctx, map[string]any{"last_scan": "a", "keep": true}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := log.MergeState(ctx, map[string]any{"last_scan": nil, "runs": 2}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	state, err := log.State(ctx)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if _, ok := state["last_scan"]; ok {
		t.Fatalf("expected nil patch value to delete key")
	}
	if state["keep"] != true || fmt.Sprint(state["runs"]) != "2" {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestSubscribeReceivesEntries(t *testing.T) {
	log := New(storage.NewMemoryStore(), Options{Now: func() time.Time { return time.Unix(100, 0) }})
	ch, cancel := log.Subscribe(4)
	log.Record(context.Background(), EventSlowProcessing, map[string]any{"ms": 2500})
	select {
	case entry := <-ch:
		if entry.Event != EventSlowProcessing || entry.Timestamp.Unix() != 100 {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for entry")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel to be closed after cancel")
	}
}
