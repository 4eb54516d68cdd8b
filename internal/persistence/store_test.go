package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/conductor/internal/task"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	res := task.NewResult("t1", "agent_000", task.StatusSuccess)
	res.Result["output"] = "hello"
	res.ExecutionTime = 1.25
	if err := s.Record(ctx, res); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, ok, err := s.GetResult(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != task.StatusSuccess || got.AgentID != "agent_000" {
		t.Fatalf("got = %+v", got)
	}
	if got.Result["output"] != "hello" {
		t.Fatalf("result payload = %v", got.Result)
	}
	if got.ExecutionTime != 1.25 {
		t.Fatalf("execution_time = %v", got.ExecutionTime)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.GetResult(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing result")
	}
}

func TestStore_RecordUpsertsLatest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := task.NewResult("t1", "agent_000", task.StatusFailed)
	first.Error = "flaky"
	if err := s.Record(ctx, first); err != nil {
		t.Fatalf("record: %v", err)
	}
	second := task.NewResult("t1", "agent_001", task.StatusSuccess)
	if err := s.Record(ctx, second); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, ok, _ := s.GetResult(ctx, "t1")
	if !ok || got.Status != task.StatusSuccess || got.AgentID != "agent_001" {
		t.Fatalf("got = %+v", got)
	}
}

func TestStore_ListRecentNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		res := task.NewResult(id, "a", task.StatusSuccess)
		res.Timestamp = time.Now().Add(time.Duration(i) * time.Minute)
		if err := s.Record(ctx, res); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	results, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d", len(results))
	}
	if results[0].TaskID != "new" || results[1].TaskID != "mid" {
		t.Fatalf("order = %s, %s", results[0].TaskID, results[1].TaskID)
	}
}

func TestStore_PruneOlderThan(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	stale := task.NewResult("stale", "a", task.StatusSuccess)
	stale.Timestamp = time.Now().Add(-48 * time.Hour)
	fresh := task.NewResult("fresh", "a", task.StatusSuccess)
	if err := s.Record(ctx, stale); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, fresh); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := s.PruneOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d", n)
	}
	if _, ok, _ := s.GetResult(ctx, "stale"); ok {
		t.Fatal("stale result survived prune")
	}
	if _, ok, _ := s.GetResult(ctx, "fresh"); !ok {
		t.Fatal("fresh result pruned")
	}
}
