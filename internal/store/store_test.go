package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-state/cells/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/cells/internal/metrics"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var _ metrics.Sink = (*Store)(nil)

func TestRecordAndListEvents(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []metrics.RequestEvent{
		{RequestID: "r1", CellID: "cell-base", LatencyMs: 100, Success: true, PolicyPassed: true, Timestamp: base},
		{RequestID: "r2", CellID: "cell-cooking", LatencyMs: 300, Success: false, PolicyPassed: true, Timestamp: base.Add(time.Second),
			Prompt: "soup?", Response: "yes", Domain: "cooking", Tags: []string{"cooking", "soup"}},
		{RequestID: "r3", CellID: "cell-base", LatencyMs: 50, Success: false, PolicyPassed: false, Timestamp: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := s.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	// duplicate ids are ignored
	if err := s.RecordEvent(ctx, events[0]); err != nil {
		t.Fatalf("RecordEvent duplicate: %v", err)
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].RequestID != "r3" {
		t.Fatalf("expected newest first, got %s", all[0].RequestID)
	}

	cooking, err := s.ListEvents(ctx, EventFilter{Domain: "cooking"})
	if err != nil {
		t.Fatalf("ListEvents domain: %v", err)
	}
	if len(cooking) != 1 {
		t.Fatalf("expected 1 cooking event, got %d", len(cooking))
	}
	got := cooking[0]
	if got.Prompt != "soup?" || got.Response != "yes" || len(got.Tags) != 2 || got.Tags[1] != "soup" {
		t.Fatalf("fields not round-tripped: %+v", got)
	}
	if !got.Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}

	since, err := s.ListEvents(ctx, EventFilter{CellID: "cell-base", Since: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("ListEvents since: %v", err)
	}
	if len(since) != 1 || since[0].RequestID != "r3" {
		t.Fatalf("expected only r3, got %+v", since)
	}
}

func TestTotals(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	for i, ok := range []bool{true, true, false} {
		ev := metrics.RequestEvent{CellID: "cell-a", LatencyMs: int64(100 * (i + 1)), Success: ok, PolicyPassed: true}
		if err := s.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	if err := s.RecordEvent(ctx, metrics.RequestEvent{CellID: "(none)", PolicyPassed: false}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	totals, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(totals))
	}
	a := totals[1]
	if a.CellID != "cell-a" || a.Count != 3 || a.SuccessCount != 2 || a.PolicyPassed != 3 || a.AvgLatency != 200 {
		t.Fatalf("unexpected totals %+v", a)
	}
}

func TestRecordAndListProvenance(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	entries := []logging.ProvenanceEntry{
		{SubjectID: "chain", TriggerType: "evolution", Decision: "rollback", Reason: "deltaV 3 >= 0"},
		{SubjectID: "req-1", TriggerType: "policy", Decision: "block", SignalsJSON: `{"risk":1}`},
		{SubjectID: "pair", TriggerType: "evolution", Decision: "commit"},
	}
	for _, e := range entries {
		if err := s.RecordDecision(e); err != nil {
			t.Fatalf("RecordDecision: %v", err)
		}
	}

	evo, err := s.ListProvenance(ctx, "evolution", 10)
	if err != nil {
		t.Fatalf("ListProvenance: %v", err)
	}
	if len(evo) != 2 || evo[0].SubjectID != "pair" || evo[1].Reason != "deltaV 3 >= 0" {
		t.Fatalf("unexpected evolution rows %+v", evo)
	}

	all, err := s.ListProvenance(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListProvenance all: %v", err)
	}
	if len(all) != 3 || all[1].SignalsJSON != `{"risk":1}` {
		t.Fatalf("unexpected rows %+v", all)
	}
}

func TestPatternCommitAndRollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	if _, err := s.CurrentPattern(ctx); err != ErrNoActivePattern {
		t.Fatalf("expected ErrNoActivePattern, got %v", err)
	}

	v1, err := s.CommitPattern(ctx, "solo", 1, 0.5)
	if err != nil {
		t.Fatalf("CommitPattern: %v", err)
	}
	if v1.ParentID != "" {
		t.Fatalf("expected empty parent, got %s", v1.ParentID)
	}
	v2, err := s.CommitPattern(ctx, "pair", 2.5, 0.6)
	if err != nil {
		t.Fatalf("CommitPattern: %v", err)
	}
	if v2.ParentID != v1.VersionID {
		t.Fatalf("expected parent %s, got %s", v1.VersionID, v2.ParentID)
	}

	cur, err := s.CurrentPattern(ctx)
	if err != nil {
		t.Fatalf("CurrentPattern: %v", err)
	}
	if cur.PatternID != "pair" || cur.Complexity != 2.5 {
		t.Fatalf("unexpected current %+v", cur)
	}

	if err := s.RollbackPattern(ctx, v1.VersionID); err != nil {
		t.Fatalf("RollbackPattern: %v", err)
	}
	cur, err = s.CurrentPattern(ctx)
	if err != nil {
		t.Fatalf("CurrentPattern: %v", err)
	}
	if cur.PatternID != "solo" {
		t.Fatalf("expected solo after rollback, got %s", cur.PatternID)
	}

	if err := s.RollbackPattern(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown version")
	}

	list, err := s.ListPatternVersions(ctx, 10)
	if err != nil {
		t.Fatalf("ListPatternVersions: %v", err)
	}
	if len(list) != 2 || list[0].VersionID != v2.VersionID {
		t.Fatalf("unexpected history %+v", list)
	}
}

func TestInMemoryStore(t *testing.T) {
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	if err := s.RecordEvent(context.Background(), metrics.RequestEvent{CellID: "c"}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
}
