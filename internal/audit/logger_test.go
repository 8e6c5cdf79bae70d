package audit

import (
	"path/filepath"
	"testing"
)

func TestRecordAndRecent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trail.ndjson")
	key := []byte("0123456789abcdef0123456789abcdef")

	logger, err := NewLogger(path, key)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	if err := logger.Record(ActionBootstrapStart, "starting", true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := logger.Record(ActionReplicaSetInit, "initiated rs0", true); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := logger.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Action != ActionBootstrapStart || events[1].Action != ActionReplicaSetInit {
		t.Errorf("unexpected action order: %+v", events)
	}
	for _, e := range events {
		if e.Hash == "" {
			t.Errorf("event %+v missing hash", e)
		}
	}
	if events[0].Hash == events[1].Hash {
		t.Error("chained events should not share a hash")
	}
}

func TestRecentTruncatesToN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trail.ndjson")
	logger, err := NewLogger(path, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 5; i++ {
		if err := logger.Record(ActionMembershipChanged, "tick", true); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := logger.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trail.ndjson")
	key := []byte("0123456789abcdef0123456789abcdef")

	first, err := NewLogger(path, key)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := first.Record(ActionBootstrapStart, "first run", true); err != nil {
		t.Fatalf("Record: %v", err)
	}
	first.Close()

	second, err := NewLogger(path, key)
	if err != nil {
		t.Fatalf("reopen NewLogger: %v", err)
	}
	defer second.Close()
	if err := second.Record(ActionFounderElected, "second run", true); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := second.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Hash == "" || events[1].Hash == "" {
		t.Fatal("expected both events to carry a hash")
	}
	if got := computeRowHash(key, events[0].Hash, events[1]); got != events[1].Hash {
		t.Errorf("second event hash = %s, want it chained to the first event's hash (%s)", events[1].Hash, got)
	}
}
