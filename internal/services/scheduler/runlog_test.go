package scheduler

import (
	"fmt"
	"testing"
)

func TestRunLogAppendRead(t *testing.T) {
	t.Parallel()
	l := newRunLog(t.TempDir(), 0, 0)

	for i := 0; i < 5; i++ {
		err := l.Append(RunLogEntry{
			TsMs:   int64(1000 + i),
			JobID:  "job1",
			Status: StatusOK,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := l.Read("job1", 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest 3 entries, chronological order.
	for i, e := range got {
		if want := int64(1002 + i); e.TsMs != want {
			t.Fatalf("entry %d tsMs = %d, want %d", i, e.TsMs, want)
		}
		if e.Event != "finished" {
			t.Fatalf("entry %d event = %q", i, e.Event)
		}
	}

	// A job with no history reads empty, not an error.
	got, err = l.Read("nope", 10)
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(got))
	}

	if err := l.Append(RunLogEntry{Status: StatusOK}); err == nil {
		t.Fatal("expected error for entry without job id")
	}
}

func TestRunLogCompaction(t *testing.T) {
	t.Parallel()
	// Tiny size threshold so every append over ~1 line triggers compaction.
	l := newRunLog(t.TempDir(), 1, 10)

	for i := 0; i < 50; i++ {
		err := l.Append(RunLogEntry{
			TsMs:   int64(i),
			JobID:  "busy",
			Status: StatusOK,
			Output: fmt.Sprintf("run %d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := l.Read("busy", runLogMaxLimit)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) > 10 {
		t.Fatalf("compaction kept %d entries, want <= 10", len(got))
	}
	// The newest entry always survives compaction.
	if got[len(got)-1].TsMs != 49 {
		t.Fatalf("newest entry lost; tail tsMs = %d", got[len(got)-1].TsMs)
	}
	for i := 1; i < len(got); i++ {
		if got[i].TsMs <= got[i-1].TsMs {
			t.Fatalf("entries out of order: %d then %d", got[i-1].TsMs, got[i].TsMs)
		}
	}
}

func TestRunLogDeleteByTimestamps(t *testing.T) {
	t.Parallel()
	l := newRunLog(t.TempDir(), 0, 0)

	for i := 0; i < 4; i++ {
		if err := l.Append(RunLogEntry{TsMs: int64(100 + i), JobID: "j", Status: StatusOK}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := l.DeleteByTimestamps("j", map[int64]bool{101: true, 103: true, 999: true})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	got, err := l.Read("j", 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].TsMs != 100 || got[1].TsMs != 102 {
		t.Fatalf("unexpected survivors: %+v", got)
	}

	// Empty set and missing file are both no-ops.
	if n, err := l.DeleteByTimestamps("j", nil); err != nil || n != 0 {
		t.Fatalf("empty set: n=%d err=%v", n, err)
	}
	if n, err := l.DeleteByTimestamps("ghost", map[int64]bool{1: true}); err != nil || n != 0 {
		t.Fatalf("missing file: n=%d err=%v", n, err)
	}
}

func TestRunLogReadLimitClamp(t *testing.T) {
	t.Parallel()
	l := newRunLog(t.TempDir(), 0, 0)
	for i := 0; i < runLogDefaultLimit+10; i++ {
		if err := l.Append(RunLogEntry{TsMs: int64(i), JobID: "j", Status: StatusOK}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.Read("j", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != runLogDefaultLimit {
		t.Fatalf("default limit read %d entries, want %d", len(got), runLogDefaultLimit)
	}
	if got[len(got)-1].TsMs != int64(runLogDefaultLimit+9) {
		t.Fatalf("default read lost newest entry: tail = %d", got[len(got)-1].TsMs)
	}
}
