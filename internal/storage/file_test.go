package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "cronbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store", driver)
		}
	}

	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreAudit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "cronbot_store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = st.AppendAudit(context.Background(), AuditEntry{
		At:     at,
		Action: "job.run",
		JobID:  "abc123",
		Status: "ok",
		TookMS: 42,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendAudit(context.Background(), AuditEntry{Action: "job.add", JobID: "abc123"}); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "cronbot_store.audit.jsonl"))
	if err != nil {
		t.Fatalf("audit file: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	s := bufio.NewScanner(f)
	for s.Scan() {
		var m map[string]any
		if err := json.Unmarshal(s.Bytes(), &m); err != nil {
			t.Fatalf("bad audit line %q: %v", s.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(lines))
	}
	if lines[0]["action"] != "job.run" || lines[0]["jobId"] != "abc123" || lines[0]["tookMs"] != float64(42) {
		t.Fatalf("unexpected first line: %+v", lines[0])
	}
	// An entry without a timestamp gets one on append.
	if _, ok := lines[1]["at"]; !ok {
		t.Fatalf("second line missing timestamp: %+v", lines[1])
	}

	if err := st.AppendAudit(context.Background(), AuditEntry{Action: "late"}); err == nil {
		t.Fatal("append after close should fail")
	}
}
