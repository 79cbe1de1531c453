package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Read limits for the runs API.
const (
	runLogDefaultLimit = 50
	runLogMaxLimit     = 5000
)

// runLog persists per-job execution history as JSONL/NDJSON, one file per
// job. Appends for the same file are serialized through a per-path lock so
// concurrent writers never interleave partial lines.
//
// When a file grows beyond maxBytes it is rewritten to keep only the most
// recent keepLines entries (temp file, then rename).
type runLog struct {
	dir       string
	maxBytes  int64
	keepLines int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLog(dir string, maxBytes int64, keepLines int) *runLog {
	if maxBytes <= 0 {
		maxBytes = DefaultRunLogMaxBytes
	}
	if keepLines <= 0 {
		keepLines = DefaultRunLogKeepLines
	}
	return &runLog{
		dir:       dir,
		maxBytes:  maxBytes,
		keepLines: keepLines,
		locks:     map[string]*sync.Mutex{},
	}
}

func (l *runLog) pathFor(jobID string) string {
	return filepath.Join(l.dir, jobID+".jsonl")
}

func (l *runLog) lockFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.locks[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.locks[path] = m
	return m
}

// Append writes one finished entry to the job's history file and compacts
// the file when it exceeds the size threshold.
func (l *runLog) Append(entry RunLogEntry) error {
	entry.Event = "finished"
	if entry.JobID == "" {
		return fmt.Errorf("run log: entry without job id")
	}

	path := l.pathFor(entry.JobID)
	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create run log dir: %w", err)
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	_, werr := f.Write(append(b, '\n'))
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append run log entry: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close run log: %w", cerr)
	}

	// Best-effort auto-compact.
	if st, err := os.Stat(path); err == nil && st.Size() > l.maxBytes {
		_ = l.compactLocked(path)
	}
	return nil
}

// Read returns up to limit well-formed finished entries for jobID in
// chronological order, newest entries preserved. limit is clamped to
// [1, 5000]; a non-positive limit falls back to a small default.
func (l *runLog) Read(jobID string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = runLogDefaultLimit
	}
	if limit > runLogMaxLimit {
		limit = runLogMaxLimit
	}

	path := l.pathFor(jobID)
	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunLogEntry{}, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	// Ring buffer over a forward scan keeps the newest limit entries
	// without loading the whole file.
	buf := make([]RunLogEntry, 0, limit)
	idx := 0
	full := false

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var e RunLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Event != "finished" {
			continue
		}
		if jobID != "" && e.JobID != jobID {
			continue
		}
		if len(buf) < limit {
			buf = append(buf, e)
			continue
		}
		buf[idx] = e
		idx = (idx + 1) % limit
		full = true
	}

	ordered := buf
	if full {
		ordered = append([]RunLogEntry(nil), buf[idx:]...)
		ordered = append(ordered, buf[:idx]...)
	}
	return ordered, nil
}

// DeleteByTimestamps removes entries whose tsMs is in the given set,
// rewriting the file atomically, and returns how many were removed.
func (l *runLog) DeleteByTimestamps(jobID string, tsMs map[int64]bool) (int, error) {
	if len(tsMs) == 0 {
		return 0, nil
	}

	path := l.pathFor(jobID)
	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open run log: %w", err)
	}

	var kept [][]byte
	removed := 0
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := append([]byte(nil), s.Bytes()...)
		if len(line) == 0 {
			continue
		}
		var e RunLogEntry
		if err := json.Unmarshal(line, &e); err == nil && tsMs[e.TsMs] {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	_ = f.Close()

	if removed == 0 {
		return 0, nil
	}
	if err := writeLines(path, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// compactLocked rewrites the file keeping only the most recent keepLines
// entries. Caller holds the per-path lock.
func (l *runLog) compactLocked(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open run log: %w", err)
	}

	kept := make([][]byte, 0, l.keepLines)
	idx := 0
	full := false

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := append([]byte(nil), s.Bytes()...)
		if len(line) == 0 {
			continue
		}
		if len(kept) < l.keepLines {
			kept = append(kept, line)
			continue
		}
		kept[idx] = line
		idx = (idx + 1) % l.keepLines
		full = true
	}
	_ = f.Close()

	ordered := kept
	if full {
		ordered = append([][]byte(nil), kept[idx:]...)
		ordered = append(ordered, kept[:idx]...)
	}
	return writeLines(path, ordered)
}

func writeLines(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp run log: %w", err)
	}
	bw := bufio.NewWriter(out)
	for _, line := range lines {
		_, _ = bw.Write(line)
		_ = bw.WriteByte('\n')
	}
	_ = bw.Flush()
	_ = out.Sync()
	if err := out.Close(); err != nil {
		return fmt.Errorf("close temp run log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace run log: %w", err)
	}
	return nil
}
