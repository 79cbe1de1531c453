package scheduler

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// jobStore holds the persisted job document.
//
// The in-memory document is cached after the first load; callers force a
// reload when they must observe concurrent on-disk changes (the timer
// engine does this at the start of each tick and again before settling
// results). All access is expected to happen inside the service's critical
// section; jobStore itself does no locking.
type jobStore struct {
	path string
	doc  *storeDoc
}

func newJobStore(path string) *jobStore {
	return &jobStore{path: path}
}

// load returns the cached document, reading it from disk on first use or
// when force is set. A missing file initializes an empty store; any other
// read failure propagates.
func (s *jobStore) load(force bool) (*storeDoc, error) {
	if s.doc != nil && !force {
		return s.doc, nil
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = &storeDoc{Version: 1, Jobs: []Job{}}
			return s.doc, nil
		}
		return nil, fmt.Errorf("read job store: %w", err)
	}

	var doc storeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse job store: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Jobs == nil {
		doc.Jobs = []Job{}
	}
	s.doc = &doc
	return s.doc, nil
}

// save writes the document atomically: temp file, fsync, rename over the
// target. A best-effort copy to a .bak sibling follows; failure to write
// the backup is non-fatal.
func (s *jobStore) save() error {
	if s.doc == nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}

	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job store: %w", err)
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp store file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp store file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace store file: %w", err)
	}

	// Backup is best-effort; the freshly renamed file is already durable.
	_ = copyFile(s.path, s.path+".bak")
	return nil
}

// findJob returns a pointer into the cached document, or nil.
func (s *jobStore) findJob(id string) *Job {
	if s.doc == nil {
		return nil
	}
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].ID == id {
			return &s.doc.Jobs[i]
		}
	}
	return nil
}

// removeJob deletes a job from the cached document. It reports whether the
// job was present.
func (s *jobStore) removeJob(id string) bool {
	if s.doc == nil {
		return false
	}
	for i := range s.doc.Jobs {
		if s.doc.Jobs[i].ID == id {
			s.doc.Jobs = append(s.doc.Jobs[:i], s.doc.Jobs[i+1:]...)
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
