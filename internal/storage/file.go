package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend writing
// <path>.audit.jsonl as append-only JSON Lines.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	auditFile *os.File
}

type auditRecord struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	JobID  string    `json:"jobId,omitempty"`
	Status string    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"tookMs,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	auditPath := filepath.Join(dir, base+".audit.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, auditFile: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	rec := auditRecord{
		At:     e.At,
		Action: e.Action,
		JobID:  e.JobID,
		Status: e.Status,
		Error:  e.Error,
		TookMS: e.TookMS,
		Meta:   e.Meta,
	}
	return json.NewEncoder(s.auditFile).Encode(rec)
}
