package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cronbot/internal/eventbus"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"
)

// Sender delivers a message payload. Implementations live outside this
// package (e.g. the Telegram transport); the scheduler only sees the
// function surface.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, botID string) error
}

// SkillRunner executes a resolved skill and returns its output.
type SkillRunner func(ctx context.Context) (string, error)

// SkillResolver looks up the handler for a skill payload. A false return
// means the handler is not configured; the run is recorded as skipped, not
// failed.
type SkillResolver func(skillID, jobID string) (SkillRunner, bool)

// Service is the persistent job scheduler: it stores jobs durably, computes
// next-fire times, executes due jobs with failure isolation and escalating
// error backoff, and keeps a per-job run history.
//
// Every read-modify-write of the store funnels through one critical
// section (csq). The single deliberate exception is payload execution
// during a tick, which happens outside the lock so a slow job cannot block
// API calls; the runningSince marker guards that window.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	audit  storage.Store // optional
	sender Sender
	skills SkillResolver

	// now is swapped in tests.
	now func() time.Time

	cfgMu sync.Mutex
	cfg   Config

	csq    sync.Mutex
	store  *jobStore
	runlog *runLog

	// Timer engine state. ticking suppresses overlapping ticks.
	timerMu    sync.Mutex
	timer      *time.Timer
	nextWakeMs int64
	started    bool

	ticking atomic.Bool
}

type Options struct {
	Bus    eventbus.Bus
	Audit  storage.Store
	Sender Sender
	Skills SkillResolver
}

func New(cfg Config, log logx.Logger, opts Options) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	return &Service{
		log:    log,
		bus:    bus,
		audit:  opts.Audit,
		sender: opts.Sender,
		skills: opts.Skills,
		now:    time.Now,
		cfg:    cfg,
		store:  newJobStore(cfg.StorePath),
		runlog: newRunLog(cfg.RunLogDir, cfg.RunLogMaxBytes, cfg.RunLogKeepLines),
	}
}

func (s *Service) config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Apply swaps runtime tunables (timezone, delays, thresholds) and re-arms
// the timer. Store and run-log paths are fixed at construction.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfgMu.Lock()
	cfg.StorePath = s.cfg.StorePath
	cfg.RunLogDir = s.cfg.RunLogDir
	s.cfg = cfg
	s.cfgMu.Unlock()

	s.csq.Lock()
	defer s.csq.Unlock()
	doc, err := s.store.load(false)
	if err != nil {
		return
	}
	s.rearmLocked(doc, s.now().UnixMilli())
}

// Start loads the store, recomputes every job's next fire time, persists,
// and arms the wake timer. A store read failure other than "file absent"
// aborts startup.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.csq.Lock()
	defer s.csq.Unlock()

	doc, err := s.store.load(true)
	if err != nil {
		return err
	}

	nowMs := s.now().UnixMilli()
	s.recomputeLocked(doc, nowMs)
	if err := s.store.save(); err != nil {
		return err
	}

	s.timerMu.Lock()
	s.started = true
	s.timerMu.Unlock()

	s.rearmLocked(doc, nowMs)
	s.log.Info("scheduler started",
		logx.Int("jobs", len(doc.Jobs)),
		logx.String("store", s.config().StorePath))
	return nil
}

// Stop disarms the wake timer. An in-flight tick finishes on its own; jobs
// already executing run to completion or timeout (there is no cooperative
// cancellation of payload execution).
func (s *Service) Stop(ctx context.Context) {
	_ = ctx

	s.timerMu.Lock()
	s.started = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextWakeMs = 0
	s.timerMu.Unlock()

	s.log.Info("scheduler stopped")
}

// Running reports whether the engine is started.
func (s *Service) Running() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.started
}

// scheduleWake replaces the single pending wake-up. wakeAtMs == 0 means
// idle (no enabled job has a future fire time).
func (s *Service) scheduleWake(wakeAtMs int64, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextWakeMs = wakeAtMs
	if !s.started || wakeAtMs == 0 {
		return
	}
	s.timer = time.AfterFunc(delay, s.tick)
}

func (s *Service) nextWake() time.Time {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.nextWakeMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.nextWakeMs)
}

func (s *Service) auditRecord(action, jobID, status, errMsg string, tookMs int64) {
	if s.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.audit.AppendAudit(ctx, storage.AuditEntry{
		At:     s.now(),
		Action: action,
		JobID:  jobID,
		Status: status,
		Error:  errMsg,
		TookMS: tookMs,
	})
	if err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
