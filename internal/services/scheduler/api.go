package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronbot/internal/eventbus"
	logx "cronbot/pkg/logx"
)

// newJobID returns a short opaque id (uuid v4 truncated to 8 hex chars).
func newJobID() string {
	return uuid.New().String()[:8]
}

// List returns jobs sorted ascending by next fire time. Jobs without a
// next fire time sort first: their effective sort key is 0. That quirk is
// long-standing UI behavior and is kept as-is.
func (s *Service) List(includeDisabled bool) ([]Job, error) {
	s.csq.Lock()
	defer s.csq.Unlock()

	doc, err := s.store.load(false)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(doc.Jobs))
	for _, j := range doc.Jobs {
		if !includeDisabled && !j.Enabled {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].State.NextFireAtMs < jobs[k].State.NextFireAtMs
	})
	return jobs, nil
}

// Add validates the spec, resolves the schedule (an "every" anchor gets its
// concrete value here, once), computes the initial next fire time, persists,
// and re-arms the timer.
func (s *Service) Add(spec JobSpec) (Job, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Job{}, fmt.Errorf("add: name is required")
	}

	nowMs := s.now().UnixMilli()
	sched, err := normalizeSchedule(spec.Schedule, nowMs)
	if err != nil {
		return Job{}, fmt.Errorf("add: %w", err)
	}
	if err := validatePayload(spec.Payload); err != nil {
		return Job{}, fmt.Errorf("add: %w", err)
	}

	job := Job{
		ID:             newJobID(),
		Name:           name,
		Description:    strings.TrimSpace(spec.Description),
		Enabled:        !spec.Disabled,
		DeleteAfterRun: spec.DeleteAfterRun,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
		Schedule:       sched,
		Payload:        spec.Payload,
	}

	s.csq.Lock()
	doc, err := s.store.load(false)
	if err != nil {
		s.csq.Unlock()
		return Job{}, err
	}
	job.State.NextFireAtMs = jobNextFireAt(&job, nowMs, s.config().Timezone)
	doc.Jobs = append(doc.Jobs, job)
	if err := s.store.save(); err != nil {
		// Keep the cached document consistent with disk.
		doc.Jobs = doc.Jobs[:len(doc.Jobs)-1]
		s.csq.Unlock()
		return Job{}, err
	}
	s.rearmLocked(doc, nowMs)
	s.csq.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.JobAdded, JobID: job.ID, Time: time.UnixMilli(nowMs)})
	s.auditRecord("job.add", job.ID, "", "", 0)
	s.log.Info("job added",
		logx.String("job", job.ID),
		logx.String("name", job.Name),
		logx.String("schedule", job.Schedule.Kind))
	return job, nil
}

// Update applies a partial patch. The next fire time is re-derived only
// when the patch touched the schedule or the enabled flag. Unknown ids are
// an error.
func (s *Service) Update(id string, patch JobPatch) (Job, error) {
	nowMs := s.now().UnixMilli()

	s.csq.Lock()
	doc, err := s.store.load(false)
	if err != nil {
		s.csq.Unlock()
		return Job{}, err
	}
	job := s.store.findJob(id)
	if job == nil {
		s.csq.Unlock()
		return Job{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	prev := *job

	touchedSchedule := false
	touchedEnabled := false

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			s.csq.Unlock()
			return Job{}, fmt.Errorf("update %s: name cannot be empty", id)
		}
		job.Name = name
	}
	if patch.Description != nil {
		job.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		touchedEnabled = true
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		sched, err := normalizeSchedule(*patch.Schedule, nowMs)
		if err != nil {
			*job = prev
			s.csq.Unlock()
			return Job{}, fmt.Errorf("update %s: %w", id, err)
		}
		job.Schedule = sched
		touchedSchedule = true
	}
	if patch.Payload != nil {
		merged, err := mergePayload(job.Payload, *patch.Payload)
		if err != nil {
			*job = prev
			s.csq.Unlock()
			return Job{}, fmt.Errorf("update %s: %w", id, err)
		}
		job.Payload = merged
	}

	job.UpdatedAtMs = nowMs
	if touchedSchedule || touchedEnabled {
		job.State.NextFireAtMs = jobNextFireAt(job, nowMs, s.config().Timezone)
	}

	updated := *job
	if err := s.store.save(); err != nil {
		*job = prev
		s.csq.Unlock()
		return Job{}, err
	}
	s.rearmLocked(doc, nowMs)
	s.csq.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.JobUpdated, JobID: id, Time: time.UnixMilli(nowMs)})
	s.auditRecord("job.update", id, "", "", 0)
	s.log.Debug("job updated", logx.String("job", id))
	return updated, nil
}

// Remove deletes a job. Removing an unknown id is not an error; the result
// reports whether anything was removed.
func (s *Service) Remove(id string) (bool, error) {
	nowMs := s.now().UnixMilli()

	s.csq.Lock()
	doc, err := s.store.load(false)
	if err != nil {
		s.csq.Unlock()
		return false, err
	}
	if !s.store.removeJob(id) {
		s.csq.Unlock()
		return false, nil
	}
	if err := s.store.save(); err != nil {
		s.csq.Unlock()
		return false, err
	}
	s.rearmLocked(doc, nowMs)
	s.csq.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.JobRemoved, JobID: id, Time: time.UnixMilli(nowMs)})
	s.auditRecord("job.remove", id, "", "", 0)
	s.log.Info("job removed", logx.String("job", id))
	return true, nil
}

// Run triggers a job manually. Mode "due" executes only when the job is
// actually due; mode "force" ignores the next fire time. Either way the
// runningSince marker gates double execution: a run on an in-flight job
// reports already-running instead of executing concurrently.
func (s *Service) Run(id, mode string) (RunOutcome, error) {
	if mode != RunModeDue && mode != RunModeForce {
		return RunOutcome{}, fmt.Errorf("run %s: unknown mode %q", id, mode)
	}
	nowMs := s.now().UnixMilli()

	// Reserve.
	s.csq.Lock()
	if _, err := s.store.load(true); err != nil {
		s.csq.Unlock()
		return RunOutcome{}, err
	}
	job := s.store.findJob(id)
	if job == nil {
		s.csq.Unlock()
		return RunOutcome{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if job.State.RunningSinceMs != 0 {
		s.csq.Unlock()
		return RunOutcome{Ran: false, Reason: "already-running"}, nil
	}
	if mode == RunModeDue {
		due := job.Enabled && job.State.NextFireAtMs > 0 && job.State.NextFireAtMs <= nowMs
		if !due {
			s.csq.Unlock()
			return RunOutcome{Ran: false, Reason: "not-due"}, nil
		}
	}
	job.State.RunningSinceMs = nowMs
	job.State.LastError = ""
	reserved := *job
	if err := s.store.save(); err != nil {
		job.State.RunningSinceMs = 0
		s.csq.Unlock()
		return RunOutcome{}, err
	}
	s.csq.Unlock()

	// Execute outside the lock, exactly like a tick, so a concurrent Run
	// on the same job observes the marker instead of blocking behind a
	// long payload.
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, JobID: id, Time: time.UnixMilli(nowMs)})
	res := s.executeJob(reserved)

	// Settle.
	s.csq.Lock()
	defer s.csq.Unlock()
	doc, err := s.store.load(true)
	if err != nil {
		return RunOutcome{Ran: true}, err
	}
	settleMs := s.now().UnixMilli()
	s.settleResultLocked(res, settleMs)
	s.recomputeLocked(doc, settleMs)
	if err := s.store.save(); err != nil {
		return RunOutcome{Ran: true}, err
	}
	s.rearmLocked(doc, settleMs)
	return RunOutcome{Ran: true}, nil
}

// Runs returns the job's run history, oldest first. See runLog.Read for
// limit semantics.
func (s *Service) Runs(jobID string, limit int) ([]RunLogEntry, error) {
	return s.runlog.Read(jobID, limit)
}

// DeleteRuns removes run-log entries whose timestamps are in tsMs and
// returns how many were removed.
func (s *Service) DeleteRuns(jobID string, tsMs []int64) (int, error) {
	set := make(map[int64]bool, len(tsMs))
	for _, ts := range tsMs {
		set[ts] = true
	}
	return s.runlog.DeleteByTimestamps(jobID, set)
}

// Status returns a lightweight diagnostics view.
func (s *Service) Status() (Status, error) {
	s.csq.Lock()
	doc, err := s.store.load(false)
	if err != nil {
		s.csq.Unlock()
		return Status{}, err
	}
	total := len(doc.Jobs)
	enabled := 0
	for i := range doc.Jobs {
		if doc.Jobs[i].Enabled {
			enabled++
		}
	}
	s.csq.Unlock()

	return Status{
		Enabled:      s.Running(),
		StorePath:    s.config().StorePath,
		JobCount:     total,
		EnabledCount: enabled,
		NextWakeAt:   s.nextWake(),
	}, nil
}
