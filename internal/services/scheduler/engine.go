package scheduler

import (
	"context"
	"fmt"
	"time"

	"cronbot/internal/eventbus"
	logx "cronbot/pkg/logx"
)

// tickRetryDelay re-arms a wake that raced an in-flight tick.
const tickRetryDelay = 250 * time.Millisecond

// tick is the scheduling state machine. It runs in three phases:
//
//  1. Selection (inside the lock): force-reload the store and reserve due
//     jobs by setting their runningSince marker, then persist. The persist
//     is the crash-safety checkpoint: if the process dies before
//     settlement, the self-healing sweep eventually clears the marker.
//  2. Execution (outside the lock, sequentially): run each reserved
//     payload under a hard timeout.
//  3. Settlement (inside the lock, after reloading the store to merge
//     intervening API changes): apply results, append run-log entries,
//     delete consumed one-shots, recompute next fires, persist, re-arm.
//
// A tick in progress suppresses overlapping ticks; a suppressed wake
// re-arms a short retry rather than returning, because it has already
// consumed the one-shot timer.
func (s *Service) tick() {
	if !s.ticking.CompareAndSwap(false, true) {
		// This wake raced an in-flight tick between its final rearm and
		// clearing the ticking flag. Returning here would leave the engine
		// idle with due jobs until the next API mutation re-arms it.
		s.scheduleWake(s.now().UnixMilli()+tickRetryDelay.Milliseconds(), tickRetryDelay)
		return
	}
	defer s.ticking.Store(false)

	cfg := s.config()
	nowMs := s.now().UnixMilli()

	// Selection phase.
	s.csq.Lock()
	doc, err := s.store.load(true)
	if err != nil {
		s.csq.Unlock()
		s.log.Error("tick: store reload failed", logx.Err(err))
		s.scheduleWake(nowMs+cfg.MaxWakeDelay.Milliseconds(), cfg.MaxWakeDelay)
		return
	}

	var dueIdx []int
	for i := range doc.Jobs {
		j := &doc.Jobs[i]
		if j.Enabled && j.State.RunningSinceMs == 0 && j.State.NextFireAtMs > 0 && j.State.NextFireAtMs <= nowMs {
			dueIdx = append(dueIdx, i)
		}
	}

	if len(dueIdx) == 0 {
		// Self-healing sweep: recompute every job's next fire and clear
		// abandoned runningSince markers.
		if s.recomputeLocked(doc, nowMs) {
			if err := s.store.save(); err != nil {
				s.log.Error("tick: store save failed", logx.Err(err))
			}
		}
		s.rearmLocked(doc, nowMs)
		s.csq.Unlock()
		return
	}

	reserved := make([]Job, 0, len(dueIdx))
	for _, i := range dueIdx {
		j := &doc.Jobs[i]
		j.State.RunningSinceMs = nowMs
		j.State.LastError = ""
		reserved = append(reserved, *j)
	}
	if err := s.store.save(); err != nil {
		// Reservation checkpoint failed; undo the markers and retry later.
		for _, i := range dueIdx {
			doc.Jobs[i].State.RunningSinceMs = 0
		}
		s.log.Error("tick: reservation save failed", logx.Err(err))
		s.rearmLocked(doc, nowMs)
		s.csq.Unlock()
		return
	}
	s.csq.Unlock()

	// Execution phase: sequential, outside the lock. One job's failure or
	// slowness never touches another's timing.
	results := make([]runResult, 0, len(reserved))
	for _, job := range reserved {
		s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, JobID: job.ID, Time: time.UnixMilli(nowMs)})
		results = append(results, s.executeJob(job))
	}

	// Settlement phase.
	s.csq.Lock()
	defer s.csq.Unlock()
	doc, err = s.store.load(true)
	if err != nil {
		s.log.Error("tick: settlement reload failed", logx.Err(err))
		return
	}
	settleMs := s.now().UnixMilli()
	for _, res := range results {
		s.settleResultLocked(res, settleMs)
	}
	s.recomputeLocked(doc, settleMs)
	if err := s.store.save(); err != nil {
		s.log.Error("tick: settlement save failed", logx.Err(err))
	}
	s.rearmLocked(doc, settleMs)
}

// settleResultLocked applies one execution result to the store. The job may
// have been deleted while it executed; that is not an error, the result is
// simply dropped. Run-log appends are best-effort and never fail the tick.
func (s *Service) settleResultLocked(res runResult, nowMs int64) {
	job := s.store.findJob(res.jobID)
	if job == nil {
		s.log.Debug("settle: job gone, dropping result", logx.String("job", res.jobID))
		return
	}

	deleted := s.applyJobResult(job, res, nowMs)
	nextMs := job.State.NextFireAtMs
	if deleted {
		s.store.removeJob(res.jobID)
		nextMs = 0
	}

	entry := RunLogEntry{
		TsMs:         nowMs,
		JobID:        res.jobID,
		Status:       res.status,
		Error:        res.err,
		Output:       res.output,
		FiredAtMs:    res.firedAtMs,
		DurationMs:   res.duration.Milliseconds(),
		NextFireAtMs: nextMs,
	}
	if err := s.runlog.Append(entry); err != nil {
		s.log.Warn("run log append failed", logx.String("job", res.jobID), logx.Err(err))
	}

	ev := eventbus.Event{
		Type:     eventbus.JobFinished,
		Time:     time.UnixMilli(nowMs),
		JobID:    res.jobID,
		Status:   res.status,
		Error:    res.err,
		Duration: res.duration,
	}
	if nextMs > 0 {
		ev.NextFireAt = time.UnixMilli(nextMs)
	}
	s.bus.Publish(ev)
	s.auditRecord("job.run", res.jobID, res.status, res.err, res.duration.Milliseconds())

	if res.status == StatusError {
		s.log.Warn("job failed",
			logx.String("job", res.jobID),
			logx.String("err", res.err),
			logx.Duration("dur", res.duration),
			logx.Int("consecutive_errors", consecutiveErrorsOrZero(job, deleted)))
	} else {
		s.log.Debug("job finished",
			logx.String("job", res.jobID),
			logx.String("status", res.status),
			logx.Duration("dur", res.duration))
	}
	if deleted {
		s.log.Info("one-shot job consumed and deleted", logx.String("job", res.jobID))
	}
}

func consecutiveErrorsOrZero(job *Job, deleted bool) int {
	if deleted || job == nil {
		return 0
	}
	return job.State.ConsecutiveErrors
}

// applyJobResult updates a job's state from an execution result. It reports
// whether the job record should disappear entirely (a one-shot consumed
// with deleteAfterRun).
func (s *Service) applyJobResult(job *Job, res runResult, nowMs int64) bool {
	cfg := s.config()

	job.State.RunningSinceMs = 0
	job.State.LastRunAtMs = res.firedAtMs
	job.State.LastStatus = res.status
	job.State.LastError = res.err
	job.State.LastDurationMs = res.duration.Milliseconds()
	if res.status == StatusError {
		job.State.ConsecutiveErrors++
	} else {
		job.State.ConsecutiveErrors = 0
	}
	job.UpdatedAtMs = nowMs

	switch {
	case job.Schedule.Kind == KindAt:
		// One-shot consumed.
		if res.status == StatusOK && job.DeleteAfterRun {
			return true
		}
		job.Enabled = false
		job.State.NextFireAtMs = 0

	case job.Enabled:
		// jobNextFireAt reads the state fields written above, so an error
		// result lands on the backoff floor rather than the plain grid.
		job.State.NextFireAtMs = jobNextFireAt(job, nowMs, cfg.Timezone)

	default:
		job.State.NextFireAtMs = 0
	}
	return false
}

// recomputeLocked refreshes every job's next fire time and clears
// runningSince markers older than the stuck threshold (abandoned
// reservations from a crashed process). It reports whether anything
// changed.
func (s *Service) recomputeLocked(doc *storeDoc, nowMs int64) bool {
	cfg := s.config()
	stuckMs := cfg.StuckAfter.Milliseconds()

	changed := false
	for i := range doc.Jobs {
		j := &doc.Jobs[i]
		if j.State.RunningSinceMs != 0 && nowMs-j.State.RunningSinceMs > stuckMs {
			s.log.Warn("clearing stuck running marker",
				logx.String("job", j.ID),
				logx.Time("running_since", time.UnixMilli(j.State.RunningSinceMs)))
			j.State.RunningSinceMs = 0
			changed = true
		}
		next := jobNextFireAt(j, nowMs, cfg.Timezone)
		if next != j.State.NextFireAtMs {
			j.State.NextFireAtMs = next
			changed = true
		}
	}
	return changed
}

// rearmLocked arms the single wake-up timer at the minimum next fire across
// enabled jobs, clamped to MaxWakeDelay. With no future fire the engine
// goes idle until the next mutation re-arms it.
func (s *Service) rearmLocked(doc *storeDoc, nowMs int64) {
	cfg := s.config()

	var minNext int64
	for i := range doc.Jobs {
		j := &doc.Jobs[i]
		if !j.Enabled || j.State.NextFireAtMs == 0 {
			continue
		}
		if minNext == 0 || j.State.NextFireAtMs < minNext {
			minNext = j.State.NextFireAtMs
		}
	}
	if minNext == 0 {
		s.scheduleWake(0, 0)
		return
	}

	delay := time.Duration(minNext-nowMs) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	// The clamp bounds staleness from newly added jobs or wall-clock jumps
	// (e.g. system sleep) and forces periodic re-evaluation.
	if delay > cfg.MaxWakeDelay {
		delay = cfg.MaxWakeDelay
	}
	s.scheduleWake(nowMs+delay.Milliseconds(), delay)
}

// executeJob runs one payload under the hard execution timeout. A timeout
// is indistinguishable from any other execution error. The payload
// goroutine is not cancelled on timeout; it runs to completion and its
// late result is discarded.
func (s *Service) executeJob(job Job) runResult {
	cfg := s.config()
	start := s.now()
	res := runResult{jobID: job.ID, firedAtMs: start.UnixMilli()}

	type outcome struct {
		status string
		errMsg string
		output string
	}
	ch := make(chan outcome, 1)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ExecTimeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{status: StatusError, errMsg: fmt.Sprintf("panic: %v", r)}
			}
		}()
		st, errMsg, out := s.runPayload(ctx, job)
		ch <- outcome{status: st, errMsg: errMsg, output: out}
	}()

	timer := time.NewTimer(cfg.ExecTimeout)
	defer timer.Stop()
	select {
	case o := <-ch:
		res.status = o.status
		res.err = o.errMsg
		res.output = o.output
	case <-timer.C:
		res.status = StatusError
		res.err = fmt.Sprintf("execution timed out after %s", cfg.ExecTimeout)
	}
	res.duration = s.now().Sub(start)
	return res
}

// runPayload dispatches on the payload kind. A handler that cannot be
// resolved is a configuration gap, recorded as skipped rather than failed.
func (s *Service) runPayload(ctx context.Context, job Job) (status, errMsg, output string) {
	switch job.Payload.Kind {
	case PayloadMessage:
		if s.sender == nil {
			return StatusSkipped, "", "message sender not configured"
		}
		if err := s.sender.Send(ctx, job.Payload.ChatID, job.Payload.Text, job.Payload.BotID); err != nil {
			return StatusError, err.Error(), ""
		}
		return StatusOK, "", ""

	case PayloadSkill:
		if s.skills == nil {
			return StatusSkipped, "", fmt.Sprintf("no skill resolver configured (skill %s)", job.Payload.SkillID)
		}
		run, ok := s.skills(job.Payload.SkillID, job.Payload.JobID)
		if !ok || run == nil {
			return StatusSkipped, "", fmt.Sprintf("skill handler %q not found", job.Payload.SkillID)
		}
		out, err := run(ctx)
		if err != nil {
			return StatusError, err.Error(), out
		}
		return StatusOK, "", out
	}
	return StatusError, fmt.Sprintf("unknown payload kind %q", job.Payload.Kind), ""
}
