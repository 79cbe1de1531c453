package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions (min hour dom mon dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextFireAt computes the next fire instant for a schedule, in unix millis.
// It returns 0 when the schedule yields nothing (past one-shot, zero
// interval, unparseable cron expression).
//
// defaultTz is used for cron schedules without an explicit tz; empty means
// the system local zone.
func nextFireAt(sched Schedule, nowMs int64, defaultTz string) int64 {
	switch sched.Kind {
	case KindAt:
		if sched.AtMs > nowMs {
			return sched.AtMs
		}
		return 0

	case KindEvery:
		return nextEveryFire(sched.EveryMs, sched.AnchorMs, nowMs)

	case KindCron:
		return nextCronFire(sched.Expr, sched.Tz, nowMs, defaultTz)
	}
	return 0
}

// nextEveryFire returns the next point on the fixed grid anchored at
// anchorMs. A job queried before its anchor fires at the anchor; otherwise
// the next fire is anchor + steps*interval with steps = max(1, ceil(elapsed/interval)),
// so a freshly created job never fires at its anchor instant, while a query
// landing exactly on a grid point is due immediately.
func nextEveryFire(everyMs, anchorMs, nowMs int64) int64 {
	if everyMs <= 0 {
		return 0
	}
	if nowMs < anchorMs {
		return anchorMs
	}
	elapsed := nowMs - anchorMs
	steps := (elapsed + everyMs - 1) / everyMs // ceil
	if steps < 1 {
		steps = 1
	}
	return anchorMs + steps*everyMs
}

// nextCronFire evaluates a 5-field cron expression. Sub-second precision is
// not supported: now is truncated to whole seconds before evaluation.
// An empty or unparseable expression yields 0 (the job simply never
// schedules; this is not an error).
func nextCronFire(expr, tz string, nowMs int64, defaultTz string) int64 {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}

	loc := cronLocation(tz, defaultTz)
	now := time.UnixMilli(nowMs).Truncate(time.Second).In(loc)
	next := sched.Next(now)
	if next.IsZero() || next.Before(now) {
		return 0
	}
	return next.UnixMilli()
}

func cronLocation(tz, defaultTz string) *time.Location {
	for _, name := range []string{strings.TrimSpace(tz), strings.TrimSpace(defaultTz)} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.Local
}

// jobNextFireAt is the job-level computation used by recompute sweeps. It
// layers two pieces of persisted job state on top of the schedule-level
// evaluator:
//
//   - catch-up: an "at" job that has never completed keeps its instant as
//     the next fire even when that instant is in the past, so a missed
//     one-shot fires on restart instead of silently expiring.
//   - error backoff: while the last run failed, the next fire is floored
//     at lastRunAt + backoff(consecutiveErrors). Without the floor here a
//     recompute sweep would pull a backed-off short-interval job straight
//     back onto its grid, retrying every interval instead of backing off.
//
// Both derive from persisted fields only, so the result is stable across
// restarts and repeated sweeps.
func jobNextFireAt(job *Job, nowMs int64, defaultTz string) int64 {
	if !job.Enabled {
		return 0
	}
	if job.Schedule.Kind == KindAt && job.State.LastStatus == "" {
		return job.Schedule.AtMs
	}
	next := nextFireAt(job.Schedule, nowMs, defaultTz)
	if next == 0 {
		return 0
	}
	if job.State.LastStatus == StatusError && job.State.LastRunAtMs > 0 {
		floor := job.State.LastRunAtMs + backoffFor(job.State.ConsecutiveErrors).Milliseconds()
		if next < floor {
			next = floor
		}
	}
	return next
}
