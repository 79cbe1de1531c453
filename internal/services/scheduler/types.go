package scheduler

import (
	"time"
)

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Payload kinds.
const (
	PayloadMessage = "message"
	PayloadSkill   = "skill"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Schedule describes when a job fires. Exactly one kind is active.
//
// All timestamps are unix milliseconds; 0 means "not set".
type Schedule struct {
	Kind string `json:"kind"` // at, every, cron

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every. AnchorMs is resolved once at creation time (defaults to the
	// job's creation instant) and never recomputed afterwards.
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`

	// cron (standard 5-field expression, evaluated in Tz or the system
	// default timezone)
	Expr string `json:"expr,omitempty"`
	Tz   string `json:"tz,omitempty"`
}

// Payload is what a job does when it fires. Exactly one kind is active.
type Payload struct {
	Kind string `json:"kind"` // message, skill

	// message
	Text   string `json:"text,omitempty"`
	ChatID int64  `json:"chatId,omitempty"`
	BotID  string `json:"botId,omitempty"`

	// skill
	SkillID string `json:"skillId,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

// JobState is runtime state owned exclusively by the scheduler.
//
// RunningSinceMs doubles as the crash-recovery marker: a non-zero value
// older than the stuck threshold is treated as an abandoned reservation
// from a crashed process and cleared by the self-healing sweep.
type JobState struct {
	NextFireAtMs      int64  `json:"nextFireAtMs,omitempty"`
	RunningSinceMs    int64  `json:"runningSinceMs,omitempty"`
	LastRunAtMs       int64  `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // ok, error, skipped
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job is the persisted unit of scheduling.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
}

// storeDoc is the on-disk document: a versioned list of jobs.
type storeDoc struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// RunLogEntry is one completed execution, one JSON line per entry.
type RunLogEntry struct {
	Event        string `json:"event"` // always "finished"
	TsMs         int64  `json:"tsMs"`
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Output       string `json:"output,omitempty"`
	FiredAtMs    int64  `json:"firedAtMs,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	NextFireAtMs int64  `json:"nextFireAtMs,omitempty"`
}

// JobSpec is the input to Add. Schedule and Payload are validated and the
// "every" anchor is resolved before anything is stored.
type JobSpec struct {
	Name           string
	Description    string
	Disabled       bool
	DeleteAfterRun bool
	Schedule       Schedule
	Payload        Payload
}

// JobPatch is a partial update. Nil fields are left untouched.
//
// A non-nil Schedule replaces the schedule wholesale. A non-nil Payload
// merges field-by-field when the kind is unchanged (or unset) and replaces
// wholesale when the kind differs.
type JobPatch struct {
	Name           *string
	Description    *string
	Enabled        *bool
	DeleteAfterRun *bool
	Schedule       *Schedule
	Payload        *Payload
}

// RunOutcome reports what a manual Run did.
type RunOutcome struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"` // not-due, already-running
}

// Run modes for the manual Run API.
const (
	RunModeDue   = "due"
	RunModeForce = "force"
)

// Status is a lightweight view for diagnostics.
type Status struct {
	Enabled      bool
	StorePath    string
	JobCount     int
	EnabledCount int
	NextWakeAt   time.Time // zero when the engine is idle
}

// runResult is the captured outcome of one payload execution.
type runResult struct {
	jobID     string
	status    string
	err       string
	output    string
	firedAtMs int64
	duration  time.Duration
}

// Config controls the scheduler service.
type Config struct {
	Enabled   bool
	StorePath string
	RunLogDir string

	// Timezone is the default IANA zone for cron schedules without an
	// explicit tz. Empty means the system local zone.
	Timezone string

	// MaxWakeDelay bounds how long the engine sleeps between ticks even
	// when nothing is due (guards against wall-clock jumps and newly
	// added jobs racing the timer).
	MaxWakeDelay time.Duration

	// ExecTimeout is the hard per-job execution timeout.
	ExecTimeout time.Duration

	// StuckAfter is the age at which a runningSince marker is treated as
	// an abandoned reservation from a crashed process.
	StuckAfter time.Duration

	RunLogMaxBytes  int64
	RunLogKeepLines int
}

// Defaults applied by New when config fields are zero.
const (
	DefaultMaxWakeDelay    = 60 * time.Second
	DefaultExecTimeout     = 10 * time.Minute
	DefaultStuckAfter      = 2 * time.Hour
	DefaultRunLogMaxBytes  = 2 * 1024 * 1024 // 2MB
	DefaultRunLogKeepLines = 2000
)

func (c Config) withDefaults() Config {
	if c.MaxWakeDelay <= 0 {
		c.MaxWakeDelay = DefaultMaxWakeDelay
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.RunLogMaxBytes <= 0 {
		c.RunLogMaxBytes = DefaultRunLogMaxBytes
	}
	if c.RunLogKeepLines <= 0 {
		c.RunLogKeepLines = DefaultRunLogKeepLines
	}
	return c
}

// backoffTable is the escalating minimum delay before retrying after
// consecutive failures, indexed by consecutiveErrors-1 and clamped to the
// last entry for higher counts.
var backoffTable = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

func backoffFor(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		return 0
	}
	idx := consecutiveErrors - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}
