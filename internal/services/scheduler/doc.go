// Package scheduler is a persistent, crash-recoverable job scheduler.
//
// It owns the durable job store (JSON document, atomic save + .bak), the
// per-job NDJSON run history, and a single-timer wake engine. The scheduler
// is responsible for:
//   - validating and persisting jobs (at/every/cron schedules)
//   - computing next fire times and arming the wake timer
//   - executing due payloads sequentially with timeouts and failure isolation
//   - escalating error backoff and self-healing stuck run markers
//
// Payload effects (sending messages, running skills) are delegated to
// collaborators supplied via Options.
package scheduler
