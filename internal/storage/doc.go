// Package storage provides an optional audit trail for the scheduler.
//
// It records operator-visible actions (job add/update/remove and settled
// runs) to a JSON Lines file or, with the sqlite build tag, to a SQLite
// database. The scheduler treats audit appends as best-effort.
package storage
