// Package migrations wires golang-migrate execution for the run runtime
// core's Postgres persistence (outbox, consumer_offsets, runs, orders,
// fills — §6). Grounded on the teacher's db/migrations embed.FS plus
// internal/infra/persistence/migrations.Apply/Rollback, trimmed of the
// teacher's dual embedded/on-disk source selection since Weaver only ships
// the embedded set.
package migrations

import "embed"

//go:embed sql/*.sql
var Files embed.FS
