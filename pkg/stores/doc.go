// Package stores provides the persistence layer for the actuator: the
// idempotency ledger and the saga audit journal.
//
// SQLiteStore and PostgresStore share one implementation over database/sql
// and the same table layout (idempotency_keys, sagas, saga_steps), created
// by embedded golang-migrate migrations. BadgerLedger is an embedded
// key-value alternative for the ledger alone, using Badger TTLs for expiry.
//
// Every lookup is scoped to a tenant. Saga steps are append-only apart from
// two guarded transitions: PENDING_APPROVAL to COMPLETED (Approve) and
// COMPLETED to COMPENSATED (MarkCompensated).
package stores
