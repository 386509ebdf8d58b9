// Package repositories implements the local relational store of the sync engine.
//
// Key Implementations:
//   - [LedgerRepository] : version ledger projection, read once per run
//   - [RecordRepository] : header and child rows, one transaction per record, ledger advanced in the same transaction
//   - [SyncRunRepository] : append-only run history ordered by sequence
//   - [SQLiteStore] : [Store] over the three repositories (default backend)
//   - [PostgresStore] : [Store] over a pgx connection pool
//
// Child rows follow the policy passed to [Store.PersistRecord]:
//   - replace_all deletes the stored children and inserts the new set
//   - merge_by_sequence upserts by sequence and keeps children missing from the payload
//   - append_only inserts unseen sequences and never modifies stored rows
//
// Sequence numbers provide stable, human-readable ordering of runs independent of UUIDs and clocks.
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
