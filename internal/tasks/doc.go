// Package tasks reconciles remote entities into the local store.
//
// # Pipeline
//
// A sync run moves through a fixed sequence of [Phase] values:
//
//  1. Listing: the remote snapshot is read through the entity [Source] and the
//     ledger is loaded from the [Store]. A listing failure aborts the run.
//  2. Classifying: [Classify] splits the snapshot into New, Updated and Unchanged
//     records by comparing version tokens against the ledger.
//  3. Fetching: a [Pipeline] fetches details in sequential batches with bounded
//     concurrency, each fetch wrapped in [Retry].
//  4. Persisting: an [Upserter] maps and commits every fetched record in its own
//     transaction. A failure affects only its own record.
//  5. Reporting: the [models.SyncReport] is recorded in the run history.
//
// # Progress Reporting
//
// [Engine.TriggerSync] accepts an optional channel of [ProgressUpdate]. Updates use
// select with default so a slow reader never blocks a run.
//
// # Entities
//
// The engine is generic. Each remote record type is an [Entity] that supplies a
// [Source], a [Mapper] and the [models.ChildPolicy] its child rows follow.
package tasks
