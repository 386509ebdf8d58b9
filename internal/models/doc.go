// Package models defines the value types shared by the sync engine, its store and its callers.
//
// Transient types live for one run only:
//   - [RemoteRecordRef] : listing-row projection (id, display number, version token)
//   - [Classification] : New / Updated / Unchanged partition of a remote snapshot
//   - [DetailOutcome] : result of fetching one record's detail
//   - [Rows] : header and child rows produced by an entity mapper
//
// Persistent types:
//   - [LedgerEntry] : last persisted version per (entity, externalId, scopeKey)
//   - [SyncRun] : a [SyncReport] stored in the run history, implementing [Model]
package models
