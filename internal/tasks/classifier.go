package tasks

import "github.com/desertthunder/ledgersync/internal/models"

// Dedupe collapses repeated external ids to their first position, keeping the
// occurrence with the highest version token.
func Dedupe(remote []models.RemoteRecordRef) []models.RemoteRecordRef {
	pos := make(map[int64]int, len(remote))
	out := make([]models.RemoteRecordRef, 0, len(remote))
	for _, ref := range remote {
		if i, ok := pos[ref.ExternalID]; ok {
			if ref.VersionToken > out[i].VersionToken {
				out[i] = ref
			}
			continue
		}
		pos[ref.ExternalID] = len(out)
		out = append(out, ref)
	}
	return out
}

// Classify partitions a remote snapshot of scope against the ledger.
//
//   - no ledger entry: New
//   - remote version greater than ledger version: Updated
//   - otherwise: Unchanged
//
// Lookups use (externalId, scopeKey); ledger entries of other scopes are ignored.
// Each set keeps snapshot order. Classify has no side effects.
func Classify(remote []models.RemoteRecordRef, ledger []models.LedgerEntry, scope string) models.Classification {
	known := make(map[models.LedgerKey]int64, len(ledger))
	for _, e := range ledger {
		if e.ScopeKey != scope {
			continue
		}
		known[e.Key()] = e.VersionToken
	}

	var c models.Classification
	for _, ref := range Dedupe(remote) {
		version, ok := known[models.LedgerKey{ExternalID: ref.ExternalID, ScopeKey: scope}]
		switch {
		case !ok:
			c.New = append(c.New, ref)
		case ref.VersionToken > version:
			c.Updated = append(c.Updated, ref)
		default:
			c.Unchanged = append(c.Unchanged, ref)
		}
	}
	return c
}
