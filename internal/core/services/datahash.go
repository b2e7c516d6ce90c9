package services

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/venturekit/dealflow/internal/core/domain"
)

// The data hash fingerprints everything a ranking depends on: the investor's
// preferences plus the stable fields of every visible evaluation report. It is
// order-independent over startups and deterministic within one: maps are
// serialized with encoding/json, which emits keys in lexicographic order, so
// the same inputs always produce the same digest.

// startupDataHash digests one report's stable fields. Churn in unrelated
// fields (companyProfile tweaks, bookkeeping timestamps) does not affect it.
func startupDataHash(startupID string, report domain.Document) string {
	return md5JSON(domain.Document{
		"startup_id": startupID,
		"submission": orEmptyDoc(domain.SubDocument(report, "submission")),
		"scores":     orEmptyDoc(domain.SubDocument(report, "scores")),
		"aiInsights": orEmptyDoc(domain.SubDocument(report, "aiInsights")),
	})
}

// DataHash digests investor preferences together with the current report pool.
// A cache entry is reusable iff this matches its stored hash.
func DataHash(preferences domain.Document, reports map[string]domain.Document) string {
	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hashes := make([]string, 0, len(reports))
	for _, id := range ids {
		hashes = append(hashes, startupDataHash(id, reports[id]))
	}
	sort.Strings(hashes)

	return md5JSON(domain.Document{
		"preferences":    orEmptyDoc(preferences),
		"startup_count":  len(reports),
		"startup_ids":    ids,
		"startup_hashes": hashes,
	})
}

func md5JSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func orEmptyDoc(doc domain.Document) domain.Document {
	if doc == nil {
		return domain.Document{}
	}
	return doc
}
