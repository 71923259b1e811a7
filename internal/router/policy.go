package router

import (
	"sort"
	"time"

	"github.com/finsight/tierstore/internal/storage"
)

// candidate is one key selected for demotion.
type candidate struct {
	Key   string
	Entry AccessEntry
}

// demotionCandidates returns cache-resident keys idle past maxIdle,
// oldest first. Only the hot and warm classes demote; cold, archive and
// ephemeral records stay where they are.
func demotionCandidates(entries map[string]AccessEntry, maxIdle time.Duration, now time.Time) []candidate {
	if maxIdle <= 0 {
		return nil
	}

	cutoff := now.Add(-maxIdle)
	var out []candidate
	for key, entry := range entries {
		switch entry.Class {
		case storage.ClassHot, storage.ClassWarm:
		default:
			continue
		}
		if entry.LastAccess.Before(cutoff) {
			out = append(out, candidate{Key: key, Entry: entry})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry.LastAccess.Before(out[j].Entry.LastAccess)
	})
	return out
}
