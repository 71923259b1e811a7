package storage

import (
	"sync"
	"time"
)

// Stats holds the running counters owned by one adapter.
type Stats struct {
	TotalOperations uint64        `json:"total_operations"`
	Hits            uint64        `json:"hits"`
	Misses          uint64        `json:"misses"`
	Errors          uint64        `json:"errors"`
	AvgLatency      time.Duration `json:"avg_latency"`
	StorageUsed     int64         `json:"storage_used"`
	LastAccess      time.Time     `json:"last_access"`
}

// Outcome classifies one operation for stats purposes.
type Outcome int

const (
	// OutcomeOK counts the operation without touching hit/miss/error.
	OutcomeOK Outcome = iota
	OutcomeHit
	OutcomeMiss
	OutcomeError
)

// Tracker maintains one adapter's Stats. Every operation, including
// failures and calls against a disabled backend, must be recorded so the
// counters stay honest.
type Tracker struct {
	mu    sync.Mutex
	stats Stats
}

// Record counts one operation and folds its latency into the running
// mean. The mean is recomputed as (avg*(n-1)+latency)/n at the moment
// TotalOperations is incremented.
func (t *Tracker) Record(latency time.Duration, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalOperations++
	n := time.Duration(t.stats.TotalOperations)
	t.stats.AvgLatency = (t.stats.AvgLatency*(n-1) + latency) / n
	t.stats.LastAccess = time.Now()

	switch outcome {
	case OutcomeHit:
		t.stats.Hits++
	case OutcomeMiss:
		t.stats.Misses++
	case OutcomeError:
		t.stats.Errors++
	}
}

// SetStorageUsed replaces the adapter-defined usage figure.
func (t *Tracker) SetStorageUsed(n int64) {
	t.mu.Lock()
	t.stats.StorageUsed = n
	t.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
