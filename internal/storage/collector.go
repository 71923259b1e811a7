package storage

import "time"

// Hit qualifies a recorded operation as a cache hit or miss. Non-read
// operations report HitNone.
type Hit int

const (
	HitNone Hit = iota
	HitYes
	HitNo
)

// Tags identify where an operation ran for metrics aggregation. Keyspace
// is the coarse bucket derived from the key's naming convention, never
// the full key.
type Tags struct {
	Layer    string
	Class    Class
	Keyspace string
}

// Collector receives one structured event per adapter operation.
// Implementations must be safe for concurrent use. Adapters are handed a
// NopCollector when no observability sink is configured, so call sites
// never nil-check.
type Collector interface {
	RecordOperation(op string, tags Tags, duration time.Duration, success bool, hit Hit)
}

// NopCollector discards every event.
type NopCollector struct{}

func (NopCollector) RecordOperation(string, Tags, time.Duration, bool, Hit) {}
