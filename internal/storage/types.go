package storage

import (
	"context"
	"time"
)

// Class identifies the intended latency/durability tier of a value,
// independent of which backend serves it.
type Class string

const (
	ClassHot       Class = "hot_cache"
	ClassWarm      Class = "warm_cache"
	ClassCold      Class = "cold_storage"
	ClassEphemeral Class = "ephemeral"
	ClassArchive   Class = "archive"
)

// ParseClass maps a class name to a Class, reporting whether it is known.
func ParseClass(s string) (Class, bool) {
	switch Class(s) {
	case ClassHot, ClassWarm, ClassCold, ClassEphemeral, ClassArchive:
		return Class(s), true
	}
	return "", false
}

// Options carries write-time hints. A zero TTL means the backend default.
// Checksum is passed through as metadata and not verified by adapters.
type Options struct {
	TTL      time.Duration
	Metadata map[string]string
	Checksum string
}

// ListOptions narrows a List call. A zero Limit means unlimited.
type ListOptions struct {
	Prefix string
	Limit  int
}

// Routing holds the router-populated extension fields of a result.
// Bare adapters never set these; a nil Routing means the result came
// straight from one adapter with no cross-tier behavior.
type Routing struct {
	RoutedClass    Class    `json:"routed_class,omitempty"`
	RoutedAdapter  string   `json:"routed_adapter,omitempty"`
	Promoted       bool     `json:"promoted,omitempty"`
	Demoted        bool     `json:"demoted,omitempty"`
	FromClass      Class    `json:"from_class,omitempty"`
	ToClass        Class    `json:"to_class,omitempty"`
	FallbackWrite  bool     `json:"fallback_write,omitempty"`
	FallbackDelete bool     `json:"fallback_delete,omitempty"`
	DualMode       bool     `json:"dual_mode,omitempty"`
	AdapterErrors  []string `json:"adapter_errors,omitempty"`
	Size           int64    `json:"size,omitempty"`
	OriginalSize   int64    `json:"original_size,omitempty"`
	CompressedSize int64    `json:"compressed_size,omitempty"`
}

// Meta describes where and when a result was produced.
type Meta struct {
	Timestamp time.Time     `json:"timestamp"`
	Class     Class         `json:"storage_class"`
	Backend   string        `json:"backend"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Routing   *Routing      `json:"routing,omitempty"`
}

// Result is the uniform response envelope for every data-path operation.
//
// Failure is encoded, never thrown: adapters convert every backend error
// into Success=false with a human-readable Err. Affected carries a
// backend-reported count where one exists (rows affected for relational
// deletes, compressed bytes written for archive puts).
type Result struct {
	Success  bool          `json:"success"`
	Data     []byte        `json:"data,omitempty"`
	Err      string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Affected int64         `json:"affected,omitempty"`
	Meta     Meta          `json:"metadata"`
}

// KeysResult is the response envelope for List. Complete is false when
// the listing was truncated by ListOptions.Limit.
type KeysResult struct {
	Success  bool          `json:"success"`
	Keys     []string      `json:"keys"`
	Err      string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Complete bool          `json:"complete"`
	Meta     Meta          `json:"metadata"`
}

// Health is the outcome of an adapter health probe.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues,omitempty"`
}

// Fixed failure reasons shared by adapters. Callers branch on these
// strings, so they are part of the contract.
const (
	ErrKeyNotFound = "Key not found"
	ErrKeyExpired  = "Key expired"
)

// Adapter is the contract every backend implements.
//
// Miss semantics differ per adapter and are part of the contract: the
// object-cache adapter reports a miss as Success=true with nil Data,
// while the relational and ephemeral adapters report Success=false with
// ErrKeyNotFound. Adapters never retry and never panic across this
// boundary.
type Adapter interface {
	Get(ctx context.Context, key string) Result
	Put(ctx context.Context, key string, value []byte, opts Options) Result
	Delete(ctx context.Context, key string) Result
	List(ctx context.Context, opts ListOptions) KeysResult

	// Stats returns a defensive copy of the adapter's running counters.
	Stats() Stats

	// HealthCheck performs a minimal live probe against the backend.
	HealthCheck(ctx context.Context) Health

	// Class reports the storage class this adapter instance serves.
	Class() Class

	// Name identifies the concrete backend (used as the metrics layer tag).
	Name() string

	// Close releases local resources. Idempotent.
	Close() error
}
