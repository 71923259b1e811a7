package ephemeral

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultTTL     = time.Hour
	defaultSweep   = time.Minute
	defaultSoftCap = 10000
	backendName    = "ephemeral"
)

type entry struct {
	value    []byte
	expiry   int64 // epoch millis
	metadata map[string]string
}

// Store implements storage.Adapter as a process-local TTL map. Entries do
// not survive a restart; the store is the last-resort fallback tier.
type Store struct {
	mu      sync.Mutex
	cfg     config.EphemeralTierConfig
	entries map[string]entry
	tracker storage.Tracker
	coll    storage.Collector
	logger  *zap.Logger
	done    chan struct{}
	closed  bool
}

func NewStore(cfg config.EphemeralTierConfig, coll storage.Collector, logger *zap.Logger) *Store {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = config.Duration(defaultTTL)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.Duration(defaultSweep)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultSoftCap
	}
	if coll == nil {
		coll = storage.NopCollector{}
	}

	s := &Store{
		cfg:     cfg,
		entries: make(map[string]entry),
		coll:    coll,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *Store) Class() storage.Class { return storage.ClassEphemeral }
func (s *Store) Name() string         { return backendName }

func (s *Store) meta() storage.Meta {
	return storage.Meta{
		Timestamp: time.Now(),
		Class:     storage.ClassEphemeral,
		Backend:   backendName,
	}
}

// Get returns the stored value. An entry past its expiry is removed
// before reporting the miss, so a subsequent List no longer sees it.
func (s *Store) Get(_ context.Context, key string) storage.Result {
	start := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	expired := ok && e.expiry < time.Now().UnixMilli()
	if expired {
		delete(s.entries, key)
	}
	used := int64(len(s.entries))
	s.mu.Unlock()

	lat := time.Since(start)
	s.tracker.SetStorageUsed(used)

	switch {
	case expired:
		s.record("get", lat, storage.OutcomeMiss, key, false, storage.HitNo)
		return storage.Result{Err: storage.ErrKeyExpired, Latency: lat, Meta: s.meta()}
	case !ok:
		s.record("get", lat, storage.OutcomeMiss, key, false, storage.HitNo)
		return storage.Result{Err: storage.ErrKeyNotFound, Latency: lat, Meta: s.meta()}
	}

	s.record("get", lat, storage.OutcomeHit, key, true, storage.HitYes)
	return storage.Result{Success: true, Data: e.value, Latency: lat, Meta: s.meta()}
}

func (s *Store) Put(_ context.Context, key string, value []byte, opts storage.Options) storage.Result {
	start := time.Now()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL.Duration()
	}

	md := opts.Metadata
	if opts.Checksum != "" {
		md = cloneMeta(md)
		md["checksum"] = opts.Checksum
	}

	s.mu.Lock()
	s.entries[key] = entry{
		value:    value,
		expiry:   time.Now().Add(ttl).UnixMilli(),
		metadata: md,
	}
	used := int64(len(s.entries))
	s.mu.Unlock()

	lat := time.Since(start)
	s.tracker.SetStorageUsed(used)
	s.record("put", lat, storage.OutcomeOK, key, true, storage.HitNone)

	m := s.meta()
	m.TTL = ttl
	return storage.Result{Success: true, Latency: lat, Meta: m}
}

// Delete is idempotent; removing an absent key succeeds.
func (s *Store) Delete(_ context.Context, key string) storage.Result {
	start := time.Now()

	s.mu.Lock()
	delete(s.entries, key)
	used := int64(len(s.entries))
	s.mu.Unlock()

	lat := time.Since(start)
	s.tracker.SetStorageUsed(used)
	s.record("delete", lat, storage.OutcomeOK, key, true, storage.HitNone)

	return storage.Result{Success: true, Latency: lat, Meta: s.meta()}
}

func (s *Store) List(_ context.Context, opts storage.ListOptions) storage.KeysResult {
	start := time.Now()
	now := time.Now().UnixMilli()

	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	complete := true
	for k, e := range s.entries {
		if e.expiry < now {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Limit > 0 && len(keys) >= opts.Limit {
			complete = false
			break
		}
		keys = append(keys, k)
	}
	s.mu.Unlock()

	lat := time.Since(start)
	s.record("list", lat, storage.OutcomeOK, opts.Prefix, true, storage.HitNone)

	return storage.KeysResult{Success: true, Keys: keys, Latency: lat, Complete: complete, Meta: s.meta()}
}

func (s *Store) Stats() storage.Stats {
	return s.tracker.Snapshot()
}

// HealthCheck warns when the live entry count exceeds the soft cap. The
// cap is advisory capacity protection, never enforced on Put.
func (s *Store) HealthCheck(_ context.Context) storage.Health {
	s.mu.Lock()
	count := len(s.entries)
	s.mu.Unlock()

	if count > s.cfg.MaxEntries {
		return storage.Health{
			Healthy: false,
			Issues:  []string{fmt.Sprintf("entry count %d exceeds soft cap %d", count, s.cfg.MaxEntries)},
		}
	}
	return storage.Health{Healthy: true}
}

// Close stops the sweep timer and clears the map. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.entries = make(map[string]entry)
	s.tracker.SetStorageUsed(0)
	return nil
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts expired entries independent of read traffic so
// StorageUsed stays accurate even on idle keyspaces.
func (s *Store) sweep() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	var evicted int
	for k, e := range s.entries {
		if e.expiry < now {
			delete(s.entries, k)
			evicted++
		}
	}
	used := int64(len(s.entries))
	s.mu.Unlock()

	s.tracker.SetStorageUsed(used)
	if evicted > 0 {
		s.logger.Debug("swept expired entries",
			zap.Int("evicted", evicted),
			zap.Int64("live", used),
		)
	}
}

func (s *Store) record(op string, lat time.Duration, outcome storage.Outcome, key string, success bool, hit storage.Hit) {
	s.tracker.Record(lat, outcome)
	s.coll.RecordOperation(op, storage.Tags{
		Layer:    backendName,
		Class:    storage.ClassEphemeral,
		Keyspace: storage.Keyspace(key),
	}, lat, success, hit)
}

func cloneMeta(md map[string]string) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	return out
}
