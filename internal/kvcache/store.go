// Package kvcache implements the hot/warm cache adapter on a NATS
// JetStream KV bucket. One adapter instance serves one bucket and one
// storage class.
package kvcache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const backendName = "nats-kv"

// probeKey is written and deleted by HealthCheck. Callers own the rest
// of the keyspace.
const probeKey = "_tierstore_health_probe"

// Store implements storage.Adapter against one jetstream.KeyValue
// bucket. TTL is enforced at bucket level; the resolved TTL is echoed in
// result metadata so callers can see what applies.
type Store struct {
	kv         jetstream.KeyValue
	bucket     string
	class      storage.Class
	defaultTTL time.Duration
	tracker    storage.Tracker
	coll       storage.Collector
	logger     *zap.Logger
}

// NewStore creates a cache adapter over an existing KV bucket handle.
func NewStore(kv jetstream.KeyValue, cfg config.CacheTierConfig, class storage.Class, coll storage.Collector, logger *zap.Logger) *Store {
	if coll == nil {
		coll = storage.NopCollector{}
	}
	return &Store{
		kv:         kv,
		bucket:     cfg.Bucket,
		class:      class,
		defaultTTL: cfg.DefaultTTL.Duration(),
		coll:       coll,
		logger:     logger,
	}
}

// EnsureBucket creates or updates the KV bucket for a cache tier. The
// bucket TTL is the tier's default TTL.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, cfg config.CacheTierConfig) (jetstream.KeyValue, error) {
	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		TTL:      cfg.DefaultTTL.Duration(),
		Replicas: replicas,
	})
}

func (s *Store) Class() storage.Class { return s.class }
func (s *Store) Name() string         { return backendName }

func (s *Store) meta() storage.Meta {
	return storage.Meta{
		Timestamp: time.Now(),
		Class:     s.class,
		Backend:   backendName,
	}
}

// Get round-trips to the KV service. Unlike the relational adapter, a
// miss here is a successful call with nil Data; only transport errors
// fail the result.
func (s *Store) Get(ctx context.Context, key string) storage.Result {
	start := time.Now()
	entry, err := s.kv.Get(ctx, key)
	lat := time.Since(start)

	switch {
	case err == nil:
		s.record("get", lat, storage.OutcomeHit, key, true, storage.HitYes)
		return storage.Result{Success: true, Data: entry.Value(), Latency: lat, Meta: s.meta()}
	case isNotFound(err):
		s.record("get", lat, storage.OutcomeMiss, key, true, storage.HitNo)
		return storage.Result{Success: true, Latency: lat, Meta: s.meta()}
	default:
		s.record("get", lat, storage.OutcomeError, key, false, storage.HitNo)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts storage.Options) storage.Result {
	start := time.Now()
	_, err := s.kv.Put(ctx, key, value)
	lat := time.Since(start)

	if err != nil {
		s.record("put", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.record("put", lat, storage.OutcomeOK, key, true, storage.HitNone)

	m := s.meta()
	m.TTL = ttl
	return storage.Result{Success: true, Latency: lat, Meta: m}
}

// Delete is idempotent; the service treats absent keys as deleted.
func (s *Store) Delete(ctx context.Context, key string) storage.Result {
	start := time.Now()
	err := s.kv.Delete(ctx, key)
	lat := time.Since(start)

	if err != nil && !isNotFound(err) {
		s.record("delete", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	s.record("delete", lat, storage.OutcomeOK, key, true, storage.HitNone)
	return storage.Result{Success: true, Latency: lat, Meta: s.meta()}
}

// List enumerates the bucket; the prefix filter is applied client-side
// because KV has no server-side prefix scan.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) storage.KeysResult {
	start := time.Now()
	all, err := s.kv.Keys(ctx)
	lat := time.Since(start)

	if err != nil && !errors.Is(err, jetstream.ErrNoKeysFound) {
		s.record("list", lat, storage.OutcomeError, opts.Prefix, false, storage.HitNone)
		return storage.KeysResult{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	keys := make([]string, 0, len(all))
	complete := true
	for _, k := range all {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Limit > 0 && len(keys) >= opts.Limit {
			complete = false
			break
		}
		keys = append(keys, k)
	}

	s.record("list", lat, storage.OutcomeOK, opts.Prefix, true, storage.HitNone)
	return storage.KeysResult{Success: true, Keys: keys, Latency: lat, Complete: complete, Meta: s.meta()}
}

func (s *Store) Stats() storage.Stats {
	return s.tracker.Snapshot()
}

// HealthCheck performs a live write+delete round trip on a throwaway key.
func (s *Store) HealthCheck(ctx context.Context) storage.Health {
	if _, err := s.kv.Put(ctx, probeKey, []byte("ok")); err != nil {
		return storage.Health{Healthy: false, Issues: []string{"probe write: " + err.Error()}}
	}
	if err := s.kv.Delete(ctx, probeKey); err != nil {
		return storage.Health{Healthy: false, Issues: []string{"probe delete: " + err.Error()}}
	}
	return storage.Health{Healthy: true}
}

// Close releases nothing: the NATS connection is owned by the host.
func (s *Store) Close() error {
	return nil
}

func (s *Store) record(op string, lat time.Duration, outcome storage.Outcome, key string, success bool, hit storage.Hit) {
	s.tracker.Record(lat, outcome)
	s.coll.RecordOperation(op, storage.Tags{
		Layer:    backendName,
		Class:    s.class,
		Keyspace: storage.Keyspace(key),
	}, lat, success, hit)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
