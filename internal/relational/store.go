// Package relational implements the cold storage adapter on SQLite
// (modernc.org/sqlite, pure Go). Values and metadata are stored as
// JSON-encoded text columns, re-serialized on every write; TTL is
// advisory metadata only and never enforced here.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const (
	backendName  = "sqlite"
	defaultTable = "kv_records"

	// errNotEnabled is the fixed failure reason for every operation
	// against a store constructed without a database handle.
	errNotEnabled = "relational storage not enabled"
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// recordMeta is the metadata column schema. The bag is typed rather than
// an open map so readers know exactly what a row can carry.
type recordMeta struct {
	Timestamp time.Time         `json:"timestamp"`
	Class     storage.Class     `json:"storage_class"`
	Backend   string            `json:"backend"`
	TTL       int64             `json:"ttl_seconds,omitempty"`
	Checksum  string            `json:"checksum,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Store implements storage.Adapter against a single SQLite table. A nil
// database handle puts the store into the disabled state: every
// operation fails fast with errNotEnabled, no query attempted, while
// TotalOperations still counts so the stats stay honest.
type Store struct {
	db      *sql.DB
	table   string
	tracker storage.Tracker
	coll    storage.Collector
	logger  *zap.Logger
}

// OpenDB opens (or creates) the SQLite database backing a Store.
// Use ":memory:" for an in-memory database.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// NewStore creates the cold tier adapter. Passing a nil db yields a
// disabled store.
func NewStore(db *sql.DB, cfg config.RelationalTierConfig, coll storage.Collector, logger *zap.Logger) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !tableNameRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if coll == nil {
		coll = storage.NopCollector{}
	}

	s := &Store{db: db, table: table, coll: coll, logger: logger}
	if db != nil {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			metadata   TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`, table)
		if _, err := db.Exec(schema); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Class() storage.Class { return storage.ClassCold }
func (s *Store) Name() string         { return backendName }

func (s *Store) meta() storage.Meta {
	return storage.Meta{
		Timestamp: time.Now(),
		Class:     storage.ClassCold,
		Backend:   backendName,
	}
}

// Get selects by exact key. A miss is Success=false with ErrKeyNotFound;
// callers must check Success before reading Data.
func (s *Store) Get(ctx context.Context, key string) storage.Result {
	start := time.Now()
	if s.db == nil {
		return s.disabled("get", key, start)
	}

	var value string
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value, metadata FROM %s WHERE key = ?", s.table), key,
	).Scan(&value, &metaJSON)
	lat := time.Since(start)

	if err == sql.ErrNoRows {
		s.record("get", lat, storage.OutcomeMiss, key, false, storage.HitNo)
		return storage.Result{Err: storage.ErrKeyNotFound, Latency: lat, Meta: s.meta()}
	}
	if err != nil {
		s.record("get", lat, storage.OutcomeError, key, false, storage.HitNo)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	m := s.meta()
	if metaJSON.Valid && metaJSON.String != "" {
		var rm recordMeta
		if json.Unmarshal([]byte(metaJSON.String), &rm) == nil && rm.TTL > 0 {
			m.TTL = time.Duration(rm.TTL) * time.Second
		}
	}

	s.record("get", lat, storage.OutcomeHit, key, true, storage.HitYes)
	return storage.Result{Success: true, Data: []byte(value), Latency: lat, Meta: m}
}

// Put upserts the row, refreshing updated_at and re-serializing the
// metadata column.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts storage.Options) storage.Result {
	start := time.Now()
	if s.db == nil {
		return s.disabled("put", key, start)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rm := recordMeta{
		Timestamp: time.Now().UTC(),
		Class:     storage.ClassCold,
		Backend:   backendName,
		TTL:       int64(opts.TTL / time.Second),
		Checksum:  opts.Checksum,
		Extra:     opts.Metadata,
	}
	metaJSON, _ := json.Marshal(rm)

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`, s.table),
		key, string(value), string(metaJSON), now, now,
	)
	lat := time.Since(start)

	if err != nil {
		s.record("put", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	s.record("put", lat, storage.OutcomeOK, key, true, storage.HitNone)
	s.refreshUsage(ctx)
	s.logger.Debug("record upserted", zap.String("key", key), zap.Int("bytes", len(value)))

	m := s.meta()
	m.TTL = opts.TTL
	return storage.Result{Success: true, Latency: lat, Meta: m}
}

// Delete removes by key and reports rows affected. Deleting an absent
// key is a successful no-op.
func (s *Store) Delete(ctx context.Context, key string) storage.Result {
	start := time.Now()
	if s.db == nil {
		return s.disabled("delete", key, start)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ?", s.table), key)
	lat := time.Since(start)

	if err != nil {
		s.record("delete", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	affected, _ := res.RowsAffected()
	s.record("delete", lat, storage.OutcomeOK, key, true, storage.HitNone)
	s.refreshUsage(ctx)

	return storage.Result{Success: true, Affected: affected, Latency: lat, Meta: s.meta()}
}

// List returns matching keys only, prefix via LIKE, newest-first not
// guaranteed (ordered by key).
func (s *Store) List(ctx context.Context, opts storage.ListOptions) storage.KeysResult {
	start := time.Now()
	if s.db == nil {
		r := s.disabled("list", opts.Prefix, start)
		return storage.KeysResult{Err: r.Err, Latency: r.Latency, Meta: r.Meta}
	}

	query := fmt.Sprintf("SELECT key FROM %s", s.table)
	var args []interface{}
	if opts.Prefix != "" {
		query += " WHERE key LIKE ? || '%'"
		args = append(args, opts.Prefix)
	}
	query += " ORDER BY key"
	if opts.Limit > 0 {
		// Fetch one extra row to detect truncation.
		query += " LIMIT ?"
		args = append(args, opts.Limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		lat := time.Since(start)
		s.record("list", lat, storage.OutcomeError, opts.Prefix, false, storage.HitNone)
		return storage.KeysResult{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			lat := time.Since(start)
			s.record("list", lat, storage.OutcomeError, opts.Prefix, false, storage.HitNone)
			return storage.KeysResult{Err: err.Error(), Latency: lat, Meta: s.meta()}
		}
		keys = append(keys, k)
	}
	lat := time.Since(start)
	if err := rows.Err(); err != nil {
		s.record("list", lat, storage.OutcomeError, opts.Prefix, false, storage.HitNone)
		return storage.KeysResult{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	complete := true
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		complete = false
	}

	s.record("list", lat, storage.OutcomeOK, opts.Prefix, true, storage.HitNone)
	return storage.KeysResult{Success: true, Keys: keys, Latency: lat, Complete: complete, Meta: s.meta()}
}

func (s *Store) Stats() storage.Stats {
	return s.tracker.Snapshot()
}

// HealthCheck issues a trivial query; the disabled state is unhealthy by
// definition.
func (s *Store) HealthCheck(ctx context.Context) storage.Health {
	if s.db == nil {
		return storage.Health{Healthy: false, Issues: []string{errNotEnabled}}
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return storage.Health{Healthy: false, Issues: []string{fmt.Sprintf("probe query: %s", err)}}
	}
	return storage.Health{Healthy: true}
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// disabled records the operation (TotalOperations must keep counting)
// and returns the fixed fast-fail result.
func (s *Store) disabled(op, key string, start time.Time) storage.Result {
	lat := time.Since(start)
	s.record(op, lat, storage.OutcomeOK, key, false, storage.HitNone)
	return storage.Result{Err: errNotEnabled, Latency: lat, Meta: s.meta()}
}

func (s *Store) refreshUsage(ctx context.Context) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count); err == nil {
		s.tracker.SetStorageUsed(count)
	}
}

func (s *Store) record(op string, lat time.Duration, outcome storage.Outcome, key string, success bool, hit storage.Hit) {
	s.tracker.Record(lat, outcome)
	s.coll.RecordOperation(op, storage.Tags{
		Layer:    backendName,
		Class:    storage.ClassCold,
		Keyspace: storage.Keyspace(key),
	}, lat, success, hit)
}
