package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/finsight/tierstore/internal/storage"
)

// mockAdapter is a thread-safe in-memory storage.Adapter for testing.
// cacheMiss selects the object-cache miss contract (Success=true, nil
// Data) instead of the relational one.
type mockAdapter struct {
	mu        sync.Mutex
	class     storage.Class
	name      string
	values    map[string][]byte
	cacheMiss bool
	putErr    string
	getErr    string
	delErr    string
	puts      int
	deletes   int
}

func newMockAdapter(class storage.Class, name string) *mockAdapter {
	return &mockAdapter{
		class:  class,
		name:   name,
		values: make(map[string][]byte),
	}
}

func (m *mockAdapter) meta() storage.Meta {
	return storage.Meta{Timestamp: time.Now(), Class: m.class, Backend: m.name}
}

func (m *mockAdapter) Get(_ context.Context, key string) storage.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != "" {
		return storage.Result{Err: m.getErr, Meta: m.meta()}
	}
	v, ok := m.values[key]
	if !ok {
		if m.cacheMiss {
			return storage.Result{Success: true, Meta: m.meta()}
		}
		return storage.Result{Err: storage.ErrKeyNotFound, Meta: m.meta()}
	}
	return storage.Result{Success: true, Data: v, Meta: m.meta()}
}

func (m *mockAdapter) Put(_ context.Context, key string, value []byte, _ storage.Options) storage.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != "" {
		return storage.Result{Err: m.putErr, Meta: m.meta()}
	}
	m.values[key] = value
	res := storage.Result{Success: true, Meta: m.meta()}
	if m.class == storage.ClassArchive {
		// Pretend compression halves the payload.
		res.Affected = int64(len(value) / 2)
	}
	return res
}

func (m *mockAdapter) Delete(_ context.Context, key string) storage.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.delErr != "" {
		return storage.Result{Err: m.delErr, Meta: m.meta()}
	}
	delete(m.values, key)
	return storage.Result{Success: true, Meta: m.meta()}
}

func (m *mockAdapter) List(_ context.Context, opts storage.ListOptions) storage.KeysResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if opts.Prefix == "" || strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	return storage.KeysResult{Success: true, Keys: keys, Complete: true, Meta: m.meta()}
}

func (m *mockAdapter) Stats() storage.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.Stats{StorageUsed: int64(len(m.values))}
}

func (m *mockAdapter) HealthCheck(context.Context) storage.Health {
	return storage.Health{Healthy: true}
}

func (m *mockAdapter) Class() storage.Class { return m.class }
func (m *mockAdapter) Name() string         { return m.name }
func (m *mockAdapter) Close() error         { return nil }

func (m *mockAdapter) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.values[key]
	return ok
}

func (m *mockAdapter) set(key string, value []byte) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}
