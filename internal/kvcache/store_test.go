package kvcache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// startEmbeddedNATS starts an embedded nats-server with JetStream enabled.
func startEmbeddedNATS(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  filepath.Join(tmpDir, "jetstream"),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return fmt.Sprintf("nats://127.0.0.1:%d", opts.Port)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := startEmbeddedNATS(t)

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("create JetStream context: %v", err)
	}

	cfg := config.CacheTierConfig{
		Enabled:    true,
		Bucket:     "tierstore-test",
		DefaultTTL: config.Duration(15 * time.Minute),
	}
	kv, err := EnsureBucket(context.Background(), js, cfg)
	if err != nil {
		t.Fatalf("create KV bucket: %v", err)
	}

	return NewStore(kv, cfg, storage.ClassHot, storage.NopCollector{}, zap.NewNop())
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := []byte(`{"price":42.5}`)
	res := s.Put(ctx, "market_cache_QQQ", value, storage.Options{})
	if !res.Success {
		t.Fatalf("put failed: %s", res.Err)
	}
	if res.Meta.TTL != 15*time.Minute {
		t.Errorf("expected resolved bucket TTL 15m, got %v", res.Meta.TTL)
	}

	got := s.Get(ctx, "market_cache_QQQ")
	if !got.Success {
		t.Fatalf("get failed: %s", got.Err)
	}
	if string(got.Data) != string(value) {
		t.Errorf("round-trip mismatch: %q", got.Data)
	}
	if got.Meta.Backend != "nats-kv" || got.Meta.Class != storage.ClassHot {
		t.Errorf("unexpected meta: %+v", got.Meta)
	}
}

func TestMissIsSuccessWithNilData(t *testing.T) {
	s := newTestStore(t)

	res := s.Get(context.Background(), "never_written")
	if !res.Success {
		t.Errorf("cache miss must report success=true, err=%q", res.Err)
	}
	if res.Data != nil {
		t.Errorf("cache miss must return nil data, got %q", res.Data)
	}
	if s.Stats().Misses != 1 {
		t.Errorf("miss must count under Misses, got %+v", s.Stats())
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "job_status_1", []byte("running"), storage.Options{})

	if res := s.Delete(ctx, "job_status_1"); !res.Success {
		t.Fatalf("delete failed: %s", res.Err)
	}
	if res := s.Delete(ctx, "job_status_1"); !res.Success {
		t.Errorf("second delete must also succeed: %s", res.Err)
	}

	// A deleted key misses like a never-written one.
	got := s.Get(ctx, "job_status_1")
	if !got.Success || got.Data != nil {
		t.Errorf("deleted key must miss: %+v", got)
	}
}

func TestListPrefixAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"analysis_AAPL", "analysis_MSFT", "analysis_NVDA", "report_weekly"} {
		if res := s.Put(ctx, k, []byte("v"), storage.Options{}); !res.Success {
			t.Fatalf("put %q: %s", k, res.Err)
		}
	}

	res := s.List(ctx, storage.ListOptions{Prefix: "analysis_"})
	if !res.Success || len(res.Keys) != 3 || !res.Complete {
		t.Fatalf("unexpected list result: %+v", res)
	}

	res = s.List(ctx, storage.ListOptions{Limit: 2})
	if len(res.Keys) != 2 || res.Complete {
		t.Errorf("expected truncated listing of 2, got %d complete=%v", len(res.Keys), res.Complete)
	}
}

func TestListEmptyBucket(t *testing.T) {
	s := newTestStore(t)

	res := s.List(context.Background(), storage.ListOptions{})
	if !res.Success || len(res.Keys) != 0 || !res.Complete {
		t.Errorf("empty bucket must list as empty success: %+v", res)
	}
}

func TestHealthCheckProbe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := s.HealthCheck(ctx)
	if !h.Healthy {
		t.Errorf("expected healthy store, issues: %v", h.Issues)
	}

	// The probe cleans up after itself.
	res := s.List(ctx, storage.ListOptions{})
	for _, k := range res.Keys {
		if k == probeKey {
			t.Error("probe key must not survive the health check")
		}
	}
}
