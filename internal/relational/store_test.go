package relational

import (
	"context"
	"testing"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStore(db, config.RelationalTierConfig{Enabled: true}, storage.NopCollector{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := []byte(`{"x":1}`)
	res := s.Put(ctx, "analysis_AAPL_2024-01-01", value, storage.Options{
		TTL:      time.Hour,
		Checksum: "abc123",
		Metadata: map[string]string{"source": "eod"},
	})
	if !res.Success {
		t.Fatalf("put failed: %s", res.Err)
	}

	got := s.Get(ctx, "analysis_AAPL_2024-01-01")
	if !got.Success {
		t.Fatalf("get failed: %s", got.Err)
	}
	if string(got.Data) != string(value) {
		t.Errorf("round-trip mismatch: %q", got.Data)
	}
	if got.Meta.TTL != time.Hour {
		t.Errorf("expected advisory TTL 1h from metadata, got %v", got.Meta.TTL)
	}
	if got.Meta.Backend != "sqlite" || got.Meta.Class != storage.ClassCold {
		t.Errorf("unexpected meta: %+v", got.Meta)
	}
}

func TestMissIsFailure(t *testing.T) {
	s := newTestStore(t)

	res := s.Get(context.Background(), "never_written")
	if res.Success {
		t.Error("miss must report success=false on the relational adapter")
	}
	if res.Err != storage.ErrKeyNotFound {
		t.Errorf("expected %q, got %q", storage.ErrKeyNotFound, res.Err)
	}
	if s.Stats().Misses != 1 {
		t.Errorf("miss must count under Misses, got %+v", s.Stats())
	}
}

func TestUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "k", []byte("v1"), storage.Options{})
	s.Put(ctx, "k", []byte("v2"), storage.Options{})

	got := s.Get(ctx, "k")
	if string(got.Data) != "v2" {
		t.Errorf("expected last write to win, got %q", got.Data)
	}
	if s.Stats().StorageUsed != 1 {
		t.Errorf("expected 1 row after upsert, got %d", s.Stats().StorageUsed)
	}
}

func TestDeleteReportsRowsAffected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "k", []byte("v"), storage.Options{})

	res := s.Delete(ctx, "k")
	if !res.Success || res.Affected != 1 {
		t.Errorf("expected 1 row affected, got success=%v affected=%d", res.Success, res.Affected)
	}

	// Idempotent: a second delete succeeds with zero rows.
	res = s.Delete(ctx, "k")
	if !res.Success || res.Affected != 0 {
		t.Errorf("expected idempotent delete, got success=%v affected=%d", res.Success, res.Affected)
	}
}

func TestListPrefixAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"analysis_AAPL", "analysis_MSFT", "analysis_NVDA", "report_weekly"} {
		s.Put(ctx, k, []byte("v"), storage.Options{})
	}

	res := s.List(ctx, storage.ListOptions{Prefix: "analysis_"})
	if !res.Success || len(res.Keys) != 3 || !res.Complete {
		t.Fatalf("unexpected list result: %+v", res)
	}

	res = s.List(ctx, storage.ListOptions{Prefix: "analysis_", Limit: 2})
	if len(res.Keys) != 2 {
		t.Errorf("expected 2 keys under limit, got %d", len(res.Keys))
	}
	if res.Complete {
		t.Error("truncated listing must report Complete=false")
	}
}

func TestDisabledStore(t *testing.T) {
	s, err := NewStore(nil, config.RelationalTierConfig{}, storage.NopCollector{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new disabled store: %v", err)
	}
	ctx := context.Background()

	for _, res := range []storage.Result{
		s.Get(ctx, "k"),
		s.Put(ctx, "k", []byte("v"), storage.Options{}),
		s.Delete(ctx, "k"),
	} {
		if res.Success {
			t.Error("disabled store must fail every operation")
		}
		if res.Err != errNotEnabled {
			t.Errorf("expected %q, got %q", errNotEnabled, res.Err)
		}
	}
	if res := s.List(ctx, storage.ListOptions{}); res.Success || res.Err != errNotEnabled {
		t.Errorf("disabled list: %+v", res)
	}

	st := s.Stats()
	if st.TotalOperations != 4 {
		t.Errorf("disabled operations must still count, got %d", st.TotalOperations)
	}
	if st.Errors != 0 {
		t.Errorf("disabled operations are not backend errors, got %d", st.Errors)
	}

	h := s.HealthCheck(ctx)
	if h.Healthy {
		t.Error("disabled store must be unhealthy")
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	if h := s.HealthCheck(context.Background()); !h.Healthy {
		t.Errorf("expected healthy store, issues: %v", h.Issues)
	}
}

func TestInvalidTableName(t *testing.T) {
	db, err := OpenDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	_, err = NewStore(db, config.RelationalTierConfig{Table: "kv; DROP TABLE x"}, storage.NopCollector{}, zap.NewNop())
	if err == nil {
		t.Error("expected error for invalid table name")
	}
}
