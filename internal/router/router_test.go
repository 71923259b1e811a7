package router

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

type testFixture struct {
	router    *Router
	tracker   *Tracker
	hot       *mockAdapter
	warm      *mockAdapter
	cold      *mockAdapter
	archive   *mockAdapter
	ephemeral *mockAdapter
}

func newFixture(t *testing.T, cfg config.RouterConfig) *testFixture {
	t.Helper()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "access.db"), true, zap.NewNop())
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	f := &testFixture{
		tracker:   tr,
		hot:       newMockAdapter(storage.ClassHot, "nats-kv"),
		warm:      newMockAdapter(storage.ClassWarm, "nats-kv"),
		cold:      newMockAdapter(storage.ClassCold, "sqlite"),
		archive:   newMockAdapter(storage.ClassArchive, "s3-archive"),
		ephemeral: newMockAdapter(storage.ClassEphemeral, "ephemeral"),
	}
	f.hot.cacheMiss = true
	f.warm.cacheMiss = true

	f.router = NewRouter(map[storage.Class]storage.Adapter{
		storage.ClassHot:       f.hot,
		storage.ClassWarm:      f.warm,
		storage.ClassCold:      f.cold,
		storage.ClassArchive:   f.archive,
		storage.ClassEphemeral: f.ephemeral,
	}, cfg, tr, zap.NewNop())
	return f
}

func defaultRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		PromoteAfterHits: 3,
		DemoteAfter:      config.Duration(24 * time.Hour),
		EvalInterval:     config.Duration(time.Minute),
		FallbackClass:    "ephemeral",
	}
}

func TestGetServedFromPrimary(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.hot.set("market_cache_QQQ", []byte("v"))

	res := f.router.Get(ctx, storage.ClassHot, "market_cache_QQQ")
	if !res.Success || string(res.Data) != "v" {
		t.Fatalf("unexpected result: %+v", res)
	}
	r := res.Meta.Routing
	if r == nil || r.RoutedClass != storage.ClassHot || r.RoutedAdapter != "nats-kv" {
		t.Errorf("unexpected routing: %+v", r)
	}
	if r.Promoted {
		t.Error("a primary hit must not promote")
	}
}

func TestGetFallsThroughToColder(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.cold.set("analysis_AAPL", []byte("v"))

	res := f.router.Get(ctx, storage.ClassHot, "analysis_AAPL")
	if !res.Success || string(res.Data) != "v" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Meta.Routing.RoutedClass != storage.ClassCold {
		t.Errorf("expected cold_storage routing, got %s", res.Meta.Routing.RoutedClass)
	}
}

func TestGetFullMissKeepsPrimarySemantics(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	// Hot primary: a full miss is the cache contract (success, nil data).
	res := f.router.Get(ctx, storage.ClassHot, "absent")
	if !res.Success || res.Data != nil {
		t.Errorf("expected cache miss semantics, got %+v", res)
	}

	// Cold primary: a full miss is a failed result.
	res = f.router.Get(ctx, storage.ClassCold, "absent")
	if res.Success || res.Err != storage.ErrKeyNotFound {
		t.Errorf("expected relational miss semantics, got %+v", res)
	}
}

func TestGetEphemeralNeverFallsThrough(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.cold.set("k", []byte("v"))

	res := f.router.Get(ctx, storage.ClassEphemeral, "k")
	if res.Success {
		t.Errorf("ephemeral reads must not fall through, got %+v", res)
	}
}

func TestPromotionAfterRepeatedColdHits(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.cold.set("analysis_AAPL", []byte("v"))

	var res storage.Result
	for i := 0; i < 3; i++ {
		res = f.router.Get(ctx, storage.ClassHot, "analysis_AAPL")
		if !res.Success {
			t.Fatalf("get %d failed: %s", i, res.Err)
		}
	}

	r := res.Meta.Routing
	if !r.Promoted || r.FromClass != storage.ClassCold || r.ToClass != storage.ClassHot {
		t.Fatalf("expected promotion on the third cold hit: %+v", r)
	}
	if !f.hot.has("analysis_AAPL") {
		t.Error("promoted value must be written into the hot tier")
	}

	entry, _ := f.tracker.Get("analysis_AAPL")
	if entry.Class != storage.ClassHot {
		t.Errorf("tracker must follow the promotion, got %s", entry.Class)
	}

	// The next read is a plain hot hit.
	res = f.router.Get(ctx, storage.ClassHot, "analysis_AAPL")
	if res.Meta.Routing.Promoted || res.Meta.Routing.RoutedClass != storage.ClassHot {
		t.Errorf("expected plain hot hit after promotion: %+v", res.Meta.Routing)
	}
}

func TestPutRecordsPlacement(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	res := f.router.Put(ctx, storage.ClassWarm, "job_status_1", []byte("running"), storage.Options{})
	if !res.Success {
		t.Fatalf("put failed: %s", res.Err)
	}
	r := res.Meta.Routing
	if r.RoutedClass != storage.ClassWarm || r.Size != 7 {
		t.Errorf("unexpected routing: %+v", r)
	}

	entry, _ := f.tracker.Get("job_status_1")
	if entry == nil || entry.Class != storage.ClassWarm || entry.Size != 7 {
		t.Errorf("unexpected tracker entry: %+v", entry)
	}
}

func TestPutFallbackSingleHop(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.hot.putErr = "kv unavailable"

	res := f.router.Put(ctx, storage.ClassHot, "k", []byte("v"), storage.Options{})
	if !res.Success {
		t.Fatalf("fallback write failed: %s", res.Err)
	}
	r := res.Meta.Routing
	if !r.FallbackWrite || r.RoutedClass != storage.ClassEphemeral {
		t.Fatalf("expected fallback to ephemeral: %+v", r)
	}
	if len(r.AdapterErrors) != 1 {
		t.Errorf("expected the primary failure recorded, got %v", r.AdapterErrors)
	}
	if !f.ephemeral.has("k") {
		t.Error("value must land in the fallback tier")
	}
}

func TestPutFallbackFailureIsTerminal(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.hot.putErr = "kv unavailable"
	f.ephemeral.putErr = "map full"

	res := f.router.Put(ctx, storage.ClassHot, "k", []byte("v"), storage.Options{})
	if res.Success {
		t.Fatal("expected failure when primary and fallback both fail")
	}
	if len(res.Meta.Routing.AdapterErrors) != 2 {
		t.Errorf("expected both failures recorded, got %v", res.Meta.Routing.AdapterErrors)
	}
	// Exactly one hop: cold was never tried.
	if f.cold.puts != 0 {
		t.Error("fallback must not cascade past one hop")
	}
}

func TestDualWrite(t *testing.T) {
	cfg := defaultRouterConfig()
	cfg.DualWrite = true
	cfg.DualWith = "cold_storage"
	f := newFixture(t, cfg)
	ctx := context.Background()

	res := f.router.Put(ctx, storage.ClassHot, "k", []byte("v"), storage.Options{})
	if !res.Success {
		t.Fatalf("dual write failed: %s", res.Err)
	}
	if !res.Meta.Routing.DualMode {
		t.Error("expected DualMode flag")
	}
	if !f.hot.has("k") || !f.cold.has("k") {
		t.Error("both legs must be written")
	}

	// One failed leg still succeeds overall.
	f.hot.putErr = "kv unavailable"
	res = f.router.Put(ctx, storage.ClassHot, "k2", []byte("v"), storage.Options{})
	if !res.Success {
		t.Fatalf("expected success with one live leg: %s", res.Err)
	}
	if res.Meta.Routing.RoutedClass != storage.ClassCold {
		t.Errorf("expected the surviving leg routed, got %s", res.Meta.Routing.RoutedClass)
	}
	if len(res.Meta.Routing.AdapterErrors) != 1 {
		t.Errorf("expected the dead leg recorded, got %v", res.Meta.Routing.AdapterErrors)
	}

	// Both legs down fails.
	f.cold.putErr = "db locked"
	res = f.router.Put(ctx, storage.ClassHot, "k3", []byte("v"), storage.Options{})
	if res.Success {
		t.Error("expected failure when both legs fail")
	}
}

func TestDeleteDropsTrackerEntry(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.router.Put(ctx, storage.ClassHot, "k", []byte("v"), storage.Options{})
	res := f.router.Delete(ctx, storage.ClassHot, "k")
	if !res.Success {
		t.Fatalf("delete failed: %s", res.Err)
	}

	entry, _ := f.tracker.Get("k")
	if entry != nil {
		t.Error("tracker entry must be dropped on delete")
	}
}

func TestDeleteFallback(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.hot.delErr = "kv unavailable"
	f.ephemeral.set("k", []byte("v"))

	res := f.router.Delete(ctx, storage.ClassHot, "k")
	if !res.Success || !res.Meta.Routing.FallbackDelete {
		t.Fatalf("expected fallback delete: %+v", res)
	}
	if f.ephemeral.has("k") {
		t.Error("fallback delete must remove the ephemeral copy")
	}
}

func TestExplicitDemoteMovesRecord(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.router.Put(ctx, storage.ClassHot, "k", []byte("v"), storage.Options{})

	res := f.router.Demote(ctx, "k", storage.ClassCold)
	if !res.Success {
		t.Fatalf("demote failed: %s", res.Err)
	}
	r := res.Meta.Routing
	if !r.Demoted || r.FromClass != storage.ClassHot || r.ToClass != storage.ClassCold {
		t.Errorf("unexpected routing: %+v", r)
	}
	if f.hot.has("k") {
		t.Error("demote must delete the source copy")
	}
	if !f.cold.has("k") {
		t.Error("demote must write the target copy")
	}
}

func TestExplicitPromoteKeepsSource(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	f.cold.set("k", []byte("v"))
	f.tracker.RecordWrite("k", storage.ClassCold, 1)

	res := f.router.Promote(ctx, "k", storage.ClassHot)
	if !res.Success {
		t.Fatalf("promote failed: %s", res.Err)
	}
	if !res.Meta.Routing.Promoted {
		t.Error("expected Promoted flag")
	}
	if !f.cold.has("k") {
		t.Error("promote keeps the source copy")
	}
	if !f.hot.has("k") {
		t.Error("promote must write the target copy")
	}
}

func TestDemoteToArchiveReportsSizes(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())
	ctx := context.Background()

	value := make([]byte, 1000)
	f.router.Put(ctx, storage.ClassWarm, "big", value, storage.Options{})

	res := f.router.Demote(ctx, "big", storage.ClassArchive)
	if !res.Success {
		t.Fatalf("demote failed: %s", res.Err)
	}
	r := res.Meta.Routing
	if r.OriginalSize != 1000 {
		t.Errorf("expected original size 1000, got %d", r.OriginalSize)
	}
	if r.CompressedSize != 500 {
		t.Errorf("expected compressed size from the adapter, got %d", r.CompressedSize)
	}
}

// backdate rewrites a tracker entry with an old LastAccess so the
// maintenance loop sees it as idle.
func backdate(t *testing.T, tr *Tracker, key string, entry AccessEntry, age time.Duration) {
	t.Helper()
	entry.LastAccess = time.Now().Add(-age)
	data, err := encodeEntry(&entry)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).Put([]byte(key), data)
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMaintenanceDemotesIdleKeys(t *testing.T) {
	cfg := defaultRouterConfig()
	cfg.DemoteAfter = config.Duration(time.Hour)
	cfg.ArchiveMinSize = config.ByteSize(100)
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.router.Put(ctx, storage.ClassHot, "small_idle", []byte("v"), storage.Options{})
	f.router.Put(ctx, storage.ClassHot, "big_idle", make([]byte, 200), storage.Options{})
	f.router.Put(ctx, storage.ClassHot, "fresh", []byte("v"), storage.Options{})

	backdate(t, f.tracker, "small_idle", AccessEntry{Class: storage.ClassHot, Size: 1}, 2*time.Hour)
	backdate(t, f.tracker, "big_idle", AccessEntry{Class: storage.ClassHot, Size: 200}, 2*time.Hour)

	if err := f.router.evaluate(ctx); err != nil {
		t.Fatal(err)
	}

	// Small idle values demote to cold, large ones to the archive.
	if f.hot.has("small_idle") || !f.cold.has("small_idle") {
		t.Error("small idle key must move to cold storage")
	}
	if f.hot.has("big_idle") || !f.archive.has("big_idle") {
		t.Error("large idle key must move to the archive")
	}
	if !f.hot.has("fresh") {
		t.Error("fresh key must stay hot")
	}

	entry, _ := f.tracker.Get("big_idle")
	if entry.Class != storage.ClassArchive {
		t.Errorf("tracker must follow the demotion, got %s", entry.Class)
	}
}

func TestRouterHealthAggregation(t *testing.T) {
	f := newFixture(t, defaultRouterConfig())

	h := f.router.HealthCheck(context.Background())
	if !h.Healthy {
		t.Errorf("expected healthy router, issues: %v", h.Issues)
	}

	stats := f.router.Stats()
	if len(stats) != 5 {
		t.Errorf("expected a snapshot per class, got %d", len(stats))
	}
}
