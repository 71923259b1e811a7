// Package router places records across the tier adapters: read
// fall-through, hit-count promotion, idle demotion, write fallback and
// dual-mode writes. It is the only component that sets Routing metadata
// on results.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/metrics"
	"github.com/finsight/tierstore/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readOrder is the fall-through sequence for cache-backed reads, hottest
// first. Ephemeral never participates: it only serves when explicitly
// routed or as the configured fallback target.
var readOrder = []storage.Class{
	storage.ClassHot,
	storage.ClassWarm,
	storage.ClassCold,
	storage.ClassArchive,
}

// Router holds one adapter per configured class.
type Router struct {
	adapters map[storage.Class]storage.Adapter
	cfg      config.RouterConfig
	tracker  *Tracker
	logger   *zap.Logger

	// mu serializes promotion and demotion moves so concurrent
	// maintenance and read-path promotion cannot race on one key.
	mu sync.Mutex
}

// NewRouter creates a router over the given adapters. Classes without an
// adapter are simply skipped during fall-through.
func NewRouter(adapters map[storage.Class]storage.Adapter, cfg config.RouterConfig, tracker *Tracker, logger *zap.Logger) *Router {
	return &Router{
		adapters: adapters,
		cfg:      cfg,
		tracker:  tracker,
		logger:   logger,
	}
}

// Adapters returns the configured adapters in read order, ephemeral last.
func (r *Router) Adapters() []storage.Adapter {
	var out []storage.Adapter
	for _, c := range readOrder {
		if a, ok := r.adapters[c]; ok {
			out = append(out, a)
		}
	}
	if a, ok := r.adapters[storage.ClassEphemeral]; ok {
		out = append(out, a)
	}
	return out
}

// readPath returns the classes to try for a read against class, primary
// first.
func (r *Router) readPath(class storage.Class) []storage.Class {
	if class == storage.ClassEphemeral {
		return []storage.Class{storage.ClassEphemeral}
	}
	path := []storage.Class{class}
	for _, c := range readOrder {
		if c != class {
			path = append(path, c)
		}
	}
	return path
}

func missingAdapter(class storage.Class) storage.Result {
	return storage.Result{
		Err: fmt.Sprintf("no adapter configured for class %q", class),
		Meta: storage.Meta{
			Timestamp: time.Now(),
			Class:     class,
		},
	}
}

// isHit reports whether a result carries data. The cache adapters encode
// a miss as a successful call with nil Data, so Success alone does not
// mean the value was found.
func isHit(res storage.Result) bool {
	return res.Success && res.Data != nil
}

func isMissErr(errMsg string) bool {
	return errMsg == storage.ErrKeyNotFound || errMsg == storage.ErrKeyExpired
}

// Get reads key from class, falling through colder tiers on a miss. A
// value served from a colder tier accumulates hits; once the count
// reaches promote_after_hits it is rewritten into the requested class.
func (r *Router) Get(ctx context.Context, class storage.Class, key string) storage.Result {
	routing := &storage.Routing{}
	var primaryRes *storage.Result

	for _, c := range r.readPath(class) {
		a, ok := r.adapters[c]
		if !ok {
			continue
		}

		res := a.Get(ctx, key)
		if c == class {
			primaryRes = &res
		}

		if isHit(res) {
			routing.RoutedClass = c
			routing.RoutedAdapter = a.Name()

			hits, err := r.tracker.RecordHit(key, c)
			if err != nil {
				r.logger.Warn("recording hit", zap.String("key", key), zap.Error(err))
			}
			if c != class && r.cfg.PromoteAfterHits > 0 && hits >= r.cfg.PromoteAfterHits {
				r.promoteOnRead(ctx, key, res.Data, c, class, routing)
			}

			res.Meta.Routing = routing
			return res
		}

		if res.Err != "" && !isMissErr(res.Err) {
			routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", c, res.Err))
		}
	}

	// Full miss: the requested class's own miss semantics win.
	if primaryRes == nil {
		res := missingAdapter(class)
		res.Meta.Routing = routing
		return res
	}
	routing.RoutedClass = class
	primaryRes.Meta.Routing = routing
	return *primaryRes
}

func (r *Router) promoteOnRead(ctx context.Context, key string, data []byte, from, to storage.Class, routing *storage.Routing) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.adapters[to]
	if !ok {
		return
	}

	put := target.Put(ctx, key, data, storage.Options{})
	if !put.Success {
		r.logger.Warn("promotion write failed",
			zap.String("key", key),
			zap.String("to", string(to)),
			zap.String("error", put.Err),
		)
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("promote %s: %s", to, put.Err))
		return
	}

	routing.Promoted = true
	routing.FromClass = from
	routing.ToClass = to

	if err := r.tracker.SetClass(key, to); err != nil {
		r.logger.Warn("updating tracker after promotion", zap.String("key", key), zap.Error(err))
	}
	metrics.PromotionOps.WithLabelValues(string(from), string(to)).Inc()
	r.logger.Info("record promoted",
		zap.String("key", key),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// Put writes key to class. On failure the write takes exactly one hop to
// the fallback class. With dual mode enabled, the primary and the
// configured secondary are written concurrently and the call succeeds
// when at least one leg does.
func (r *Router) Put(ctx context.Context, class storage.Class, key string, value []byte, opts storage.Options) storage.Result {
	routing := &storage.Routing{Size: int64(len(value))}

	primary, ok := r.adapters[class]
	if !ok {
		res := missingAdapter(class)
		res.Meta.Routing = routing
		return res
	}

	if r.cfg.DualWrite {
		if res, handled := r.dualPut(ctx, primary, class, key, value, opts, routing); handled {
			return res
		}
	}

	res := primary.Put(ctx, key, value, opts)
	if res.Success {
		routing.RoutedClass = class
		routing.RoutedAdapter = primary.Name()
		r.recordWrite(key, class, value)
		res.Meta.Routing = routing
		return res
	}

	routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", class, res.Err))

	fbClass := storage.Class(r.cfg.FallbackClass)
	fb, haveFallback := r.adapters[fbClass]
	if !haveFallback || fbClass == class {
		res.Meta.Routing = routing
		return res
	}

	fres := fb.Put(ctx, key, value, opts)
	if fres.Success {
		routing.FallbackWrite = true
		routing.RoutedClass = fbClass
		routing.RoutedAdapter = fb.Name()
		r.recordWrite(key, fbClass, value)
		metrics.FallbackOps.WithLabelValues("put", string(class), string(fbClass)).Inc()
		r.logger.Warn("write fell back",
			zap.String("key", key),
			zap.String("from", string(class)),
			zap.String("to", string(fbClass)),
		)
	} else {
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", fbClass, fres.Err))
	}
	fres.Meta.Routing = routing
	return fres
}

// dualPut writes both legs concurrently. Returns handled=false when the
// configured secondary is unavailable or equals the primary, in which
// case the caller runs the plain single-write path.
func (r *Router) dualPut(ctx context.Context, primary storage.Adapter, class storage.Class, key string, value []byte, opts storage.Options, routing *storage.Routing) (storage.Result, bool) {
	dualClass := storage.Class(r.cfg.DualWith)
	secondary, ok := r.adapters[dualClass]
	if !ok || dualClass == class {
		return storage.Result{}, false
	}

	routing.DualMode = true

	var pres, sres storage.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pres = primary.Put(gctx, key, value, opts)
		return nil
	})
	g.Go(func() error {
		sres = secondary.Put(gctx, key, value, opts)
		return nil
	})
	g.Wait()

	if !pres.Success {
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", class, pres.Err))
	}
	if !sres.Success {
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", dualClass, sres.Err))
	}

	base := pres
	routing.RoutedClass = class
	routing.RoutedAdapter = primary.Name()
	if !pres.Success && sres.Success {
		base = sres
		routing.RoutedClass = dualClass
		routing.RoutedAdapter = secondary.Name()
	}
	base.Success = pres.Success || sres.Success

	if base.Success {
		r.recordWrite(key, routing.RoutedClass, value)
	}
	base.Meta.Routing = routing
	return base, true
}

func (r *Router) recordWrite(key string, class storage.Class, value []byte) {
	if err := r.tracker.RecordWrite(key, class, int64(len(value))); err != nil {
		r.logger.Warn("recording write", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key from class, with one fallback hop on failure. The
// tracker entry is dropped on any successful delete.
func (r *Router) Delete(ctx context.Context, class storage.Class, key string) storage.Result {
	routing := &storage.Routing{}

	primary, ok := r.adapters[class]
	if !ok {
		res := missingAdapter(class)
		res.Meta.Routing = routing
		return res
	}

	res := primary.Delete(ctx, key)
	if res.Success {
		routing.RoutedClass = class
		routing.RoutedAdapter = primary.Name()
		r.forget(key)
		res.Meta.Routing = routing
		return res
	}

	routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", class, res.Err))

	fbClass := storage.Class(r.cfg.FallbackClass)
	fb, haveFallback := r.adapters[fbClass]
	if !haveFallback || fbClass == class {
		res.Meta.Routing = routing
		return res
	}

	fres := fb.Delete(ctx, key)
	if fres.Success {
		routing.FallbackDelete = true
		routing.RoutedClass = fbClass
		routing.RoutedAdapter = fb.Name()
		r.forget(key)
		metrics.FallbackOps.WithLabelValues("delete", string(class), string(fbClass)).Inc()
	} else {
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", fbClass, fres.Err))
	}
	fres.Meta.Routing = routing
	return fres
}

func (r *Router) forget(key string) {
	if err := r.tracker.Delete(key); err != nil {
		r.logger.Warn("dropping tracker entry", zap.String("key", key), zap.Error(err))
	}
}

// List delegates to the class's adapter; listings never fall through.
func (r *Router) List(ctx context.Context, class storage.Class, opts storage.ListOptions) storage.KeysResult {
	a, ok := r.adapters[class]
	if !ok {
		res := missingAdapter(class)
		return storage.KeysResult{Err: res.Err, Meta: res.Meta}
	}
	return a.List(ctx, opts)
}

// Promote copies key into class from wherever it currently lives. The
// source copy is kept; placement tracking moves to the target.
func (r *Router) Promote(ctx context.Context, key string, to storage.Class) storage.Result {
	return r.move(ctx, key, to, false)
}

// Demote moves key into class and deletes the source copy.
func (r *Router) Demote(ctx context.Context, key string, to storage.Class) storage.Result {
	return r.move(ctx, key, to, true)
}

func (r *Router) move(ctx context.Context, key string, to storage.Class, deleteSource bool) storage.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	routing := &storage.Routing{}

	target, ok := r.adapters[to]
	if !ok {
		res := missingAdapter(to)
		res.Meta.Routing = routing
		return res
	}

	from, src, res := r.locate(ctx, key)
	if src == nil {
		res.Meta.Routing = routing
		return res
	}
	routing.FromClass = from
	routing.ToClass = to
	routing.Size = int64(len(res.Data))

	if from == to {
		res.Meta.Routing = routing
		return res
	}

	put := target.Put(ctx, key, res.Data, storage.Options{})
	if !put.Success {
		put.Meta.Routing = routing
		routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", to, put.Err))
		return put
	}

	if to == storage.ClassArchive {
		routing.OriginalSize = int64(len(res.Data))
		routing.CompressedSize = put.Affected
		metrics.ArchivedBytes.WithLabelValues("original").Add(float64(routing.OriginalSize))
		metrics.ArchivedBytes.WithLabelValues("compressed").Add(float64(routing.CompressedSize))
	}

	if deleteSource {
		if del := src.Delete(ctx, key); !del.Success {
			r.logger.Warn("deleting source copy after move",
				zap.String("key", key),
				zap.String("from", string(from)),
				zap.String("error", del.Err),
			)
			routing.AdapterErrors = append(routing.AdapterErrors, fmt.Sprintf("%s: %s", from, del.Err))
		}
		routing.Demoted = true
		metrics.DemotionOps.WithLabelValues(string(from), string(to)).Inc()
		r.logger.Info("record demoted",
			zap.String("key", key),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	} else {
		routing.Promoted = true
		metrics.PromotionOps.WithLabelValues(string(from), string(to)).Inc()
		r.logger.Info("record promoted",
			zap.String("key", key),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}

	if err := r.tracker.SetClass(key, to); err != nil {
		r.logger.Warn("updating tracker after move", zap.String("key", key), zap.Error(err))
	}

	put.Meta.Routing = routing
	put.Data = nil
	return put
}

// locate finds the adapter currently holding key, consulting the tracker
// first and falling back to a scan of the read order.
func (r *Router) locate(ctx context.Context, key string) (storage.Class, storage.Adapter, storage.Result) {
	if entry, err := r.tracker.Get(key); err == nil && entry != nil {
		if a, ok := r.adapters[entry.Class]; ok {
			if res := a.Get(ctx, key); isHit(res) {
				return entry.Class, a, res
			}
		}
	}

	for _, c := range readOrder {
		a, ok := r.adapters[c]
		if !ok {
			continue
		}
		if res := a.Get(ctx, key); isHit(res) {
			return c, a, res
		}
	}
	if a, ok := r.adapters[storage.ClassEphemeral]; ok {
		if res := a.Get(ctx, key); isHit(res) {
			return storage.ClassEphemeral, a, res
		}
	}

	return "", nil, storage.Result{
		Err:  storage.ErrKeyNotFound,
		Meta: storage.Meta{Timestamp: time.Now()},
	}
}

// Run drives the maintenance loop: every eval_interval, keys idle past
// demote_after move out of the cache tiers. Large values go to the
// archive when one is configured; everything else goes to cold storage.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.EvalInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.evaluate(ctx); err != nil {
				r.logger.Error("demotion cycle error", zap.Error(err))
			}
		}
	}
}

func (r *Router) evaluate(ctx context.Context) error {
	entries, err := r.tracker.List()
	if err != nil {
		return fmt.Errorf("listing tracker entries: %w", err)
	}

	for _, cand := range demotionCandidates(entries, r.cfg.DemoteAfter.Duration(), time.Now()) {
		to := r.demotionTarget(cand.Entry)
		if to == "" {
			continue
		}
		if res := r.Demote(ctx, cand.Key, to); !res.Success {
			r.logger.Warn("idle demotion failed",
				zap.String("key", cand.Key),
				zap.String("to", string(to)),
				zap.String("error", res.Err),
			)
		}
	}
	return nil
}

func (r *Router) demotionTarget(entry AccessEntry) storage.Class {
	if _, ok := r.adapters[storage.ClassArchive]; ok {
		if min := int64(r.cfg.ArchiveMinSize); min > 0 && entry.Size >= min {
			return storage.ClassArchive
		}
	}
	if _, ok := r.adapters[storage.ClassCold]; ok {
		return storage.ClassCold
	}
	return ""
}

// Stats returns a snapshot per configured class.
func (r *Router) Stats() map[storage.Class]storage.Stats {
	out := make(map[storage.Class]storage.Stats, len(r.adapters))
	for c, a := range r.adapters {
		out[c] = a.Stats()
	}
	return out
}

// HealthCheck aggregates every adapter's probe plus the tracker.
func (r *Router) HealthCheck(ctx context.Context) storage.Health {
	agg := storage.Health{Healthy: true}
	for c, a := range r.adapters {
		h := a.HealthCheck(ctx)
		if h.Healthy {
			continue
		}
		agg.Healthy = false
		for _, issue := range h.Issues {
			agg.Issues = append(agg.Issues, fmt.Sprintf("%s: %s", c, issue))
		}
	}
	if err := r.tracker.Ping(); err != nil {
		agg.Healthy = false
		agg.Issues = append(agg.Issues, "tracker: "+err.Error())
	}
	return agg
}

// Close closes every adapter and the tracker.
func (r *Router) Close() error {
	var firstErr error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.tracker.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
