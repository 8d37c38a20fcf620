// Package indexcache keeps one in-memory nearest-neighbour index per tenant
// in step with the durable record store.
//
// Every tenant owns an entry holding an optional [kdtree.Tree] and a binary
// semaphore. Store writes happen outside that lock, so concurrent writers of
// one tenant all reach the store; their cache updates are then serialised by
// the lock. A single-record insert appends to the tree. Every other mutation
// rebuilds the tree from a fresh [store.Store.FetchAll].
//
// A durable store write is the success criterion of an operation. The cache
// update that follows runs detached from the caller's cancellation, and a
// rebuild that fails is retried by a background repair loop until the entry
// matches the store again.
package indexcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/bcj/internal/observe"
	"github.com/MrWong99/bcj/pkg/kdtree"
	"github.com/MrWong99/bcj/pkg/provider/embeddings"
	"github.com/MrWong99/bcj/pkg/store"
)

// Neighbor is one query result: a record id and its Euclidean distance from
// the query text's embedding.
type Neighbor = kdtree.Neighbor

// Default option values.
const (
	DefaultWarmConcurrency = 4
	DefaultRepairInterval  = 30 * time.Second
)

// relistBackoff is the first retry delay after the tenant list could not be
// read. It doubles per attempt up to the repair interval.
var relistBackoff = 250 * time.Millisecond

// ErrWarmPending is reported by [Manager.Ready] while the tenant list of a
// failed warm-up has not been read yet.
var ErrWarmPending = errors.New("indexcache: tenant list not loaded")

// Options tunes a [Manager]. Zero values select the defaults.
type Options struct {
	// WarmConcurrency bounds the number of tenants rebuilt in parallel by Warm.
	WarmConcurrency int

	// RepairInterval is the period of the stale-entry repair loop.
	RepairInterval time.Duration

	// MaxK caps the number of neighbours a query returns. Zero means no cap
	// beyond the tenant's record count.
	MaxK int
}

// entry is the cache state of one tenant. tree and stale are guarded by
// sem.
type entry struct {
	tenant int64
	sem    *semaphore.Weighted

	tree  *kdtree.Tree
	stale bool

	// version is bumped whenever tree is replaced. It is read without the
	// lock to detect cache updates that raced with a store write.
	version atomic.Uint64
}

func newEntry(tenant int64) *entry {
	return &entry{tenant: tenant, sem: semaphore.NewWeighted(1)}
}

func (e *entry) lock(ctx context.Context) error {
	return e.sem.Acquire(ctx, 1)
}

func (e *entry) unlock() {
	e.sem.Release(1)
}

// Manager is the single entry point for tenant-scoped operations. All
// exported methods are safe for concurrent use.
type Manager struct {
	store    store.Store
	embedder embeddings.Provider
	metrics  *observe.Metrics
	opts     Options

	mu      sync.RWMutex
	entries map[int64]*entry

	repairEvery atomic.Int64
	kick        chan struct{}

	// relist is set while Warm could not read the tenant list. The repair
	// loop retries the listing until it succeeds.
	relist atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Manager and starts its repair loop. A nil metrics selects
// [observe.DefaultMetrics]. Call [Manager.Close] to stop the loop.
func New(st store.Store, embedder embeddings.Provider, metrics *observe.Metrics, opts Options) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if opts.WarmConcurrency <= 0 {
		opts.WarmConcurrency = DefaultWarmConcurrency
	}
	if opts.RepairInterval <= 0 {
		opts.RepairInterval = DefaultRepairInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    st,
		embedder: embedder,
		metrics:  metrics,
		opts:     opts,
		entries:  make(map[int64]*entry),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.repairEvery.Store(int64(opts.RepairInterval))
	go m.repairLoop()
	return m
}

// Close stops the repair loop and waits for it to exit. It does not close
// the store. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
	})
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Tenant resolution
// ─────────────────────────────────────────────────────────────────────────────

// authenticate returns the entry of an existing tenant.
func (m *Manager) authenticate(tenant int64) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[tenant]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTenant, tenant)
	}
	return e, nil
}

// getOrCreate returns the entry of tenant, registering the tenant in the
// store first if the cache does not know it. Losing a registration race is
// success. A tenant that was already registered may hold records this
// process has never loaded, so its fresh entry starts out stale.
func (m *Manager) getOrCreate(ctx context.Context, tenant int64) (*entry, error) {
	if e, err := m.authenticate(tenant); err == nil {
		return e, nil
	}

	stale := false
	if err := m.store.RegisterTenant(ctx, tenant); err != nil {
		if !errors.Is(err, store.ErrDuplicateTenant) {
			return nil, fmt.Errorf("indexcache: register tenant %d: %w", tenant, err)
		}
		stale = true
	}
	return m.addEntry(tenant, stale), nil
}

// addEntry installs an entry for tenant unless one exists and returns the
// installed entry.
func (m *Manager) addEntry(tenant int64, stale bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[tenant]; ok {
		return e
	}
	e := newEntry(tenant)
	m.entries[tenant] = e
	m.metrics.Tenants.Add(m.ctx, 1)
	if stale {
		// Nobody else can see e yet, so the lock is not needed.
		m.markStale(e)
	}
	return e
}

// ─────────────────────────────────────────────────────────────────────────────
// Cache maintenance
// ─────────────────────────────────────────────────────────────────────────────

// setTree replaces the tenant's tree. Callers hold e's lock.
func (m *Manager) setTree(e *entry, tree *kdtree.Tree) {
	var before, after int
	if e.tree != nil {
		before = e.tree.Len()
	}
	if tree != nil {
		after = tree.Len()
	}
	e.tree = tree
	e.version.Add(1)
	if delta := after - before; delta != 0 {
		m.metrics.IndexPoints.Add(m.ctx, int64(delta))
	}
}

func (m *Manager) markStale(e *entry) {
	if !e.stale {
		e.stale = true
		m.metrics.StaleTenants.Add(m.ctx, 1)
	}
}

func (m *Manager) clearStale(e *entry) {
	if e.stale {
		e.stale = false
		m.metrics.StaleTenants.Add(m.ctx, -1)
	}
}

// rebuildLocked replaces e's tree with one built from a fresh store read.
// Callers hold e's lock. On failure the entry keeps its current tree and is
// marked stale for the repair loop.
func (m *Manager) rebuildLocked(ctx context.Context, e *entry, reason string) error {
	tree, err := m.load(ctx, e.tenant)
	if err != nil {
		m.markStale(e)
		m.metrics.RecordRebuild(ctx, reason, "error")
		return err
	}
	m.setTree(e, tree)
	m.clearStale(e)
	m.metrics.RecordRebuild(ctx, reason, "ok")
	return nil
}

// load reads every record of tenant and builds a tree over them. A tenant
// without records yields a nil tree.
func (m *Manager) load(ctx context.Context, tenant int64) (*kdtree.Tree, error) {
	rows, err := m.store.FetchAll(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("indexcache: fetch tenant %d: %w", tenant, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(rows))
	vecs := make([][]float32, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		vecs[i] = r.Embedding
	}
	tree, err := kdtree.Build(ids, vecs)
	if err != nil {
		return nil, fmt.Errorf("indexcache: build tenant %d: %w", tenant, err)
	}
	return tree, nil
}

// refresh rebuilds e after a durable store write. It ignores the caller's
// cancellation: the write already happened and the cache must follow it.
func (m *Manager) refresh(ctx context.Context, e *entry, reason string) {
	ctx = context.WithoutCancel(ctx)
	// Acquire cannot fail on a context without cancellation.
	_ = e.lock(ctx)
	defer e.unlock()
	if err := m.rebuildLocked(ctx, e, reason); err != nil {
		observe.Logger(ctx).Warn("index rebuild failed, scheduled for repair",
			"tenant", e.tenant, "reason", reason, "err", err)
		m.nudge()
	}
}

// appendAfterWrite adds one freshly stored record to e. seen is e's version
// read before the store write; if the tree was replaced since, that
// replacement may already include the record, so the append falls back to a
// rebuild.
func (m *Manager) appendAfterWrite(ctx context.Context, e *entry, seen uint64, id int64, vec []float32) {
	ctx = context.WithoutCancel(ctx)
	_ = e.lock(ctx)
	defer e.unlock()

	if e.stale || e.version.Load() != seen || (e.tree != nil && e.tree.Contains(id)) {
		if err := m.rebuildLocked(ctx, e, "append_conflict"); err != nil {
			observe.Logger(ctx).Warn("index rebuild failed, scheduled for repair",
				"tenant", e.tenant, "reason", "append_conflict", "err", err)
			m.nudge()
		}
		return
	}

	var (
		tree *kdtree.Tree
		err  error
	)
	if e.tree == nil {
		tree, err = kdtree.Build([]int64{id}, [][]float32{vec})
	} else {
		tree, err = e.tree.Append(vec, id)
	}
	if err != nil {
		observe.Logger(ctx).Warn("index append failed, rebuilding",
			"tenant", e.tenant, "id", id, "err", err)
		if err := m.rebuildLocked(ctx, e, "append_error"); err != nil {
			m.nudge()
		}
		return
	}
	m.setTree(e, tree)
	m.metrics.IndexAppends.Add(ctx, 1)
}

// ─────────────────────────────────────────────────────────────────────────────
// Warm-up and repair
// ─────────────────────────────────────────────────────────────────────────────

// Warm loads every tenant registered in the store and builds its index.
//
// Entries are installed stale before their rebuild starts, so a tenant that
// Warm does not finish, because its rebuild failed or ctx ended, is picked
// up by the repair loop. If the tenant list itself cannot be read, the
// repair loop retries the listing with backoff and [Manager.Ready] fails
// until it succeeds.
func (m *Manager) Warm(ctx context.Context) error {
	start := time.Now()
	pending, err := m.discover(ctx)
	if err != nil {
		m.relist.Store(true)
		m.nudge()
		return fmt.Errorf("indexcache: warm: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.WarmConcurrency)
	var failed atomic.Int64
	for _, e := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := e.lock(gctx); err != nil {
				return err
			}
			defer e.unlock()
			if !e.stale {
				// Rebuilt by a writer or the repair loop in the meantime.
				return nil
			}
			if err := m.rebuildLocked(gctx, e, "warm"); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				observe.Logger(ctx).Warn("warm: tenant rebuild failed", "tenant", e.tenant, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.nudge()
		return fmt.Errorf("indexcache: warm: %w", err)
	}
	observe.Logger(ctx).Info("index cache warmed",
		"tenants", len(pending),
		"failed", failed.Load(),
		"duration", time.Since(start),
	)
	if failed.Load() > 0 {
		m.nudge()
	}
	return nil
}

// discover reads the tenant list and installs a stale entry for every
// tenant the cache does not know yet. It returns the new entries.
func (m *Manager) discover(ctx context.Context) ([]*entry, error) {
	tenants, err := m.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var added []*entry
	for _, tenant := range tenants {
		m.mu.RLock()
		_, known := m.entries[tenant]
		m.mu.RUnlock()
		if !known {
			added = append(added, m.addEntry(tenant, true))
		}
	}
	return added, nil
}

// Ready returns [ErrWarmPending] while a failed tenant listing awaits retry.
func (m *Manager) Ready() error {
	if m.relist.Load() {
		return ErrWarmPending
	}
	return nil
}

// SetRepairInterval changes the period of the repair loop. Non-positive
// values are ignored.
func (m *Manager) SetRepairInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(m.repairEvery.Swap(int64(d))) != d {
		m.nudge()
	}
}

// nudge wakes the repair loop so it re-arms its timer.
func (m *Manager) nudge() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) repairLoop() {
	defer close(m.done)

	// retry backs off the tenant listing while relist is set.
	var retry time.Duration
	next := func() time.Duration {
		every := time.Duration(m.repairEvery.Load())
		if !m.relist.Load() {
			retry = 0
			return every
		}
		retry = max(relistBackoff, 2*retry)
		return min(retry, every)
	}

	timer := time.NewTimer(next())
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			timer.Reset(next())
		case <-timer.C:
			if n, err := m.RepairStale(m.ctx); err != nil && m.ctx.Err() == nil {
				observe.Logger(m.ctx).Warn("index repair incomplete", "repaired", n, "err", err)
			} else if n > 0 {
				observe.Logger(m.ctx).Info("index repair complete", "repaired", n)
			}
			timer.Reset(next())
		}
	}
}

// RepairStale rebuilds every stale tenant entry once and returns how many
// were repaired. If a warm-up could not read the tenant list, the listing is
// retried first. Failures are joined into the returned error; the affected
// entries stay stale.
func (m *Manager) RepairStale(ctx context.Context) (int, error) {
	var (
		errs   []error
		listed bool
	)
	if m.relist.Load() {
		if _, err := m.discover(ctx); err != nil {
			errs = append(errs, fmt.Errorf("indexcache: repair: %w", err))
		} else {
			listed = true
		}
	}

	m.mu.RLock()
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.RUnlock()

	var repaired int
	for _, e := range all {
		if err := e.lock(ctx); err != nil {
			return repaired, err
		}
		if e.stale {
			if err := m.rebuildLocked(ctx, e, "repair"); err != nil {
				errs = append(errs, err)
			} else {
				repaired++
			}
		}
		e.unlock()
	}
	if listed {
		// Ready only after the discovered tenants had their first rebuild.
		m.relist.Store(false)
		observe.Logger(ctx).Info("tenant list loaded after failed warm-up", "repaired", repaired)
	}
	return repaired, errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Introspection
// ─────────────────────────────────────────────────────────────────────────────

// Tenants returns every tenant known to the cache in ascending order.
func (m *Manager) Tenants() []int64 {
	m.mu.RLock()
	out := make([]int64, 0, len(m.entries))
	for t := range m.entries {
		out = append(out, t)
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out
}

// snapshot returns the tenant's current tree and stale flag.
func (m *Manager) snapshot(ctx context.Context, tenant int64) (*kdtree.Tree, bool, error) {
	e, err := m.authenticate(tenant)
	if err != nil {
		return nil, false, err
	}
	if err := e.lock(ctx); err != nil {
		return nil, false, err
	}
	defer e.unlock()
	return e.tree, e.stale, nil
}

// IndexSize returns the number of points in the tenant's index. It is zero
// when the tenant has no index.
func (m *Manager) IndexSize(ctx context.Context, tenant int64) (int, error) {
	tree, _, err := m.snapshot(ctx, tenant)
	if err != nil || tree == nil {
		return 0, err
	}
	return tree.Len(), nil
}

// IndexIDs returns the ids held by the tenant's index in ascending order.
func (m *Manager) IndexIDs(ctx context.Context, tenant int64) ([]int64, error) {
	tree, _, err := m.snapshot(ctx, tenant)
	if err != nil || tree == nil {
		return nil, err
	}
	return tree.IDs(), nil
}

// Stale reports whether the tenant's index is waiting for repair.
func (m *Manager) Stale(ctx context.Context, tenant int64) (bool, error) {
	_, stale, err := m.snapshot(ctx, tenant)
	return stale, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Instrumentation
// ─────────────────────────────────────────────────────────────────────────────

// begin starts the span and timer of one operation. The returned function
// ends both and must be called with the operation's final error.
func (m *Manager) begin(ctx context.Context, op string, tenant int64) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := observe.StartTenantSpan(ctx, op, tenant)
	return ctx, func(err error) {
		reason := reasonOf(err)
		if err != nil {
			span.RecordError(err)
			if StatusOf(err) == StatusInternal {
				span.SetStatus(codes.Error, err.Error())
				observe.Logger(ctx).Error("operation failed",
					"op", op, "tenant", tenant, "err", err)
			}
		}
		span.End()
		m.metrics.RecordOperation(ctx, op, reason, time.Since(start))
	}
}

// embed computes one embedding and records its latency.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := m.embedder.Embed(ctx, text)
	m.metrics.RecordEmbedding(ctx, "single", embedStatus(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("indexcache: embed: %w", err)
	}
	return vec, nil
}

// embedBatch computes embeddings for texts and records the call's latency.
func (m *Manager) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	m.metrics.RecordEmbedding(ctx, "batch", embedStatus(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("indexcache: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("indexcache: embed batch: provider returned %d vectors for %d texts",
			len(vecs), len(texts))
	}
	return vecs, nil
}

func embedStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, embeddings.ErrMalformedInput):
		return "malformed_input"
	default:
		return "error"
	}
}
