// Package index manages the lifecycle of per-index write and read handles.
//
// A Registry caches, for every index name, the open directory, at most one
// Writer and a ReaderView. Operations on one index are serialised by that
// index's mutex; operations on different indexes run in parallel. Any
// failing operation invalidates the cached Writer before its error is
// returned, so a writer that has seen a fault is never used to flush.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
	"github.com/Aman-CERP/gsindex/internal/store"
)

const (
	// DefaultMaxConcurrentMerges bounds force merges running at once
	// across all indexes.
	DefaultMaxConcurrentMerges = 1

	// DefaultMaxOpenIndexes bounds idle indexes whose directory stays open.
	DefaultMaxOpenIndexes = config.DefaultMaxOpenIndexes

	// DefaultBrowsePageSize is the page size BrowseTerms uses when none is given.
	DefaultBrowsePageSize = 50

	// closeConcurrency bounds how many indexes Close tears down at once.
	closeConcurrency = 8
)

// Operation names, as they appear in errors, logs and metrics.
const (
	opUpsert   = "upsert"
	opDelete   = "delete"
	opMerge    = "force_merge"
	opCommit   = "commit"
	opRecreate = "recreate"
	opCount    = "count"
	opDocument = "document"
	opBrowse   = "browse"
	opUpdate   = "update"
	opClose    = "close"
)

// ConfigSource resolves the configuration snapshot of an index.
// Both *config.Config and *config.Live satisfy it.
type ConfigSource interface {
	IndexConfig(name string) (config.IndexConfig, error)
}

// Changes is a set of mutations applied by Update. Deletes are applied
// before upserts, so a key in both ends up present. An existing key in
// both is reported as one deletion and one insertion, not as an update.
type Changes struct {
	Upserts []store.Document
	Deletes []string
}

// UpdateSummary reports what an Update did, from document counts taken
// before and after it.
type UpdateSummary struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	DocCount int `json:"doc_count"`
}

// entry is the cached state of one index.
type entry struct {
	mu     sync.Mutex
	name   string
	cfg    config.IndexConfig // snapshot dir was opened with
	dir    store.Directory
	writer *Writer
	view   ReaderView

	// writing mirrors writer != nil for readers that do not hold mu.
	writing atomic.Bool
}

func (e *entry) setWriter(w *Writer) {
	e.writer = w
	e.writing.Store(w != nil)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolver sets the directory resolver, e.g. one with extra backends
// registered. The default is store.NewResolver.
func WithResolver(resolver *store.Resolver) Option {
	return func(r *Registry) {
		if resolver != nil {
			r.resolver = resolver
		}
	}
}

// WithRetryBudget sets how many attempts DeleteByKey and Update make
// against stale state before giving up.
func WithRetryBudget(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retryBudget = n
		}
	}
}

// WithMaxConcurrentMerges bounds concurrent force merges.
func WithMaxConcurrentMerges(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.mergeLimit = int64(n)
		}
	}
}

// WithMaxOpenIndexes bounds how many indexes keep their directory open.
// Past the limit the least recently used idle directory is closed; it is
// reopened on next use. Indexes with an open writer are never closed this
// way, so they may push the number of open directories past the limit.
func WithMaxOpenIndexes(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxOpen = n
		}
	}
}

// Registry is the process-scoped cache of index handles. Create one with
// NewRegistry and tear it down with Close.
type Registry struct {
	source      ConfigSource
	resolver    *store.Resolver
	logger      *slog.Logger
	metrics     *registryMetrics
	merges      *semaphore.Weighted
	mergeLimit  int64
	retryBudget int
	maxOpen     int

	mu      sync.RWMutex // held shared by operations, exclusively by Close
	closed  bool
	entries *xsync.MapOf[string, *entry]
	open    *lru.Cache[string, *entry] // entries with an open directory, by recency
}

// NewRegistry creates a registry resolving index configuration from source.
func NewRegistry(source ConfigSource, opts ...Option) *Registry {
	r := &Registry{
		source:      source,
		logger:      slog.Default(),
		metrics:     newRegistryMetrics(),
		mergeLimit:  DefaultMaxConcurrentMerges,
		retryBudget: gserrors.DefaultStaleRetryBudget,
		maxOpen:     DefaultMaxOpenIndexes,
		entries:     xsync.NewMapOf[string, *entry](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.resolver == nil {
		r.resolver = store.NewResolver(r.logger)
	}
	r.merges = semaphore.NewWeighted(r.mergeLimit)
	r.open, _ = lru.NewWithEvict[string, *entry](r.maxOpen, r.evictIdle)
	return r
}

// Upsert replaces every document with doc.Key by doc. With commitNow the
// change is committed and the writer closed before Upsert returns.
func (r *Registry) Upsert(ctx context.Context, name string, doc store.Document, commitNow bool) error {
	doc, err := r.prepareDocument(name, doc)
	if err != nil {
		return gserrors.Op(name, opUpsert, err)
	}
	return r.do(name, opUpsert, func(e *entry) error {
		w, err := r.writer(ctx, e, store.ModeCreateOrAppend)
		if err != nil {
			return err
		}
		w.Upsert(doc)
		return r.settle(ctx, e, w, commitNow)
	})
}

// DeleteByKey removes every document whose key is key. It retries against
// stale reader state up to the retry budget.
func (r *Registry) DeleteByKey(ctx context.Context, name, key string, commitNow bool) error {
	if key == "" {
		return gserrors.Op(name, opDelete, gserrors.ConfigError("document key is empty", nil))
	}
	return r.do(name, opDelete, func(e *entry) error {
		if _, err := r.view(ctx, e); err != nil {
			return err
		}
		return r.staleRetry(e).Do(ctx, func(ctx context.Context) error {
			w, err := r.writer(ctx, e, store.ModeCreateOrAppend)
			if err != nil {
				return err
			}
			stale, err := e.view.Stale(ctx, e.dir)
			if err != nil {
				return err
			}
			if stale {
				return gserrors.StaleError("reader view is behind the last commit")
			}
			w.Delete(key)
			return r.settle(ctx, e, w, commitNow)
		})
	})
}

// ForceMerge commits pending mutations, consolidates the index into as few
// segments as the backend allows, and closes the writer. Backends that
// cannot merge skip that step.
func (r *Registry) ForceMerge(ctx context.Context, name string) error {
	if err := r.merges.Acquire(ctx, 1); err != nil {
		return gserrors.Op(name, opMerge, err)
	}
	defer r.merges.Release(1)

	return r.do(name, opMerge, func(e *entry) error {
		w, err := r.writer(ctx, e, store.ModeCreateOrAppend)
		if err != nil {
			return err
		}
		if err := w.Commit(ctx); err != nil {
			return err
		}
		if err := e.view.Release(); err != nil {
			return err
		}

		merger, ok := e.dir.(store.Merger)
		if !ok {
			r.logger.Debug("force_merge_unsupported",
				slog.String("index", e.name),
				slog.String("backend", e.dir.Backend()))
			return r.closeWriter(ctx, e)
		}
		start := time.Now()
		if err := merger.ForceMerge(ctx); err != nil {
			return err
		}
		r.logger.Info("force_merge_completed",
			slog.String("index", e.name),
			slog.Duration("took", time.Since(start)))
		return r.closeWriter(ctx, e)
	})
}

// Commit applies pending mutations durably. Without an open writer, or
// with nothing pending, it does nothing.
func (r *Registry) Commit(ctx context.Context, name string) error {
	return r.do(name, opCommit, func(e *entry) error {
		if e.writer == nil {
			return nil
		}
		return e.writer.Commit(ctx)
	})
}

// RecreateEmpty discards the index content and leaves an empty, unlocked
// index in its place.
func (r *Registry) RecreateEmpty(ctx context.Context, name string) error {
	return r.do(name, opRecreate, func(e *entry) error {
		if err := r.closeWriter(ctx, e); err != nil {
			return err
		}
		if err := r.closeDirectory(e); err != nil {
			return err
		}
		if _, err := r.writer(ctx, e, store.ModeCreate); err != nil {
			return err
		}
		if err := r.closeWriter(ctx, e); err != nil {
			return err
		}
		r.logger.Info("index_recreated",
			slog.String("index", e.name),
			slog.String("path", e.dir.Path()))
		return nil
	})
}

// CurrentDocumentCount returns the number of committed documents.
func (r *Registry) CurrentDocumentCount(ctx context.Context, name string) (int, error) {
	var n int
	err := r.do(name, opCount, func(e *entry) error {
		v, err := r.view(ctx, e)
		if err != nil {
			return err
		}
		n = v.Count()
		return nil
	})
	return n, err
}

// Document returns the committed document stored under key.
func (r *Registry) Document(ctx context.Context, name, key string) (store.Document, bool, error) {
	var (
		doc   store.Document
		found bool
	)
	err := r.do(name, opDocument, func(e *entry) error {
		v, err := r.view(ctx, e)
		if err != nil {
			return err
		}
		doc, found, err = v.Snapshot().Document(ctx, key)
		return err
	})
	return doc, found, err
}

// BrowseTerms returns the indexed field names of the index and a page of
// the term dictionary of field, starting at startTerm. With an empty field
// only the field names are returned.
func (r *Registry) BrowseTerms(ctx context.Context, name, field, startTerm string, pageSize int) (*store.TermPage, error) {
	if pageSize <= 0 {
		pageSize = DefaultBrowsePageSize
	}
	var page *store.TermPage
	err := r.do(name, opBrowse, func(e *entry) error {
		v, err := r.view(ctx, e)
		if err != nil {
			return err
		}
		snap := v.Snapshot()
		fields, err := snap.Fields(ctx)
		if err != nil {
			return err
		}
		page = &store.TermPage{Fields: fields, Field: field, Start: startTerm, Terms: []store.TermFreq{}}
		if field == "" {
			return nil
		}
		terms, total, err := snap.Terms(ctx, field, startTerm, pageSize)
		if err != nil {
			return err
		}
		if terms != nil {
			page.Terms = terms
		}
		page.Total = total
		return nil
	})
	return page, err
}

// Update applies changes as one unit, commits and closes the writer, and
// reports how many documents were inserted, updated and deleted. Buffer
// thresholds still flush during a large update when a buffer size is
// configured.
func (r *Registry) Update(ctx context.Context, name string, changes Changes) (UpdateSummary, error) {
	docs := make([]store.Document, 0, len(changes.Upserts))
	for _, d := range changes.Upserts {
		doc, err := r.prepareDocument(name, d)
		if err != nil {
			return UpdateSummary{}, gserrors.Op(name, opUpdate, err)
		}
		docs = append(docs, doc)
	}

	var sum UpdateSummary
	err := r.do(name, opUpdate, func(e *entry) error {
		v, err := r.view(ctx, e)
		if err != nil {
			return err
		}
		before := v.Count()

		deleted := 0
		seen := make(map[string]struct{}, len(changes.Deletes))
		for _, key := range changes.Deletes {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			_, found, err := v.Snapshot().Document(ctx, key)
			if err != nil {
				return err
			}
			if found {
				deleted++
			}
		}

		err = r.staleRetry(e).Do(ctx, func(ctx context.Context) error {
			w, err := r.writer(ctx, e, store.ModeCreateOrAppend)
			if err != nil {
				return err
			}
			for _, key := range changes.Deletes {
				w.Delete(key)
				if err := r.flushBuffered(ctx, w); err != nil {
					return err
				}
			}
			for _, doc := range docs {
				w.Upsert(doc)
				if err := r.flushBuffered(ctx, w); err != nil {
					return err
				}
			}
			return r.closeWriter(ctx, e)
		})
		if err != nil {
			return err
		}

		if v, err = r.view(ctx, e); err != nil {
			return err
		}
		after := v.Count()
		diff := after - before + deleted
		sum = UpdateSummary{
			Inserted: diff,
			Updated:  len(docs) - diff,
			Deleted:  deleted,
			DocCount: after,
		}
		attrs := []any{
			slog.String("index", e.name),
			slog.Int("inserted", sum.Inserted),
			slog.Int("updated", sum.Updated),
			slog.Int("deleted", sum.Deleted),
			slog.Int("docs", sum.DocCount),
		}
		if size, err := store.DirSize(e.dir.Path()); err == nil {
			attrs = append(attrs, slog.Int64("dir_bytes", size))
		}
		r.logger.Info("index_updated", attrs...)
		return nil
	})
	return sum, err
}

// OpenWriters returns the names of indexes currently holding a writer, sorted.
func (r *Registry) OpenWriters() []string {
	var names []string
	r.entries.Range(func(name string, e *entry) bool {
		if e.writing.Load() {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

// WriteMetrics writes the registry metrics in Prometheus text format.
func (r *Registry) WriteMetrics(w io.Writer) {
	r.metrics.write(w)
}

// Close commits and closes every writer, then closes every reader view and
// directory. It waits for in-flight operations; later operations fail with
// ErrRegistryClosed. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(closeConcurrency)
	r.entries.Range(func(name string, e *entry) bool {
		g.Go(func() error {
			if err := r.closeEntry(e); err != nil {
				mu.Lock()
				errs = append(errs, gserrors.Op(name, opClose, err))
				mu.Unlock()
			}
			return nil
		})
		return true
	})
	_ = g.Wait()

	r.logger.Debug("registry_closed", slog.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// do runs fn on the entry of name under the entry mutex, records metrics,
// and on failure invalidates the writer and wraps the error.
func (r *Registry) do(name, op string, fn func(e *entry) error) (err error) {
	start := time.Now()
	defer func() {
		r.metrics.operation(op, name, start, err)
	}()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return gserrors.Op(name, op, gserrors.New(gserrors.ErrCodeRegistryClosed, "registry is closed", nil))
	}
	if verr := config.ValidateIndexName(name); verr != nil {
		return gserrors.Op(name, op, verr)
	}

	e, _ := r.entries.LoadOrCompute(name, func() *entry {
		return &entry{name: name}
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	defer r.track(e)

	if ferr := fn(e); ferr != nil {
		return gserrors.Op(name, op, r.fail(e, op, ferr))
	}
	return nil
}

// track marks e as most recently used while its directory is open.
// Adding past the limit evicts the least recently used entry.
func (r *Registry) track(e *entry) {
	if e.dir == nil {
		r.open.Remove(e.name)
		return
	}
	r.open.Add(e.name, e)
}

// evictIdle closes the directory of an entry pushed out of the open set.
// An entry that is busy or holds a writer stays open; the next operation
// on it tracks it again.
func (r *Registry) evictIdle(name string, e *entry) {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()
	if e.writer != nil || e.dir == nil {
		return
	}
	if err := r.closeDirectory(e); err != nil {
		r.logger.Warn("directory_evict_failed",
			slog.String("index", name),
			slog.String("error", err.Error()))
		return
	}
	r.metrics.directoryEvicted(name)
	r.logger.Debug("directory_evicted", slog.String("index", name))
}

// fail invalidates the writer of e after cause. Fatal faults also drop the
// reader view and directory so the next operation reopens from disk.
func (r *Registry) fail(e *entry, op string, cause error) error {
	errs := []error{cause}

	if w := e.writer; w != nil {
		dropped, err := w.Discard()
		e.setWriter(nil)
		if err != nil {
			errs = append(errs, err)
		}
		r.metrics.writerInvalidated(e.name)
		attrs := []any{
			slog.String("index", e.name),
			slog.String("op", op),
			slog.Int("dropped", dropped),
		}
		r.logger.Warn("writer_invalidated", append(attrs, gserrors.LogAttrs(cause)...)...)
	}

	if gserrors.IsFatal(cause) && e.dir != nil {
		if err := r.closeDirectory(e); err != nil {
			errs = append(errs, err)
		}
		r.logger.Warn("directory_dropped",
			slog.String("index", e.name),
			slog.String("error", cause.Error()))
	}

	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}

// writer returns the open writer of e, creating it when there is none.
// Creation resolves the configuration snapshot, builds the policy, takes
// the write lock and then opens or re-tunes the directory. ModeCreate
// requires the previous writer to be closed.
func (r *Registry) writer(ctx context.Context, e *entry, mode store.OpenMode) (*Writer, error) {
	if e.writer != nil {
		if mode == store.ModeCreate {
			return nil, gserrors.InternalError("writer already open", nil)
		}
		return e.writer, nil
	}

	cfg, err := r.source.IndexConfig(e.name)
	if err != nil {
		return nil, err
	}
	policy := store.BuildPolicy(cfg)

	if e.dir != nil && (mode == store.ModeCreate || !reflect.DeepEqual(cfg, e.cfg)) {
		if err := r.closeDirectory(e); err != nil {
			return nil, err
		}
	}

	lock := store.NewWriteLock(cfg.Path)
	if err := lock.Acquire(ctx, policy.WriteLockTimeout); err != nil {
		return nil, err
	}

	if e.dir == nil {
		if err := r.openDirectory(ctx, e, cfg, policy, mode); err != nil {
			_ = lock.Release()
			return nil, err
		}
	} else if t, ok := e.dir.(store.Tuner); ok {
		if err := t.Tune(policy); err != nil {
			_ = lock.Release()
			return nil, err
		}
	}

	// Bolt cannot grow its file while a read transaction is open, so the
	// view is dropped before each commit.
	w := newWriter(e.name, e.dir, lock, policy, r.logger, e.view.Release)
	e.setWriter(w)
	r.metrics.writerOpened(e.name)
	r.logger.Debug("writer_opened",
		slog.String("index", e.name),
		slog.String("backend", e.dir.Backend()),
		slog.String("mode", mode.String()))
	return w, nil
}

// directory returns the open directory of e for reading, opening it when
// needed. A changed configuration reopens it, unless a writer holds it.
func (r *Registry) directory(ctx context.Context, e *entry) (store.Directory, error) {
	cfg, err := r.source.IndexConfig(e.name)
	if err != nil {
		return nil, err
	}
	if e.dir != nil {
		if e.writer != nil || reflect.DeepEqual(cfg, e.cfg) {
			return e.dir, nil
		}
		if err := r.closeDirectory(e); err != nil {
			return nil, err
		}
	}

	policy := store.BuildPolicy(cfg)
	if store.DetectBackend(cfg.Path) == "" {
		// Opening creates the index; do that under the write lock.
		lock := store.NewWriteLock(cfg.Path)
		if err := lock.Acquire(ctx, policy.WriteLockTimeout); err != nil {
			return nil, err
		}
		defer func() { _ = lock.Release() }()
	}
	if err := r.openDirectory(ctx, e, cfg, policy, store.ModeCreateOrAppend); err != nil {
		return nil, err
	}
	return e.dir, nil
}

func (r *Registry) openDirectory(ctx context.Context, e *entry, cfg config.IndexConfig, policy store.Policy, mode store.OpenMode) error {
	dir, err := r.resolver.Open(ctx, cfg, mode)
	if err != nil {
		return err
	}
	e.dir, e.cfg = dir, cfg

	attrs := []any{
		slog.String("index", e.name),
		slog.Bool("commit_each_mutation", policy.CommitEachMutation),
		slog.Duration("lock_timeout", policy.WriteLockTimeout),
	}
	if policy.Merge != nil {
		attrs = append(attrs, slog.Bool("compound_files", policy.Merge.CompoundFiles))
		if policy.Merge.Factor != nil {
			attrs = append(attrs, slog.Int("merge_factor", *policy.Merge.Factor))
		}
	}
	r.logger.Debug("policy_applied", attrs...)
	return nil
}

// view brings the reader view of e up to date and returns it.
func (r *Registry) view(ctx context.Context, e *entry) (*ReaderView, error) {
	dir, err := r.directory(ctx, e)
	if err != nil {
		return nil, err
	}
	reopened, err := e.view.EnsureCurrent(ctx, dir)
	if err != nil {
		return nil, err
	}
	if reopened {
		r.metrics.readerReopened(e.name)
		r.logger.Debug("reader_reopened",
			slog.String("index", e.name),
			slog.Uint64("generation", e.view.Snapshot().Generation()),
			slog.Int("docs", e.view.Count()))
	}
	return &e.view, nil
}

// settle commits after a mutation: immediately and closing the writer when
// commitNow is set, otherwise when a buffer threshold is reached.
func (r *Registry) settle(ctx context.Context, e *entry, w *Writer, commitNow bool) error {
	if commitNow {
		return r.closeWriter(ctx, e)
	}
	if w.FlushDue() {
		return w.Commit(ctx)
	}
	return nil
}

// flushBuffered commits mid-update when an explicit buffer threshold is
// reached. Without a buffer size the update commits once, at the end.
func (r *Registry) flushBuffered(ctx context.Context, w *Writer) error {
	if w.policy.CommitEachMutation || !w.FlushDue() {
		return nil
	}
	return w.Commit(ctx)
}

// closeWriter commits and closes the writer of e, if any.
func (r *Registry) closeWriter(ctx context.Context, e *entry) error {
	if e.writer == nil {
		return nil
	}
	if err := e.writer.Close(ctx); err != nil {
		return err
	}
	e.setWriter(nil)
	r.logger.Debug("writer_closed", slog.String("index", e.name))
	return nil
}

// closeDirectory releases the reader view and closes the directory of e.
func (r *Registry) closeDirectory(e *entry) error {
	var errs []error
	if err := e.view.Release(); err != nil {
		errs = append(errs, err)
	}
	if e.dir != nil {
		if err := e.dir.Close(); err != nil {
			errs = append(errs, err)
		}
		e.dir = nil
		e.cfg = config.IndexConfig{}
	}
	return errors.Join(errs...)
}

func (r *Registry) closeEntry(e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if w := e.writer; w != nil {
		if err := w.Close(context.Background()); err != nil {
			errs = append(errs, err)
			if dropped, derr := w.Discard(); derr != nil {
				errs = append(errs, derr)
			} else if dropped > 0 {
				r.logger.Warn("writer_invalidated",
					slog.String("index", e.name),
					slog.String("op", opClose),
					slog.Int("dropped", dropped))
			}
		}
		e.setWriter(nil)
	}
	if err := r.closeDirectory(e); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) staleRetry(e *entry) gserrors.StaleRetry {
	return gserrors.StaleRetry{
		Budget: r.retryBudget,
		Refresh: func(ctx context.Context) error {
			_, err := r.view(ctx, e)
			return err
		},
		OnTransition: func(from, to gserrors.RetryState, attempt int, cause error) {
			if to == gserrors.StateReopening {
				r.metrics.staleRetry(e.name)
			}
			if to == gserrors.StateDone && attempt == 1 {
				return
			}
			attrs := []any{
				slog.String("index", e.name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
				slog.Int("attempt", attempt),
			}
			if cause != nil {
				attrs = append(attrs, slog.String("error", cause.Error()))
			}
			r.logger.Debug("retry_transition", attrs...)
		},
	}
}

// prepareDocument validates doc and copies its fields so later changes by
// the caller do not reach the pending batch. A document without fields is
// still indexed, under its key alone.
func (r *Registry) prepareDocument(name string, doc store.Document) (store.Document, error) {
	if doc.Key == "" {
		return store.Document{}, gserrors.ConfigError("document key is empty", nil)
	}
	for field := range doc.Fields {
		switch {
		case field == "":
			return store.Document{}, gserrors.ConfigError("field name is empty", nil)
		case field == store.KeyField:
			return store.Document{}, gserrors.ConfigError(
				fmt.Sprintf("field %s is reserved for the document key", store.KeyField), nil)
		case strings.HasPrefix(field, store.ReservedFieldPrefix):
			return store.Document{}, gserrors.ConfigError(
				fmt.Sprintf("field %q uses the reserved prefix %q", field, store.ReservedFieldPrefix), nil).
				WithDetail("field", field).
				WithSuggestion("rename the field so it does not start with " + store.ReservedFieldPrefix)
		}
	}
	if len(doc.Fields) == 0 {
		r.logger.Warn("document_without_fields",
			slog.String("index", name),
			slog.String("key", doc.Key))
	}
	fields := maps.Clone(doc.Fields)
	if fields == nil {
		fields = map[string]string{}
	}
	return store.Document{Key: doc.Key, Fields: fields}, nil
}
