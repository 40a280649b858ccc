package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
	"github.com/Aman-CERP/gsindex/internal/store"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.DataDir = t.TempDir()
	cfg.Defaults.Backend = backend
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, src ConfigSource, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	r := NewRegistry(src, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func title(key, value string) store.Document {
	return store.Document{Key: key, Fields: map[string]string{"title": value}}
}

func count(t *testing.T, r *Registry, name string) int {
	t.Helper()
	n, err := r.CurrentDocumentCount(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestRegistry_DemoScenario(t *testing.T) {
	for _, backend := range []string{store.BackendScorch, store.BackendSQLite, store.BackendUpsidedown} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			r := newTestRegistry(t, testConfig(t, backend))

			// upsert a → one document
			require.NoError(t, r.Upsert(ctx, "demo", title("a", "x"), false))
			assert.Equal(t, 1, count(t, r, "demo"))

			// upsert a again → still one, with the new title
			require.NoError(t, r.Upsert(ctx, "demo", title("a", "y"), false))
			assert.Equal(t, 1, count(t, r, "demo"))
			doc, found, err := r.Document(ctx, "demo", "a")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "y", doc.Fields["title"])

			// delete a → empty
			require.NoError(t, r.DeleteByKey(ctx, "demo", "a", false))
			assert.Equal(t, 0, count(t, r, "demo"))
		})
	}
}

func TestRegistry_LastWriteWins(t *testing.T) {
	// Given: a buffering index, so every upsert lands in one batch
	ctx := context.Background()
	cfg := testConfig(t, store.BackendScorch)
	cfg.Defaults.BufferSizeMB = config.Float(16)
	r := newTestRegistry(t, cfg)

	// When: the same key is written several times, then committed
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Upsert(ctx, "lww", title("k", fmt.Sprintf("v%d", i)), false))
	}
	assert.Equal(t, 0, count(t, r, "lww"), "buffered writes are not visible")
	require.NoError(t, r.Commit(ctx, "lww"))

	// Then: the last payload is the visible one
	doc, found, err := r.Document(ctx, "lww", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v4", doc.Fields["title"])
	assert.Equal(t, 1, count(t, r, "lww"))
}

func TestRegistry_DeleteUpsertComplementarity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendScorch))

	// delete then upsert → present
	require.NoError(t, r.DeleteByKey(ctx, "idx", "k", true))
	require.NoError(t, r.Upsert(ctx, "idx", title("k", "v"), true))
	_, found, err := r.Document(ctx, "idx", "k")
	require.NoError(t, err)
	assert.True(t, found)

	// upsert then delete → absent
	require.NoError(t, r.Upsert(ctx, "idx", title("k", "w"), true))
	require.NoError(t, r.DeleteByKey(ctx, "idx", "k", true))
	_, found, err = r.Document(ctx, "idx", "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_CommitIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendSQLite))
	require.NoError(t, r.Upsert(ctx, "idx", title("a", "x"), false))
	before := count(t, r, "idx")
	reopens := r.metrics.value("gsindex_reader_reopens_total", "idx")

	// When: committing twice with nothing written in between
	require.NoError(t, r.Commit(ctx, "idx"))
	require.NoError(t, r.Commit(ctx, "idx"))

	// Then: same count, and the reader was not even reopened
	assert.Equal(t, before, count(t, r, "idx"))
	assert.Equal(t, reopens, r.metrics.value("gsindex_reader_reopens_total", "idx"))
}

func TestRegistry_CommitWithoutWriter(t *testing.T) {
	r := newTestRegistry(t, testConfig(t, store.BackendScorch))
	assert.NoError(t, r.Commit(context.Background(), "never-opened"))
	assert.Empty(t, r.OpenWriters())
}

func TestRegistry_RecreateResets(t *testing.T) {
	for _, backend := range []string{store.BackendScorch, store.BackendSQLite, store.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			// Given: an index with content and pending, uncommitted work
			ctx := context.Background()
			cfg := testConfig(t, backend)
			cfg.Defaults.BufferSizeMB = config.Float(16)
			r := newTestRegistry(t, cfg)
			for i := 0; i < 10; i++ {
				require.NoError(t, r.Upsert(ctx, "idx", title(fmt.Sprintf("k%d", i), "v"), false))
			}
			require.NoError(t, r.Commit(ctx, "idx"))
			require.NoError(t, r.Upsert(ctx, "idx", title("pending", "v"), false))
			require.Equal(t, 10, count(t, r, "idx"))

			// When: recreating it
			require.NoError(t, r.RecreateEmpty(ctx, "idx"))

			// Then: empty and unlocked
			assert.Equal(t, 0, count(t, r, "idx"))
			assert.Empty(t, r.OpenWriters())
			cfgIdx, err := cfg.IndexConfig("idx")
			require.NoError(t, err)
			lock := store.NewWriteLock(cfgIdx.Path)
			require.NoError(t, lock.Acquire(ctx, 100*time.Millisecond))
			require.NoError(t, lock.Release())

			// And: usable again
			require.NoError(t, r.Upsert(ctx, "idx", title("again", "v"), true))
			assert.Equal(t, 1, count(t, r, "idx"))
		})
	}
}

func TestRegistry_ConcurrentUpsertsNoLoss(t *testing.T) {
	for _, buffered := range []bool{false, true} {
		t.Run(fmt.Sprintf("buffered=%v", buffered), func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, store.BackendScorch)
			if buffered {
				cfg.Defaults.BufferSizeMB = config.Float(16)
				cfg.Defaults.MaxBufferedDocs = config.Int(7)
			}
			r := newTestRegistry(t, cfg)

			const n = 32
			var g errgroup.Group
			for i := 0; i < n; i++ {
				g.Go(func() error {
					return r.Upsert(ctx, "shared", title(fmt.Sprintf("key-%02d", i), "v"), false)
				})
			}
			require.NoError(t, g.Wait())
			require.NoError(t, r.Commit(ctx, "shared"))

			assert.Equal(t, n, count(t, r, "shared"))
		})
	}
}

func TestRegistry_IndexesAreIndependent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendScorch))

	var wg sync.WaitGroup
	for _, name := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, r.Upsert(ctx, name, title(fmt.Sprintf("%s-%d", name, i), name), false))
			}
		}()
	}
	wg.Wait()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		assert.Equal(t, 5, count(t, r, name), name)
	}
}

func TestRegistry_BufferThresholds(t *testing.T) {
	// Given: a buffer that flushes every 3 documents
	ctx := context.Background()
	cfg := testConfig(t, store.BackendScorch)
	cfg.Defaults.BufferSizeMB = config.Float(16)
	cfg.Defaults.MaxBufferedDocs = config.Int(3)
	r := newTestRegistry(t, cfg)

	// When: writing 4 documents without committing
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Upsert(ctx, "buf", title(fmt.Sprintf("k%d", i), "v"), false))
	}

	// Then: the first 3 were flushed, the 4th is still pending
	assert.Equal(t, 3, count(t, r, "buf"))
	assert.Equal(t, []string{"buf"}, r.OpenWriters())

	// And: a commit-with-close publishes the rest and frees the writer
	require.NoError(t, r.Upsert(ctx, "buf", title("k4", "v"), true))
	assert.Equal(t, 5, count(t, r, "buf"))
	assert.Empty(t, r.OpenWriters())
}

func TestRegistry_ReaderReopenIdentity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendScorch))
	require.NoError(t, r.Upsert(ctx, "idx", title("a", "x"), true))

	assert.Equal(t, 1, count(t, r, "idx"))
	e, ok := r.entries.Load("idx")
	require.True(t, ok)
	first := e.view.Snapshot()

	// Unchanged generation: the same snapshot is kept.
	assert.Equal(t, 1, count(t, r, "idx"))
	assert.Same(t, first, e.view.Snapshot())

	// A commit: a new snapshot.
	require.NoError(t, r.Upsert(ctx, "idx", title("b", "x"), true))
	assert.Equal(t, 2, count(t, r, "idx"))
	assert.NotSame(t, first, e.view.Snapshot())
}

func TestRegistry_ForceMerge(t *testing.T) {
	for _, backend := range []string{store.BackendScorch, store.BackendSQLite, store.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)
			cfg.Defaults.MergeFactor = config.Int(4)
			cfg.Defaults.BufferSizeMB = config.Float(16)
			r := newTestRegistry(t, cfg)
			for i := 0; i < 6; i++ {
				require.NoError(t, r.Upsert(ctx, "m", title(fmt.Sprintf("k%d", i), "v"), false))
			}

			// When: merging with work still pending
			require.NoError(t, r.ForceMerge(ctx, "m"))

			// Then: pending work was committed and the writer closed
			assert.Equal(t, 6, count(t, r, "m"))
			assert.Empty(t, r.OpenWriters())
		})
	}
}

func TestRegistry_ForceMergeHonoursContext(t *testing.T) {
	// Given: the only merge slot is taken
	r := newTestRegistry(t, testConfig(t, store.BackendScorch), WithMaxConcurrentMerges(1))
	require.NoError(t, r.merges.Acquire(context.Background(), 1))
	defer r.merges.Release(1)

	// When: a merge waits with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.ForceMerge(ctx, "m")

	// Then: it gives up with the context error
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_BrowseTerms(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendScorch))
	_, err := r.Update(ctx, "b", Changes{Upserts: []store.Document{
		title("1", "apple banana"),
		title("2", "banana cherry"),
		title("3", "cherry date"),
	}})
	require.NoError(t, err)

	page, err := r.BrowseTerms(ctx, "b", "title", "b", 2)
	require.NoError(t, err)
	assert.Contains(t, page.Fields, "title")
	assert.Contains(t, page.Fields, store.KeyField)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, []store.TermFreq{{Term: "banana", DocFreq: 2}, {Term: "cherry", DocFreq: 2}}, page.Terms)

	page, err = r.BrowseTerms(ctx, "b", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, page.Terms)
	assert.NotEmpty(t, page.Fields)
}

func TestRegistry_Update(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendSQLite))

	// Given: two documents
	sum, err := r.Update(ctx, "u", Changes{Upserts: []store.Document{title("a", "1"), title("b", "1")}})
	require.NoError(t, err)
	assert.Equal(t, UpdateSummary{Inserted: 2, Updated: 0, Deleted: 0, DocCount: 2}, sum)

	// When: one is rewritten, one deleted, one added, and a missing key deleted
	sum, err = r.Update(ctx, "u", Changes{
		Upserts: []store.Document{title("a", "2"), title("c", "1")},
		Deletes: []string{"b", "zzz"},
	})
	require.NoError(t, err)

	// Then: the summary matches what happened
	assert.Equal(t, UpdateSummary{Inserted: 1, Updated: 1, Deleted: 1, DocCount: 2}, sum)
	assert.Empty(t, r.OpenWriters())
}

func TestRegistry_InvalidInput(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendMemory))

	err := r.Upsert(ctx, "idx", store.Document{}, false)
	assert.Equal(t, gserrors.ErrCodeConfigInvalid, gserrors.GetCode(err))

	err = r.Upsert(ctx, "idx", store.Document{Key: "k", Fields: map[string]string{store.KeyField: "x"}}, false)
	assert.Equal(t, gserrors.ErrCodeConfigInvalid, gserrors.GetCode(err))

	err = r.DeleteByKey(ctx, "idx", "", false)
	assert.Equal(t, gserrors.ErrCodeConfigInvalid, gserrors.GetCode(err))

	_, err = r.CurrentDocumentCount(ctx, "../escape")
	var oe *gserrors.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "count", oe.Op)
}

func TestRegistry_UnknownBackend(t *testing.T) {
	r := newTestRegistry(t, testConfig(t, "lucene"))

	err := r.Upsert(context.Background(), "idx", title("a", "x"), false)

	require.Error(t, err)
	assert.ErrorIs(t, err, gserrors.ErrUnknownBackend)
	assert.Empty(t, r.OpenWriters())
}

func TestRegistry_CloseTearsDown(t *testing.T) {
	// Given: two indexes with pending work
	ctx := context.Background()
	cfg := testConfig(t, store.BackendScorch)
	cfg.Defaults.BufferSizeMB = config.Float(16)
	r := NewRegistry(cfg, WithLogger(testLogger()))
	require.NoError(t, r.Upsert(ctx, "one", title("a", "x"), false))
	require.NoError(t, r.Upsert(ctx, "two", title("b", "x"), false))
	require.Equal(t, []string{"one", "two"}, r.OpenWriters())

	// When: closing the registry
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	// Then: writers were committed and later calls are refused
	assert.Empty(t, r.OpenWriters())
	err := r.Upsert(ctx, "one", title("c", "x"), false)
	assert.ErrorIs(t, err, gserrors.ErrRegistryClosed)

	reopened := newTestRegistry(t, cfg)
	assert.Equal(t, 1, count(t, reopened, "one"))
	assert.Equal(t, 1, count(t, reopened, "two"))
}

func TestRegistry_LockContentionAcrossRegistries(t *testing.T) {
	// Given: two registries sharing a sqlite index, as two processes would
	ctx := context.Background()
	cfg := testConfig(t, store.BackendSQLite)
	cfg.Defaults.BufferSizeMB = config.Float(16)
	cfg.Defaults.WriteLockTimeoutMs = config.Int(50)
	first := newTestRegistry(t, cfg)
	second := newTestRegistry(t, cfg)

	// When: the first holds the writer open
	require.NoError(t, first.Upsert(ctx, "shared", title("a", "x"), false))
	err := second.Upsert(ctx, "shared", title("b", "x"), false)

	// Then: the second times out on the write lock
	require.Error(t, err)
	assert.ErrorIs(t, err, gserrors.ErrLockTimeout)
	var oe *gserrors.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "shared", oe.Index)

	// And: once the first commits and closes, the second proceeds and sees it
	require.NoError(t, first.Commit(ctx, "shared"))
	require.NoError(t, first.Upsert(ctx, "shared", title("a", "y"), true))
	require.NoError(t, second.Upsert(ctx, "shared", title("b", "x"), true))
	assert.Equal(t, 2, count(t, second, "shared"))
	assert.Equal(t, 2, count(t, first, "shared"))
}

// flakyDir injects faults into Apply.
type flakyDir struct {
	store.Directory
	staleFaults atomic.Int32
	failWith    atomic.Pointer[error]
	applies     atomic.Int32
}

func (d *flakyDir) Apply(ctx context.Context, b *store.Batch) error {
	d.applies.Add(1)
	if p := d.failWith.Load(); p != nil {
		return *p
	}
	if d.staleFaults.Load() > 0 {
		d.staleFaults.Add(-1)
		return gserrors.StaleError("injected stale snapshot")
	}
	return d.Directory.Apply(ctx, b)
}

func flakyRegistry(t *testing.T, mutate func(*config.Config)) (*Registry, *config.Config, func() *flakyDir) {
	t.Helper()
	var (
		mu      sync.Mutex
		current *flakyDir
	)
	inner := store.NewResolver(nil)
	resolver := store.NewResolver(nil)
	resolver.Register("flaky", func(ctx context.Context, opts store.OpenOptions) (store.Directory, error) {
		dir, err := inner.Open(ctx, config.IndexConfig{Path: opts.Path, Backend: store.BackendMemory}, opts.Mode)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		current = &flakyDir{Directory: dir}
		return current, nil
	})

	cfg := testConfig(t, "flaky")
	if mutate != nil {
		mutate(cfg)
	}
	r := newTestRegistry(t, cfg, WithResolver(resolver))
	return r, cfg, func() *flakyDir {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func TestRegistry_DeleteRetriesStaleFaults(t *testing.T) {
	// Given: a document, then 3 stale faults queued
	ctx := context.Background()
	r, _, dir := flakyRegistry(t, nil)
	require.NoError(t, r.Upsert(ctx, "demo", title("a", "x"), true))
	d := dir()
	d.staleFaults.Store(3)
	d.applies.Store(0)

	// When: deleting
	err := r.DeleteByKey(ctx, "demo", "a", true)

	// Then: it succeeds on the fourth attempt with no visible error
	require.NoError(t, err)
	assert.Equal(t, int32(4), d.applies.Load())
	assert.Equal(t, 0, count(t, r, "demo"))
	assert.Equal(t, uint64(3), r.metrics.value("gsindex_stale_retries_total", "demo"))
	assert.Empty(t, r.OpenWriters())
}

func TestRegistry_DeleteGivesUpAfterBudget(t *testing.T) {
	// Given: a document, then more stale faults than the budget
	ctx := context.Background()
	r, _, dir := flakyRegistry(t, nil)
	require.NoError(t, r.Upsert(ctx, "demo", title("a", "x"), true))
	d := dir()
	d.staleFaults.Store(100)
	d.applies.Store(0)

	// When: deleting
	done := make(chan error, 1)
	go func() { done <- r.DeleteByKey(ctx, "demo", "a", true) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("delete did not give up")
	}

	// Then: a consistency error after exactly the budget of attempts
	require.Error(t, err)
	assert.ErrorIs(t, err, gserrors.ErrStaleSnapshot)
	assert.Equal(t, gserrors.ErrCodeRetryExhausted, gserrors.GetCode(err))
	assert.Equal(t, gserrors.CategoryConsistency, gserrors.GetCategory(err))
	assert.Equal(t, int32(gserrors.DefaultStaleRetryBudget), d.applies.Load())

	var oe *gserrors.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "demo", oe.Index)
	assert.Equal(t, "delete", oe.Op)

	// And: the writer was invalidated; the document is still there
	assert.Empty(t, r.OpenWriters())
	assert.Equal(t, uint64(1), r.metrics.value("gsindex_writer_invalidations_total", "demo"))
	d.staleFaults.Store(0)
	assert.Equal(t, 1, count(t, r, "demo"))
}

func TestRegistry_RetryBudgetOption(t *testing.T) {
	ctx := context.Background()
	base, cfg, dir := flakyRegistry(t, nil)
	r := newTestRegistry(t, cfg, WithResolver(base.resolver), WithRetryBudget(2))
	require.NoError(t, r.Upsert(ctx, "demo", title("a", "x"), true))
	d := dir()
	d.staleFaults.Store(2)
	d.applies.Store(0)

	err := r.DeleteByKey(ctx, "demo", "a", true)

	assert.Equal(t, gserrors.ErrCodeRetryExhausted, gserrors.GetCode(err))
	assert.Equal(t, int32(2), d.applies.Load())
}

func TestRegistry_UpsertFaultsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	r, _, dir := flakyRegistry(t, nil)
	require.NoError(t, r.Upsert(ctx, "demo", title("a", "x"), true))
	d := dir()
	d.staleFaults.Store(1)
	d.applies.Store(0)

	err := r.Upsert(ctx, "demo", title("b", "x"), true)

	assert.ErrorIs(t, err, gserrors.ErrStaleSnapshot)
	assert.Equal(t, int32(1), d.applies.Load())
}

func TestRegistry_InvalidatesWriterOnFailure(t *testing.T) {
	// Given: a buffering index with pending work
	ctx := context.Background()
	r, cfg, dir := flakyRegistry(t, func(c *config.Config) {
		c.Defaults.BufferSizeMB = config.Float(16)
	})
	require.NoError(t, r.Upsert(ctx, "inv", title("a", "x"), false))
	require.NoError(t, r.Upsert(ctx, "inv", title("b", "x"), false))
	require.Equal(t, []string{"inv"}, r.OpenWriters())

	// When: the commit hits a non-fatal engine fault
	fault := error(gserrors.InternalError("engine hiccup", nil))
	dir().failWith.Store(&fault)
	err := r.Commit(ctx, "inv")

	// Then: the error surfaces, the writer and its pending work are gone,
	// and the write lock is free
	require.Error(t, err)
	var oe *gserrors.OperationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "commit", oe.Op)
	assert.Empty(t, r.OpenWriters())
	assert.Equal(t, uint64(1), r.metrics.value("gsindex_writer_invalidations_total", "inv"))

	ic, err := cfg.IndexConfig("inv")
	require.NoError(t, err)
	lock := store.NewWriteLock(ic.Path)
	require.NoError(t, lock.Acquire(ctx, 100*time.Millisecond))
	require.NoError(t, lock.Release())

	// And: the next writer starts clean
	dir().failWith.Store(nil)
	require.NoError(t, r.Commit(ctx, "inv"))
	assert.Equal(t, 0, count(t, r, "inv"))
}

func TestRegistry_FatalFaultDropsDirectory(t *testing.T) {
	ctx := context.Background()
	r, _, dir := flakyRegistry(t, nil)
	require.NoError(t, r.Upsert(ctx, "f", title("a", "x"), true))
	before := dir()

	fault := error(gserrors.CorruptionError("/nowhere", errors.New("bad segment")))
	before.failWith.Store(&fault)
	err := r.Upsert(ctx, "f", title("b", "x"), true)

	require.Error(t, err)
	assert.True(t, gserrors.IsFatal(err))
	e, ok := r.entries.Load("f")
	require.True(t, ok)
	assert.Nil(t, e.dir)

	// The next call reopens through the resolver.
	require.NoError(t, r.Upsert(ctx, "f", title("c", "x"), true))
	assert.NotSame(t, before, dir())
}

func TestRegistry_ConfigChangeReopensDirectory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, store.BackendSQLite)
	r := newTestRegistry(t, cfg)
	require.NoError(t, r.Upsert(ctx, "cfg", title("a", "x"), true))
	e, _ := r.entries.Load("cfg")
	first := e.dir

	// When: the index gets a merge factor
	cfg.Indexes["cfg"] = config.IndexConfig{MergeFactor: config.Int(8)}
	require.NoError(t, r.Upsert(ctx, "cfg", title("b", "x"), true))

	// Then: the directory was reopened with the new snapshot
	assert.NotSame(t, first, e.dir)
	require.NotNil(t, e.cfg.MergeFactor)
	assert.Equal(t, 8, *e.cfg.MergeFactor)
	assert.Equal(t, 2, count(t, r, "cfg"))
}

func TestRegistry_WriteMetrics(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendMemory))
	require.NoError(t, r.Upsert(ctx, "m", title("a", "x"), true))
	_ = count(t, r, "m")

	var buf bytes.Buffer
	r.WriteMetrics(&buf)

	out := buf.String()
	assert.Contains(t, out, `gsindex_operations_total{op="upsert",index="m"} 1`)
	assert.Contains(t, out, `gsindex_writer_opens_total{index="m"} 1`)
	assert.Contains(t, out, `gsindex_reader_reopens_total{index="m"} 1`)
	assert.Contains(t, out, "gsindex_operation_duration_seconds_bucket")
}

func TestRegistry_RejectsEngineReservedFields(t *testing.T) {
	for _, backend := range []string{store.BackendScorch, store.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			r := newTestRegistry(t, testConfig(t, backend))

			// When: fields start with the engine-reserved prefix
			for _, fields := range []map[string]string{
				{"title": "x", "_note": "keep me"},
				{"_id": "zzz", "_all": "q"},
				{"": "nameless"},
			} {
				err := r.Upsert(ctx, "idx", store.Document{Key: "k", Fields: fields}, true)

				// Then: the write is refused before any writer is opened
				require.Error(t, err)
				assert.Equal(t, gserrors.ErrCodeConfigInvalid, gserrors.GetCode(err))
			}
			_, err := r.Update(ctx, "idx", Changes{Upserts: []store.Document{
				{Key: "k", Fields: map[string]string{"_score": "1"}},
			}})
			assert.Equal(t, gserrors.ErrCodeConfigInvalid, gserrors.GetCode(err))
			assert.Empty(t, r.OpenWriters())
			assert.Equal(t, 0, count(t, r, "idx"))

			// And: an accepted document reads back exactly as written
			want := map[string]string{"title": "x", "note_": "keep me", "body": "b"}
			require.NoError(t, r.Upsert(ctx, "idx", store.Document{Key: "k", Fields: want}, true))
			doc, found, err := r.Document(ctx, "idx", "k")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, want, doc.Fields)
		})
	}
}

func TestRegistry_DocumentWithoutFieldsWarns(t *testing.T) {
	// Given: a registry logging to a buffer
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := newTestRegistry(t, testConfig(t, store.BackendSQLite), WithLogger(logger))

	// When: upserting a key with no fields
	require.NoError(t, r.Upsert(ctx, "idx", store.Document{Key: "bare"}, true))

	// Then: it is indexed under its key, with a warning
	assert.Contains(t, buf.String(), "document_without_fields")
	assert.Contains(t, buf.String(), "key=bare")
	doc, found, err := r.Document(ctx, "idx", "bare")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, doc.Fields)
}

func TestRegistry_UpdateLogsDirectorySize(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := newTestRegistry(t, testConfig(t, store.BackendSQLite), WithLogger(logger))

	_, err := r.Update(ctx, "idx", Changes{Upserts: []store.Document{title("a", "1")}})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "index_updated")
	assert.Regexp(t, `dir_bytes=[1-9][0-9]*`, buf.String())
}

func TestRegistry_DeleteRetriesLockTimeouts(t *testing.T) {
	// Given: two registries sharing a sqlite index, the first holding the writer
	ctx := context.Background()
	cfg := testConfig(t, store.BackendSQLite)
	cfg.Defaults.WriteLockTimeoutMs = config.Int(50)
	first := newTestRegistry(t, cfg)
	second := newTestRegistry(t, cfg, WithRetryBudget(40))
	require.NoError(t, first.Upsert(ctx, "shared", title("a", "x"), true))
	require.NoError(t, first.Upsert(ctx, "shared", title("b", "x"), false))
	require.Equal(t, []string{"shared"}, first.OpenWriters())

	// When: the second deletes while the first lets go partway through
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		time.Sleep(150 * time.Millisecond)
		return first.Upsert(gctx, "shared", title("c", "x"), true)
	})
	err := second.DeleteByKey(ctx, "shared", "a", true)
	require.NoError(t, g.Wait())

	// Then: the lock timeouts were retried and the delete went through
	require.NoError(t, err)
	assert.Greater(t, second.metrics.value("gsindex_stale_retries_total", "shared"), uint64(0))
	assert.Equal(t, uint64(0), second.metrics.value("gsindex_writer_invalidations_total", "shared"))
	assert.Empty(t, second.OpenWriters())

	_, found, err := second.Document(ctx, "shared", "a")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 2, count(t, second, "shared"))
	assert.Equal(t, 2, count(t, first, "shared"))
}

// dirOpen reports whether the entry of name holds an open directory.
func dirOpen(t *testing.T, r *Registry, name string) bool {
	t.Helper()
	e, ok := r.entries.Load(name)
	require.True(t, ok, "no entry for %s", name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir != nil
}

func TestRegistry_EvictsIdleDirectories(t *testing.T) {
	// Given: room for two open indexes, and a writer held open on "a"
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendScorch), WithMaxOpenIndexes(2))
	require.NoError(t, r.Upsert(ctx, "a", title("1", "x"), false))
	require.NoError(t, r.Upsert(ctx, "b", title("1", "x"), true))

	// When: a third index is used
	require.NoError(t, r.Upsert(ctx, "c", title("1", "x"), true))

	// Then: "a" is least recently used but keeps its writer and directory
	assert.True(t, dirOpen(t, r, "a"))
	assert.Equal(t, []string{"a"}, r.OpenWriters())
	assert.Equal(t, uint64(0), r.metrics.value("gsindex_directory_evictions_total", "a"))

	// When: a fourth index is used
	require.NoError(t, r.Upsert(ctx, "d", title("1", "x"), true))

	// Then: idle "b" is closed
	assert.False(t, dirOpen(t, r, "b"))
	assert.True(t, dirOpen(t, r, "c"))
	assert.Equal(t, uint64(1), r.metrics.value("gsindex_directory_evictions_total", "b"))

	// And: "b" reopens on next use, with its data
	assert.Equal(t, 1, count(t, r, "b"))
	assert.True(t, dirOpen(t, r, "b"))
	require.NoError(t, r.Commit(ctx, "a"))
	assert.Equal(t, 1, count(t, r, "a"))
}

func TestRegistry_UpdateDeleteAndUpsertSameKey(t *testing.T) {
	// Given: one document
	ctx := context.Background()
	r := newTestRegistry(t, testConfig(t, store.BackendSQLite))
	require.NoError(t, r.Upsert(ctx, "u", title("a", "1"), true))

	// When: one update both deletes and rewrites it
	sum, err := r.Update(ctx, "u", Changes{
		Upserts: []store.Document{title("a", "2")},
		Deletes: []string{"a"},
	})

	// Then: it counts as a deletion plus an insertion, and the key is present
	require.NoError(t, err)
	assert.Equal(t, UpdateSummary{Inserted: 1, Updated: 0, Deleted: 1, DocCount: 1}, sum)
	doc, found, err := r.Document(ctx, "u", "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", doc.Fields["title"])
}
