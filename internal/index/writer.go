package index

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/gsindex/internal/store"
)

// Writer is the open mutation context of one index. It holds the index's
// exclusive write lock and buffers mutations until they are committed.
// A Writer is not safe for concurrent use; the registry serialises access
// through the entry mutex.
type Writer struct {
	index  string
	dir    store.Directory
	lock   *store.WriteLock
	policy store.Policy
	batch  *store.Batch
	logger *slog.Logger

	// beforeApply runs ahead of every non-empty commit.
	beforeApply func() error
}

func newWriter(index string, dir store.Directory, lock *store.WriteLock, policy store.Policy, logger *slog.Logger, beforeApply func() error) *Writer {
	return &Writer{
		index:       index,
		dir:         dir,
		lock:        lock,
		policy:      policy,
		batch:       store.NewBatch(),
		logger:      logger,
		beforeApply: beforeApply,
	}
}

// Upsert buffers doc, replacing every document with the same key.
func (w *Writer) Upsert(doc store.Document) {
	w.batch.Upsert(doc)
}

// Delete buffers removal of every document with key.
func (w *Writer) Delete(key string) {
	w.batch.Delete(key)
}

// Pending returns the number of buffered mutations.
func (w *Writer) Pending() int {
	return w.batch.Len()
}

// FlushDue reports whether the buffer has reached a commit threshold.
func (w *Writer) FlushDue() bool {
	return w.policy.FlushDue(w.batch.Len(), w.batch.SizeBytes())
}

// Commit applies the buffered mutations durably. With nothing buffered it
// does nothing, so the commit generation does not move. On failure the
// batch is kept; the caller decides whether to retry or discard it.
func (w *Writer) Commit(ctx context.Context) error {
	if w.batch.Len() == 0 {
		return nil
	}
	n := w.batch.Len()
	if w.beforeApply != nil {
		if err := w.beforeApply(); err != nil {
			return err
		}
	}
	if err := w.dir.Apply(ctx, w.batch); err != nil {
		return err
	}
	w.batch.Reset()
	w.logger.Debug("writer_committed",
		slog.String("index", w.index),
		slog.Int("mutations", n))
	return nil
}

// Close commits and releases the write lock. When the commit fails the
// lock stays held and the batch is kept, so the caller can Discard.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.Commit(ctx); err != nil {
		return err
	}
	return w.lock.Release()
}

// Discard drops the buffered mutations without applying them and releases
// the write lock. It returns how many mutations were dropped.
func (w *Writer) Discard() (int, error) {
	dropped := w.batch.Len()
	w.batch.Reset()
	return dropped, w.lock.Release()
}
