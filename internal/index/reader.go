package index

import (
	"context"

	"github.com/Aman-CERP/gsindex/internal/store"
)

// ReaderView holds the read snapshot of one index and the document count
// read when the snapshot was opened. The zero value holds nothing.
type ReaderView struct {
	snap  store.Snapshot
	count int
}

// EnsureCurrent makes the view reflect the last commit of dir. It opens a
// snapshot when none is held, and replaces the held one only when dir has
// committed since it was opened. It reports whether a new snapshot was
// opened.
func (v *ReaderView) EnsureCurrent(ctx context.Context, dir store.Directory) (bool, error) {
	if v.snap != nil {
		gen, err := dir.Generation(ctx)
		if err != nil {
			return false, err
		}
		if gen == v.snap.Generation() {
			return false, nil
		}
	}

	next, err := dir.OpenSnapshot(ctx)
	if err != nil {
		return false, err
	}
	count, err := next.DocCount()
	if err != nil {
		_ = next.Close()
		return false, err
	}

	// The old snapshot is closed only once its replacement is usable.
	prev := v.snap
	v.snap, v.count = next, count
	if prev != nil {
		_ = prev.Close()
	}
	return true, nil
}

// Stale reports whether dir has committed since the held snapshot was
// opened. A view holding nothing is stale.
func (v *ReaderView) Stale(ctx context.Context, dir store.Directory) (bool, error) {
	if v.snap == nil {
		return true, nil
	}
	gen, err := dir.Generation(ctx)
	if err != nil {
		return false, err
	}
	return gen != v.snap.Generation(), nil
}

// Snapshot returns the held snapshot, or nil.
func (v *ReaderView) Snapshot() store.Snapshot {
	return v.snap
}

// Count returns the document count of the held snapshot.
func (v *ReaderView) Count() int {
	return v.count
}

// Release closes the held snapshot. It is safe on an empty view.
func (v *ReaderView) Release() error {
	if v.snap == nil {
		return nil
	}
	err := v.snap.Close()
	v.snap, v.count = nil, 0
	return err
}
