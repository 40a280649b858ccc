// Package store holds the index directory abstraction and its backends:
// bleve (scorch, upsidedown, in-memory) and SQLite FTS5. It also holds the
// engine tuning policy, the analyzer registry and the exclusive write lock.
package store

import (
	"context"
	"sort"
)

// KeyField is the stored field holding a document's unique key.
const KeyField = "PID"

// ReservedFieldPrefix starts the names of fields the engines keep for
// themselves, such as bleve's _id and _all. Documents may not use it.
const ReservedFieldPrefix = "_"

// Document is a keyed set of text fields.
type Document struct {
	Key    string
	Fields map[string]string
}

// Size approximates the document's in-memory footprint in bytes.
func (d Document) Size() int {
	n := len(d.Key)
	for k, v := range d.Fields {
		n += len(k) + len(v)
	}
	return n
}

// OpKind is the kind of a buffered mutation.
type OpKind int

const (
	// OpUpsert replaces the document with the same key, or adds it.
	OpUpsert OpKind = iota
	// OpDelete removes every document with the key.
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Op is one buffered mutation.
type Op struct {
	Kind OpKind
	Key  string
	Doc  Document
}

func (o Op) size() int {
	if o.Kind == OpDelete {
		return len(o.Key)
	}
	return o.Doc.Size()
}

// Batch buffers mutations for one atomic Apply. A later mutation of a key
// replaces an earlier one, so the last write wins.
type Batch struct {
	ops   map[string]Op
	bytes int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{ops: make(map[string]Op)}
}

// Upsert buffers doc, replacing any pending mutation of doc.Key.
func (b *Batch) Upsert(doc Document) {
	b.put(Op{Kind: OpUpsert, Key: doc.Key, Doc: doc})
}

// Delete buffers removal of key, replacing any pending mutation of it.
func (b *Batch) Delete(key string) {
	b.put(Op{Kind: OpDelete, Key: key})
}

func (b *Batch) put(op Op) {
	if prev, ok := b.ops[op.Key]; ok {
		b.bytes -= prev.size()
	}
	b.ops[op.Key] = op
	b.bytes += op.size()
}

// Len returns the number of pending mutations.
func (b *Batch) Len() int { return len(b.ops) }

// SizeBytes approximates the memory held by pending mutations.
func (b *Batch) SizeBytes() int { return b.bytes }

// Ops returns pending mutations ordered by key.
func (b *Batch) Ops() []Op {
	ops := make([]Op, 0, len(b.ops))
	for _, op := range b.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Key < ops[j].Key })
	return ops
}

// Reset drops every pending mutation.
func (b *Batch) Reset() {
	clear(b.ops)
	b.bytes = 0
}

// OpenMode selects how a directory is opened.
type OpenMode int

const (
	// ModeCreateOrAppend opens an existing index, creating it if absent.
	ModeCreateOrAppend OpenMode = iota
	// ModeCreate discards any existing index content and starts empty.
	ModeCreate
)

func (m OpenMode) String() string {
	if m == ModeCreate {
		return "create"
	}
	return "create_or_append"
}

// TermFreq is an indexed term and the number of documents containing it.
type TermFreq struct {
	Term    string `json:"term"`
	DocFreq uint64 `json:"doc_freq"`
}

// TermPage is one page of a field's term dictionary.
type TermPage struct {
	Fields []string   `json:"fields"`
	Field  string     `json:"field"`
	Start  string     `json:"start"`
	Terms  []TermFreq `json:"terms"`
	Total  int        `json:"total"`
}

// Directory is an open index: the engine instance behind one index name.
// Mutations go through Apply; reads go through snapshots.
type Directory interface {
	// Apply commits every mutation in b atomically and advances the
	// generation. An empty batch is a no-op.
	Apply(ctx context.Context, b *Batch) error

	// Generation returns the number of the last commit.
	Generation(ctx context.Context) (uint64, error)

	// OpenSnapshot returns a point-in-time view of committed state.
	OpenSnapshot(ctx context.Context) (Snapshot, error)

	// Path returns the directory on disk.
	Path() string

	// Backend returns the id the directory was resolved from.
	Backend() string

	Close() error
}

// Snapshot is a read-only view of a directory at one generation.
type Snapshot interface {
	Generation() uint64
	DocCount() (int, error)
	Document(ctx context.Context, key string) (Document, bool, error)
	// Fields returns the indexed field names, sorted.
	Fields(ctx context.Context) ([]string, error)
	// Terms returns up to limit terms of field that sort at or after start,
	// and the total number of terms in the field.
	Terms(ctx context.Context, field, start string, limit int) ([]TermFreq, int, error)
	Close() error
}

// Merger is implemented by directories that can consolidate segments.
type Merger interface {
	ForceMerge(ctx context.Context) error
}

// ChunkSizer is implemented by directories backed by memory-mapped files
// whose mapping unit can be bounded. It must be called before any
// snapshot is opened.
type ChunkSizer interface {
	SetMaxChunkSize(bytes int64) error
}

// Tuner is implemented by directories that accept policy changes after open.
type Tuner interface {
	Tune(p Policy) error
}
