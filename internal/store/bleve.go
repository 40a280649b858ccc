package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/index/scorch/mergeplan"
	"github.com/blevesearch/bleve/v2/index/upsidedown"
	"github.com/blevesearch/bleve/v2/index/upsidedown/store/boltdb"
	"github.com/blevesearch/bleve/v2/mapping"
	index "github.com/blevesearch/bleve_index_api"

	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

const (
	bleveMetaFile = "index_meta.json"

	// defaultFloorSegmentSize is scorch's own floor; it must not exceed
	// the max segment size.
	defaultFloorSegmentSize = 2000
)

// generationKey is the internal key holding the commit generation.
var generationKey = []byte("_gsindex_generation")

// bleveDirectory is a Directory over a bleve index.
type bleveDirectory struct {
	id      string
	path    string
	logger  *slog.Logger
	mapping *mapping.IndexMappingImpl

	// reopen opens the index again with the current runtime config; nil
	// for in-memory indexes.
	reopen  func(runtime map[string]interface{}) (bleve.Index, error)
	runtime map[string]interface{}

	mu    sync.Mutex
	index bleve.Index
}

// scorchDirectory adds the chunk size capability scorch supports.
type scorchDirectory struct {
	*bleveDirectory
}

var (
	_ Directory  = (*bleveDirectory)(nil)
	_ Merger     = (*bleveDirectory)(nil)
	_ ChunkSizer = scorchDirectory{}
)

// validateIndexIntegrity checks the bleve metadata file before opening.
// A missing meta file is only an error when other index files exist.
func validateIndexIntegrity(path string) error {
	metaPath := filepath.Join(path, bleveMetaFile)
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		if hasIndexFiles(path) {
			return fmt.Errorf("%s missing", bleveMetaFile)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", bleveMetaFile, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", bleveMetaFile)
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", bleveMetaFile, err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("%s is corrupt: %w", bleveMetaFile, err)
	}
	return nil
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bleve.ErrorIndexMetaCorrupt) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt") ||
		strings.Contains(msg, "invalid database") ||
		strings.Contains(msg, "no such file or directory")
}

// classifyBleve maps a bleve error onto the error taxonomy.
func classifyBleve(path, op string, err error) error {
	if err == nil {
		return nil
	}
	if gserrors.GetCode(err) != "" {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case isCorruptionError(err):
		return gserrors.CorruptionError(path, err)
	case strings.Contains(msg, "timeout"):
		return gserrors.LockError(path, err)
	case strings.Contains(msg, "no space left"), strings.Contains(msg, "disk full"):
		return gserrors.New(gserrors.ErrCodeDiskFull, op, err).WithDetail("path", path)
	default:
		return gserrors.IOError(op, err).WithDetail("path", path)
	}
}

// buildMapping returns the index mapping: the analyzer as the default for
// dynamic text fields, and the key field indexed as a single keyword.
func buildMapping(a Analyzer) (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	if a.Bleve != nil {
		if err := a.Bleve(m); err != nil {
			return nil, gserrors.ConfigError(fmt.Sprintf("analyzer %s", a.ID), err)
		}
	}

	key := bleve.NewKeywordFieldMapping()
	key.Store = true
	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt(KeyField, key)
	m.DefaultMapping = doc

	if err := m.Validate(); err != nil {
		return nil, gserrors.ConfigError(fmt.Sprintf("analyzer %s", a.ID), err)
	}
	return m, nil
}

// scorchRuntimeConfig translates a policy into scorch's runtime config.
func scorchRuntimeConfig(p Policy) map[string]interface{} {
	cfg := map[string]interface{}{
		"bolt_timeout": p.WriteLockTimeout.String(),
	}

	persister := map[string]interface{}{}
	if p.BufferBytes != nil {
		persister["MemoryPressurePauseThreshold"] = uint64(*p.BufferBytes)
	}

	if m := p.Merge; m != nil {
		plan := map[string]interface{}{}
		if m.Factor != nil {
			plan["MaxSegmentsPerTier"] = *m.Factor
			plan["SegmentsPerMergeTask"] = *m.Factor
		}
		if m.MaxDocs != nil {
			plan["MaxSegmentSize"] = int64(*m.MaxDocs)
			if *m.MaxDocs < defaultFloorSegmentSize {
				plan["FloorSegmentSize"] = int64(*m.MaxDocs)
			}
		}
		if m.MaxBytes != nil {
			plan["MaxSegmentFileSize"] = *m.MaxBytes
			plan["FloorSegmentFileSize"] = *m.MaxBytes / 10
		}
		if len(plan) > 0 {
			cfg["scorchMergePlanOptions"] = plan
		}
		if !m.CompoundFiles {
			// Persist flushed segments right away instead of napping
			// until the merger has folded them together.
			persister["PersisterNapTimeMSec"] = 0
			persister["PersisterNapUnderNumFiles"] = 0
		}
	}

	if len(persister) > 0 {
		cfg["scorchPersisterOptions"] = persister
	}
	return cfg
}

func openScorch(ctx context.Context, opts OpenOptions) (Directory, error) {
	d, err := openBleveOnDisk(opts, scorch.Name, scorch.Name, scorchRuntimeConfig(opts.Policy))
	if err != nil {
		return nil, err
	}
	return scorchDirectory{d}, nil
}

func openUpsidedown(ctx context.Context, opts OpenOptions) (Directory, error) {
	if opts.Policy.Merge != nil {
		opts.Logger.Debug("merge_policy_ignored",
			slog.String("backend", opts.ID),
			slog.String("reason", "upsidedown has no segments"))
	}
	return openBleveOnDisk(opts, upsidedown.Name, boltdb.Name, map[string]interface{}{})
}

func openMemory(ctx context.Context, opts OpenOptions) (Directory, error) {
	m, err := buildMapping(opts.Analyzer)
	if err != nil {
		return nil, err
	}
	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, classifyBleve(opts.Path, "create in-memory index", err)
	}
	return &bleveDirectory{
		id:      opts.ID,
		path:    opts.Path,
		logger:  opts.Logger,
		mapping: m,
		index:   idx,
	}, nil
}

func openBleveOnDisk(opts OpenOptions, indexType, kvStore string, runtime map[string]interface{}) (*bleveDirectory, error) {
	m, err := buildMapping(opts.Analyzer)
	if err != nil {
		return nil, err
	}

	if err := validateIndexIntegrity(opts.Path); err != nil {
		opts.Logger.Warn("index_corrupted",
			slog.String("path", opts.Path),
			slog.String("error", err.Error()))
		return nil, gserrors.CorruptionError(opts.Path, err)
	}

	d := &bleveDirectory{
		id:      opts.ID,
		path:    opts.Path,
		logger:  opts.Logger,
		mapping: m,
		runtime: runtime,
		reopen: func(rt map[string]interface{}) (bleve.Index, error) {
			return bleve.OpenUsing(opts.Path, cloneConfig(rt))
		},
	}

	var idx bleve.Index
	if fileExists(filepath.Join(opts.Path, bleveMetaFile)) {
		idx, err = bleve.OpenUsing(opts.Path, cloneConfig(runtime))
	} else {
		idx, err = bleve.NewUsing(opts.Path, m, indexType, kvStore, cloneConfig(runtime))
	}
	if err != nil {
		return nil, classifyBleve(opts.Path, "open index", err)
	}
	d.index = idx
	return d, nil
}

// cloneConfig copies the top level of a runtime config; bleve adds its own
// keys to the map it is given.
func cloneConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func encodeGeneration(gen uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, gen)
	return buf
}

func decodeGeneration(buf []byte) uint64 {
	if len(buf) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}

func (d *bleveDirectory) Path() string    { return d.path }
func (d *bleveDirectory) Backend() string { return d.id }

func (d *bleveDirectory) live() (bleve.Index, error) {
	if d.index == nil {
		return nil, gserrors.New(gserrors.ErrCodeHandleClosed, "directory is closed", nil).WithDetail("path", d.path)
	}
	return d.index, nil
}

// Apply implements Directory. Upserts replace the document stored under
// the same id, and the new generation is written in the same batch.
func (d *bleveDirectory) Apply(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.live()
	if err != nil {
		return err
	}
	raw, err := idx.GetInternal(generationKey)
	if err != nil {
		return classifyBleve(d.path, "read generation", err)
	}

	batch := idx.NewBatch()
	for _, op := range b.Ops() {
		if op.Kind == OpDelete {
			batch.Delete(op.Key)
			continue
		}
		if err := batch.Index(op.Key, bleveFields(op.Doc)); err != nil {
			return classifyBleve(d.path, fmt.Sprintf("index document %s", op.Key), err)
		}
	}
	batch.SetInternal(generationKey, encodeGeneration(decodeGeneration(raw)+1))

	if err := idx.Batch(batch); err != nil {
		return classifyBleve(d.path, "apply batch", err)
	}
	return nil
}

func bleveFields(doc Document) map[string]interface{} {
	fields := make(map[string]interface{}, len(doc.Fields)+1)
	for k, v := range doc.Fields {
		fields[k] = v
	}
	fields[KeyField] = doc.Key
	return fields
}

// Generation implements Directory.
func (d *bleveDirectory) Generation(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.live()
	if err != nil {
		return 0, err
	}
	raw, err := idx.GetInternal(generationKey)
	if err != nil {
		return 0, classifyBleve(d.path, "read generation", err)
	}
	return decodeGeneration(raw), nil
}

// OpenSnapshot implements Directory.
func (d *bleveDirectory) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.live()
	if err != nil {
		return nil, err
	}
	adv, err := idx.Advanced()
	if err != nil {
		return nil, classifyBleve(d.path, "open reader", err)
	}
	reader, err := adv.Reader()
	if err != nil {
		return nil, classifyBleve(d.path, "open reader", err)
	}
	raw, err := reader.GetInternal(generationKey)
	if err != nil {
		_ = reader.Close()
		return nil, classifyBleve(d.path, "read generation", err)
	}
	return &bleveSnapshot{path: d.path, reader: reader, gen: decodeGeneration(raw)}, nil
}

// ForceMerge implements Merger. Only scorch has segments to merge; the
// other bleve engines return without doing anything.
func (d *bleveDirectory) ForceMerge(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.live()
	if err != nil {
		return err
	}
	adv, err := idx.Advanced()
	if err != nil {
		return classifyBleve(d.path, "force merge", err)
	}
	merger, ok := adv.(interface {
		ForceMerge(context.Context, *mergeplan.MergePlanOptions) error
	})
	if !ok {
		d.logger.Debug("force_merge_unsupported", slog.String("backend", d.id), slog.String("path", d.path))
		return nil
	}
	opts := mergeplan.SingleSegmentMergePlanOptions
	if err := merger.ForceMerge(ctx, &opts); err != nil {
		return classifyBleve(d.path, "force merge", err)
	}
	return nil
}

// Close implements Directory.
func (d *bleveDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.index == nil {
		return nil
	}
	err := d.index.Close()
	d.index = nil
	return classifyBleve(d.path, "close index", err)
}

// SetMaxChunkSize bounds the segment size scorch merges in memory per
// worker. Scorch reads it at open, so the index is reopened.
func (d scorchDirectory) SetMaxChunkSize(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.live()
	if err != nil {
		return err
	}
	persister, _ := d.runtime["scorchPersisterOptions"].(map[string]interface{})
	if persister == nil {
		persister = map[string]interface{}{}
		d.runtime["scorchPersisterOptions"] = persister
	}
	persister["MaxSizeInMemoryMergePerWorker"] = int(bytes)

	if err := idx.Close(); err != nil {
		d.index = nil
		return classifyBleve(d.path, "close index", err)
	}
	reopened, err := d.reopen(d.runtime)
	if err != nil {
		d.index = nil
		return classifyBleve(d.path, "reopen index", err)
	}
	d.index = reopened
	return nil
}

// bleveSnapshot is a Snapshot over a bleve index reader.
type bleveSnapshot struct {
	path   string
	reader index.IndexReader
	gen    uint64
}

func (s *bleveSnapshot) Generation() uint64 { return s.gen }

func (s *bleveSnapshot) DocCount() (int, error) {
	n, err := s.reader.DocCount()
	if err != nil {
		return 0, classifyBleve(s.path, "count documents", err)
	}
	return int(n), nil
}

func (s *bleveSnapshot) Document(ctx context.Context, key string) (Document, bool, error) {
	doc, err := s.reader.Document(key)
	if err != nil {
		return Document{}, false, classifyBleve(s.path, "load document", err)
	}
	if doc == nil {
		return Document{}, false, nil
	}

	out := Document{Key: key, Fields: map[string]string{}}
	doc.VisitFields(func(f index.Field) {
		name := f.Name()
		if name == KeyField || strings.HasPrefix(name, ReservedFieldPrefix) {
			return
		}
		out.Fields[name] = string(f.Value())
	})
	return out, true, nil
}

func (s *bleveSnapshot) Fields(ctx context.Context) ([]string, error) {
	all, err := s.reader.Fields()
	if err != nil {
		return nil, classifyBleve(s.path, "list fields", err)
	}
	fields := make([]string, 0, len(all))
	for _, f := range all {
		if !strings.HasPrefix(f, ReservedFieldPrefix) {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

func (s *bleveSnapshot) Terms(ctx context.Context, field, start string, limit int) ([]TermFreq, int, error) {
	dict, err := s.reader.FieldDict(field)
	if err != nil {
		return nil, 0, classifyBleve(s.path, "open term dictionary", err)
	}
	defer func() { _ = dict.Close() }()

	var terms []TermFreq
	total := 0
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, 0, classifyBleve(s.path, "read term dictionary", err)
		}
		if entry == nil {
			break
		}
		total++
		if entry.Term >= start && len(terms) < limit {
			terms = append(terms, TermFreq{Term: entry.Term, DocFreq: entry.Count})
		}
	}
	return terms, total, nil
}

func (s *bleveSnapshot) Close() error {
	return classifyBleve(s.path, "close reader", s.reader.Close())
}
