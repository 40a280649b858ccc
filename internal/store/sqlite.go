package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

const (
	sqliteFileName = "index.db"

	// sqliteMaxConns leaves room for held snapshots next to the writer.
	sqliteMaxConns = 8

	minAutomerge = 2
	maxAutomerge = 16
)

// sqliteDirectory is a Directory over SQLite in WAL mode with an FTS5
// table of field postings. Stored documents live in a plain table keyed
// by the document key.
type sqliteDirectory struct {
	id       string
	path     string
	dbPath   string
	analyzer Analyzer
	policy   Policy
	logger   *slog.Logger

	mu       sync.Mutex
	db       *sql.DB
	mmapSize int64
}

var (
	_ Directory  = (*sqliteDirectory)(nil)
	_ Merger     = (*sqliteDirectory)(nil)
	_ ChunkSizer = (*sqliteDirectory)(nil)
	_ Tuner      = (*sqliteDirectory)(nil)
)

// validateSQLiteIntegrity checks an existing database before opening.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name IN ('meta', 'documents', 'postings')`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count != 3 {
		return fmt.Errorf("index tables missing")
	}
	return nil
}

// classifySQLite maps a SQLite error onto the error taxonomy.
func classifySQLite(path, op string, err error) error {
	if err == nil {
		return nil
	}
	if gserrors.GetCode(err) != "" {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"), strings.Contains(msg, "corrupt"):
		return gserrors.CorruptionError(path, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return gserrors.LockError(path, err)
	case strings.Contains(msg, "database or disk is full"), strings.Contains(msg, "no space left"):
		return gserrors.New(gserrors.ErrCodeDiskFull, op, err).WithDetail("path", path)
	default:
		return gserrors.IOError(op, err).WithDetail("path", path)
	}
}

func openSQLite(ctx context.Context, opts OpenOptions) (Directory, error) {
	d := &sqliteDirectory{
		id:       opts.ID,
		path:     opts.Path,
		dbPath:   filepath.Join(opts.Path, sqliteFileName),
		analyzer: opts.Analyzer,
		policy:   opts.Policy,
		logger:   opts.Logger,
	}

	if err := validateSQLiteIntegrity(d.dbPath); err != nil {
		opts.Logger.Warn("index_corrupted",
			slog.String("path", d.dbPath),
			slog.String("error", err.Error()))
		return nil, gserrors.CorruptionError(opts.Path, err)
	}

	if err := d.connect(); err != nil {
		return nil, err
	}
	if err := d.initSchema(ctx); err != nil {
		_ = d.db.Close()
		return nil, err
	}
	return d, nil
}

// dsn builds the connection string. Pragmas go in the DSN so that every
// pooled connection gets them.
func (d *sqliteDirectory) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", d.policy.WriteLockTimeout.Milliseconds()))
	q.Add("_pragma", "temp_store(MEMORY)")
	if d.policy.BufferBytes != nil {
		// Negative cache_size is in KiB.
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", -(*d.policy.BufferBytes >> 10)))
	}
	if d.mmapSize > 0 {
		q.Add("_pragma", fmt.Sprintf("mmap_size(%d)", d.mmapSize))
	}
	return d.dbPath + "?" + q.Encode()
}

func (d *sqliteDirectory) connect() error {
	db, err := sql.Open("sqlite", d.dsn())
	if err != nil {
		return classifySQLite(d.path, "open database", err)
	}
	db.SetMaxOpenConns(sqliteMaxConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	d.db = db
	return nil
}

func (d *sqliteDirectory) initSchema(ctx context.Context) error {
	tokenizer := d.analyzer.FTS5Tokenizer
	if tokenizer == "" {
		tokenizer = "unicode61"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO meta (key, value) VALUES ('generation', 0);

	CREATE TABLE IF NOT EXISTS documents (
		pid    TEXT PRIMARY KEY,
		fields TEXT NOT NULL
	);

	-- One row per (document, field); pid and field are stored, not searched.
	CREATE VIRTUAL TABLE IF NOT EXISTS postings USING fts5(
		pid UNINDEXED,
		field UNINDEXED,
		value,
		tokenize = '%s'
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS postings_vocab USING fts5vocab(postings, 'instance');
	`, tokenizer)

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return classifySQLite(d.path, "initialize schema", err)
	}
	return nil
}

func (d *sqliteDirectory) Path() string    { return d.path }
func (d *sqliteDirectory) Backend() string { return d.id }

func (d *sqliteDirectory) live() (*sql.DB, error) {
	if d.db == nil {
		return nil, gserrors.New(gserrors.ErrCodeHandleClosed, "directory is closed", nil).WithDetail("path", d.path)
	}
	return d.db, nil
}

// Apply implements Directory in a single transaction.
func (d *sqliteDirectory) Apply(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.live()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(d.path, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Write first so the transaction takes the write lock up front.
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'generation'`); err != nil {
		return classifySQLite(d.path, "advance generation", err)
	}

	delPostings, err := tx.PrepareContext(ctx, `DELETE FROM postings WHERE pid = ?`)
	if err != nil {
		return classifySQLite(d.path, "prepare delete", err)
	}
	defer func() { _ = delPostings.Close() }()

	delDoc, err := tx.PrepareContext(ctx, `DELETE FROM documents WHERE pid = ?`)
	if err != nil {
		return classifySQLite(d.path, "prepare delete", err)
	}
	defer func() { _ = delDoc.Close() }()

	insDoc, err := tx.PrepareContext(ctx, `INSERT INTO documents (pid, fields) VALUES (?, ?)`)
	if err != nil {
		return classifySQLite(d.path, "prepare insert", err)
	}
	defer func() { _ = insDoc.Close() }()

	insPosting, err := tx.PrepareContext(ctx, `INSERT INTO postings (pid, field, value) VALUES (?, ?, ?)`)
	if err != nil {
		return classifySQLite(d.path, "prepare insert", err)
	}
	defer func() { _ = insPosting.Close() }()

	for _, op := range b.Ops() {
		if _, err := delPostings.ExecContext(ctx, op.Key); err != nil {
			return classifySQLite(d.path, "delete postings", err)
		}
		if _, err := delDoc.ExecContext(ctx, op.Key); err != nil {
			return classifySQLite(d.path, "delete document", err)
		}
		if op.Kind == OpDelete {
			continue
		}

		stored, err := json.Marshal(op.Doc.Fields)
		if err != nil {
			return gserrors.InternalError("encode document fields", err)
		}
		if _, err := insDoc.ExecContext(ctx, op.Key, string(stored)); err != nil {
			return classifySQLite(d.path, "insert document", err)
		}
		for _, field := range sortedKeys(op.Doc.Fields) {
			if field == KeyField {
				continue
			}
			value := op.Doc.Fields[field]
			if d.analyzer.Prepare != nil {
				value = d.analyzer.Prepare(value)
			}
			if _, err := insPosting.ExecContext(ctx, op.Key, field, value); err != nil {
				return classifySQLite(d.path, "insert postings", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return classifySQLite(d.path, "commit", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Generation implements Directory.
func (d *sqliteDirectory) Generation(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	db, err := d.live()
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var gen uint64
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen); err != nil {
		return 0, classifySQLite(d.path, "read generation", err)
	}
	return gen, nil
}

// OpenSnapshot implements Directory. The snapshot is a read transaction,
// which in WAL mode keeps seeing the database as of its first read.
func (d *sqliteDirectory) OpenSnapshot(ctx context.Context) (Snapshot, error) {
	d.mu.Lock()
	db, err := d.live()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(d.path, "begin snapshot", err)
	}
	var gen uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'generation'`).Scan(&gen); err != nil {
		_ = tx.Rollback()
		return nil, classifySQLite(d.path, "read generation", err)
	}
	return &sqliteSnapshot{path: d.path, tx: tx, gen: gen}, nil
}

// ForceMerge implements Merger: FTS5 merges all b-tree segments into one,
// then the WAL is checkpointed into the main database.
func (d *sqliteDirectory) ForceMerge(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.live()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO postings (postings) VALUES ('optimize')`); err != nil {
		return classifySQLite(d.path, "optimize postings", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return classifySQLite(d.path, "checkpoint", err)
	}
	return nil
}

// Tune implements Tuner. The merge factor becomes the FTS5 automerge
// setting, which SQLite keeps in the database.
func (d *sqliteDirectory) Tune(p Policy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.live()
	if err != nil {
		return err
	}
	d.policy = p
	if p.Merge == nil {
		return nil
	}
	if p.Merge.MaxDocs != nil || p.Merge.MaxBytes != nil {
		d.logger.Debug("merge_limits_ignored", slog.String("backend", d.id), slog.String("path", d.path))
	}
	if p.Merge.Factor == nil {
		return nil
	}

	n := min(max(*p.Merge.Factor, minAutomerge), maxAutomerge)
	if _, err := db.Exec(`INSERT INTO postings (postings, rank) VALUES ('automerge', ?)`, n); err != nil {
		return classifySQLite(d.path, "set automerge", err)
	}
	return nil
}

// SetMaxChunkSize implements ChunkSizer through mmap_size. The pool is
// reconnected so every connection picks it up.
func (d *sqliteDirectory) SetMaxChunkSize(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.live(); err != nil {
		return err
	}
	d.mmapSize = bytes
	if err := d.db.Close(); err != nil {
		d.db = nil
		return classifySQLite(d.path, "close database", err)
	}
	d.db = nil
	return d.connect()
}

// Close implements Directory.
func (d *sqliteDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	_, _ = d.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	err := d.db.Close()
	d.db = nil
	return classifySQLite(d.path, "close database", err)
}

// sqliteSnapshot is a Snapshot over an open read transaction.
type sqliteSnapshot struct {
	path string
	tx   *sql.Tx
	gen  uint64
}

func (s *sqliteSnapshot) Generation() uint64 { return s.gen }

func (s *sqliteSnapshot) DocCount() (int, error) {
	var n int
	if err := s.tx.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, classifySQLite(s.path, "count documents", err)
	}
	return n, nil
}

func (s *sqliteSnapshot) Document(ctx context.Context, key string) (Document, bool, error) {
	var stored string
	err := s.tx.QueryRowContext(ctx, `SELECT fields FROM documents WHERE pid = ?`, key).Scan(&stored)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, classifySQLite(s.path, "load document", err)
	}

	doc := Document{Key: key, Fields: map[string]string{}}
	if err := json.Unmarshal([]byte(stored), &doc.Fields); err != nil {
		return Document{}, false, gserrors.CorruptionError(s.path, err)
	}
	return doc, true, nil
}

func (s *sqliteSnapshot) Fields(ctx context.Context) ([]string, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT DISTINCT field FROM postings`)
	if err != nil {
		return nil, classifySQLite(s.path, "list fields", err)
	}
	defer func() { _ = rows.Close() }()

	fields := []string{}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, classifySQLite(s.path, "list fields", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(s.path, "list fields", err)
	}
	if n, err := s.DocCount(); err == nil && n > 0 {
		fields = append(fields, KeyField)
	}
	sort.Strings(fields)
	return fields, nil
}

func (s *sqliteSnapshot) Terms(ctx context.Context, field, start string, limit int) ([]TermFreq, int, error) {
	var (
		pageQuery, totalQuery string
		pageArgs, totalArgs   []any
	)
	if field == KeyField {
		pageQuery = `SELECT pid, 1 FROM documents WHERE pid >= ? ORDER BY pid LIMIT ?`
		pageArgs = []any{start, limit}
		totalQuery = `SELECT COUNT(*) FROM documents`
	} else {
		pageQuery = `
			SELECT v.term, COUNT(DISTINCT p.pid)
			FROM postings_vocab v JOIN postings p ON p.rowid = v.doc
			WHERE p.field = ? AND v.term >= ?
			GROUP BY v.term ORDER BY v.term LIMIT ?`
		pageArgs = []any{field, start, limit}
		totalQuery = `
			SELECT COUNT(DISTINCT v.term)
			FROM postings_vocab v JOIN postings p ON p.rowid = v.doc
			WHERE p.field = ?`
		totalArgs = []any{field}
	}

	var total int
	if err := s.tx.QueryRowContext(ctx, totalQuery, totalArgs...).Scan(&total); err != nil {
		return nil, 0, classifySQLite(s.path, "count terms", err)
	}

	rows, err := s.tx.QueryContext(ctx, pageQuery, pageArgs...)
	if err != nil {
		return nil, 0, classifySQLite(s.path, "list terms", err)
	}
	defer func() { _ = rows.Close() }()

	var terms []TermFreq
	for rows.Next() {
		var tf TermFreq
		if err := rows.Scan(&tf.Term, &tf.DocFreq); err != nil {
			return nil, 0, classifySQLite(s.path, "list terms", err)
		}
		terms = append(terms, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifySQLite(s.path, "list terms", err)
	}
	return terms, total, nil
}

func (s *sqliteSnapshot) Close() error {
	err := s.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return classifySQLite(s.path, "close snapshot", err)
}
