package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
)

// Builtin backend ids.
const (
	BackendScorch     = "scorch"
	BackendUpsidedown = "upsidedown"
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
)

// OpenOptions is what a Factory needs to open a directory.
type OpenOptions struct {
	ID       string
	Path     string
	Mode     OpenMode
	Analyzer Analyzer
	Policy   Policy
	Logger   *slog.Logger
}

// Factory opens a directory of one backend.
type Factory func(ctx context.Context, opts OpenOptions) (Directory, error)

// Resolver maps backend ids to factories and opens directories with the
// analyzer and policy an index configuration calls for.
type Resolver struct {
	mu        sync.RWMutex
	factories map[string]Factory
	analyzers *AnalyzerRegistry
	logger    *slog.Logger
}

// NewResolver returns a resolver holding the builtin backends.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		factories: make(map[string]Factory),
		analyzers: NewAnalyzerRegistry(),
		logger:    logger,
	}
	r.Register(BackendScorch, openScorch)
	r.Register(BackendUpsidedown, openUpsidedown)
	r.Register(BackendMemory, openMemory)
	r.Register(BackendSQLite, openSQLite)
	return r
}

// Register adds or replaces the factory for id.
func (r *Resolver) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Analyzers returns the analyzer registry used when opening directories.
func (r *Resolver) Analyzers() *AnalyzerRegistry {
	return r.analyzers
}

// Backends returns the registered backend ids, sorted.
func (r *Resolver) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open opens the directory cfg describes. ModeCreate discards whatever the
// path held before. The max chunk size is applied only when the backend
// supports it.
func (r *Resolver) Open(ctx context.Context, cfg config.IndexConfig, mode OpenMode) (Directory, error) {
	id := cfg.BackendID()
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, gserrors.UnknownBackendError(id, r.Backends())
	}

	analyzer, err := r.analyzers.Resolve(cfg.Analyzer)
	if err != nil {
		return nil, err
	}
	policy := BuildPolicy(cfg)

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, gserrors.IOError("failed to create index directory", err).WithDetail("path", cfg.Path)
	}
	if mode == ModeCreate {
		if err := wipe(cfg.Path); err != nil {
			return nil, err
		}
	} else if found := DetectBackend(cfg.Path); found != "" && isOnDisk(id) && found != id {
		return nil, gserrors.ConfigError(
			fmt.Sprintf("index at %s was created by backend %q, configured backend is %q", cfg.Path, found, id), nil).
			WithSuggestion("set the backend back, or recreate the index")
	}

	dir, err := factory(ctx, OpenOptions{
		ID:       id,
		Path:     cfg.Path,
		Mode:     mode,
		Analyzer: analyzer,
		Policy:   policy,
		Logger:   r.logger,
	})
	if err != nil {
		if gserrors.GetCode(err) == "" {
			err = gserrors.New(gserrors.ErrCodeBackendInit, fmt.Sprintf("backend %s failed to open", id), err)
		}
		return nil, err
	}

	if policy.MaxChunkSize != nil {
		if cs, ok := dir.(ChunkSizer); ok {
			if err := cs.SetMaxChunkSize(*policy.MaxChunkSize); err != nil {
				_ = dir.Close()
				return nil, err
			}
		} else {
			r.logger.Debug("chunk_size_ignored",
				slog.String("backend", id),
				slog.String("path", cfg.Path))
		}
	}
	if t, ok := dir.(Tuner); ok {
		if err := t.Tune(policy); err != nil {
			_ = dir.Close()
			return nil, err
		}
	}

	r.logger.Info("directory_opened",
		slog.String("backend", id),
		slog.String("analyzer", analyzer.ID),
		slog.String("path", cfg.Path),
		slog.String("mode", mode.String()))
	return dir, nil
}

func isOnDisk(id string) bool {
	return id == BackendScorch || id == BackendUpsidedown || id == BackendSQLite
}

// DetectBackend reports which builtin backend created the index at path,
// or "" when the path holds no index.
func DetectBackend(path string) string {
	if fileExists(filepath.Join(path, sqliteFileName)) {
		return BackendSQLite
	}
	data, err := os.ReadFile(filepath.Join(path, bleveMetaFile))
	if err != nil {
		return ""
	}
	var meta struct {
		IndexType string `json:"index_type"`
	}
	if json.Unmarshal(data, &meta) != nil {
		return ""
	}
	switch meta.IndexType {
	case "upside_down":
		return BackendUpsidedown
	default:
		return BackendScorch
	}
}

// wipe removes everything in dir except the write lock.
func wipe(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return gserrors.IOError("failed to list index directory", err).WithDetail("path", dir)
	}
	for _, e := range entries {
		if e.Name() == LockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return gserrors.IOError("failed to clear index directory", err).WithDetail("path", dir)
		}
	}
	return nil
}

// hasIndexFiles reports whether dir holds anything besides the write lock.
func hasIndexFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Name() != LockFileName {
			return true
		}
	}
	return false
}

// DirSize returns the bytes used by the files under path. A missing path
// has size zero.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return size, nil
	}
	if err != nil {
		return 0, gserrors.IOError("failed to measure index directory", err).WithDetail("path", path)
	}
	return size, nil
}

// fileExists checks if a file exists at the given path.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
