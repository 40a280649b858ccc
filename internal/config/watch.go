package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// Live is a Config that follows its file on disk. A change that fails to
// parse or validate is logged and the previous configuration stays in effect.
//
// Index handles resolve their configuration when they are created, so a
// reload affects writers opened after it, not writers already open.
type Live struct {
	path     string
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(*Config)

	stopOnce sync.Once
	done     chan struct{}
}

// LiveOption configures a Live config.
type LiveOption func(*Live)

// WithLogger sets the logger used for reload events.
func WithLogger(logger *slog.Logger) LiveOption {
	return func(l *Live) { l.logger = logger }
}

// WithReloadHook registers fn to run after each successful reload.
func WithReloadHook(fn func(*Config)) LiveOption {
	return func(l *Live) { l.onReload = fn }
}

// Watch loads the config at path and keeps it current until ctx is done
// or Close is called.
func Watch(ctx context.Context, path string, opts ...LiveOption) (*Live, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}

	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	l := &Live{
		path:    absPath,
		watcher: fsw,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.current.Store(cfg)

	go l.run(ctx)
	return l, nil
}

// Current returns the configuration in effect.
func (l *Live) Current() *Config {
	return l.current.Load()
}

// IndexConfig resolves an index's configuration against the current snapshot.
func (l *Live) IndexConfig(name string) (IndexConfig, error) {
	return l.Current().IndexConfig(name)
}

// Close stops watching. It is safe to call more than once.
func (l *Live) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.watcher.Close()
	})
	return err
}

func (l *Live) run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = l.Close()
			return
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != l.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config_watch_error", slog.String("path", l.path), slog.String("error", err.Error()))
		}
	}
}

func (l *Live) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		l.logger.Warn("config_reload_rejected",
			slog.String("path", l.path),
			slog.String("error", err.Error()))
		return
	}
	l.current.Store(cfg)
	l.logger.Info("config_reloaded", slog.String("path", l.path), slog.Int("indexes", len(cfg.Indexes)))
	if l.onReload != nil {
		l.onReload(cfg)
	}
}
